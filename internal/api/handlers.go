package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tideflow-ai/tideflow/internal/auth"
	"github.com/tideflow-ai/tideflow/internal/config"
	"github.com/tideflow-ai/tideflow/internal/engine"
	"github.com/tideflow-ai/tideflow/internal/featurestore"
	"github.com/tideflow-ai/tideflow/internal/payload"
	"github.com/tideflow-ai/tideflow/internal/provider"
	"github.com/tideflow-ai/tideflow/internal/quota"
	"github.com/tideflow-ai/tideflow/internal/taskstore"
	"github.com/tideflow-ai/tideflow/internal/topology"
	"github.com/tideflow-ai/tideflow/internal/validator"
	"github.com/tideflow-ai/tideflow/pkg/types"
)

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	tasks     taskstore.Store
	features  featurestore.Store
	registry  *provider.Registry
	quota     *quota.Coordinator
	engine    *engine.Engine
	validator *validator.Validator
	payloads  *payload.Service
	config    *config.Config
	logger    *slog.Logger
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(tasks taskstore.Store, features featurestore.Store, registry *provider.Registry, coordinator *quota.Coordinator, eng *engine.Engine, v *validator.Validator, payloads *payload.Service, cfg *config.Config, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		tasks:     tasks,
		features:  features,
		registry:  registry,
		quota:     coordinator,
		engine:    eng,
		validator: v,
		payloads:  payloads,
		config:    cfg,
		logger:    logger,
	}
}

// --- Health Endpoints ---

// Health handles the /health and /healthz endpoints.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// Ready handles the /ready endpoint, checking dependencies.
func (h *Handlers) Ready(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.tasks.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, http.StatusServiceUnavailable, "task store unhealthy", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    "ready",
		"taskstore": info,
	})
}

// --- Graph Validation ---

// ValidateGraphResponse combines schema and structural validation.
type ValidateGraphResponse struct {
	Valid    bool                        `json:"valid"`
	Schema   *validator.ValidationResult `json:"schema,omitempty"`
	Topology *topology.Result            `json:"topology,omitempty"`
	Pipeline *types.Pipeline             `json:"pipeline,omitempty"`
}

// ValidateGraph handles POST /api/v1/graphs/validate. Schema errors
// short-circuit; structural checks run only on well-shaped graphs. A
// valid graph comes back with its linearized pipeline.
func (h *Handlers) ValidateGraph(w http.ResponseWriter, r *http.Request) {
	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	if h.validator != nil {
		if schema := h.validator.ValidateGraphJSON(raw); !schema.Valid {
			h.respondJSON(w, http.StatusOK, ValidateGraphResponse{Valid: false, Schema: schema})
			return
		}
	}

	var graph types.WorkflowGraph
	if err := json.Unmarshal(raw, &graph); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid workflow graph", err)
		return
	}

	result := topology.Validate(&graph)
	resp := ValidateGraphResponse{Valid: result.Valid, Topology: result}
	if result.Valid {
		if pipeline, _, err := topology.Linearize(&graph); err == nil {
			resp.Pipeline = pipeline
		}
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// --- Feature Management ---

// CreateFeature handles POST /api/v1/features. A feature with a graph
// must pass validation; its pipeline is derived here, once, and stored
// immutably alongside the graph.
func (h *Handlers) CreateFeature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req featurestore.CreateFeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if claims := auth.GetClaims(ctx); claims != nil && req.CreatedBy == "" {
		req.CreatedBy = claims.Subject
	}

	if len(req.Graph) > 0 {
		pipeline, problems, ok := h.compileGraph(w, req.Graph)
		if !ok {
			return
		}
		req.Pipeline = pipeline
		if len(problems) > 0 {
			h.logger.Warn("feature graph compiled with warnings",
				slog.String("name", req.Name),
				slog.Int("warnings", len(problems)),
			)
		}
	}

	feature, err := h.features.Create(ctx, &req)
	if err != nil {
		if errors.Is(err, featurestore.ErrFeatureExists) {
			h.respondError(w, http.StatusConflict, "feature already exists", err)
			return
		}
		h.respondError(w, http.StatusBadRequest, "failed to create feature", err)
		return
	}

	h.respondJSON(w, http.StatusCreated, feature)
}

// compileGraph validates a graph and linearizes it. On failure it
// writes the error response and returns ok=false.
func (h *Handlers) compileGraph(w http.ResponseWriter, raw json.RawMessage) (*types.Pipeline, []topology.Problem, bool) {
	if h.validator != nil {
		if schema := h.validator.ValidateGraphJSON(raw); !schema.Valid {
			details := map[string]interface{}{"schema": schema.Errors}
			writeErrorResponseBare(w, http.StatusUnprocessableEntity, ErrCodeBadRequest, "graph failed schema validation", details)
			return nil, nil, false
		}
	}

	var graph types.WorkflowGraph
	if err := json.Unmarshal(raw, &graph); err != nil {
		writeErrorResponseBare(w, http.StatusBadRequest, ErrCodeBadRequest, "invalid workflow graph", nil)
		return nil, nil, false
	}

	result := topology.Validate(&graph)
	if !result.Valid {
		details := map[string]interface{}{"topology": result.Errors}
		writeErrorResponseBare(w, http.StatusUnprocessableEntity, ErrCodeBadRequest, "graph failed structural validation", details)
		return nil, nil, false
	}

	pipeline, problems, err := topology.Linearize(&graph)
	if err != nil {
		writeErrorResponseBare(w, http.StatusUnprocessableEntity, ErrCodeBadRequest, err.Error(), nil)
		return nil, nil, false
	}
	return pipeline, problems, true
}

// GetFeature handles GET /api/v1/features/{id}
func (h *Handlers) GetFeature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	feature, err := h.features.Get(ctx, id)
	if err != nil {
		if errors.Is(err, featurestore.ErrFeatureNotFound) {
			h.respondError(w, http.StatusNotFound, "feature not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get feature", err)
		return
	}

	h.respondJSON(w, http.StatusOK, feature)
}

// ListFeatures handles GET /api/v1/features
func (h *Handlers) ListFeatures(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	features, err := h.features.List(ctx, nil)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list features", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"features": features})
}

// UpdateFeature handles PUT /api/v1/features/{id}
func (h *Handlers) UpdateFeature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	var req featurestore.UpdateFeatureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	// A new graph re-derives the pipeline; the stored one never drifts
	// from its graph.
	if len(req.Graph) > 0 {
		pipeline, _, ok := h.compileGraph(w, req.Graph)
		if !ok {
			return
		}
		req.Pipeline = pipeline
	}

	feature, err := h.features.Update(ctx, id, &req)
	if err != nil {
		if errors.Is(err, featurestore.ErrFeatureNotFound) {
			h.respondError(w, http.StatusNotFound, "feature not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to update feature", err)
		return
	}

	h.respondJSON(w, http.StatusOK, feature)
}

// DeleteFeature handles DELETE /api/v1/features/{id}
func (h *Handlers) DeleteFeature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := mux.Vars(r)["id"]

	if err := h.features.Delete(ctx, id); err != nil {
		if errors.Is(err, featurestore.ErrFeatureNotFound) {
			h.respondError(w, http.StatusNotFound, "feature not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to delete feature", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// --- Task Management ---

// CreateTaskRequest is the request body for triggering a feature.
type CreateTaskRequest struct {
	FeatureID string          `json:"feature_id"`
	AccountID string          `json:"account_id,omitempty"` // Overridden by auth claims when present
	Input     json.RawMessage `json:"input,omitempty"`
}

// CreateTaskResponse is the response body after triggering a feature.
type CreateTaskResponse struct {
	TaskID string           `json:"task_id"`
	Status types.TaskStatus `json:"status"`
	SSEURL string           `json:"sse_url"`
}

// CreateTask handles POST /api/v1/tasks. The saga order is fixed:
// create the task, reserve quota against it, then start execution.
// A failed reservation leaves a failed task and no debit.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.FeatureID == "" {
		h.respondError(w, http.StatusBadRequest, "feature_id is required", errors.New("missing feature_id"))
		return
	}

	accountID := auth.AccountFromContext(ctx)
	if accountID == "" {
		accountID = req.AccountID
	}
	if accountID == "" {
		h.respondError(w, http.StatusBadRequest, "account_id is required", errors.New("missing account_id"))
		return
	}

	feature, err := h.features.Get(ctx, req.FeatureID)
	if err != nil {
		if errors.Is(err, featurestore.ErrFeatureNotFound) {
			h.respondError(w, http.StatusNotFound, "feature not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get feature", err)
		return
	}

	taskID, err := h.tasks.CreateTask(ctx, accountID, feature.ID, req.Input)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to create task", err)
		return
	}

	if _, err := h.quota.Reserve(ctx, accountID, taskID, feature.QuotaCost); err != nil {
		h.tasks.UpdateTaskStatus(ctx, taskID, types.TaskStatusFailed, nil, err.Error())
		h.respondQuotaError(w, r, err)
		return
	}

	// Execution runs detached from the request; the request context
	// dies with the response.
	go func() {
		if err := h.engine.Execute(context.Background(), taskID, feature.ID, req.Input); err != nil {
			h.logger.Warn("task execution ended in failure",
				slog.String("task_id", taskID),
				slog.Any("error", err),
			)
		}
	}()

	h.respondJSON(w, http.StatusAccepted, CreateTaskResponse{
		TaskID: taskID,
		Status: types.TaskStatusPending,
		SSEURL: "/api/v1/tasks/" + taskID + "/events",
	})
}

// respondQuotaError maps coordinator errors onto HTTP statuses with
// stable machine-readable codes.
func (h *Handlers) respondQuotaError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *quota.InsufficientError
	switch {
	case errors.Is(err, quota.ErrNotMember):
		writeErrorResponse(w, r, http.StatusForbidden, quota.CodeNotMember, "account is not an active member", nil)
	case errors.As(err, &insufficient):
		writeErrorResponse(w, r, http.StatusPaymentRequired, quota.CodeQuotaInsufficient, insufficient.Error(), map[string]interface{}{
			"remaining": insufficient.Remaining,
			"requested": insufficient.Requested,
		})
	case errors.Is(err, quota.ErrTransactionExists):
		writeErrorResponse(w, r, http.StatusConflict, ErrCodeConflict, "task already holds a quota transaction", nil)
	default:
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "quota reservation failed", nil)
	}
}

// GetTask handles GET /api/v1/tasks/{id}
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := mux.Vars(r)["id"]

	task, err := h.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get task", err)
		return
	}

	h.respondJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /api/v1/tasks
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	accountID := auth.AccountFromContext(ctx)
	if accountID == "" {
		accountID = r.URL.Query().Get("account_id")
	}

	tasks, err := h.tasks.ListTasks(ctx, accountID)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to list tasks", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"tasks": tasks})
}

// GetTaskSteps handles GET /api/v1/tasks/{id}/steps
func (h *Handlers) GetTaskSteps(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := mux.Vars(r)["id"]

	steps, err := h.tasks.GetSteps(ctx, taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get steps", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// GetTaskOutput handles GET /api/v1/tasks/{id}/output. Offloaded
// outputs are resolved back from object storage transparently.
func (h *Handlers) GetTaskOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := mux.Vars(r)["id"]

	task, err := h.tasks.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, taskstore.ErrTaskNotFound) {
			h.respondError(w, http.StatusNotFound, "task not found", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get task", err)
		return
	}
	if task.Output == nil {
		h.respondError(w, http.StatusNotFound, "task has no output", errors.New("no output"))
		return
	}

	output := task.Output
	if h.payloads != nil {
		resolved, err := h.payloads.Resolve(ctx, output)
		if err != nil {
			h.respondError(w, http.StatusInternalServerError, "failed to resolve output", err)
			return
		}
		output = resolved
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(output)
}

// --- Quota Management ---

// GetQuota handles GET /api/v1/quota/{account}
func (h *Handlers) GetQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := mux.Vars(r)["account"]

	balance, err := h.quota.GetQuota(ctx, accountID)
	if err != nil {
		if errors.Is(err, quota.ErrNotMember) {
			writeErrorResponse(w, r, http.StatusNotFound, quota.CodeNotMember, "unknown account", nil)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get quota", err)
		return
	}

	h.respondJSON(w, http.StatusOK, balance)
}

// CreditQuotaRequest is the request body for crediting an account.
type CreditQuotaRequest struct {
	Amount int64 `json:"amount"`
}

// CreditQuota handles POST /api/v1/quota/{account}/credit
func (h *Handlers) CreditQuota(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	accountID := mux.Vars(r)["account"]

	var req CreditQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}

	balance, err := h.quota.Credit(ctx, accountID, req.Amount)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "failed to credit account", err)
		return
	}

	h.respondJSON(w, http.StatusOK, balance)
}

// GetTaskTransaction handles GET /api/v1/tasks/{id}/transaction
func (h *Handlers) GetTaskTransaction(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	taskID := mux.Vars(r)["id"]

	tx, err := h.quota.GetTransaction(ctx, taskID)
	if err != nil {
		if errors.Is(err, quota.ErrTransactionNotFound) {
			h.respondError(w, http.StatusNotFound, "no transaction for task", err)
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to get transaction", err)
		return
	}

	h.respondJSON(w, http.StatusOK, tx)
}

// --- Providers ---

// ListProviders handles GET /api/v1/providers
func (h *Handlers) ListProviders(w http.ResponseWriter, r *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"providers": h.registry.Types(),
	})
}

// --- Task Store Diagnostics ---

// TaskStoreInfo handles GET /api/v1/taskstore/info
func (h *Handlers) TaskStoreInfo(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	info, err := h.tasks.AdapterInfo(ctx)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "failed to get taskstore info", err)
		return
	}

	h.respondJSON(w, http.StatusOK, info)
}

// TaskStoreSelfCheck handles GET /api/v1/taskstore/selfcheck.
// Creates a throwaway task, appends an event, and reads it back.
func (h *Handlers) TaskStoreSelfCheck(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()

	taskID, err := h.tasks.CreateTask(ctx, "_selfcheck", "_selfcheck", nil)
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck failed: create", err)
		return
	}

	_, err = h.tasks.AppendEvent(ctx, taskID, &types.EventInput{
		Type: types.EventTypeLog,
		Data: map[string]string{"message": "selfcheck"},
	})
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck failed: append", err)
		return
	}

	events, err := h.tasks.GetEventsSince(ctx, taskID, "")
	if err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck failed: read", err)
		return
	}

	if err := h.tasks.UpdateTaskStatus(ctx, taskID, types.TaskStatusFailed, nil, "selfcheck"); err != nil {
		h.respondError(w, http.StatusInternalServerError, "selfcheck failed: cleanup", err)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"latency_ms":  time.Since(start).Milliseconds(),
		"event_count": len(events),
	})
}

// --- Helper Methods ---

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string, err error) {
	h.logger.Error(message, "error", err, "status", status)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   message,
		"details": err.Error(),
	})
}

// writeErrorResponseBare writes a coded error without request context.
func writeErrorResponseBare(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   code,
		Message: message,
		Details: details,
	})
}
