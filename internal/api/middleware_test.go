package api

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

// Downstream handlers and error envelopes read the request ID from the
// context, so the logging middleware must store what it generates there.
func TestLoggingMiddlewareRequestID(t *testing.T) {
	h := NewHandlers(nil, nil, nil, nil, nil, nil, nil, nil, nil)

	var got string
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = GetRequestID(r.Context(), r)
	})

	t.Run("generated ID reaches the context", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/tasks", nil)
		rec := httptest.NewRecorder()
		h.LoggingMiddleware(inner).ServeHTTP(rec, req)

		if got == "" {
			t.Fatal("request ID not available in handler context")
		}
		if hdr := rec.Header().Get("X-Request-ID"); hdr != got {
			t.Errorf("context ID %q does not match response header %q", got, hdr)
		}
	})

	t.Run("client-supplied ID wins", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/api/v1/tasks", nil)
		req.Header.Set("X-Request-ID", "req-123")
		rec := httptest.NewRecorder()
		h.LoggingMiddleware(inner).ServeHTTP(rec, req)

		if got != "req-123" {
			t.Errorf("expected client request ID to pass through, got %q", got)
		}
	})
}
