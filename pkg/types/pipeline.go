package types

// Default execution policy applied when a step does not set its own.
const (
	DefaultStepTimeoutMs  = 30000
	DefaultRetryDelayMs   = 1000
	DefaultStepMaxRetries = 0
)

// RetryPolicy controls retry behavior for a single step. Delay is
// fixed between attempts, not exponential.
type RetryPolicy struct {
	MaxRetries   int `json:"max_retries"`
	RetryDelayMs int `json:"retry_delay_ms"`
}

// Step is one unit of work in a linearized pipeline, dispatched to
// the provider registered for its Type.
type Step struct {
	Type        string      `json:"type"`
	ProviderRef string      `json:"provider_ref,omitempty"`
	OutputKey   string      `json:"output_key,omitempty"`
	TimeoutMs   int         `json:"timeout_ms,omitempty"`
	Retry       RetryPolicy `json:"retry"`
}

// Pipeline is the ordered step list derived once from a validated
// workflow graph. It is immutable after being stored on a feature.
type Pipeline struct {
	Steps []Step `json:"steps"`
}

// Timeout returns the step's timeout in milliseconds, falling back
// to the default.
func (s *Step) Timeout() int {
	if s.TimeoutMs > 0 {
		return s.TimeoutMs
	}
	return DefaultStepTimeoutMs
}

// RetryDelay returns the delay between attempts in milliseconds,
// falling back to the default.
func (s *Step) RetryDelay() int {
	if s.Retry.RetryDelayMs > 0 {
		return s.Retry.RetryDelayMs
	}
	return DefaultRetryDelayMs
}
