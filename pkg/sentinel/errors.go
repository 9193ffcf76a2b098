package sentinel

import "fmt"

// ValidationError means the request was malformed before any network I/O.
// Nothing was sent to the control plane.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid invocation request: %s: %s", e.Field, e.Message)
}

// DeniedError means the engine evaluated the request and said no. The reason
// is the engine's, verbatim.
type DeniedError struct {
	Reason         string
	QuotaRemaining *int
}

func (e *DeniedError) Error() string {
	if e.Reason == "" {
		return "invocation denied"
	}
	return "invocation denied: " + e.Reason
}

// EvaluationError means no decision could be obtained at all: transport
// failure, unexpected status, malformed response, or cancellation. Callers
// must treat it exactly like a deny.
type EvaluationError struct {
	Cause error
}

func (e *EvaluationError) Error() string {
	if e.Cause == nil {
		return "policy evaluation failed"
	}
	return "policy evaluation failed: " + e.Cause.Error()
}

func (e *EvaluationError) Unwrap() error { return e.Cause }
