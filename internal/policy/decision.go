// Package policy evaluates invocation requests against governance rules.
//
// The Engine interface is the decision contract: the embedded OPA engine is
// the default implementation, and RemoteEngine speaks the same protocol to an
// external OPA sidecar. Both consult the kill-switch registry before any rule
// or quota evaluation — "disabled" is the highest-priority branch of the
// decision, so the fail-closed override lives in exactly one place.
package policy

import (
	"context"
	"errors"
)

// ErrUndecidable marks failures where no decision could be produced at all
// (transport error, malformed engine response, cancelled evaluation).
// Callers must treat it as deny-equivalent, never as an allow.
var ErrUndecidable = errors.New("policy evaluation undecidable")

// ReasonDisabled is the reason string returned when the kill switch denies.
const ReasonDisabled = "disabled"

// CheckInput is one complete, normalized invocation request. Purpose and
// Context are never absent: callers normalize missing values to "" and an
// empty map before the engine sees them.
type CheckInput struct {
	TenantSlug string                 `json:"tenant_slug"`
	ToolName   string                 `json:"tool_name"`
	Action     string                 `json:"action"`
	Purpose    string                 `json:"purpose"`
	Usage      int                    `json:"usage"`
	Context    map[string]interface{} `json:"context"`
}

// Decision is the result of evaluating one invocation request.
// QuotaRemaining is present only when quota is tracked for the tool and, when
// present, reflects the state after accounting for this request's usage.
type Decision struct {
	Allow          bool   `json:"allow"`
	Reason         string `json:"reason,omitempty"`
	QuotaRemaining *int   `json:"quota_remaining,omitempty"`
}

// Engine evaluates a complete invocation request and returns a decision.
// An error return means the request is undecidable (wrapped ErrUndecidable);
// an explicit deny is a Decision with Allow=false, not an error.
type Engine interface {
	Check(ctx context.Context, in *CheckInput) (*Decision, error)
}
