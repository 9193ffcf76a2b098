package sentinel

import (
	"context"

	"github.com/rs/zerolog/log"
)

// ToolFunc is the shape of a wrapped tool implementation.
type ToolFunc func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)

// Interceptor gates tool invocations for one tenant. Every call moves from
// pending to exactly one of allowed or blocked; there is no retry path, and a
// cancelled decision is blocked.
type Interceptor struct {
	client *Client
	tenant string
}

// NewInterceptor creates an interceptor for the given tenant.
func NewInterceptor(client *Client, tenant string) *Interceptor {
	return &Interceptor{client: client, tenant: tenant}
}

// Guard decides one invocation. A nil return means allowed. A non-nil return
// means blocked: *ValidationError, *DeniedError, or *EvaluationError.
func (i *Interceptor) Guard(ctx context.Context, req *InvocationRequest) error {
	if req.Tenant == "" {
		req.Tenant = i.tenant
	}
	decision, err := i.client.CheckPolicy(ctx, req)
	if err != nil {
		return err
	}
	if !decision.Allow {
		return &DeniedError{Reason: decision.Reason, QuotaRemaining: decision.QuotaRemaining}
	}
	return nil
}

// Wrap returns a ToolFunc that checks policy before calling fn and records a
// signed provenance manifest after fn succeeds. A failed recording does not
// fail the call: the tool already ran, so the result is returned and the
// recording failure is logged.
func (i *Interceptor) Wrap(toolName string, fn ToolFunc) ToolFunc {
	return func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
		if err := i.Guard(ctx, &InvocationRequest{
			Tenant: i.tenant,
			Tool:   toolName,
			Action: "invoke",
			Usage:  1,
		}); err != nil {
			return nil, err
		}

		result, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}

		if _, signErr := i.client.SignAction(ctx, i.tenant, toolName, "invoke", args); signErr != nil {
			log.Warn().Err(signErr).
				Str("tenant", i.tenant).
				Str("tool", toolName).
				Msg("provenance_recording_failed")
		}
		return result, nil
	}
}
