package policy

import (
	"context"
	"embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jlov7/Sentinel-MCP/internal/killswitch"
	sentinelotel "github.com/jlov7/Sentinel-MCP/internal/otel"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

var tracer = sentinelotel.Tracer("github.com/jlov7/Sentinel-MCP/internal/policy")

// regoPolicy maps a Rego file to the OPA query used to extract deny messages.
type regoPolicy struct {
	file  string
	query string
}

var allPolicies = []regoPolicy{
	{file: "rego/invocation.rego", query: "data.sentinel.policy.invocation.deny"},
	{file: "rego/data_access.rego", query: "data.sentinel.policy.data_access.deny"},
}

// OPAEngine evaluates invocation requests with embedded Rego policies.
// The kill-switch registry is consulted before any rule: a disabled tool is
// denied with reason "disabled" regardless of what the policies say, and
// without touching quota counters.
type OPAEngine struct {
	switches *killswitch.Registry
	quotas   *QuotaStore
	prepared map[string]rego.PreparedEvalQuery
}

// NewOPAEngine creates an engine with precompiled Rego policies.
// quotas may be nil, in which case no quota accounting happens.
func NewOPAEngine(ctx context.Context, switches *killswitch.Registry, quotas *QuotaStore) (*OPAEngine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	prepared := make(map[string]rego.PreparedEvalQuery, len(allPolicies))
	for _, rp := range allPolicies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}

		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(inmem.NewFromObject(map[string]interface{}{})),
		)

		pq, err := r.PrepareForEval(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}
		prepared[rp.file] = pq
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))

	return &OPAEngine{switches: switches, quotas: quotas, prepared: prepared}, nil
}

// Check evaluates one invocation request. The order is fixed: kill switch,
// then Rego rules, then quota. Quota is consumed only when everything before
// it allowed the request.
func (e *OPAEngine) Check(ctx context.Context, in *CheckInput) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.check",
		trace.WithAttributes(
			attribute.String("sentinel.tenant", in.TenantSlug),
			attribute.String("sentinel.tool", in.ToolName),
			attribute.String("sentinel.action", in.Action),
		))
	defer span.End()

	if e.switches != nil {
		disabled, err := e.switches.IsDisabled(ctx, in.TenantSlug, in.ToolName)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: kill switch lookup: %v", ErrUndecidable, err)
		}
		if disabled {
			span.SetAttributes(attribute.Bool("policy.allowed", false))
			log.Info().
				Str("tenant", in.TenantSlug).
				Str("tool", in.ToolName).
				Func(sentinelotel.LogTraceFields(ctx)).
				Msg("policy_denied_kill_switch")
			return &Decision{Allow: false, Reason: ReasonDisabled}, nil
		}
	}

	input := map[string]interface{}{
		"tenant":  in.TenantSlug,
		"tool":    in.ToolName,
		"action":  in.Action,
		"purpose": in.Purpose,
		"usage":   in.Usage,
		"context": in.Context,
	}
	if in.Context == nil {
		input["context"] = map[string]interface{}{}
	}

	var reasons []string
	for _, rp := range allPolicies {
		r, err := e.evaluateDenyPolicy(ctx, rp.file, input)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: %v", ErrUndecidable, err)
		}
		reasons = append(reasons, r...)
	}
	if len(reasons) > 0 {
		span.SetAttributes(
			attribute.Bool("policy.allowed", false),
			attribute.Int("policy.deny_reasons", len(reasons)),
		)
		return &Decision{Allow: false, Reason: reasons[0]}, nil
	}

	decision := &Decision{Allow: true}
	if e.quotas != nil {
		remaining, ok, err := e.quotas.Consume(ctx, in.TenantSlug, in.ToolName, in.Usage)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("%w: quota accounting: %v", ErrUndecidable, err)
		}
		decision.QuotaRemaining = remaining
		if !ok {
			decision.Allow = false
			decision.Reason = fmt.Sprintf("quota exceeded for tool %q", in.ToolName)
		}
	}

	span.SetAttributes(attribute.Bool("policy.allowed", decision.Allow))
	if decision.Allow {
		span.SetStatus(codes.Ok, "policy evaluation passed")
	}
	return decision, nil
}

func (e *OPAEngine) evaluateDenyPolicy(ctx context.Context, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// The result of querying "data.xxx.deny" is a set of strings.
	// OPA returns it as []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	}
	return reasons, nil
}
