package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultRemotePackage is the OPA data path queried when none is configured.
const DefaultRemotePackage = "sentinel/invocation"

// RemoteEngine queries an external OPA server over its data API instead of
// evaluating embedded policies. Any transport failure, non-200 status, or
// response without a result document is undecidable, never an allow.
type RemoteEngine struct {
	baseURL string
	pkg     string
	client  *http.Client
}

// NewRemoteEngine creates an engine that POSTs to
// {baseURL}/v1/data/{pkg} with the invocation request as OPA input.
func NewRemoteEngine(baseURL, pkg string) *RemoteEngine {
	if pkg == "" {
		pkg = DefaultRemotePackage
	}
	return &RemoteEngine{
		baseURL: strings.TrimRight(baseURL, "/"),
		pkg:     strings.Trim(pkg, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// remoteResult is the policy document the remote package is expected to
// produce. DenyReason carries zero or more messages; the first one becomes
// the decision reason.
type remoteResult struct {
	Allow          bool     `json:"allow"`
	DenyReason     []string `json:"deny_reason"`
	QuotaRemaining *int     `json:"quota_remaining"`
}

// Check implements Engine against the remote OPA data API.
func (e *RemoteEngine) Check(ctx context.Context, in *CheckInput) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.check_remote",
		trace.WithAttributes(
			attribute.String("sentinel.tenant", in.TenantSlug),
			attribute.String("sentinel.tool", in.ToolName),
			attribute.String("opa.package", e.pkg),
		))
	defer span.End()

	payload, err := json.Marshal(map[string]interface{}{"input": in})
	if err != nil {
		return nil, fmt.Errorf("%w: encode input: %v", ErrUndecidable, err)
	}

	url := e.baseURL + "/v1/data/" + e.pkg
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrUndecidable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("%w: query %s: %v", ErrUndecidable, url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUndecidable, err)
	}
	if resp.StatusCode != http.StatusOK {
		span.SetStatus(codes.Error, resp.Status)
		return nil, fmt.Errorf("%w: engine returned %d", ErrUndecidable, resp.StatusCode)
	}

	var envelope struct {
		Result *remoteResult `json:"result"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUndecidable, err)
	}
	// A missing result means the package does not exist on the server.
	if envelope.Result == nil {
		return nil, fmt.Errorf("%w: no result for package %s", ErrUndecidable, e.pkg)
	}

	decision := &Decision{
		Allow:          envelope.Result.Allow,
		QuotaRemaining: envelope.Result.QuotaRemaining,
	}
	if !decision.Allow && len(envelope.Result.DenyReason) > 0 {
		decision.Reason = envelope.Result.DenyReason[0]
	}

	span.SetAttributes(attribute.Bool("policy.allowed", decision.Allow))
	return decision, nil
}
