// Package sentinel is the client SDK for the governance control plane.
//
// Agent frameworks embed it at the tool-call boundary: CheckPolicy asks
// whether one invocation may proceed, and Interceptor wraps tool functions so
// the question is asked (and the outcome recorded) automatically. The client
// fails closed: any failure to obtain a decision surfaces as an
// *EvaluationError, which callers must treat as a deny.
package sentinel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
)

// contextSchema types the well-known governance context keys. Unknown keys
// pass through untouched; only a known key with the wrong shape is rejected.
const contextSchema = `{
	"type": "object",
	"properties": {
		"tier":             {"type": ["integer", "string"]},
		"data_sensitivity": {"type": "string"},
		"criticality":      {"type": "string"}
	},
	"additionalProperties": true
}`

var contextSchemaLoader = gojsonschema.NewStringLoader(contextSchema)

// InvocationRequest describes one tool call awaiting a decision.
type InvocationRequest struct {
	Tenant  string                 `json:"tenant_slug"`
	Tool    string                 `json:"tool_name"`
	Action  string                 `json:"action"`
	Purpose string                 `json:"purpose"`
	Usage   int                    `json:"usage"`
	Context map[string]interface{} `json:"context"`
}

// Decision is the engine's answer. QuotaRemaining is nil when the tool's
// usage is untracked.
type Decision struct {
	Allow          bool   `json:"allow"`
	Reason         string `json:"reason,omitempty"`
	QuotaRemaining *int   `json:"quota_remaining,omitempty"`
}

// SignedManifest is the receipt for a recorded action.
type SignedManifest struct {
	ManifestID string `json:"manifest_id"`
	Signature  string `json:"signature"`
	Timestamp  string `json:"timestamp"`
}

// VerifyResult answers whether a manifest id names an intact signed record.
type VerifyResult struct {
	ManifestID string          `json:"manifest_id"`
	Verified   bool            `json:"verified"`
	Manifest   json.RawMessage `json:"manifest"`
}

// Client talks to the control plane HTTP API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the default client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// NewClient creates a control-plane client.
func NewClient(baseURL, apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// validate rejects malformed requests before any byte leaves the process.
func validate(req *InvocationRequest) error {
	if req.Tenant == "" {
		return &ValidationError{Field: "tenant", Message: "must not be empty"}
	}
	if req.Tool == "" {
		return &ValidationError{Field: "tool", Message: "must not be empty"}
	}
	if req.Usage < 0 {
		return &ValidationError{Field: "usage", Message: "must not be negative"}
	}
	if req.Context != nil {
		result, err := gojsonschema.Validate(contextSchemaLoader, gojsonschema.NewGoLoader(req.Context))
		if err != nil {
			return &ValidationError{Field: "context", Message: err.Error()}
		}
		if !result.Valid() {
			return &ValidationError{Field: "context", Message: result.Errors()[0].String()}
		}
	}
	return nil
}

// CheckPolicy asks the control plane whether the invocation may proceed.
//
// An explicit deny comes back as a Decision with Allow=false, not an error,
// so callers can read the reason. Errors are *ValidationError (nothing sent)
// or *EvaluationError (no decision obtained).
func (c *Client) CheckPolicy(ctx context.Context, req *InvocationRequest) (*Decision, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// Normalize so the engine always sees the full shape.
	normalized := *req
	if normalized.Context == nil {
		normalized.Context = map[string]interface{}{}
	}

	var decision Decision
	if err := c.post(ctx, "/policy/check", &normalized, http.StatusOK, &decision); err != nil {
		return nil, err
	}
	return &decision, nil
}

// SignAction records a completed action with the control plane and returns
// the signed manifest receipt.
func (c *Client) SignAction(ctx context.Context, tenant, tool, action string, payload map[string]interface{}) (*SignedManifest, error) {
	body := map[string]interface{}{
		"tenant_slug": tenant,
		"tool_name":   tool,
		"action":      action,
		"payload":     payload,
	}
	var signed SignedManifest
	if err := c.post(ctx, "/provenance/sign", body, http.StatusCreated, &signed); err != nil {
		return nil, err
	}
	return &signed, nil
}

// VerifyManifest asks whether manifestID names an intact signed record.
func (c *Client) VerifyManifest(ctx context.Context, manifestID string) (*VerifyResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/provenance/verify/"+manifestID, nil)
	if err != nil {
		return nil, &EvaluationError{Cause: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &EvaluationError{Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &EvaluationError{Cause: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &EvaluationError{Cause: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, body)}
	}
	var result VerifyResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &EvaluationError{Cause: err}
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}, wantStatus int, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return &EvaluationError{Cause: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return &EvaluationError{Cause: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &EvaluationError{Cause: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &EvaluationError{Cause: err}
	}
	if resp.StatusCode != wantStatus {
		return &EvaluationError{Cause: fmt.Errorf("unexpected status %d from %s: %s", resp.StatusCode, path, respBody)}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return &EvaluationError{Cause: fmt.Errorf("malformed response from %s: %w", path, err)}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-Sentinel-Key", c.apiKey)
	}
}
