package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jlov7/Sentinel-MCP/internal/cryptoutil"
	sentinelotel "github.com/jlov7/Sentinel-MCP/internal/otel"
)

var tracer = sentinelotel.Tracer("github.com/jlov7/Sentinel-MCP/internal/provenance")

// Service signs action manifests and answers verification queries.
type Service struct {
	signer *Signer
	store  *Store
	now    func() time.Time
}

// NewService wires a signer to a manifest store.
func NewService(signer *Signer, store *Store) *Service {
	return &Service{signer: signer, store: store, now: time.Now}
}

// SignedManifest is the result of signing one action.
type SignedManifest struct {
	ManifestID string `json:"manifest_id"`
	Signature  string `json:"signature"`
	Timestamp  string `json:"timestamp"`
}

// VerifyResult is the answer to a verification query. Manifest is always the
// stored bytes, even when Verified is false, so callers can inspect what the
// record claims to be.
type VerifyResult struct {
	ManifestID string          `json:"manifest_id"`
	Verified   bool            `json:"verified"`
	Manifest   json.RawMessage `json:"manifest"`
}

// SignAction canonicalizes the action with tenant, tool, payload, and a
// signing timestamp, signs the bytes, and persists the manifest under the
// digest.
func (s *Service) SignAction(ctx context.Context, tenant, tool, action string, payload map[string]interface{}) (*SignedManifest, error) {
	ctx, span := tracer.Start(ctx, "provenance.sign",
		trace.WithAttributes(
			attribute.String("sentinel.tenant", tenant),
			attribute.String("sentinel.tool", tool),
			attribute.String("sentinel.action", action),
		))
	defer span.End()

	if payload == nil {
		payload = map[string]interface{}{}
	}
	timestamp := s.now().UTC().Format(time.RFC3339)

	manifest, err := cryptoutil.CanonicalJSON(map[string]interface{}{
		"tenant":    tenant,
		"tool":      tool,
		"action":    action,
		"payload":   payload,
		"timestamp": timestamp,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("canonicalize manifest: %w", err)
	}

	signature := s.signer.Sign(manifest)
	if err := s.store.Put(ctx, signature, tenant, tool, manifest, timestamp); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("provenance.manifest_id", signature))
	log.Info().
		Str("tenant", tenant).
		Str("tool", tool).
		Str("manifest_id", signature).
		Func(sentinelotel.LogTraceFields(ctx)).
		Msg("manifest_signed")

	return &SignedManifest{ManifestID: signature, Signature: signature, Timestamp: timestamp}, nil
}

// Verify recomputes the digest of the stored manifest bytes and compares it
// to the id. An unknown id returns ErrManifestNotFound; a digest mismatch
// returns Verified=false with the stored bytes attached.
func (s *Service) Verify(ctx context.Context, manifestID string) (*VerifyResult, error) {
	ctx, span := tracer.Start(ctx, "provenance.verify",
		trace.WithAttributes(attribute.String("provenance.manifest_id", manifestID)))
	defer span.End()

	manifest, err := s.store.Get(ctx, manifestID)
	if err != nil {
		if err != ErrManifestNotFound {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, err
	}

	verified := s.signer.Verify(manifest, manifestID)
	span.SetAttributes(attribute.Bool("provenance.verified", verified))
	if !verified {
		log.Warn().
			Str("manifest_id", manifestID).
			Func(sentinelotel.LogTraceFields(ctx)).
			Msg("manifest_verification_failed")
	}

	return &VerifyResult{ManifestID: manifestID, Verified: verified, Manifest: manifest}, nil
}
