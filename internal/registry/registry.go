// Package registry implements the Call Registry: a TTL-backed directory of
// active calls used for discovery by the transcript fan-out.
package registry

import (
	"context"
	"time"

	"github.com/rapidaai/agentassist/internal/model"
)

// Registry is the store-agnostic contract for call metadata.
type Registry interface {
	// Register upserts call with a fresh TTL.
	Register(ctx context.Context, call model.Call) error

	// Touch refreshes the TTL for interactionID only; a no-op (not an
	// error) if the record is absent.
	Touch(ctx context.Context, interactionID string) error

	// End marks the call ended and shortens its TTL so post-call queries
	// (e.g. late-arriving final transcripts) still resolve it briefly.
	End(ctx context.Context, interactionID string, endedTTL time.Duration) error

	// Get returns the current record for interactionID, or ok=false if
	// absent/expired.
	Get(ctx context.Context, interactionID string) (call model.Call, ok bool, err error)

	// ListActive returns up to limit active calls, most-recently-active
	// first.
	ListActive(ctx context.Context, limit int) ([]model.Call, error)
}

// MetadataKey returns the registry key for interactionID.
func MetadataKey(interactionID string) string {
	return "call:metadata:" + interactionID
}

// DefaultCallTTL is the TTL set on `start` and refreshed by the ingest
// gateway's Touch every N audio frames.
const DefaultCallTTL = 3600 * time.Second

// DefaultEndedTTL is the shortened TTL applied on `stop`.
const DefaultEndedTTL = 5 * time.Minute
