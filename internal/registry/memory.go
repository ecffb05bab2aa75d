package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rapidaai/agentassist/internal/model"
)

type memRecord struct {
	call      model.Call
	expiresAt time.Time
}

// memoryRegistry is an in-process Registry adapter for tests and the
// PUBSUB_ADAPTER=in_memory deployment mode.
type memoryRegistry struct {
	mu      sync.Mutex
	records map[string]*memRecord
	callTTL time.Duration
	now     func() time.Time
}

// NewMemoryRegistry constructs an in-process Registry.
func NewMemoryRegistry(callTTL time.Duration) Registry {
	if callTTL <= 0 {
		callTTL = DefaultCallTTL
	}
	return &memoryRegistry{
		records: make(map[string]*memRecord),
		callTTL: callTTL,
		now:     time.Now,
	}
}

func (r *memoryRegistry) liveLocked(id string) (*memRecord, bool) {
	rec, ok := r.records[id]
	if !ok {
		return nil, false
	}
	if r.now().After(rec.expiresAt) {
		delete(r.records, id)
		return nil, false
	}
	return rec, true
}

func (r *memoryRegistry) Register(ctx context.Context, call model.Call) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if call.Status == "" {
		call.Status = model.CallActive
	}
	r.records[call.InteractionID] = &memRecord{call: call, expiresAt: r.now().Add(r.callTTL)}
	return nil
}

func (r *memoryRegistry) Touch(ctx context.Context, interactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.liveLocked(interactionID)
	if !ok {
		return nil
	}
	rec.call.LastActivityMs = r.now().UnixMilli()
	rec.expiresAt = r.now().Add(r.callTTL)
	return nil
}

func (r *memoryRegistry) End(ctx context.Context, interactionID string, endedTTL time.Duration) error {
	if endedTTL <= 0 {
		endedTTL = DefaultEndedTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.liveLocked(interactionID)
	if !ok {
		return nil
	}
	rec.call.Status = model.CallEnded
	rec.expiresAt = r.now().Add(endedTTL)
	return nil
}

func (r *memoryRegistry) Get(ctx context.Context, interactionID string) (model.Call, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.liveLocked(interactionID)
	if !ok {
		return model.Call{}, false, nil
	}
	return rec.call, true, nil
}

func (r *memoryRegistry) ListActive(ctx context.Context, limit int) ([]model.Call, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var calls []model.Call
	for id := range r.records {
		rec, ok := r.liveLocked(id)
		if !ok {
			continue
		}
		if rec.call.Status == model.CallActive {
			calls = append(calls, rec.call)
		}
	}
	sort.Slice(calls, func(i, j int) bool {
		return calls[i].LastActivityMs > calls[j].LastActivityMs
	})
	if limit > 0 && len(calls) > limit {
		calls = calls[:limit]
	}
	return calls, nil
}
