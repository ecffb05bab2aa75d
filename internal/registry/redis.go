package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/agentassist/internal/model"
)

const opTimeout = 5 * time.Second

// redisRegistry implements Registry over plain Redis key-value operations:
// SET EX for TTL, SCAN+MGET for enumeration.
type redisRegistry struct {
	client  *redis.Client
	callTTL time.Duration
}

// NewRedisRegistry constructs a Registry backed by Redis.
func NewRedisRegistry(client *redis.Client, callTTL time.Duration) Registry {
	if callTTL <= 0 {
		callTTL = DefaultCallTTL
	}
	return &redisRegistry{client: client, callTTL: callTTL}
}

func (r *redisRegistry) Register(ctx context.Context, call model.Call) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	if call.Status == "" {
		call.Status = model.CallActive
	}
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("registry: marshal call: %w", err)
	}
	if err := r.client.Set(ctx, MetadataKey(call.InteractionID), data, r.callTTL).Err(); err != nil {
		return fmt.Errorf("registry: register %s: %w", call.InteractionID, err)
	}
	return nil
}

func (r *redisRegistry) Touch(ctx context.Context, interactionID string) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	call, ok, err := r.getLocked(ctx, interactionID)
	if err != nil {
		return err
	}
	if !ok {
		// Touch is a no-op when the record is absent: registry
		// unavailability/expiry must never fail the caller's hot path.
		return nil
	}
	call.LastActivityMs = time.Now().UnixMilli()
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("registry: marshal call: %w", err)
	}
	return r.client.Set(ctx, MetadataKey(interactionID), data, r.callTTL).Err()
}

func (r *redisRegistry) End(ctx context.Context, interactionID string, endedTTL time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if endedTTL <= 0 {
		endedTTL = DefaultEndedTTL
	}

	call, ok, err := r.getLocked(ctx, interactionID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	call.Status = model.CallEnded
	data, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("registry: marshal call: %w", err)
	}
	return r.client.Set(ctx, MetadataKey(interactionID), data, endedTTL).Err()
}

func (r *redisRegistry) getLocked(ctx context.Context, interactionID string) (model.Call, bool, error) {
	raw, err := r.client.Get(ctx, MetadataKey(interactionID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Call{}, false, nil
	}
	if err != nil {
		return model.Call{}, false, fmt.Errorf("registry: get %s: %w", interactionID, err)
	}
	var call model.Call
	if err := json.Unmarshal(raw, &call); err != nil {
		return model.Call{}, false, fmt.Errorf("registry: unmarshal %s: %w", interactionID, err)
	}
	return call, true, nil
}

func (r *redisRegistry) Get(ctx context.Context, interactionID string) (model.Call, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	return r.getLocked(ctx, interactionID)
}

func (r *redisRegistry) ListActive(ctx context.Context, limit int) ([]model.Call, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var calls []model.Call
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, MetadataKey("*"), 200).Result()
		if err != nil {
			return nil, fmt.Errorf("registry: scan: %w", err)
		}
		if len(keys) > 0 {
			vals, err := r.client.MGet(ctx, keys...).Result()
			if err != nil {
				return nil, fmt.Errorf("registry: mget: %w", err)
			}
			for _, v := range vals {
				s, ok := v.(string)
				if !ok {
					continue
				}
				var call model.Call
				if err := json.Unmarshal([]byte(s), &call); err != nil {
					continue
				}
				if call.Status == model.CallActive {
					calls = append(calls, call)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
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
