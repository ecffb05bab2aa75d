package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/rapidaai/agentassist/internal/commons"
)

// redisBus implements Bus over Redis Streams
// (XADD/XREADGROUP/XACK/XAUTOCLAIM), a durable, ordered log with native
// consumer-group semantics.
type redisBus struct {
	client *redis.Client
	logger commons.Logger
	policy TrimPolicy
}

// NewRedisBus constructs a Bus backed by a Redis Streams connection.
func NewRedisBus(client *redis.Client, logger commons.Logger, policy TrimPolicy) Bus {
	if policy == nil {
		policy = func(string) TrimSpec { return TrimSpec{} }
	}
	return &redisBus{client: client, logger: logger, policy: policy}
}

func (b *redisBus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]interface{}{"payload": payload},
	}
	spec := b.policy(topic)
	if spec.MaxLen > 0 {
		args.MaxLen = spec.MaxLen
		args.Approx = true
	}

	id, err := b.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("bus: publish %s: %w", topic, err)
	}

	if spec.MaxAge > 0 {
		// Time-based retention for audio_stream: trim anything older than
		// the retention window using a synthetic min-id derived from
		// wall-clock time. Best-effort; failures are logged, never fatal
		// to the publish path.
		minID := fmt.Sprintf("%d-0", time.Now().Add(-spec.MaxAge).UnixMilli())
		if err := b.client.XTrimMinID(ctx, topic, minID).Err(); err != nil && b.logger != nil {
			b.logger.Debugw("bus: time-based trim failed", "topic", topic, "error", err)
		}
	}
	return id, nil
}

func (b *redisBus) ensureGroup(ctx context.Context, topic, group string) error {
	// "$" means new groups start at the stream's current tail: they never
	// replay history, matching live-transcript semantics.
	err := b.client.XGroupCreateMkStream(ctx, topic, group, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

type redisSubscription struct {
	topic, group, consumer string
	cancel                 context.CancelFunc
	closeOnce              sync.Once
}

func (s *redisSubscription) Topic() string    { return s.topic }
func (s *redisSubscription) Group() string    { return s.group }
func (s *redisSubscription) Consumer() string { return s.consumer }
func (s *redisSubscription) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (b *redisBus) Subscribe(ctx context.Context, topic, group, consumer string, handler Handler) (Subscription, error) {
	setupCtx, cancelSetup := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancelSetup()
	if err := b.ensureGroup(setupCtx, topic, group); err != nil {
		return nil, fmt.Errorf("bus: subscribe %s/%s: %w", topic, group, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &redisSubscription{topic: topic, group: group, consumer: consumer, cancel: cancel}
	go b.readLoop(subCtx, topic, group, consumer, handler)
	return sub, nil
}

// readLoop blocks on XREADGROUP and reconnects with exponential backoff
// (50ms -> 2s, jittered) on transient errors, resuming delivery via the
// group's stored cursor (">") — pending (delivered-but-unacked) messages
// are redelivered by a separate reclaim path, not by this loop.
func (b *redisBus) readLoop(ctx context.Context, topic, group, consumer string, handler Handler) {
	bo := newReconnectBackoff(ctx)

	for {
		if ctx.Err() != nil {
			return
		}

		readCtx, cancel := context.WithTimeout(ctx, DefaultBlockTimeout)
		res, err := b.client.XReadGroup(readCtx, &redis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{topic, ">"},
			Count:    64,
			Block:    DefaultBlockTimeout,
		}).Result()
		cancel()

		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.DeadlineExceeded) {
				// No new messages within the block window; this is normal
				// idle behaviour, not a connection failure.
				bo.Reset()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				wait = ReconnectMaxInterval
			}
			if b.logger != nil {
				b.logger.Warnw("bus: read error, reconnecting", "topic", topic, "group", group, "error", err, "backoff", wait)
			}
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
			continue
		}
		bo.Reset()

		for _, stream := range res {
			for _, m := range stream.Messages {
				payload, _ := m.Values["payload"].(string)
				msg := Message{ID: m.ID, Topic: topic, Payload: []byte(payload)}
				if err := handler(ctx, msg); err != nil && b.logger != nil {
					b.logger.Warnw("bus: handler error, message left pending",
						"topic", topic, "group", group, "id", m.ID, "error", err)
				}
			}
		}
	}
}

func newReconnectBackoff(ctx context.Context) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = ReconnectInitialInterval
	bo.MaxInterval = ReconnectMaxInterval
	bo.MaxElapsedTime = 0 // never give up; the bus is long-lived
	bo.RandomizationFactor = 0.2
	bo.Reset()
	return bo
}

func (b *redisBus) Ack(ctx context.Context, topic, group, messageID string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()
	if err := b.client.XAck(ctx, topic, group, messageID).Err(); err != nil {
		return fmt.Errorf("bus: ack %s/%s/%s: %w", topic, group, messageID, err)
	}
	return nil
}

func (b *redisBus) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration) ([]Message, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	var claimed []Message
	cursor := "0-0"
	for {
		msgs, next, err := b.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    cursor,
			Count:    100,
		}).Result()
		if err != nil {
			return claimed, fmt.Errorf("bus: reclaim %s/%s: %w", topic, group, err)
		}
		for _, m := range msgs {
			payload, _ := m.Values["payload"].(string)
			claimed = append(claimed, Message{ID: m.ID, Topic: topic, Payload: []byte(payload)})
		}
		if next == "0-0" || len(msgs) == 0 {
			break
		}
		cursor = next
	}
	return claimed, nil
}

func (b *redisBus) ScanTopics(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultOpTimeout)
	defer cancel()

	var out []string
	var cursor uint64
	for {
		keys, next, err := b.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("bus: scan_topics %s: %w", pattern, err)
		}
		out = append(out, keys...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

func (b *redisBus) Close() error {
	return b.client.Close()
}

// Jitter adds up to ±factor random variance to d, used by callers that need
// ad-hoc jitter outside of the backoff.ExponentialBackOff above (e.g. the
// ASR vendor reconnect loop, which has its own retry budget).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		return d
	}
	delta := float64(d) * factor
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}
