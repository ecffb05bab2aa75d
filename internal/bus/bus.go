// Package bus defines the durable message bus abstraction: ordered topics,
// consumer groups, at-least-once delivery, and replay from stored offsets.
// Concrete adapters (redisbus, memorybus) implement Bus; callers depend only
// on this interface so tests can inject the in-memory adapter instead of a
// live Redis instance.
package bus

import (
	"context"
	"time"
)

// Message is a decoded bus entry delivered to a Handler.
type Message struct {
	ID      string
	Topic   string
	Payload []byte
}

// Handler processes one delivered message. Returning a non-nil error leaves
// the message pending for reclaim; the bus does not retry automatically.
type Handler func(ctx context.Context, msg Message) error

// Subscription is a live handle on a subscribe() call. Closing it stops the
// delivery loop; it does not delete the consumer group.
type Subscription interface {
	Topic() string
	Group() string
	Consumer() string
	// Close stops delivery for this subscription. Safe to call more than
	// once.
	Close() error
}

// Bus is the store-agnostic message bus contract: ordered per-topic
// delivery with consumer-group fan-out and at-least-once semantics.
type Bus interface {
	// Publish appends payload to topic and returns a monotonically
	// increasing message id. Not idempotent at the bus level; callers that
	// need de-duplication embed their own seq in payload.
	Publish(ctx context.Context, topic string, payload []byte) (string, error)

	// Subscribe joins or creates consumer group `group` on `topic` at the
	// topic's current tail (new groups never replay history) and invokes
	// handler for every message delivered to `consumer`. Subscribe returns
	// once the background delivery loop has started; delivery continues
	// until the returned Subscription is closed or ctx is cancelled.
	Subscribe(ctx context.Context, topic, group, consumer string, handler Handler) (Subscription, error)

	// Ack marks a delivered message processed, removing it from the group's
	// pending-entries list.
	Ack(ctx context.Context, topic, group, messageID string) error

	// Reclaim returns messages that have been pending (delivered but
	// unacked) for at least minIdle, claiming them for the calling
	// consumer so a crashed peer's work can be picked up and redelivered
	// to a handler.
	Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration) ([]Message, error)

	// ScanTopics enumerates topic names matching pattern (a glob as
	// understood by the adapter; redisbus uses Redis SCAN MATCH syntax).
	ScanTopics(ctx context.Context, pattern string) ([]string, error)

	// Close releases adapter resources (connections, background loops).
	Close() error
}

// Default operation timeouts: 5s for ordinary bus operations, 30s for
// blocking reads.
const (
	DefaultOpTimeout    = 5 * time.Second
	DefaultBlockTimeout = 30 * time.Second
)

// Backoff parameters for reconnect: initial 50ms, cap 2s, jittered.
const (
	ReconnectInitialInterval = 50 * time.Millisecond
	ReconnectMaxInterval     = 2 * time.Second
)
