package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rapidaai/agentassist/internal/commons"
)

// memoryBus is a process-local Bus adapter. It implements the same
// subscribe/ack/reclaim semantics as redisbus so components can be tested
// without a Redis instance, and so PUBSUB_ADAPTER=in_memory is a real
// deployable (if non-durable) option for single-process demos.
type memoryBus struct {
	logger commons.Logger
	policy TrimPolicy

	mu     sync.Mutex
	topics map[string]*memTopic
	closed bool
}

type memEntry struct {
	id      uint64
	payload []byte
}

type memPending struct {
	entry      memEntry
	consumer   string
	deliveredAt time.Time
}

type memGroup struct {
	cursor  int // index into topic.entries of the next entry to hand out
	pending map[uint64]*memPending
}

type memTopic struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries []memEntry
	nextID  uint64
	groups  map[string]*memGroup
}

func newMemTopic() *memTopic {
	t := &memTopic{groups: make(map[string]*memGroup)}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// NewMemoryBus constructs an in-process Bus. policy may be nil to disable
// trimming. Only TrimSpec.MaxLen is applied; MaxAge (time-based retention)
// is ignored, so time-trimmed topics such as audio_stream grow unbounded.
func NewMemoryBus(logger commons.Logger, policy TrimPolicy) Bus {
	if policy == nil {
		policy = func(string) TrimSpec { return TrimSpec{} }
	}
	return &memoryBus{
		logger: logger,
		policy: policy,
		topics: make(map[string]*memTopic),
	}
}

func (b *memoryBus) topicFor(name string) *memTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = newMemTopic()
		b.topics[name] = t
	}
	return t
}

func formatID(n uint64) string { return fmt.Sprintf("%020d", n) }

func (b *memoryBus) Publish(ctx context.Context, topic string, payload []byte) (string, error) {
	t := b.topicFor(topic)
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.entries = append(t.entries, memEntry{id: id, payload: payload})

	spec := b.policy(topic)
	if spec.MaxLen > 0 && int64(len(t.entries)) > spec.MaxLen {
		drop := int64(len(t.entries)) - spec.MaxLen
		t.entries = t.entries[drop:]
		for _, g := range t.groups {
			g.cursor -= int(drop)
			if g.cursor < 0 {
				g.cursor = 0
			}
		}
	}
	t.cond.Broadcast()
	t.mu.Unlock()
	return formatID(id), nil
}

type memorySubscription struct {
	topic, group, consumer string
	cancel                 context.CancelFunc
	closeOnce              sync.Once
}

func (s *memorySubscription) Topic() string    { return s.topic }
func (s *memorySubscription) Group() string    { return s.group }
func (s *memorySubscription) Consumer() string { return s.consumer }
func (s *memorySubscription) Close() error {
	s.closeOnce.Do(s.cancel)
	return nil
}

func (b *memoryBus) Subscribe(ctx context.Context, topic, group, consumer string, handler Handler) (Subscription, error) {
	t := b.topicFor(topic)
	t.mu.Lock()
	if _, ok := t.groups[group]; !ok {
		// New consumer groups join at the tail: they do not replay
		// history, matching live-transcript semantics.
		t.groups[group] = &memGroup{
			cursor:  len(t.entries),
			pending: make(map[uint64]*memPending),
		}
	}
	t.mu.Unlock()

	subCtx, cancel := context.WithCancel(ctx)
	sub := &memorySubscription{topic: topic, group: group, consumer: consumer, cancel: cancel}

	go b.deliveryLoop(subCtx, t, topic, group, consumer, handler)
	return sub, nil
}

func (b *memoryBus) deliveryLoop(ctx context.Context, t *memTopic, topic, group, consumer string, handler Handler) {
	// watcher goroutine wakes the cond on ctx.Done so the blocked Wait()
	// below can observe cancellation.
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			t.mu.Lock()
			t.cond.Broadcast()
			t.mu.Unlock()
		case <-done:
		}
	}()
	defer close(done)

	for {
		t.mu.Lock()
		g := t.groups[group]
		for g.cursor >= len(t.entries) && ctx.Err() == nil {
			t.cond.Wait()
		}
		if ctx.Err() != nil {
			t.mu.Unlock()
			return
		}
		entry := t.entries[g.cursor]
		g.cursor++
		g.pending[entry.id] = &memPending{entry: entry, consumer: consumer, deliveredAt: time.Now()}
		t.mu.Unlock()

		msg := Message{ID: formatID(entry.id), Topic: topic, Payload: entry.payload}
		if err := handler(ctx, msg); err != nil && b.logger != nil {
			b.logger.Warnw("memorybus: handler error, message left pending",
				"topic", topic, "group", group, "id", msg.ID, "error", err)
		}
	}
}

func parseID(id string) (uint64, error) {
	var n uint64
	_, err := fmt.Sscanf(id, "%d", &n)
	return n, err
}

func (b *memoryBus) Ack(ctx context.Context, topic, group, messageID string) error {
	id, err := parseID(messageID)
	if err != nil {
		return fmt.Errorf("bus: invalid message id %q: %w", messageID, err)
	}
	t := b.topicFor(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[group]
	if !ok {
		return fmt.Errorf("bus: unknown group %q on topic %q", group, topic)
	}
	delete(g.pending, id)
	return nil
}

func (b *memoryBus) Reclaim(ctx context.Context, topic, group, consumer string, minIdle time.Duration) ([]Message, error) {
	t := b.topicFor(topic)
	t.mu.Lock()
	defer t.mu.Unlock()
	g, ok := t.groups[group]
	if !ok {
		return nil, fmt.Errorf("bus: unknown group %q on topic %q", group, topic)
	}

	var claimed []Message
	now := time.Now()
	for id, p := range g.pending {
		if now.Sub(p.deliveredAt) >= minIdle {
			p.consumer = consumer
			p.deliveredAt = now
			claimed = append(claimed, Message{ID: formatID(id), Topic: topic, Payload: p.entry.payload})
		}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].ID < claimed[j].ID })
	return claimed, nil
}

func (b *memoryBus) ScanTopics(ctx context.Context, pattern string) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for name := range b.topics {
		if globMatch(pattern, name) {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (b *memoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// globMatch supports the subset of glob syntax bus callers use: a single
// trailing "*" wildcard (e.g. "transcript.*").
func globMatch(pattern, name string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if len(pattern) > 0 && pattern[len(pattern)-1] == '*' {
		prefix := pattern[:len(pattern)-1]
		return len(name) >= len(prefix) && name[:len(prefix)] == prefix
	}
	return pattern == name
}
