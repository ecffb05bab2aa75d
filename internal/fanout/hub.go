// Package fanout implements the transcript fan-out: a discovery loop that
// tracks active calls, one durable-bus subscription per call's
// transcript.<interaction_id> topic, and a routing table delivering each
// message to every SSE client watching that call.
package fanout

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rapidaai/agentassist/internal/bus"
	"github.com/rapidaai/agentassist/internal/commons"
	"github.com/rapidaai/agentassist/internal/model"
	"github.com/rapidaai/agentassist/internal/registry"
)

// Config parameterises the fan-out hub.
type Config struct {
	ConsumerGroup     string // defaults to "ui-fanout"
	DiscoveryInterval time.Duration
	SubscriptionGrace time.Duration
	QueueSize         int

	// ReclaimInterval is how often each call's subscription sweeps its
	// consumer group for entries delivered but never acked (this process
	// having crashed and restarted mid-call). ReclaimMinIdle is how long
	// an entry must sit pending before it is eligible. Zero disables the
	// sweep.
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
}

// Hub owns every live per-call subscription and every connected SSE client.
// A single mutex guards its maps; the critical sections are all short
// (map lookups and snapshot copies; channel sends to clients happen after
// the lock is released), favoring one coarse lock over per-entry locking.
type Hub struct {
	logger  commons.Logger
	bus     bus.Bus
	reg     registry.Registry
	cfg     Config
	metrics *Metrics

	running atomic.Bool

	mu               sync.Mutex
	clients          map[string]map[*sseClient]struct{}
	subs             map[string]bus.Subscription
	endedSeen        map[string]time.Time
	transcriptCounts map[string]uint64
}

// NewHub constructs a fan-out Hub.
func NewHub(logger commons.Logger, b bus.Bus, reg registry.Registry, metrics *Metrics, cfg Config) *Hub {
	if logger == nil {
		logger = commons.NewNop()
	}
	if cfg.ConsumerGroup == "" {
		cfg.ConsumerGroup = "ui-fanout"
	}
	if cfg.DiscoveryInterval <= 0 {
		cfg.DiscoveryInterval = 5 * time.Second
	}
	if cfg.SubscriptionGrace <= 0 {
		cfg.SubscriptionGrace = 60 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Hub{
		logger:           logger,
		bus:              b,
		reg:              reg,
		cfg:              cfg,
		metrics:          metrics,
		clients:          make(map[string]map[*sseClient]struct{}),
		subs:             make(map[string]bus.Subscription),
		endedSeen:        make(map[string]time.Time),
		transcriptCounts: make(map[string]uint64),
	}
}

// Run polls the call registry every DiscoveryInterval, subscribing to newly
// active calls and unsubscribing calls that have been gone from the active
// list for longer than SubscriptionGrace. It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.running.Store(true)
	defer h.running.Store(false)

	ticker := time.NewTicker(h.cfg.DiscoveryInterval)
	defer ticker.Stop()

	var reclaimC <-chan time.Time
	if h.cfg.ReclaimInterval > 0 {
		reclaimTicker := time.NewTicker(h.cfg.ReclaimInterval)
		defer reclaimTicker.Stop()
		reclaimC = reclaimTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return nil
		case <-ticker.C:
			h.reconcile(ctx)
		case <-reclaimC:
			h.reclaimAll(ctx)
		}
	}
}

// reclaimAll sweeps every subscribed call's consumer group for entries
// delivered but never acked — this process having restarted mid-call — and
// replays them through route so reconnecting SSE clients still see them.
func (h *Hub) reclaimAll(ctx context.Context) {
	h.mu.Lock()
	callIDs := make([]string, 0, len(h.subs))
	for callID := range h.subs {
		callIDs = append(callIDs, callID)
	}
	h.mu.Unlock()

	for _, callID := range callIDs {
		topic := model.TranscriptTopic(callID)
		consumer := h.consumerName(callID)
		msgs, err := h.bus.Reclaim(ctx, topic, h.cfg.ConsumerGroup, consumer, h.cfg.ReclaimMinIdle)
		if err != nil {
			h.logger.Warnw("fanout: reclaim failed", "call_id", callID, "error", err)
			continue
		}
		for _, msg := range msgs {
			if h.metrics != nil {
				h.metrics.MessagesReclaimed.Inc()
			}
			h.route(callID, msg)
			if err := h.bus.Ack(ctx, topic, h.cfg.ConsumerGroup, msg.ID); err != nil {
				h.logger.Warnw("fanout: ack failed", "call_id", callID, "id", msg.ID, "error", err)
			}
		}
	}
}

func (h *Hub) reconcile(ctx context.Context) {
	active, err := h.reg.ListActive(ctx, 0)
	if err != nil {
		h.logger.Warnw("fanout: list_active failed", "error", err)
		return
	}
	activeIDs := make(map[string]struct{}, len(active))
	for _, c := range active {
		activeIDs[c.InteractionID] = struct{}{}
		h.subscribeCall(ctx, c.InteractionID)
	}

	h.mu.Lock()
	now := time.Now()
	var toDrop []string
	for callID := range h.subs {
		if _, stillActive := activeIDs[callID]; stillActive {
			delete(h.endedSeen, callID)
			continue
		}
		if _, seen := h.endedSeen[callID]; !seen {
			h.endedSeen[callID] = now
			continue
		}
		if now.Sub(h.endedSeen[callID]) >= h.cfg.SubscriptionGrace {
			toDrop = append(toDrop, callID)
		}
	}
	h.mu.Unlock()

	for _, callID := range toDrop {
		h.unsubscribeCall(callID)
	}
}

// EnsureSubscribed subscribes to callID immediately rather than waiting for
// the next discovery tick, used when a client connects to a call the hub
// hasn't observed yet.
func (h *Hub) EnsureSubscribed(ctx context.Context, callID string) {
	h.subscribeCall(ctx, callID)
}

func (h *Hub) subscribeCall(ctx context.Context, callID string) {
	h.mu.Lock()
	if _, ok := h.subs[callID]; ok {
		delete(h.endedSeen, callID)
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	topic := model.TranscriptTopic(callID)
	consumer := h.consumerName(callID)
	// The subscription outlives the caller's context (an HTTP request, for
	// on-demand subscribes); it ends only via unsubscribeCall or closeAll.
	sub, err := h.bus.Subscribe(context.WithoutCancel(ctx), topic, h.cfg.ConsumerGroup, consumer,
		func(ctx context.Context, msg bus.Message) error {
			h.route(callID, msg)
			if err := h.bus.Ack(ctx, topic, h.cfg.ConsumerGroup, msg.ID); err != nil {
				h.logger.Warnw("fanout: ack failed", "call_id", callID, "id", msg.ID, "error", err)
			}
			return nil
		})
	if err != nil {
		h.logger.Warnw("fanout: subscribe failed", "call_id", callID, "error", err)
		return
	}

	h.mu.Lock()
	h.subs[callID] = sub
	delete(h.endedSeen, callID)
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SubscriptionsActive.Inc()
	}
}

// consumerName derives a stable consumer identity for callID's subscription:
// the same name is used across process restarts so a crashed-and-restarted
// hub can reclaim its own orphaned pending entries instead of abandoning
// them under a throwaway name.
func (h *Hub) consumerName(callID string) string {
	return "fanout-" + callID
}

func (h *Hub) unsubscribeCall(callID string) {
	h.mu.Lock()
	sub, ok := h.subs[callID]
	delete(h.subs, callID)
	delete(h.endedSeen, callID)
	delete(h.transcriptCounts, callID)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = sub.Close()
	if h.metrics != nil {
		h.metrics.SubscriptionsActive.Dec()
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	subs := make([]bus.Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	clients := make([]*sseClient, 0)
	for _, set := range h.clients {
		for c := range set {
			clients = append(clients, c)
		}
	}
	h.subs = make(map[string]bus.Subscription)
	h.clients = make(map[string]map[*sseClient]struct{})
	h.mu.Unlock()

	for _, s := range subs {
		_ = s.Close()
	}
	for _, c := range clients {
		c.disconnect()
	}
}

// route delivers a transcript message to every client currently watching
// callID, dropping (and disconnecting) any client whose send queue is full.
func (h *Hub) route(callID string, msg bus.Message) {
	h.mu.Lock()
	h.transcriptCounts[callID]++
	set := h.clients[callID]
	clients := make([]*sseClient, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	h.mu.Unlock()
	if len(clients) == 0 {
		return
	}

	for _, c := range clients {
		select {
		case c.queue <- sseEvent{name: "transcript_line", data: msg.Payload}:
		default:
			h.logger.Warnw("fanout: client send queue full, disconnecting", "call_id", callID)
			c.disconnect()
		}
	}
}

func (h *Hub) registerClient(c *sseClient) {
	h.mu.Lock()
	set, ok := h.clients[c.callID]
	if !ok {
		set = make(map[*sseClient]struct{})
		h.clients[c.callID] = set
	}
	set[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientsConnected.Inc()
	}
}

func (h *Hub) unregisterClient(c *sseClient) {
	h.mu.Lock()
	set, ok := h.clients[c.callID]
	if ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.clients, c.callID)
		}
	}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ClientsConnected.Dec()
	}
}

// SubscriptionStatus reports one call's transcript subscription for the
// status endpoint.
type SubscriptionStatus struct {
	InteractionID   string `json:"interactionId"`
	TranscriptCount uint64 `json:"transcriptCount"`
}

// Status reports the fan-out hub's current state for GET /transcripts/status.
type Status struct {
	IsRunning         bool                 `json:"isRunning"`
	SubscriptionCount int                  `json:"subscriptionCount"`
	Subscriptions     []SubscriptionStatus `json:"subscriptions"`
}

func (h *Hub) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]SubscriptionStatus, 0, len(h.subs))
	for callID := range h.subs {
		subs = append(subs, SubscriptionStatus{
			InteractionID:   callID,
			TranscriptCount: h.transcriptCounts[callID],
		})
	}
	return Status{
		IsRunning:         h.running.Load(),
		SubscriptionCount: len(h.subs),
		Subscriptions:     subs,
	}
}

// ListActive delegates to the call registry, used by GET /calls/active.
func (h *Hub) ListActive(ctx context.Context, limit int) ([]model.Call, error) {
	return h.reg.ListActive(ctx, limit)
}

// PublishTranscript re-enters the transcript fan-out path for a message
// produced outside the ASR worker (an alternative provider pushing text
// directly): it ensures a subscription exists for callID, then publishes
// payload to the same transcript.<callID> topic the ASR worker writes to.
func (h *Hub) PublishTranscript(ctx context.Context, callID string, payload []byte) (string, error) {
	h.EnsureSubscribed(ctx, callID)
	return h.bus.Publish(ctx, model.TranscriptTopic(callID), payload)
}
