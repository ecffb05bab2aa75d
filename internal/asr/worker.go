package asr

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rapidaai/agentassist/internal/bus"
	"github.com/rapidaai/agentassist/internal/commons"
	"github.com/rapidaai/agentassist/internal/model"
)

// Config parameterises the ASR worker manager.
type Config struct {
	ConsumerGroup  string
	Consumer       string
	BufferWindow   time.Duration
	IdleTeardown   time.Duration
	MaxReconnects  int
	AmplifyEnabled bool
	AmplifyGain    float64

	// ReclaimInterval is how often the manager sweeps audio_stream's
	// consumer group for entries delivered but never acked (a worker
	// that crashed mid-frame). ReclaimMinIdle is how long an entry must
	// sit pending before it is eligible. Zero disables the sweep.
	ReclaimInterval time.Duration
	ReclaimMinIdle  time.Duration
}

// Manager subscribes to the shared audio_stream topic, demuxes frames by
// interaction_id, and owns one callWorker per active call. Demux and
// per-call lifecycle live here so a crash or stall on one call's vendor
// connection never blocks another's.
type Manager struct {
	logger  commons.Logger
	bus     bus.Bus
	dialer  VendorDialer
	metrics *Metrics
	cfg     Config

	mu      sync.Mutex
	workers map[string]*callWorker
}

// NewManager constructs an ASR worker manager.
func NewManager(logger commons.Logger, b bus.Bus, dialer VendorDialer, metrics *Metrics, cfg Config) *Manager {
	if logger == nil {
		logger = commons.NewNop()
	}
	return &Manager{
		logger:  logger,
		bus:     b,
		dialer:  dialer,
		metrics: metrics,
		cfg:     cfg,
		workers: make(map[string]*callWorker),
	}
}

// Run subscribes to the audio stream and processes frames until ctx is
// cancelled, tearing down every live call worker before returning.
func (m *Manager) Run(ctx context.Context) error {
	sub, err := m.bus.Subscribe(ctx, model.AudioStreamTopic, m.cfg.ConsumerGroup, m.cfg.Consumer, m.handleFrame)
	if err != nil {
		return fmt.Errorf("asr: subscribe audio_stream: %w", err)
	}

	var reclaimDone chan struct{}
	if m.cfg.ReclaimInterval > 0 {
		reclaimDone = make(chan struct{})
		go func() {
			defer close(reclaimDone)
			m.reclaimLoop(ctx)
		}()
	}

	<-ctx.Done()
	_ = sub.Close()
	if reclaimDone != nil {
		<-reclaimDone
	}
	m.shutdownAll()
	return nil
}

// reclaimLoop periodically claims audio_stream entries left pending by a
// worker that died before acking, and replays them through handleFrame so
// their frames still reach a live callWorker.
func (m *Manager) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.ReclaimInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msgs, err := m.bus.Reclaim(ctx, model.AudioStreamTopic, m.cfg.ConsumerGroup, m.cfg.Consumer, m.cfg.ReclaimMinIdle)
			if err != nil {
				m.logger.Warnw("asr: reclaim failed", "error", err)
				continue
			}
			for _, msg := range msgs {
				if m.metrics != nil {
					m.metrics.MessagesReclaimed.Inc()
				}
				_ = m.handleFrame(ctx, msg)
			}
		}
	}
}

func (m *Manager) handleFrame(ctx context.Context, msg bus.Message) error {
	var frame model.AudioFrame
	if err := json.Unmarshal(msg.Payload, &frame); err != nil {
		m.logger.Warnw("asr: malformed audio frame, dropping", "error", err)
		m.ack(ctx, msg.ID)
		return nil
	}
	w := m.workerFor(frame)
	select {
	case w.frames <- frame:
	default:
		m.logger.Warnw("asr: worker frame queue full, dropping frame",
			"interaction_id", frame.InteractionID, "seq", frame.Seq)
	}
	m.ack(ctx, msg.ID)
	return nil
}

// ack marks messageID processed. Frame handling never retries at the bus
// level (the worker's own buffer and reconnect logic is the retry path),
// so every handleFrame outcome short of a crash is acked immediately.
func (m *Manager) ack(ctx context.Context, messageID string) {
	if err := m.bus.Ack(ctx, model.AudioStreamTopic, m.cfg.ConsumerGroup, messageID); err != nil {
		m.logger.Warnw("asr: ack failed", "id", messageID, "error", err)
	}
}

func (m *Manager) workerFor(frame model.AudioFrame) *callWorker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.workers[frame.InteractionID]; ok {
		return w
	}
	w := newCallWorker(m, frame)
	m.workers[frame.InteractionID] = w
	go w.run()
	return w
}

func (m *Manager) remove(interactionID string) {
	m.mu.Lock()
	delete(m.workers, interactionID)
	m.mu.Unlock()
}

func (m *Manager) shutdownAll() {
	m.mu.Lock()
	workers := make([]*callWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.workers = make(map[string]*callWorker)
	m.mu.Unlock()
	for _, w := range workers {
		w.Stop()
	}
}

// ActiveCalls reports how many callWorkers are currently live, for tests
// and diagnostics.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workers)
}

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateOpen
	stateReconnecting
)

// callWorker is the per-call actor described as AudioBuffer: it accumulates
// incoming audio, flushes it to the vendor on a fixed window, and republishes
// the vendor's transcript events. Exactly one callWorker exists per
// interaction_id, and it is the sole owner of its vendorConn.
type callWorker struct {
	manager        *Manager
	interactionID  string
	tenantID       string
	sampleRateHz   int
	bufferWindow   time.Duration
	idleTeardown   time.Duration
	maxReconnects  int
	amplifyEnabled bool
	amplifyGain    float64

	frames chan model.AudioFrame
	stop   chan struct{}
	done   chan struct{}

	mu                sync.Mutex
	pending           []byte
	vendorConn        VendorConn
	state             connState
	reconnectAttempts int
	seqOut            uint64
	lastFrameAt       time.Time
	startedAt         time.Time
	firstPartialSeen  bool
}

func newCallWorker(m *Manager, frame model.AudioFrame) *callWorker {
	now := time.Now()
	return &callWorker{
		manager:        m,
		interactionID:  frame.InteractionID,
		tenantID:       frame.TenantID,
		sampleRateHz:   frame.SampleRateHz,
		bufferWindow:   orDefaultDuration(m.cfg.BufferWindow, 300*time.Millisecond),
		idleTeardown:   orDefaultDuration(m.cfg.IdleTeardown, 30*time.Second),
		maxReconnects:  orDefaultInt(m.cfg.MaxReconnects, 5),
		amplifyEnabled: m.cfg.AmplifyEnabled,
		amplifyGain:    m.cfg.AmplifyGain,
		frames:         make(chan model.AudioFrame, 64),
		stop:           make(chan struct{}),
		done:           make(chan struct{}),
		startedAt:      now,
		lastFrameAt:    now,
		state:          stateDisconnected,
	}
}

func orDefaultDuration(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func orDefaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}

// Stop tears the worker down and blocks until its goroutine has exited.
func (w *callWorker) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	<-w.done
}

func (w *callWorker) run() {
	defer close(w.done)
	flushTicker := time.NewTicker(w.bufferWindow)
	defer flushTicker.Stop()
	idleTicker := time.NewTicker(w.idleTeardown)
	defer idleTicker.Stop()

	for {
		select {
		case <-w.stop:
			w.teardown()
			return
		case f := <-w.frames:
			w.onFrame(f)
		case <-flushTicker.C:
			w.flush()
		case <-idleTicker.C:
			if w.idleExceeded() {
				w.manager.remove(w.interactionID)
				w.teardown()
				return
			}
		}
	}
}

func (w *callWorker) onFrame(f model.AudioFrame) {
	w.mu.Lock()
	w.pending = append(w.pending, f.Audio...)
	w.lastFrameAt = time.Now()
	w.mu.Unlock()
}

func (w *callWorker) idleExceeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return time.Since(w.lastFrameAt) >= w.idleTeardown
}

func (w *callWorker) teardown() {
	w.mu.Lock()
	conn := w.vendorConn
	w.vendorConn = nil
	w.state = stateDisconnected
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// flush drains the pending buffer and, unless it is silence, forwards it to
// the vendor connection, dialing or redialing as needed.
func (w *callWorker) flush() {
	w.mu.Lock()
	chunk := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(chunk) == 0 {
		return
	}
	if isSilence(chunk, w.sampleRateHz) {
		return
	}
	if w.amplifyEnabled && w.sampleRateHz == 8000 {
		chunk = amplify(chunk, w.amplifyGain)
	}

	conn, err := w.ensureConn()
	if err != nil {
		w.manager.logger.Warnw("asr: dropping audio chunk, vendor unavailable",
			"interaction_id", w.interactionID, "error", err)
		return
	}

	sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.SendAudio(sendCtx, chunk); err != nil {
		w.manager.logger.Warnw("asr: send audio failed, will reconnect",
			"interaction_id", w.interactionID, "error", err)
		w.handleVendorError()
		return
	}
	if w.manager.metrics != nil {
		w.manager.metrics.ChunksSent.Inc()
	}
}

func (w *callWorker) ensureConn() (VendorConn, error) {
	w.mu.Lock()
	if w.state == stateOpen && w.vendorConn != nil {
		conn := w.vendorConn
		w.mu.Unlock()
		return conn, nil
	}
	w.mu.Unlock()
	return w.connect()
}

// connect dials a fresh vendor connection, applying exponential backoff with
// jitter between attempts and abandoning the call after maxReconnects
// consecutive failures.
func (w *callWorker) connect() (VendorConn, error) {
	w.mu.Lock()
	attempt := w.reconnectAttempts
	if attempt > w.maxReconnects {
		w.mu.Unlock()
		return nil, fmt.Errorf("asr: vendor connection abandoned for this call")
	}
	w.state = stateConnecting
	w.mu.Unlock()

	if attempt > 0 {
		delay := reconnectBackoff(attempt)
		select {
		case <-time.After(delay):
		case <-w.stop:
			return nil, fmt.Errorf("asr: worker stopping")
		}
	}

	conn, err := w.manager.dialer.Dial(context.Background(), w.sampleRateHz)
	if err != nil {
		w.mu.Lock()
		w.reconnectAttempts++
		attempts := w.reconnectAttempts
		w.state = stateReconnecting
		w.mu.Unlock()
		if attempts > w.maxReconnects {
			w.mu.Lock()
			w.state = stateDisconnected
			w.mu.Unlock()
			if w.manager.metrics != nil {
				w.manager.metrics.ReconnectsAbandoned.Inc()
			}
			return nil, fmt.Errorf("asr: vendor connect abandoned after %d attempts: %w", attempts, err)
		}
		return nil, fmt.Errorf("asr: vendor connect attempt %d failed: %w", attempts, err)
	}

	w.mu.Lock()
	w.vendorConn = conn
	w.state = stateOpen
	w.reconnectAttempts = 0
	w.mu.Unlock()

	if w.manager.metrics != nil {
		w.manager.metrics.ConnectionsCreated.Inc()
		w.manager.metrics.ConnectionsActive.Inc()
	}
	go w.receiveEvents(conn)
	return conn, nil
}

// reconnectBackoff returns the delay before reconnect attempt n (1-based),
// doubling from 250ms up to a 5s cap with +/-20% jitter.
func reconnectBackoff(attempt int) time.Duration {
	base := 250 * time.Millisecond
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= 5*time.Second {
			d = 5 * time.Second
			break
		}
	}
	return bus.Jitter(d, 0.2)
}

func (w *callWorker) handleVendorError() {
	w.mu.Lock()
	conn := w.vendorConn
	w.vendorConn = nil
	w.state = stateReconnecting
	w.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// receiveEvents republishes every non-empty vendor transcript event until
// the connection's event channel closes, at which point the connection is
// considered ended and the next flush will redial.
func (w *callWorker) receiveEvents(conn VendorConn) {
	for ev := range conn.Events() {
		if strings.TrimSpace(ev.Text) == "" {
			continue
		}
		w.publishTranscript(ev)
	}

	w.mu.Lock()
	if w.vendorConn == conn {
		w.vendorConn = nil
		w.state = stateReconnecting
	}
	w.mu.Unlock()
	if w.manager.metrics != nil {
		w.manager.metrics.ConnectionsActive.Dec()
	}
}

func (w *callWorker) publishTranscript(ev VendorEvent) {
	w.mu.Lock()
	w.seqOut++
	seq := w.seqOut
	firstPartial := !w.firstPartialSeen && !ev.IsFinal
	if firstPartial {
		w.firstPartialSeen = true
	}
	startedAt := w.startedAt
	w.mu.Unlock()

	tType := model.TranscriptPartial
	if ev.IsFinal {
		tType = model.TranscriptFinal
	}
	t := model.Transcript{
		InteractionID: w.interactionID,
		TenantID:      w.tenantID,
		Seq:           seq,
		Type:          tType,
		Text:          ev.Text,
		Confidence:    ev.Confidence,
		TimestampMs:   time.Now().UnixMilli(),
	}
	if t.IsEmpty() {
		return
	}
	raw, err := json.Marshal(t)
	if err != nil {
		w.manager.logger.Errorw("asr: marshal transcript failed", "interaction_id", w.interactionID, "error", err)
		return
	}

	pubCtx, cancel := context.WithTimeout(context.Background(), bus.DefaultOpTimeout)
	defer cancel()
	if _, err := w.manager.bus.Publish(pubCtx, model.TranscriptTopic(w.interactionID), raw); err != nil {
		w.manager.logger.Warnw("asr: publish transcript failed", "interaction_id", w.interactionID, "error", err)
		return
	}
	if w.manager.metrics != nil {
		w.manager.metrics.TranscriptsReceived.Inc()
		if firstPartial {
			w.manager.metrics.FirstPartialLatencyMs.Observe(float64(time.Since(startedAt).Milliseconds()))
		}
	}
}
