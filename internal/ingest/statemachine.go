package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rapidaai/agentassist/internal/bus"
	"github.com/rapidaai/agentassist/internal/commons"
	"github.com/rapidaai/agentassist/internal/model"
	"github.com/rapidaai/agentassist/internal/registry"
)

// connState is a node in the per-connection protocol state machine.
type connState int

const (
	stateInit connState = iota
	stateConnected
	stateStreaming
	stateTerminated
)

// WebSocket close codes used by the state machine.
const (
	closeProtocolViolation = 1002
	closeInternalError     = 1011
)

// publishRetryDelays implements the in-band retry schedule for a failed
// AudioFrame publish: 50ms, 100ms, 200ms, then give up.
var publishRetryDelays = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond}

// result is returned by Connection.Handle for each inbound frame: an
// optional reply to write back, and an optional close instruction.
type result struct {
	reply      []byte
	closeCode  int
	closeMsg   string
	shouldClose bool
}

// Connection drives one telephony WebSocket connection's protocol state
// machine. It is transport-agnostic: the gateway feeds it raw text frames
// and writes back result.reply / closes on result.shouldClose.
type Connection struct {
	logger  commons.Logger
	bus     bus.Bus
	reg     registry.Registry
	metrics *Metrics

	ackEveryNFrames int
	callTTL         time.Duration
	tenantID        string
	now             func() time.Time

	state            connState
	interactionID    string
	sampleRateHz     int
	seq              uint64
	framesSinceTouch int

	// lastProviderSeq tracks the telephony provider's own sequence_number
	// field so gaps (frame loss upstream of the gateway) can be detected
	// and logged without affecting our own contiguous AudioFrame.Seq,
	// which is logged, never fatal.
	lastProviderSeq int64
	haveProviderSeq bool

	// consecutiveSlowPublishes counts publishes in a row whose first
	// attempt exceeded slowPublishThreshold; it resets on any fast
	// publish and drives the congestion counter.
	consecutiveSlowPublishes int
}

// slowPublishThreshold and congestionStreak implement the backpressure
// signal: publish latency over 500ms for 5 consecutive frames increments the
// congestion counter without ever dropping a frame.
const (
	slowPublishThreshold = 500 * time.Millisecond
	congestionStreak     = 5
)

// NewConnection constructs a Connection in state INIT.
func NewConnection(logger commons.Logger, b bus.Bus, reg registry.Registry, metrics *Metrics, tenantID string, ackEveryNFrames int, callTTL time.Duration) *Connection {
	if ackEveryNFrames <= 0 {
		ackEveryNFrames = 25
	}
	return &Connection{
		logger:          logger,
		bus:             b,
		reg:             reg,
		metrics:         metrics,
		ackEveryNFrames: ackEveryNFrames,
		callTTL:         callTTL,
		tenantID:        tenantID,
		now:             time.Now,
		state:           stateInit,
	}
}

// InteractionID returns the call identifier once assigned by `start`.
func (c *Connection) InteractionID() string { return c.interactionID }

// State reports the current protocol state (exported for tests/metrics).
func (c *Connection) State() connState { return c.state }

// Handle processes one inbound text frame and returns the reaction.
func (c *Connection) Handle(ctx context.Context, raw []byte) result {
	event, err := discriminator(raw)
	if err != nil {
		return c.violate("malformed json")
	}

	switch c.state {
	case stateInit:
		if event != EventConnected {
			return c.violate("expected connected event in INIT")
		}
		c.state = stateConnected
		return result{}

	case stateConnected:
		if event != EventStart {
			return c.violate("expected start event in CONNECTED")
		}
		return c.handleStart(ctx, raw)

	case stateStreaming:
		switch event {
		case EventMedia:
			return c.handleMedia(ctx, raw)
		case EventStop:
			return c.handleStop(ctx, raw)
		default:
			return c.violate(fmt.Sprintf("unexpected event %q in STREAMING", event))
		}

	default: // TERMINATED
		return c.violate("connection already terminated")
	}
}

func (c *Connection) violate(reason string) result {
	if c.metrics != nil {
		c.metrics.ProtocolViolations.Inc()
	}
	if c.logger != nil {
		c.logger.Warnw("ingest: protocol violation", "interaction_id", c.interactionID, "reason", reason, "state", c.state)
	}
	c.state = stateTerminated
	return result{closeCode: closeProtocolViolation, closeMsg: reason, shouldClose: true}
}

func (c *Connection) handleStart(ctx context.Context, raw []byte) result {
	var ev StartEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return c.violate("malformed start event")
	}
	if ev.Start.CallSid == "" {
		return c.violate("start event missing call_sid")
	}
	encoding, ok := normalizeEncoding(ev.Start.MediaFormat.Encoding)
	if !ok {
		return c.violate(fmt.Sprintf("unsupported encoding %q", ev.Start.MediaFormat.Encoding))
	}
	rate, err := strconv.Atoi(ev.Start.MediaFormat.SampleRate)
	if err != nil || rate <= 0 {
		return c.violate("invalid sample_rate")
	}

	// interaction_id is always the provider's call_sid; it is never
	// treated as distinct from it downstream.
	c.interactionID = ev.Start.CallSid
	c.sampleRateHz = rate
	c.seq = 0

	call := model.Call{
		InteractionID:  c.interactionID,
		TenantID:       c.tenantID,
		From:           ev.Start.From,
		To:             ev.Start.To,
		StartTimeMs:    c.now().UnixMilli(),
		LastActivityMs: c.now().UnixMilli(),
		Status:         model.CallActive,
		SampleRateHz:   rate,
		Encoding:       model.Encoding(encoding),
	}
	if c.reg != nil {
		if err := c.reg.Register(ctx, call); err != nil && c.logger != nil {
			// Registry unavailability never blocks audio acceptance: the
			// call continues, just undiscoverable until the registry
			// recovers.
			c.logger.Warnw("ingest: registry register failed, continuing without discovery", "interaction_id", c.interactionID, "error", err)
		}
	}

	c.state = stateStreaming
	ack := StartedAckEvent{Event: "started", InteractionID: c.interactionID}
	reply, _ := json.Marshal(ack)
	return result{reply: reply}
}

func (c *Connection) handleMedia(ctx context.Context, raw []byte) result {
	var ev MediaEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return c.violate("malformed media event")
	}
	audio, err := base64.StdEncoding.DecodeString(ev.Media.Payload)
	if err != nil {
		return c.violate("invalid base64 payload")
	}
	c.checkProviderSeqGap(ev.SequenceNumber)

	c.seq++
	frame := model.AudioFrame{
		TenantID:      c.tenantID,
		InteractionID: c.interactionID,
		Seq:           c.seq,
		TimestampMs:   c.now().UnixMilli(),
		SampleRateHz:  c.sampleRateHz,
		Encoding:      model.EncodingPCM16,
		Audio:         audio,
	}
	if err := c.publishWithRetry(ctx, frame); err != nil {
		if c.logger != nil {
			c.logger.Errorw("ingest: publish failed after retries, closing connection", "interaction_id", c.interactionID, "seq", c.seq, "error", err)
		}
		if c.metrics != nil {
			c.metrics.PublishFailures.Inc()
		}
		c.state = stateTerminated
		return result{closeCode: closeInternalError, closeMsg: "publish failure", shouldClose: true}
	}

	c.framesSinceTouch++
	if c.framesSinceTouch >= c.ackEveryNFrames {
		c.framesSinceTouch = 0
		if c.reg != nil {
			if err := c.reg.Touch(ctx, c.interactionID); err != nil && c.logger != nil {
				c.logger.Debugw("ingest: registry touch failed", "interaction_id", c.interactionID, "error", err)
			}
		}
	}
	return result{}
}

// checkProviderSeqGap logs (but never rejects) a discontinuity in the
// telephony provider's own sequence_number field.
func (c *Connection) checkProviderSeqGap(providerSeq int64) {
	if c.haveProviderSeq && providerSeq != c.lastProviderSeq+1 {
		if c.metrics != nil {
			c.metrics.FrameGaps.Inc()
		}
		if c.logger != nil {
			c.logger.Warnw("ingest: frame sequence gap detected",
				"interaction_id", c.interactionID, "expected", c.lastProviderSeq+1, "got", providerSeq)
		}
	}
	c.lastProviderSeq = providerSeq
	c.haveProviderSeq = true
}

// publishWithRetry implements the in-band retry contract: every media
// event produces exactly one successful publish, or the connection is
// torn down.
func (c *Connection) publishWithRetry(ctx context.Context, frame model.AudioFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("ingest: marshal audio frame: %w", err)
	}

	var lastErr error
	attempts := append([]time.Duration{0}, publishRetryDelays...)
	for i, delay := range attempts {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		start := c.now()
		_, err := c.bus.Publish(ctx, model.AudioStreamTopic, payload)
		if i == 0 {
			c.recordPublishLatency(c.now().Sub(start))
		}
		if err == nil {
			if i > 0 && c.metrics != nil {
				c.metrics.PublishRetries.Add(float64(i))
			}
			return nil
		}
		lastErr = err
	}
	return lastErr
}

// recordPublishLatency tracks consecutive slow first-attempt publishes and
// increments the congestion counter for every slow publish once the streak
// has reached congestionStreak,
// never dropping a frame in the process.
func (c *Connection) recordPublishLatency(d time.Duration) {
	if d <= slowPublishThreshold {
		c.consecutiveSlowPublishes = 0
		return
	}
	c.consecutiveSlowPublishes++
	if c.consecutiveSlowPublishes >= congestionStreak && c.metrics != nil {
		c.metrics.CongestionEvents.Inc()
	}
}

func (c *Connection) handleStop(ctx context.Context, raw []byte) result {
	if c.reg != nil {
		if err := c.reg.End(ctx, c.interactionID, registry.DefaultEndedTTL); err != nil && c.logger != nil {
			c.logger.Warnw("ingest: registry end failed", "interaction_id", c.interactionID, "error", err)
		}
	}
	c.state = stateTerminated
	return result{shouldClose: true, closeCode: 1000, closeMsg: "stream stopped"}
}

// IdleTimeout closes the connection after no frame has been read for
// longer than the gateway's fixed idleTimeout (60s), in any protocol state.
func (c *Connection) IdleTimeout() result {
	c.state = stateTerminated
	return result{closeCode: closeInternalError, closeMsg: "idle timeout", shouldClose: true}
}
