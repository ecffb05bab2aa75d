package asr

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/agentassist/internal/asr/vendor/mockvendor"
	"github.com/rapidaai/agentassist/internal/bus"
	"github.com/rapidaai/agentassist/internal/model"
)

func newTestManager(t *testing.T, dialer *mockvendor.Dialer) (*Manager, bus.Bus) {
	t.Helper()
	b := bus.NewMemoryBus(nil, nil)
	reg := prometheus.NewRegistry()
	m := NewManager(nil, b, dialer, NewMetrics(reg), Config{
		ConsumerGroup: "asr-workers",
		Consumer:      "asr-worker-1",
		BufferWindow:  20 * time.Millisecond,
		IdleTeardown:  200 * time.Millisecond,
		MaxReconnects: 3,
	})
	return m, b
}

func loudFrame(interactionID string, n int) model.AudioFrame {
	pcm := make([]byte, n*2)
	for i := 0; i < n; i++ {
		// a strong alternating signal, well above both silence-gate buckets
		v := int16(20000)
		if i%2 == 0 {
			v = -20000
		}
		pcm[2*i] = byte(uint16(v))
		pcm[2*i+1] = byte(uint16(v) >> 8)
	}
	return model.AudioFrame{
		TenantID:      "tenant-1",
		InteractionID: interactionID,
		SampleRateHz:  8000,
		Encoding:      model.EncodingPCM16,
		Audio:         pcm,
	}
}

func publishFrame(t *testing.T, b bus.Bus, f model.AudioFrame) {
	t.Helper()
	raw, err := json.Marshal(f)
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), model.AudioStreamTopic, raw)
	require.NoError(t, err)
}

func TestASRWorker_HappyPath_TranscriptsPublished(t *testing.T) {
	dialer := mockvendor.NewDialer()
	m, b := newTestManager(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	received := make(chan model.Transcript, 4)
	_, err := b.Subscribe(context.Background(), model.TranscriptTopic("call-1"), "ui-fanout", "c1", func(ctx context.Context, msg bus.Message) error {
		var tr model.Transcript
		if err := json.Unmarshal(msg.Payload, &tr); err == nil {
			received <- tr
		}
		return nil
	})
	require.NoError(t, err)

	publishFrame(t, b, loudFrame("call-1", 4800))

	require.Eventually(t, func() bool { return dialer.DialCount() >= 1 }, time.Second, 5*time.Millisecond)
	conns := dialer.Conns()
	require.Len(t, conns, 1)
	conns[0].Emit(VendorEvent{Text: "hello there", IsFinal: false})
	conns[0].Emit(VendorEvent{Text: "hello there, agent", IsFinal: true})

	var first, second model.Transcript
	select {
	case first = <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for first transcript")
	}
	select {
	case second = <-received:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second transcript")
	}

	assert.Equal(t, uint64(1), first.Seq)
	assert.Equal(t, model.TranscriptPartial, first.Type)
	assert.Equal(t, uint64(2), second.Seq)
	assert.Equal(t, model.TranscriptFinal, second.Type)
	assert.Equal(t, "tenant-1", second.TenantID)
}

func TestASRWorker_SilenceIsNeverSentToVendor(t *testing.T) {
	dialer := mockvendor.NewDialer()
	m, b := newTestManager(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	silentFrame := model.AudioFrame{
		TenantID:      "tenant-1",
		InteractionID: "call-quiet",
		SampleRateHz:  8000,
		Encoding:      model.EncodingPCM16,
		Audio:         make([]byte, 4800*2), // all-zero samples
	}
	publishFrame(t, b, silentFrame)

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, 0, dialer.DialCount(), "silence must never trigger a vendor dial")
}

func TestASRWorker_AtMostOneConnectionPerCall(t *testing.T) {
	dialer := mockvendor.NewDialer()
	m, b := newTestManager(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	for i := 0; i < 5; i++ {
		publishFrame(t, b, loudFrame("call-2", 4800))
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return dialer.DialCount() >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, dialer.DialCount(), "a single call must never hold more than one vendor connection")
}

func TestASRWorker_ReconnectsAfterVendorError(t *testing.T) {
	dialer := mockvendor.NewDialer()
	m, b := newTestManager(t, dialer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	publishFrame(t, b, loudFrame("call-3", 4800))
	require.Eventually(t, func() bool { return dialer.DialCount() >= 1 }, time.Second, 5*time.Millisecond)

	first := dialer.Conns()[0]
	first.EmitError(assertErr("vendor connection reset"))

	publishFrame(t, b, loudFrame("call-3", 4800))
	require.Eventually(t, func() bool { return dialer.DialCount() >= 2 }, time.Second, 5*time.Millisecond)

	conns := dialer.Conns()
	require.Len(t, conns, 2)
	conns[1].Emit(VendorEvent{Text: "recovered", IsFinal: true})

	_, err := b.Subscribe(context.Background(), model.TranscriptTopic("call-3"), "ui-fanout", "c1", func(ctx context.Context, msg bus.Message) error {
		return nil
	})
	require.NoError(t, err)
}

func TestASRWorker_AcksFrameAfterHandling(t *testing.T) {
	dialer := mockvendor.NewDialer()
	b := bus.NewMemoryBus(nil, nil)
	reg := prometheus.NewRegistry()
	m := NewManager(nil, b, dialer, NewMetrics(reg), Config{
		ConsumerGroup: "asr-workers",
		Consumer:      "asr-worker-1",
		BufferWindow:  20 * time.Millisecond,
		IdleTeardown:  200 * time.Millisecond,
		MaxReconnects: 3,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	publishFrame(t, b, loudFrame("call-ack", 4800))

	require.Eventually(t, func() bool {
		msgs, err := b.Reclaim(ctx, model.AudioStreamTopic, "asr-workers", "reclaimer", 0)
		require.NoError(t, err)
		return len(msgs) == 0
	}, time.Second, 5*time.Millisecond, "frame should be acked, not left pending")
}

func TestASRWorker_ReclaimLoopRedeliversOrphanedFrame(t *testing.T) {
	dialer := mockvendor.NewDialer()
	b := bus.NewMemoryBus(nil, nil)
	reg := prometheus.NewRegistry()
	m := NewManager(nil, b, dialer, NewMetrics(reg), Config{
		ConsumerGroup:   "asr-workers",
		Consumer:        "asr-worker-1",
		BufferWindow:    20 * time.Millisecond,
		IdleTeardown:    200 * time.Millisecond,
		MaxReconnects:   3,
		ReclaimInterval: 20 * time.Millisecond,
		ReclaimMinIdle:  0,
	})

	// Simulate a frame delivered to a now-dead consumer: join the group
	// first so the frame lands in its pending list, then abandon it
	// without ever acking.
	deadCtx, deadCancel := context.WithCancel(context.Background())
	_, err := b.Subscribe(deadCtx, model.AudioStreamTopic, "asr-workers", "asr-worker-dead", func(ctx context.Context, msg bus.Message) error {
		return nil // never acks
	})
	require.NoError(t, err)

	raw, err := json.Marshal(loudFrame("call-orphan", 4800))
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), model.AudioStreamTopic, raw)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond) // let the dead consumer's delivery loop pick it up
	deadCancel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	require.Eventually(t, func() bool {
		return m.ActiveCalls() > 0
	}, time.Second, 5*time.Millisecond, "reclaimed frame should spin up a worker for its call")
}

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

func assertErr(msg string) error { return simpleErr(msg) }
