package ingest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/agentassist/internal/bus"
	"github.com/rapidaai/agentassist/internal/model"
	"github.com/rapidaai/agentassist/internal/registry"
)

func newTestConnection(t *testing.T) (*Connection, bus.Bus, registry.Registry) {
	t.Helper()
	b := bus.NewMemoryBus(nil, nil)
	reg := registry.NewMemoryRegistry(time.Hour)
	return NewConnection(nil, b, reg, nil, "tenant-1", 25, time.Hour), b, reg
}

func mustJSON(t *testing.T, v interface{}) []byte {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestStateMachine_HappyPath(t *testing.T) {
	conn, b, reg := newTestConnection(t)
	ctx := context.Background()

	res := conn.Handle(ctx, mustJSON(t, ConnectedEvent{Event: EventConnected}))
	assert.False(t, res.shouldClose)

	res = conn.Handle(ctx, mustJSON(t, StartEvent{
		Event: EventStart,
		Start: StartPayload{
			CallSid:     "c1",
			From:        "+1000",
			To:          "+2000",
			MediaFormat: MediaFormat{Encoding: "pcm16", SampleRate: "8000"},
		},
	}))
	require.False(t, res.shouldClose)
	require.NotNil(t, res.reply)
	assert.Equal(t, "c1", conn.InteractionID())

	call, ok, err := reg.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CallActive, call.Status)

	payload := base64.StdEncoding.EncodeToString(make([]byte, 9600))
	for i := 1; i <= 100; i++ {
		res = conn.Handle(ctx, mustJSON(t, MediaEvent{
			Event:          EventMedia,
			SequenceNumber: int64(i),
			Media:          MediaPayload{Payload: payload},
		}))
		require.False(t, res.shouldClose)
	}

	res = conn.Handle(ctx, mustJSON(t, StopEvent{Event: EventStop, Stop: StopPayload{CallSid: "c1"}}))
	assert.True(t, res.shouldClose)
	assert.Equal(t, 1000, res.closeCode)

	call, ok, err = reg.Get(ctx, "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, model.CallEnded, call.Status)

	topics, err := b.ScanTopics(ctx, model.AudioStreamTopic)
	require.NoError(t, err)
	assert.Contains(t, topics, model.AudioStreamTopic)
}

func TestStateMachine_SeqIsContiguousFrom1(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	ctx := context.Background()
	conn.Handle(ctx, mustJSON(t, ConnectedEvent{Event: EventConnected}))
	conn.Handle(ctx, mustJSON(t, StartEvent{Event: EventStart, Start: StartPayload{
		CallSid: "c1", MediaFormat: MediaFormat{Encoding: "linear16", SampleRate: "8000"},
	}}))

	payload := base64.StdEncoding.EncodeToString([]byte("hi"))
	for i := 1; i <= 3; i++ {
		conn.Handle(ctx, mustJSON(t, MediaEvent{Event: EventMedia, Media: MediaPayload{Payload: payload}}))
		assert.Equal(t, uint64(i), conn.seq)
	}
}

func TestStateMachine_UnsupportedEncodingRejectedAtStart(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	ctx := context.Background()
	conn.Handle(ctx, mustJSON(t, ConnectedEvent{Event: EventConnected}))
	res := conn.Handle(ctx, mustJSON(t, StartEvent{Event: EventStart, Start: StartPayload{
		CallSid: "c1", MediaFormat: MediaFormat{Encoding: "mp3", SampleRate: "8000"},
	}}))
	assert.True(t, res.shouldClose)
	assert.Equal(t, closeProtocolViolation, res.closeCode)
}

func TestStateMachine_ProtocolViolationClosesWith1002(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	ctx := context.Background()
	res := conn.Handle(ctx, mustJSON(t, MediaEvent{Event: EventMedia}))
	assert.True(t, res.shouldClose)
	assert.Equal(t, closeProtocolViolation, res.closeCode)
}

func TestStateMachine_MediaBeforeStartIsViolation(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	ctx := context.Background()
	conn.Handle(ctx, mustJSON(t, ConnectedEvent{Event: EventConnected}))
	res := conn.Handle(ctx, mustJSON(t, MediaEvent{Event: EventMedia}))
	assert.True(t, res.shouldClose)
}

func TestStateMachine_MalformedJSONIsProtocolViolation(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	ctx := context.Background()
	res := conn.Handle(ctx, []byte("not json"))
	assert.True(t, res.shouldClose)
	assert.Equal(t, closeProtocolViolation, res.closeCode)
}

func TestStateMachine_IdleTimeoutClosesWith1011(t *testing.T) {
	conn, _, _ := newTestConnection(t)
	ctx := context.Background()
	conn.Handle(ctx, mustJSON(t, ConnectedEvent{Event: EventConnected}))

	res := conn.IdleTimeout()
	assert.True(t, res.shouldClose)
	assert.Equal(t, closeInternalError, res.closeCode)
	assert.Equal(t, stateTerminated, conn.state)
}
