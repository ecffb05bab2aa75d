package fanout

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rapidaai/agentassist/internal/bus"
	"github.com/rapidaai/agentassist/internal/model"
	"github.com/rapidaai/agentassist/internal/registry"
)

func newTestServer(t *testing.T) (*gin.Engine, *Hub, bus.Bus) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	b := bus.NewMemoryBus(nil, nil)
	reg := registry.NewMemoryRegistry(time.Hour)
	hub := NewHub(nil, b, reg, nil, Config{DiscoveryInterval: time.Hour, SubscriptionGrace: time.Hour})
	srv := NewServer(hub, 15*time.Second, 256, "generic", func() int { return 3 })

	engine := gin.New()
	srv.Register(engine)
	return engine, hub, b
}

func TestFanout_IngestTranscriptRoundTrip(t *testing.T) {
	engine, _, b := newTestServer(t)

	received := make(chan model.Transcript, 1)
	_, err := b.Subscribe(context.Background(), model.TranscriptTopic("call-x"), "test-observer", "test-consumer",
		func(ctx context.Context, msg bus.Message) error {
			var tr model.Transcript
			if err := json.Unmarshal(msg.Payload, &tr); err == nil {
				received <- tr
			}
			return nil
		})
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]interface{}{
		"callId": "call-x",
		"seq":    1,
		"ts":     1700000000000,
		"text":   "hello there",
	})
	req := httptest.NewRequest(http.MethodPost, "/calls/ingest-transcript", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-tenant-id", "tenant-1")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ingestTranscriptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)

	select {
	case tr := <-received:
		assert.Equal(t, "hello there", tr.Text)
		assert.Equal(t, "tenant-1", tr.TenantID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for ingested transcript to reach the transcript topic")
	}
}

func TestFanout_HealthReportsASRProviderAndActiveBuffers(t *testing.T) {
	engine, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "generic", resp.ASRProvider)
	require.NotNil(t, resp.ActiveBuffers)
	assert.Equal(t, 3, *resp.ActiveBuffers)
}

func TestFanout_TranscriptsStatusReportsSubscriptions(t *testing.T) {
	engine, hub, b := newTestServer(t)

	hub.EnsureSubscribed(context.Background(), "call-y")
	raw, err := json.Marshal(model.Transcript{InteractionID: "call-y", Seq: 1, Text: "hi"})
	require.NoError(t, err)
	_, err = b.Publish(context.Background(), model.TranscriptTopic("call-y"), raw)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return hub.Status().SubscriptionCount > 0
	}, time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/transcripts/status", nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.SubscriptionCount)
	require.Len(t, resp.Subscriptions, 1)
	assert.Equal(t, "call-y", resp.Subscriptions[0].InteractionID)
}

func TestFanout_CallsActiveWithNoCallsHasNoLatestCall(t *testing.T) {
	engine, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/calls/active?limit="+strconv.Itoa(10), nil)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp callsActiveResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.OK)
	assert.Empty(t, resp.Calls)
	assert.Nil(t, resp.LatestCall)
}

func TestFanout_ConnectedEventCarriesClientIDAndTimestamp(t *testing.T) {
	engine, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/events/stream?callId=call-z", nil)
	ctx, cancel := context.WithTimeout(req.Context(), 100*time.Millisecond)
	defer cancel()
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, "event: connected")
	assert.Contains(t, body, `"type":"connected"`)
	assert.Contains(t, body, `"clientId"`)
	assert.Contains(t, body, `"ts"`)
}
