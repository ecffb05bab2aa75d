package fanout

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rapidaai/agentassist/internal/model"
)

// sseEvent is one named SSE payload ready to be written to a client.
type sseEvent struct {
	name string
	data []byte
}

// sseClient is one browser/agent-desktop connection watching a single
// call's transcript stream.
type sseClient struct {
	clientID     string
	callID       string
	queue        chan sseEvent
	disconnectCh chan struct{}
}

func newSSEClient(callID string, queueSize int) *sseClient {
	c := &sseClient{
		clientID:     uuid.NewString(),
		callID:       callID,
		queue:        make(chan sseEvent, queueSize),
		disconnectCh: make(chan struct{}),
	}
	return c
}

func (c *sseClient) disconnect() {
	select {
	case <-c.disconnectCh:
	default:
		close(c.disconnectCh)
	}
}

// Server exposes the fan-out component's HTTP surface: callID-scoped
// transcript streaming plus the ingest-transcript and status endpoints.
type Server struct {
	hub       *Hub
	heartbeat time.Duration
	queueSize int

	asrProvider   string
	activeBuffers func() int
}

// NewServer builds the HTTP surface for callID-scoped transcript streaming.
// asrProvider and activeBuffers populate GET /health's optional fields; both
// may be left zero-valued when the caller has no ASR worker to report on.
func NewServer(hub *Hub, heartbeat time.Duration, queueSize int, asrProvider string, activeBuffers func() int) *Server {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Server{hub: hub, heartbeat: heartbeat, queueSize: queueSize, asrProvider: asrProvider, activeBuffers: activeBuffers}
}

// Register mounts the fan-out HTTP surface on engine: the SSE stream, the
// transcript-ingest side channel, and the read-only status endpoints.
func (s *Server) Register(engine *gin.Engine) {
	engine.GET("/events/stream", s.handleStream)
	engine.POST("/calls/ingest-transcript", s.handleIngestTranscript)
	engine.GET("/health", s.handleHealth)
	engine.GET("/transcripts/status", s.handleTranscriptsStatus)
	engine.GET("/calls/active", s.handleCallsActive)
}

func (s *Server) handleStream(c *gin.Context) {
	callID := c.Query("callId")
	if callID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	s.hub.EnsureSubscribed(c.Request.Context(), callID)

	client := newSSEClient(callID, s.queueSize)
	s.hub.registerClient(client)
	defer s.hub.unregisterClient(client)

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)

	connected, _ := json.Marshal(struct {
		Type     string `json:"type"`
		ClientID string `json:"clientId"`
		TS       int64  `json:"ts"`
	}{Type: "connected", ClientID: client.clientID, TS: time.Now().UnixMilli()})
	writeRaw(c.Writer, "connected", connected)
	flusher.Flush()

	heartbeatTicker := time.NewTicker(s.heartbeat)
	defer heartbeatTicker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.disconnectCh:
			return
		case ev := <-client.queue:
			writeRaw(c.Writer, ev.name, ev.data)
			flusher.Flush()
		case <-heartbeatTicker.C:
			writeComment(c.Writer)
			flusher.Flush()
		}
	}
}

func writeRaw(w http.ResponseWriter, event string, data []byte) {
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

// writeComment emits a bare SSE comment line, used for keep-alive heartbeats
// that must not invoke any client-side named event listener.
func writeComment(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ":\n\n")
}

// ingestTranscriptRequest is the side-channel body used by ASR providers
// that push decoded text directly instead of streaming audio through the
// ingest gateway.
type ingestTranscriptRequest struct {
	CallID string `json:"callId"`
	Seq    uint64 `json:"seq"`
	TS     int64  `json:"ts"`
	Text   string `json:"text"`
}

// ingestTranscriptResponse's intent/confidence/articles fields are always
// empty: intent classification and knowledge-base retrieval are external
// collaborators this pipeline does not implement.
type ingestTranscriptResponse struct {
	OK         bool     `json:"ok"`
	Intent     *string  `json:"intent"`
	Confidence *float64 `json:"confidence"`
	Articles   []string `json:"articles"`
}

func (s *Server) handleIngestTranscript(c *gin.Context) {
	var req ingestTranscriptRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.CallID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	tenantID := c.GetHeader("x-tenant-id")

	ts := req.TS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	transcript := model.Transcript{
		InteractionID: req.CallID,
		TenantID:      tenantID,
		Seq:           req.Seq,
		Type:          model.TranscriptFinal,
		Text:          req.Text,
		TimestampMs:   ts,
	}
	if transcript.IsEmpty() {
		// Empty-text transcripts are dropped, never published downstream.
		c.JSON(http.StatusOK, ingestTranscriptResponse{OK: true, Articles: []string{}})
		return
	}
	raw, err := json.Marshal(transcript)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	if _, err := s.hub.PublishTranscript(c.Request.Context(), req.CallID, raw); err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}

	c.JSON(http.StatusOK, ingestTranscriptResponse{OK: true, Articles: []string{}})
}

// healthResponse mirrors GET /health's documented shape; asrProvider and
// activeBuffers are populated from the ASR worker via the callbacks passed
// to NewServer, and are omitted when the caller did not wire them.
type healthResponse struct {
	Status        string `json:"status"`
	ASRProvider   string `json:"asrProvider,omitempty"`
	ActiveBuffers *int   `json:"activeBuffers,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	resp := healthResponse{Status: "ok", ASRProvider: s.asrProvider}
	if s.activeBuffers != nil {
		n := s.activeBuffers()
		resp.ActiveBuffers = &n
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleTranscriptsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.hub.Status())
}

type callsActiveResponse struct {
	OK         bool         `json:"ok"`
	Calls      []model.Call `json:"calls"`
	LatestCall *model.Call  `json:"latestCall"`
}

func (s *Server) handleCallsActive(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	calls, err := s.hub.ListActive(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatus(http.StatusInternalServerError)
		return
	}
	resp := callsActiveResponse{OK: true, Calls: calls}
	if len(calls) > 0 {
		resp.LatestCall = &calls[0]
	}
	c.JSON(http.StatusOK, resp)
}
