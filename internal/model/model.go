// Package model holds the wire and storage data types shared across the
// pipeline: calls, audio frames, and transcripts. Every JSON tag here is
// normative — it is the bus/registry wire format described by the
// specification, not an implementation detail.
package model

// Encoding is the normalised audio sample encoding. Only pcm16 is supported
// downstream of the ingest gateway; everything else is rejected at `start`.
type Encoding string

const EncodingPCM16 Encoding = "pcm16"

// CallStatus is the lifecycle state of a Call registry record.
type CallStatus string

const (
	CallActive CallStatus = "active"
	CallEnded  CallStatus = "ended"
)

// Call is the registry's record of a single telephony interaction.
type Call struct {
	InteractionID  string     `json:"interaction_id"`
	TenantID       string     `json:"tenant_id"`
	From           string     `json:"from"`
	To             string     `json:"to"`
	StartTimeMs    int64      `json:"start_time_ms"`
	LastActivityMs int64      `json:"last_activity_ms"`
	Status         CallStatus `json:"status"`
	SampleRateHz   int        `json:"sample_rate_hz"`
	Encoding       Encoding   `json:"encoding"`
}

// AudioFrame is one chunk of raw PCM audio published to the shared
// audio_stream topic. Seq is monotonically increasing per InteractionID
// starting at 1; gaps indicate frame loss upstream and must be logged, not
// treated as fatal.
type AudioFrame struct {
	TenantID      string   `json:"tenant_id"`
	InteractionID string   `json:"interaction_id"`
	Seq           uint64   `json:"seq"`
	TimestampMs   int64    `json:"timestamp_ms"`
	SampleRateHz  int      `json:"sample_rate"`
	Encoding      Encoding `json:"encoding"`
	Audio         []byte   `json:"audio"` // raw PCM16LE samples
}

// TranscriptType distinguishes revisable hypotheses from terminal results.
type TranscriptType string

const (
	TranscriptPartial TranscriptType = "partial"
	TranscriptFinal   TranscriptType = "final"
)

// Transcript is one ASR utterance result published to a per-call
// transcript.<interaction_id> topic. Seq is per-call monotonic over
// transcripts and independent of AudioFrame.Seq.
type Transcript struct {
	InteractionID string         `json:"interaction_id"`
	TenantID      string         `json:"tenant_id"`
	Seq           uint64         `json:"seq"`
	Type          TranscriptType `json:"type"`
	Text          string         `json:"text"`
	Confidence    *float64       `json:"confidence,omitempty"`
	TimestampMs   int64          `json:"timestamp_ms"`
}

// IsEmpty reports whether Text is empty or entirely whitespace. Such
// transcripts must never be published downstream.
func (t Transcript) IsEmpty() bool {
	for _, r := range t.Text {
		switch r {
		case ' ', '\t', '\n', '\r':
			continue
		default:
			return false
		}
	}
	return true
}

const AudioStreamTopic = "audio_stream"

// TranscriptTopic returns the per-call topic name for interactionID.
func TranscriptTopic(interactionID string) string {
	return "transcript." + interactionID
}
