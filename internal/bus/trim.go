package bus

import (
	"strings"
	"time"
)

// TrimSpec describes a topic's retention policy. Exactly one of MaxLen or
// MaxAge is expected to be set by a given policy: audio topics trim by
// time, transcript topics trim by count.
type TrimSpec struct {
	MaxLen int64
	MaxAge time.Duration
}

// TrimPolicy resolves a topic name to its retention policy.
type TrimPolicy func(topic string) TrimSpec

// DefaultTrimPolicy returns the pipeline's standard retention shape:
// transcript.<id> topics retain the last transcriptMaxLen messages;
// audio_stream retains audioRetention of wall-clock time; anything else is
// untrimmed.
func DefaultTrimPolicy(transcriptMaxLen int64, audioRetention time.Duration) TrimPolicy {
	return func(topic string) TrimSpec {
		switch {
		case topic == "audio_stream":
			return TrimSpec{MaxAge: audioRetention}
		case strings.HasPrefix(topic, "transcript."):
			return TrimSpec{MaxLen: transcriptMaxLen}
		default:
			return TrimSpec{}
		}
	}
}
