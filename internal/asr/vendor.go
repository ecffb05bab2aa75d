// Package asr implements the ASR Worker: per-call audio buffering, the
// silence gate, a persistent vendor streaming connection with backoff, and
// transcript publishing.
package asr

import "context"

// VendorEvent is one decoded message from the streaming ASR vendor.
type VendorEvent struct {
	Text       string
	IsFinal    bool
	Confidence *float64
}

// VendorConn is one streaming connection to the ASR vendor for a single
// call. Exactly one VendorConn exists per interaction_id at any instant;
// callWorker enforces this by construction (it is the sole owner).
//
// Implementations wrap whatever transport the vendor uses (WebSocket, gRPC
// stream, SDK callback) behind this request/response-shaped interface: a
// sender/receiver goroutine pair bridging a callback-style SDK into a
// plain channel.
type VendorConn interface {
	// SendAudio forwards one chunk of PCM16LE audio to the vendor.
	SendAudio(ctx context.Context, pcm []byte) error

	// Events returns a channel of decoded vendor events. The channel is
	// closed when the connection terminates (cleanly or on error); a
	// terminal error, if any, is available from Err() afterwards.
	Events() <-chan VendorEvent

	// Err returns the error that caused Events() to close, or nil for a
	// clean shutdown via Close().
	Err() error

	// Close tears down the connection.
	Close() error
}

// VendorDialer opens a new VendorConn for one call. Implementations dial
// the vendor's streaming endpoint and start the sender/receiver goroutine
// pair described in vendor.go's doc comment.
type VendorDialer interface {
	Dial(ctx context.Context, sampleRateHz int) (VendorConn, error)
}
