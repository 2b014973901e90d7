// Package sink implements the polymorphic audio output a Virtual
// Device writes its processed PCM blocks to: an AirPlay receiver or
// the host's local audio output.
package sink

import "context"

// WriteResult reports the outcome of one Write call.
type WriteResult int

const (
	WriteOK WriteResult = iota
	WriteOverrun
	WriteClosed
)

// Sink is the capability set both implementations expose. open/write/
// close/set_volume/set_mute from spec.md map directly onto these
// methods; Write returning WriteOverrun is the sink-side half of the
// decoder's backpressure contract — no frames are ever silently
// dropped, the caller must retry.
type Sink interface {
	Open(ctx context.Context, sampleRate, channels, bitDepth int) error
	Write(pcm []byte) (WriteResult, error)
	Close() error
	SetVolume(volume int) error
	SetMute(muted bool) error
}
