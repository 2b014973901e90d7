package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// AirplayReceiver is the external AirPlay pairing/streaming library's
// call contract, treated as a black box per spec.md s1: this module
// implements only the Go-side seam, not the RAOP/AirPlay wire
// protocol itself. No AirPlay-client Go library exists in this
// module's dependency stack (confirmed across every example repo); a
// real integration supplies a concrete implementation of this
// interface at the process boundary.
type AirplayReceiver interface {
	Connect(ctx context.Context, host string, port int) error
	StreamRawPCM(pcm []byte, sampleRate, channels, bitDepth int) error
	SetVolume(volume int) error
	Disconnect() error
}

// AirplaySink adapts an AirplayReceiver to the Sink contract,
// re-encoding is the receiver library's responsibility (PCM in, ALAC
// out, per spec.md s4.4). The sink does not reconnect: a failed
// StreamRawPCM is reported from Write as WriteOverrun with the error,
// and any reconnection is up to the AirplayReceiver implementation.
type AirplaySink struct {
	log      zerolog.Logger
	receiver AirplayReceiver
	host     string
	port     int

	mu      sync.Mutex
	opened  bool
	muted   bool
	volume  int
	format  struct{ sampleRate, channels, bitDepth int }
}

func NewAirplaySink(log zerolog.Logger, receiver AirplayReceiver, host string, port int) *AirplaySink {
	return &AirplaySink{
		log:      log.With().Str("component", "airplay_sink").Str("host", host).Logger(),
		receiver: receiver,
		host:     host,
		port:     port,
		volume:   100,
	}
}

func (s *AirplaySink) Open(ctx context.Context, sampleRate, channels, bitDepth int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.receiver.Connect(ctx, s.host, s.port); err != nil {
		return fmt.Errorf("airplay sink: connect: %w", err)
	}
	s.format.sampleRate, s.format.channels, s.format.bitDepth = sampleRate, channels, bitDepth
	s.opened = true
	return nil
}

func (s *AirplaySink) Write(pcm []byte) (WriteResult, error) {
	s.mu.Lock()
	opened, muted, format := s.opened, s.muted, s.format
	s.mu.Unlock()

	if !opened {
		return WriteClosed, fmt.Errorf("airplay sink: write before open")
	}
	if muted {
		return WriteOK, nil
	}

	if err := s.receiver.StreamRawPCM(pcm, format.sampleRate, format.channels, format.bitDepth); err != nil {
		return WriteOverrun, fmt.Errorf("airplay sink: stream: %w", err)
	}
	return WriteOK, nil
}

func (s *AirplaySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return nil
	}
	err := s.receiver.Disconnect()
	s.opened = false
	if err != nil {
		return fmt.Errorf("airplay sink: disconnect: %w", err)
	}
	return nil
}

// SetVolume maps the caller's 0..100 directly onto the receiver's
// native scale, per DESIGN.md's resolution of the open question on
// the exact AirPlay volume curve: the receiver library owns it.
func (s *AirplaySink) SetVolume(volume int) error {
	s.mu.Lock()
	s.volume = volume
	s.mu.Unlock()
	return s.receiver.SetVolume(volume)
}

func (s *AirplaySink) SetMute(muted bool) error {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	return nil
}
