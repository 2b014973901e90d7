package sink

import (
	"context"
	"fmt"
	"sync"

	pulse "github.com/mesilliac/pulse-simple"
	"github.com/rs/zerolog"
)

// LocalSink opens a PulseAudio playback stream on the host and writes
// PCM blocks to it at line rate. set_volume only records the value
// (see SetVolume); set_mute is handled in software by silencing
// writes, since pulse-simple exposes no per-stream mute.
type LocalSink struct {
	log    zerolog.Logger
	server string
	device string

	mu     sync.Mutex
	stream *pulse.Stream
	muted  bool
	volume int
}

func NewLocalSink(log zerolog.Logger, server, device string) *LocalSink {
	return &LocalSink{log: log.With().Str("component", "local_sink").Logger(), server: server, device: device, volume: 100}
}

func (s *LocalSink) Open(ctx context.Context, sampleRate, channels, bitDepth int) error {
	spec := pulse.SampleSpec{Format: pulse.SAMPLE_S16LE, Rate: uint32(sampleRate), Channels: uint8(channels)}
	if !spec.Valid() {
		return fmt.Errorf("local sink: invalid sample spec %+v", spec)
	}

	stream, err := pulse.NewStream(s.server, "airbridge", pulse.STREAM_PLAYBACK, s.device, "audio", &spec, nil, nil)
	if err != nil {
		return fmt.Errorf("local sink: open pulse stream: %w", err)
	}

	s.mu.Lock()
	s.stream = stream
	s.mu.Unlock()
	return nil
}

func (s *LocalSink) Write(pcm []byte) (WriteResult, error) {
	s.mu.Lock()
	stream, muted := s.stream, s.muted
	s.mu.Unlock()

	if stream == nil {
		return WriteClosed, fmt.Errorf("local sink: write before open")
	}
	if muted {
		return WriteOK, nil
	}
	if _, err := stream.Write(pcm); err != nil {
		return WriteOverrun, fmt.Errorf("local sink: write: %w", err)
	}
	return WriteOK, nil
}

func (s *LocalSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stream == nil {
		return nil
	}
	s.stream.Flush()
	s.stream.Free()
	s.stream = nil
	return nil
}

// SetVolume records the volume for reporting. pulse-simple has no
// per-stream volume call, and the value is applied neither to the
// stream nor to the OS mixer: playback level does not change.
func (s *LocalSink) SetVolume(volume int) error {
	s.mu.Lock()
	s.volume = volume
	s.mu.Unlock()
	return nil
}

func (s *LocalSink) SetMute(muted bool) error {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	return nil
}
