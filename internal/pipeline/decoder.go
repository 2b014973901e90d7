package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/rs/zerolog"
)

// PCMFormat is the raw sample encoding the decoder is asked to emit.
type PCMFormat string

const (
	PCMFormatS16LE PCMFormat = "s16le"
	PCMFormatF32LE PCMFormat = "f32le"
)

func (f PCMFormat) codec() string {
	if f == PCMFormatF32LE {
		return "pcm_f32le"
	}
	return "pcm_s16le"
}

// BytesPerSample returns the size in bytes of one sample in this
// format.
func (f PCMFormat) BytesPerSample() int {
	if f == PCMFormatF32LE {
		return 4
	}
	return 2
}

// DecoderConfig mirrors the parameters the external decode tool needs.
type DecoderConfig struct {
	SampleRate int
	Channels   int
	Format     PCMFormat
	Realtime   bool
	BlockSize  int // frames per read, default 4096
}

func DefaultDecoderConfig() DecoderConfig {
	return DecoderConfig{SampleRate: 44100, Channels: 2, Format: PCMFormatS16LE, BlockSize: 4096}
}

// BytesPerFrame is channels * bytes-per-sample, i.e. the size of one
// interleaved multi-channel sample.
func (c DecoderConfig) BytesPerFrame() int {
	return c.Channels * c.Format.BytesPerSample()
}

// Decoder is the capability a playback session depends on to turn a
// (possibly still growing) cache file into interleaved PCM.
// *FFmpegDecoder is the production implementation; tests substitute a
// fake decoder to exercise session control flow without ffmpeg.
type Decoder interface {
	Start(inputPath string, seekSeconds float64) error
	ReadBlock(buf []byte) (int, error)
	Done() <-chan error
	Stop()
	Kill()
}

// FFmpegDecoder spawns the external tool to read a (possibly still
// growing) input file and emit interleaved PCM on its stdout.
type FFmpegDecoder struct {
	log    zerolog.Logger
	config DecoderConfig

	cmd    *exec.Cmd
	stdout io.ReadCloser
	cancel context.CancelFunc
	done   chan error
}

func NewFFmpegDecoder(log zerolog.Logger, config DecoderConfig) *FFmpegDecoder {
	return &FFmpegDecoder{log: log.With().Str("component", "decoder").Logger(), config: config, done: make(chan error, 1)}
}

// Start spawns ffmpeg against inputPath (the session's cache file) at
// seekSeconds (0 for the beginning).
func (d *FFmpegDecoder) Start(inputPath string, seekSeconds float64) error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	args := []string{"-hide_banner", "-loglevel", "error"}
	if seekSeconds > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", seekSeconds))
	}
	if d.config.Realtime {
		args = append(args, "-re")
	}
	args = append(args,
		"-i", inputPath,
		"-vn",
		"-acodec", d.config.Format.codec(),
		"-ar", fmt.Sprintf("%d", d.config.SampleRate),
		"-ac", fmt.Sprintf("%d", d.config.Channels),
		"-f", string(d.config.Format),
		"pipe:1",
	)

	d.cmd = exec.CommandContext(ctx, "ffmpeg", args...)
	stdout, err := d.cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("decoder: stdout pipe: %w", err)
	}
	d.stdout = stdout

	if err := d.cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("decoder: start ffmpeg: %w", err)
	}

	go func() {
		d.done <- d.cmd.Wait()
	}()

	return nil
}

// ReadBlock reads exactly one block of raw PCM bytes (BlockSize
// frames) into buf, blocking on short reads the way the spec requires
// since the upstream file may still be filling. Once the process's
// stdout closes, whatever its exit status, io.EOF is returned (or
// io.ErrUnexpectedEOF with the byte count of a final partial block).
func (d *FFmpegDecoder) ReadBlock(buf []byte) (int, error) {
	return io.ReadFull(d.stdout, buf)
}

// Done reports the decoder subprocess's terminal error.
func (d *FFmpegDecoder) Done() <-chan error {
	return d.done
}

// Stop signals the subprocess to exit.
func (d *FFmpegDecoder) Stop() {
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Signal(os.Interrupt)
	}
}

// Kill forcibly terminates the subprocess and releases its pipes.
func (d *FFmpegDecoder) Kill() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.stdout != nil {
		_ = d.stdout.Close()
	}
}
