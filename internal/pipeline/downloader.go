// Package pipeline implements the download-while-playing path: a
// Downloader pulls a remote URL into a private cache file without
// re-encoding, and a Decoder reads that growing file and emits raw
// PCM frames for the DSP chain to consume. Both are interfaces so a
// playback session can be driven by fakes in tests.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DownloaderConfig mirrors the flags the external media tool needs to
// remux a URL into a local container file without transcoding.
type DownloaderConfig struct {
	ContainerFormat string // ffmpeg -f value, e.g. "matroska"
}

func DefaultDownloaderConfig() DownloaderConfig {
	return DownloaderConfig{ContainerFormat: "matroska"}
}

// Downloader is the capability a playback session depends on to pull a
// remote URL into a local cache file. *FFmpegDownloader is the
// production implementation; the device package's tests substitute a
// fake so Cold Play / Seek / Superseded-Play / upstream-failure
// scenarios can be exercised without spawning ffmpeg.
type Downloader interface {
	Start(url, cacheFile string, seekSeconds float64) error
	BytesDownloaded() int64
	Done() <-chan error
	Stop()
	Kill()
}

// FFmpegDownloader spawns the external media tool in copy mode against
// one session's cache file. It is owned exclusively by the goroutine
// that starts it.
type FFmpegDownloader struct {
	log    zerolog.Logger
	config DownloaderConfig

	cmd    *exec.Cmd
	cancel context.CancelFunc

	bytesDownloaded atomic.Int64
	done            chan error
}

func NewFFmpegDownloader(log zerolog.Logger, config DownloaderConfig) *FFmpegDownloader {
	return &FFmpegDownloader{log: log.With().Str("component", "downloader").Logger(), config: config, done: make(chan error, 1)}
}

// Start begins downloading url into cacheFile starting at seekSeconds
// (0 for the beginning). It returns once the subprocess has been
// spawned; completion is reported on Done().
func (d *FFmpegDownloader) Start(url, cacheFile string, seekSeconds float64) error {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	args := []string{"-y"}
	if seekSeconds > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", seekSeconds))
	}
	args = append(args, "-i", url, "-vn", "-c:a", "copy", "-f", d.config.ContainerFormat, cacheFile)

	d.cmd = exec.CommandContext(ctx, "ffmpeg", args...)
	d.cmd.Stdin = nil
	stderr, err := d.cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("downloader: stderr pipe: %w", err)
	}

	if err := d.cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("downloader: start ffmpeg: %w", err)
	}

	go d.watchProgress(ctx, cacheFile)
	go d.wait(stderr)

	return nil
}

// watchProgress polls the cache file's size so the buffer gate has a
// ground-truth byte count without parsing ffmpeg's progress output.
func (d *FFmpegDownloader) watchProgress(ctx context.Context, cacheFile string) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if info, err := os.Stat(cacheFile); err == nil {
				d.bytesDownloaded.Store(info.Size())
			}
		}
	}
}

func (d *FFmpegDownloader) wait(stderr io.ReadCloser) {
	tail, _ := io.ReadAll(io.LimitReader(stderr, 4096))
	err := d.cmd.Wait()
	if err != nil {
		msg := string(tail)
		if len(msg) > 200 {
			msg = msg[:200]
		}
		d.done <- fmt.Errorf("ffmpeg download failed: %w: %s", err, msg)
		return
	}
	d.done <- nil
}

// BytesDownloaded returns a snapshot of the cache file's current size,
// used by the buffer gate.
func (d *FFmpegDownloader) BytesDownloaded() int64 {
	return d.bytesDownloaded.Load()
}

// Done reports the downloader's terminal error (nil on clean exit).
func (d *FFmpegDownloader) Done() <-chan error {
	return d.done
}

// Stop sends the subprocess an interrupt and returns without waiting
// for it to exit; Kill terminates it forcibly.
func (d *FFmpegDownloader) Stop() {
	if d.cmd != nil && d.cmd.Process != nil {
		_ = d.cmd.Process.Signal(os.Interrupt)
	}
}

// Kill forcibly terminates the subprocess.
func (d *FFmpegDownloader) Kill() {
	if d.cancel != nil {
		d.cancel()
	}
}
