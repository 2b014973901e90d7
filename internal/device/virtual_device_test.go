package device

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dlnabridge/airbridge/internal/bus"
	"github.com/dlnabridge/airbridge/internal/dsp"
	"github.com/dlnabridge/airbridge/internal/pipeline"
	"github.com/dlnabridge/airbridge/internal/sink"
)

type fakeSink struct {
	mu      sync.Mutex
	opened  bool
	writes  int
	volume  int
	muted   bool
	blockOpen bool
}

func (f *fakeSink) Open(ctx context.Context, sampleRate, channels, bitDepth int) error {
	if f.blockOpen {
		<-ctx.Done()
		return ctx.Err()
	}
	f.mu.Lock()
	f.opened = true
	f.mu.Unlock()
	return nil
}
func (f *fakeSink) Write(pcm []byte) (sink.WriteResult, error) {
	f.mu.Lock()
	f.writes++
	f.mu.Unlock()
	return sink.WriteOK, nil
}
func (f *fakeSink) Close() error { f.mu.Lock(); f.opened = false; f.mu.Unlock(); return nil }
func (f *fakeSink) SetVolume(volume int) error { f.mu.Lock(); f.volume = volume; f.mu.Unlock(); return nil }
func (f *fakeSink) SetMute(muted bool) error   { f.mu.Lock(); f.muted = muted; f.mu.Unlock(); return nil }
func (f *fakeSink) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

// fakeDownloader and fakeDecoder stand in for the ffmpeg-backed
// pipeline.Downloader/pipeline.Decoder so playback sessions can be
// driven deterministically without spawning a subprocess.
type fakeDownloader struct {
	mu          sync.Mutex
	startErr    error
	bytesAvail  int64
	startedURL  string
	startedSeek float64
	doneCh      chan error
	killed      bool
	stopped     bool
}

func newFakeDownloader(bytesAvail int64) *fakeDownloader {
	return &fakeDownloader{bytesAvail: bytesAvail, doneCh: make(chan error, 1)}
}

func (f *fakeDownloader) Start(url, cacheFile string, seekSeconds float64) error {
	f.mu.Lock()
	f.startedURL = url
	f.startedSeek = seekSeconds
	f.mu.Unlock()
	return f.startErr
}
func (f *fakeDownloader) BytesDownloaded() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bytesAvail
}
func (f *fakeDownloader) Done() <-chan error { return f.doneCh }
func (f *fakeDownloader) Stop()              { f.mu.Lock(); f.stopped = true; f.mu.Unlock() }
func (f *fakeDownloader) Kill()              { f.mu.Lock(); f.killed = true; f.mu.Unlock() }
func (f *fakeDownloader) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

type fakeDecoder struct {
	mu           sync.Mutex
	startErr     error
	blocksToEmit int
	emitted      int
	startedSeek  float64
	killed       bool
	stopped      bool
}

func newFakeDecoder(blocksToEmit int) *fakeDecoder {
	return &fakeDecoder{blocksToEmit: blocksToEmit}
}

func (f *fakeDecoder) Start(inputPath string, seekSeconds float64) error {
	f.mu.Lock()
	f.startedSeek = seekSeconds
	f.mu.Unlock()
	return f.startErr
}
func (f *fakeDecoder) ReadBlock(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.emitted < f.blocksToEmit {
		f.emitted++
		return len(buf), nil
	}
	return 0, io.EOF
}
func (f *fakeDecoder) Done() <-chan error { return make(chan error) }
func (f *fakeDecoder) Stop()              { f.mu.Lock(); f.stopped = true; f.mu.Unlock() }
func (f *fakeDecoder) Kill()              { f.mu.Lock(); f.killed = true; f.mu.Unlock() }
func (f *fakeDecoder) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}

const (
	testBufferGateBytes   = 1024
	testBufferGateTimeout = 2 * time.Second
	testSinkOpenTimeout   = 2 * time.Second
)

func newTestDevice(t *testing.T) (*VirtualDevice, *bus.Bus, *fakeSink) {
	t.Helper()
	b := bus.New()
	fs := &fakeSink{}
	vd := NewVirtualDevice(zerolog.Nop(), b, "dev-A", KindAirplay, "Test Speaker [D]", fs, t.TempDir(), testBufferGateBytes, testBufferGateTimeout, testSinkOpenTimeout)
	return vd, b, fs
}

// wirePipeline points vd at a fresh fake downloader/decoder pair for
// the next session it starts.
func wirePipeline(vd *VirtualDevice, dl pipeline.Downloader, dec pipeline.Decoder) {
	vd.SetPipelineFactories(
		func() pipeline.Downloader { return dl },
		func() pipeline.Decoder { return dec },
	)
}

func waitFor(t *testing.T, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestVirtualDevice_SetURITransitionsFromNoMedia(t *testing.T) {
	vd, b, _ := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	b.Publish(bus.SetURI("dev-A", "http://example.com/track.flac", map[string]string{"title": "Song"}))

	waitFor(t, func() bool { return vd.Snapshot().TransportState == Stopped })
	snap := vd.Snapshot()
	if snap.URI != "http://example.com/track.flac" {
		t.Fatalf("expected uri set, got %q", snap.URI)
	}
	if snap.Metadata.Title != "Song" {
		t.Fatalf("expected metadata title set, got %q", snap.Metadata.Title)
	}
}

func TestVirtualDevice_SetVolumeRejectsOutOfRange(t *testing.T) {
	vd, b, fs := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	changes := b.Subscribe(bus.VolumeChanged, "dev-A")
	b.Publish(bus.SetVolume("dev-A", 150))

	select {
	case evt := <-changes:
		t.Fatalf("expected no volume_changed for out-of-range volume, got %v", evt.Data["volume"])
	case <-time.After(200 * time.Millisecond):
	}
	if vd.Snapshot().Volume != 100 {
		t.Fatalf("expected volume unchanged from its default, got %d", vd.Snapshot().Volume)
	}
	if fs.volume != 0 {
		t.Fatalf("expected sink volume untouched, got %d", fs.volume)
	}
}

func TestVirtualDevice_SetVolumeInRangeIsApplied(t *testing.T) {
	vd, b, fs := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	changes := b.Subscribe(bus.VolumeChanged, "dev-A")
	b.Publish(bus.SetVolume("dev-A", 42))

	select {
	case evt := <-changes:
		if evt.Data["volume"] != 42 {
			t.Fatalf("expected volume 42, got %v", evt.Data["volume"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for volume_changed")
	}
	waitFor(t, func() bool { return fs.volume == 42 })
}

func TestVirtualDevice_SetMutePropagatesToSink(t *testing.T) {
	vd, b, fs := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	b.Publish(bus.SetMute("dev-A", true))
	waitFor(t, func() bool { return fs.muted })
	if !vd.Snapshot().Muted {
		t.Fatal("expected state to report muted")
	}
}

func TestVirtualDevice_StopWithNoSessionIsNoop(t *testing.T) {
	vd, b, _ := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	b.Publish(bus.Stop("dev-A"))
	waitFor(t, func() bool { return vd.Snapshot().TransportState == Stopped })
}

func TestVirtualDevice_PlayWithNoURISetsError(t *testing.T) {
	vd, b, _ := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	b.Publish(bus.Play("dev-A", "", 0))
	waitFor(t, func() bool {
		snap := vd.Snapshot()
		return snap.LastError != nil && snap.LastError.Code == "NO_URI"
	})
}

func TestVirtualDevice_ContextCancelStopsRun(t *testing.T) {
	vd, _, _ := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	go vd.Run(ctx)
	cancel()

	select {
	case <-vd.Stopped():
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after context cancel")
	}
}

// TestVirtualDevice_ColdPlay exercises SetURI -> Play through a fake
// downloader/decoder pair: the buffer gate clears immediately, a few
// decoded blocks reach the sink, and the session winds down cleanly on
// decoder EOF.
func TestVirtualDevice_ColdPlay(t *testing.T) {
	vd, b, fs := newTestDevice(t)
	dl := newFakeDownloader(testBufferGateBytes * 2)
	dec := newFakeDecoder(3)
	wirePipeline(vd, dl, dec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	// A three-block track is PLAYING only briefly, so watch the
	// published transitions rather than polling the snapshot.
	states := b.Subscribe(bus.StateChanged, "dev-A")
	b.Publish(bus.SetURI("dev-A", "http://example.com/track.flac", nil))
	b.Publish(bus.Play("dev-A", "", 0))

	deadline := time.After(time.Second)
	for sawPlaying := false; !sawPlaying; {
		select {
		case evt := <-states:
			sawPlaying = evt.Data["transport_state"] == string(Playing)
		case <-deadline:
			t.Fatal("never observed PLAYING")
		}
	}
	waitFor(t, func() bool { return fs.writeCount() >= 3 })
	waitFor(t, func() bool { return vd.Snapshot().TransportState == Stopped })
}

// TestVirtualDevice_SeekWithinTrack confirms a seek tears down the
// running session and starts a fresh one at the requested position,
// rather than attempting an in-place decoder seek.
func TestVirtualDevice_SeekWithinTrack(t *testing.T) {
	vd, b, fs := newTestDevice(t)
	dl1 := newFakeDownloader(testBufferGateBytes * 2)
	dec1 := newFakeDecoder(1_000_000)
	wirePipeline(vd, dl1, dec1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	b.Publish(bus.SetURI("dev-A", "http://example.com/track.flac", nil))
	b.Publish(bus.Play("dev-A", "", 0))
	waitFor(t, func() bool { return vd.Snapshot().TransportState == Playing })

	dl2 := newFakeDownloader(testBufferGateBytes * 2)
	dec2 := newFakeDecoder(3)
	wirePipeline(vd, dl2, dec2)

	b.Publish(bus.Seek("dev-A", 90))
	waitFor(t, func() bool { return vd.Snapshot().TransportState == Stopped })

	dec2.mu.Lock()
	seekSeconds := dec2.startedSeek
	dec2.mu.Unlock()
	if seekSeconds != 90 {
		t.Fatalf("expected new session to start at seek position 90, got %v", seekSeconds)
	}
	if fs.writeCount() == 0 {
		t.Fatal("expected sink to receive data from the post-seek session")
	}
}

// TestVirtualDevice_SupersededPlay confirms a second Play while already
// playing tears down the first session (stopping its still-running
// pipeline) and starts a fresh one for the new URI.
func TestVirtualDevice_SupersededPlay(t *testing.T) {
	vd, b, _ := newTestDevice(t)
	dl1 := newFakeDownloader(testBufferGateBytes * 2)
	dec1 := newFakeDecoder(1_000_000)
	wirePipeline(vd, dl1, dec1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	b.Publish(bus.SetURI("dev-A", "http://example.com/track-a.flac", nil))
	b.Publish(bus.Play("dev-A", "", 0))
	waitFor(t, func() bool { return vd.Snapshot().TransportState == Playing })

	dl2 := newFakeDownloader(testBufferGateBytes * 2)
	dec2 := newFakeDecoder(2)
	wirePipeline(vd, dl2, dec2)

	b.Publish(bus.Play("dev-A", "http://example.com/track-b.flac", 0))
	waitFor(t, func() bool { return vd.Snapshot().URI == "http://example.com/track-b.flac" })
	waitFor(t, func() bool { return vd.Snapshot().TransportState == Stopped })

	dl2.mu.Lock()
	startedURL := dl2.startedURL
	dl2.mu.Unlock()
	if startedURL != "http://example.com/track-b.flac" {
		t.Fatalf("expected second session to download track-b, got %q", startedURL)
	}
}

// TestVirtualDevice_UpstreamDownloadFailure confirms a downloader
// failure (standing in for an upstream 404) lands the device in
// STOPPED with a DOWNLOAD_FAILED error rather than wedging in
// TRANSITIONING.
func TestVirtualDevice_UpstreamDownloadFailure(t *testing.T) {
	vd, b, _ := newTestDevice(t)
	dl := newFakeDownloader(0)
	dl.doneCh <- errUpstream404
	dec := newFakeDecoder(0)
	wirePipeline(vd, dl, dec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	b.Publish(bus.SetURI("dev-A", "http://example.com/missing.flac", nil))
	b.Publish(bus.Play("dev-A", "", 0))

	waitFor(t, func() bool {
		snap := vd.Snapshot()
		return snap.TransportState == Stopped && snap.LastError != nil && snap.LastError.Code == "DOWNLOAD_FAILED"
	})
}

// TestVirtualDevice_BufferGateTimeout confirms a downloader that never
// reaches the buffer gate and never reports completion fails the
// session once bufferGateTimeout elapses, instead of wedging forever.
func TestVirtualDevice_BufferGateTimeout(t *testing.T) {
	b := bus.New()
	fs := &fakeSink{}
	vd := NewVirtualDevice(zerolog.Nop(), b, "dev-A", KindAirplay, "Test Speaker [D]", fs, t.TempDir(), testBufferGateBytes, 50*time.Millisecond, testSinkOpenTimeout)

	dl := newFakeDownloader(0)
	dec := newFakeDecoder(0)
	wirePipeline(vd, dl, dec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	b.Publish(bus.SetURI("dev-A", "http://example.com/track.flac", nil))
	b.Publish(bus.Play("dev-A", "", 0))

	waitFor(t, func() bool {
		snap := vd.Snapshot()
		return snap.LastError != nil && snap.LastError.Code == "BUFFER_TIMEOUT"
	})
}

// TestVirtualDevice_SinkOpenTimeout confirms a sink whose Open never
// returns fails the session once sinkOpenTimeout elapses.
func TestVirtualDevice_SinkOpenTimeout(t *testing.T) {
	b := bus.New()
	fs := &fakeSink{blockOpen: true}
	vd := NewVirtualDevice(zerolog.Nop(), b, "dev-A", KindAirplay, "Test Speaker [D]", fs, t.TempDir(), testBufferGateBytes, testBufferGateTimeout, 50*time.Millisecond)

	dl := newFakeDownloader(testBufferGateBytes * 2)
	dec := newFakeDecoder(3)
	wirePipeline(vd, dl, dec)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	b.Publish(bus.SetURI("dev-A", "http://example.com/track.flac", nil))
	b.Publish(bus.Play("dev-A", "", 0))

	waitFor(t, func() bool {
		snap := vd.Snapshot()
		return snap.LastError != nil && snap.LastError.Code == "SINK_OPEN_TIMEOUT"
	})
}

func TestVirtualDevice_SetDSPValidConfigPersists(t *testing.T) {
	vd, b, _ := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	changes := b.Subscribe(bus.DSPChanged, "dev-A")
	cfg := dsp.DefaultConfig()
	cfg.EQ.Bands = []dsp.Band{{FreqHz: 1000, GainDB: 3, Q: 0.7, Type: dsp.Peaking}}
	b.Publish(bus.SetDSPForRequest("dev-A", "req-1", true, cfg))

	select {
	case evt := <-changes:
		if evt.Data["request_id"] != "req-1" {
			t.Fatalf("expected request_id round-tripped, got %v", evt.Data["request_id"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dsp_changed")
	}

	snap := vd.Snapshot()
	if !snap.DSPEnabled {
		t.Fatal("expected dsp enabled to persist")
	}
	if len(snap.DSPConfig.EQ.Bands) != 1 || snap.DSPConfig.EQ.Bands[0].FreqHz != 1000 {
		t.Fatalf("expected band config to persist, got %+v", snap.DSPConfig.EQ.Bands)
	}
}

func TestVirtualDevice_SetDSPInvalidConfigRejected(t *testing.T) {
	vd, b, _ := newTestDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go vd.Run(ctx)

	rejections := b.Subscribe(bus.DSPRejected, "dev-A")
	changes := b.Subscribe(bus.DSPChanged, "dev-A")
	cfg := dsp.DefaultConfig()
	cfg.EQ.Bands = []dsp.Band{{FreqHz: -10, GainDB: 3, Q: 0.7, Type: dsp.Peaking}}
	b.Publish(bus.SetDSPForRequest("dev-A", "req-2", true, cfg))

	select {
	case evt := <-rejections:
		if evt.Data["request_id"] != "req-2" {
			t.Fatalf("expected request_id round-tripped, got %v", evt.Data["request_id"])
		}
	case <-changes:
		t.Fatal("expected dsp_rejected, got dsp_changed for invalid band")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for dsp_rejected")
	}

	if vd.Snapshot().DSPEnabled {
		t.Fatal("expected dsp enabled to remain unchanged after rejection")
	}
}

var errUpstream404 = &upstreamError{"upstream returned 404"}

type upstreamError struct{ msg string }

func (e *upstreamError) Error() string { return e.msg }
