package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dlnabridge/airbridge/internal/bus"
	"github.com/dlnabridge/airbridge/internal/dsp"
	"github.com/dlnabridge/airbridge/internal/pipeline"
	"github.com/dlnabridge/airbridge/internal/sink"
)

// teardownDeadline bounds how long a Virtual Device waits for a
// superseded or stopped pipeline to exit cleanly before force-killing
// it, per the bridge's bounded tear-down contract.
const teardownDeadline = 2 * time.Second

// DownloaderFactory constructs a fresh Downloader for one playback
// session. DecoderFactory does the same for the Decoder. Production
// code always wires the ffmpeg-backed implementations; tests
// substitute fakes so Cold Play, Seek, Superseded Play, and
// upstream-failure scenarios can be driven without spawning ffmpeg.
type DownloaderFactory func() pipeline.Downloader
type DecoderFactory func() pipeline.Decoder

// VirtualDevice owns one sink, one DSP chain, and the full transport
// state machine for a single bridged receiver. All state mutation
// happens on its own command goroutine (run), grounded on
// _examples/jscyril-gtmpc/internal/audio/engine.go's run(ctx) select
// loop over a commands channel, generalized here from one music
// player to the bridge's five-state transport machine.
type VirtualDevice struct {
	log zerolog.Logger
	bus *bus.Bus

	state *State
	sink  sink.Sink
	chain *dsp.Chain

	cacheDir        string
	bufferGateBytes int64
	bufferGateTimeout time.Duration
	sinkOpenTimeout   time.Duration

	downloaderFactory DownloaderFactory
	decoderFactory    DecoderFactory

	session *playbackSession // nil when no pipeline is running

	stopped chan struct{}
}

// playbackSession is the set of resources a single CMD_PLAY owns: the
// downloader and decoder subprocesses and the goroutine feeding the
// sink. Superseding it means cancelling its context and waiting (with
// a deadline) for done to close before starting the next one.
type playbackSession struct {
	id         int64
	cacheFile  string
	downloader pipeline.Downloader
	decoder    pipeline.Decoder
	cancel     context.CancelFunc
	paused     atomic.Bool
	done       chan struct{}
}

func NewVirtualDevice(log zerolog.Logger, eventBus *bus.Bus, deviceID string, kind Kind, displayName string, snk sink.Sink, cacheDir string, bufferGateBytes int64, bufferGateTimeout, sinkOpenTimeout time.Duration) *VirtualDevice {
	vd := &VirtualDevice{
		log:               log.With().Str("component", "virtual_device").Str("device_id", deviceID).Logger(),
		bus:               eventBus,
		state:             newState(deviceID, kind, displayName),
		sink:              snk,
		chain:             dsp.NewChain(44100, 2),
		cacheDir:          cacheDir,
		bufferGateBytes:   bufferGateBytes,
		bufferGateTimeout: bufferGateTimeout,
		sinkOpenTimeout:   sinkOpenTimeout,
		stopped:           make(chan struct{}),
	}
	vd.downloaderFactory = func() pipeline.Downloader {
		return pipeline.NewFFmpegDownloader(vd.log, pipeline.DefaultDownloaderConfig())
	}
	vd.decoderFactory = func() pipeline.Decoder {
		return pipeline.NewFFmpegDecoder(vd.log, pipeline.DefaultDecoderConfig())
	}
	return vd
}

// SetPipelineFactories overrides how this device constructs the
// downloader/decoder for the next session it starts. Production
// callers never need this; tests use it to substitute fakes.
func (d *VirtualDevice) SetPipelineFactories(df DownloaderFactory, cf DecoderFactory) {
	d.downloaderFactory = df
	d.decoderFactory = cf
}

func (d *VirtualDevice) DeviceID() string   { return d.state.DeviceID }
func (d *VirtualDevice) Snapshot() Snapshot { return d.state.Snapshot() }

// LoadSavedConfig seeds volume/mute/DSP from a previously persisted
// config, called once by the Device Manager right after construction.
func (d *VirtualDevice) LoadSavedConfig(volume int, muted bool, dspEnabled bool, dspConfig dsp.Config) {
	d.state.mu.Lock()
	d.state.Volume = volume
	d.state.Muted = muted
	d.state.DSPEnabled = dspEnabled
	if dspEnabled {
		d.state.DSPConfig = dspConfig
	}
	d.state.mu.Unlock()
	if dspEnabled {
		d.chain.SetConfig(dspConfig)
	}
}

// Run subscribes to every command event addressed to this device and
// processes them one at a time until ctx is cancelled, at which point
// any active pipeline is torn down and Run returns.
func (d *VirtualDevice) Run(ctx context.Context) {
	cmds := d.bus.Subscribe("", d.state.DeviceID)
	defer close(d.stopped)

	for {
		select {
		case <-ctx.Done():
			d.teardownSession()
			return
		case evt, ok := <-cmds:
			if !ok {
				d.teardownSession()
				return
			}
			d.dispatch(ctx, evt)
		}
	}
}

// Stopped reports when Run has returned.
func (d *VirtualDevice) Stopped() <-chan struct{} { return d.stopped }

func (d *VirtualDevice) dispatch(ctx context.Context, evt bus.Event) {
	switch evt.Type {
	case bus.CmdSetURI:
		d.executeSetURI(evt)
	case bus.CmdPlay:
		d.executePlay(ctx, evt)
	case bus.CmdPause:
		d.executePause()
	case bus.CmdStop:
		d.executeStop()
	case bus.CmdSeek:
		d.executeSeek(ctx, evt)
	case bus.CmdSetVolume:
		d.executeSetVolume(evt)
	case bus.CmdSetMute:
		d.executeSetMute(evt)
	case bus.CmdSetDSP:
		d.executeSetDSP(evt)
	case bus.CmdResetDSP:
		d.executeResetDSP()
	}
}

func (d *VirtualDevice) executeSetURI(evt bus.Event) {
	uri, _ := evt.Data["uri"].(string)
	meta, _ := evt.Data["metadata"].(map[string]string)

	d.state.mu.Lock()
	d.state.URI = uri
	d.state.ElapsedS = 0
	d.state.Metadata = Metadata{Title: meta["title"], Artist: meta["artist"], Album: meta["album"], CoverURL: meta["cover_url"]}
	if d.state.TransportState == NoMediaPresent {
		d.state.TransportState = Stopped
	}
	d.state.mu.Unlock()

	d.publishState()
}

func (d *VirtualDevice) executePlay(ctx context.Context, evt bus.Event) {
	uri, _ := evt.Data["uri"].(string)
	position, _ := evt.Data["position"].(float64)

	d.state.mu.RLock()
	currentURI := d.state.URI
	currentState := d.state.TransportState
	d.state.mu.RUnlock()

	// Resume-from-pause: same track, no explicit new position, a
	// session is already buffered. Play-supersedes-Play for anything
	// else, including a second CMD_PLAY while already playing.
	if currentState == PausedPlayback && d.session != nil && (uri == "" || uri == currentURI) {
		d.session.paused.Store(false)
		d.setTransportState(Playing)
		return
	}

	if uri == "" {
		uri = currentURI
	}
	if uri == "" {
		d.setError("NO_URI", "play requested with no URI set")
		return
	}

	d.teardownSession()
	d.setTransportState(Transitioning)

	d.state.mu.Lock()
	d.state.URI = uri
	d.state.SessionID++
	sessionID := d.state.SessionID
	d.state.mu.Unlock()

	d.startSession(ctx, sessionID, uri, position)
}

func (d *VirtualDevice) executePause() {
	d.state.mu.RLock()
	state := d.state.TransportState
	d.state.mu.RUnlock()
	if state != Playing {
		return
	}
	if d.session != nil {
		d.session.paused.Store(true)
	}
	d.setTransportState(PausedPlayback)
}

func (d *VirtualDevice) executeStop() {
	d.teardownSession()
	d.state.mu.Lock()
	d.state.ElapsedS = 0
	d.state.TransportState = Stopped
	d.state.LastError = nil
	d.state.mu.Unlock()
	d.publishState()
}

func (d *VirtualDevice) executeSeek(ctx context.Context, evt bus.Event) {
	position, _ := evt.Data["position"].(float64)

	d.state.mu.RLock()
	uri := d.state.URI
	state := d.state.TransportState
	d.state.mu.RUnlock()
	if uri == "" || (state != Playing && state != PausedPlayback) {
		return
	}

	wasPlaying := state == Playing
	d.teardownSession()
	d.setTransportState(Transitioning)

	d.state.mu.Lock()
	d.state.SessionID++
	sessionID := d.state.SessionID
	d.state.ElapsedS = position
	d.state.mu.Unlock()

	d.startSession(ctx, sessionID, uri, position)
	if !wasPlaying {
		d.executePause()
	}
}

// executeSetVolume rejects an out-of-range volume outright: no state
// mutation and no VOLUME_CHANGED publish. Both control surfaces
// (SOAP RenderingControl and the web API) already validate range
// before publishing CMD_SET_VOLUME; this is the device's own guard
// against a malformed command reaching it by any other path.
func (d *VirtualDevice) executeSetVolume(evt bus.Event) {
	volume, _ := evt.Data["volume"].(int)
	if volume < 0 || volume > 100 {
		d.log.Warn().Int("volume", volume).Msg("rejecting out-of-range set_volume command")
		return
	}
	d.state.mu.Lock()
	d.state.Volume = volume
	d.state.mu.Unlock()
	if err := d.sink.SetVolume(volume); err != nil {
		d.log.Warn().Err(err).Msg("sink set_volume failed")
	}
	d.bus.Publish(bus.NewVolumeChanged(d.state.DeviceID, volume))
}

func (d *VirtualDevice) executeSetMute(evt bus.Event) {
	muted, _ := evt.Data["muted"].(bool)
	d.state.mu.Lock()
	d.state.Muted = muted
	d.state.mu.Unlock()
	if err := d.sink.SetMute(muted); err != nil {
		d.log.Warn().Err(err).Msg("sink set_mute failed")
	}
	d.bus.Publish(bus.NewMuteChanged(d.state.DeviceID, muted))
}

// executeSetDSP rejects the command outright on any decode or semantic
// validation failure: no DSPEnabled change, no DSP_CHANGED publish,
// just a DSP_REJECTED carrying the same request_id the caller sent (if
// any) so a synchronous caller like the web API can match its reply.
func (d *VirtualDevice) executeSetDSP(evt bus.Event) {
	requestID, _ := evt.Data["request_id"].(string)
	enabled, _ := evt.Data["enabled"].(bool)

	config, err := decodeDSPConfig(evt.Data["config"])
	if err == nil {
		err = config.Validate()
	}
	if err != nil {
		d.log.Warn().Err(err).Msg("rejecting invalid dsp config")
		d.bus.Publish(bus.NewDSPRejected(d.state.DeviceID, requestID, err.Error()))
		return
	}

	d.chain.SetConfig(config)
	d.state.mu.Lock()
	d.state.DSPEnabled = enabled
	d.state.DSPConfig = config
	d.state.mu.Unlock()

	d.bus.Publish(bus.Event{Type: bus.DSPChanged, DeviceID: d.state.DeviceID, Data: map[string]any{
		"enabled":    enabled,
		"config":     config,
		"request_id": requestID,
	}})
}

func (d *VirtualDevice) executeResetDSP() {
	config := dsp.DefaultConfig()
	d.chain.SetConfig(config)
	d.state.mu.Lock()
	d.state.DSPEnabled = false
	d.state.DSPConfig = config
	d.state.mu.Unlock()

	d.bus.Publish(bus.Event{Type: bus.DSPChanged, DeviceID: d.state.DeviceID, Data: map[string]any{
		"enabled": false,
		"config":  config,
	}})
}

// decodeDSPConfig accepts either a dsp.Config the caller already built
// in-process (the common case: the web API and DLNA handlers decode
// JSON/SOAP themselves) or a loosely-typed map, round-tripped through
// JSON so either source lands on the same struct.
func decodeDSPConfig(raw any) (dsp.Config, error) {
	if cfg, ok := raw.(dsp.Config); ok {
		return cfg, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return dsp.Config{}, fmt.Errorf("marshal dsp config: %w", err)
	}
	var cfg dsp.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return dsp.Config{}, fmt.Errorf("unmarshal dsp config: %w", err)
	}
	return cfg, nil
}

func (d *VirtualDevice) setTransportState(state TransportState) {
	d.state.mu.Lock()
	d.state.TransportState = state
	d.state.LastError = nil
	d.state.mu.Unlock()
	d.publishState()
}

func (d *VirtualDevice) setError(code, message string) {
	d.state.mu.Lock()
	d.state.LastError = &ErrorInfo{Code: code, Message: message}
	d.state.TransportState = Stopped
	d.state.mu.Unlock()
	d.publishState()
}

func (d *VirtualDevice) publishState() {
	snap := d.state.Snapshot()
	d.bus.Publish(bus.NewStateChanged(d.state.DeviceID, string(snap.TransportState), snap.ToMap()))
}

// teardownSession cancels any running pipeline and waits up to
// teardownDeadline for it to exit on its own before force-killing.
func (d *VirtualDevice) teardownSession() {
	s := d.session
	if s == nil {
		return
	}
	s.cancel()

	select {
	case <-s.done:
	case <-time.After(teardownDeadline):
		d.log.Warn().Int64("session_id", s.id).Msg("pipeline did not exit within the tear-down deadline, killing")
		s.downloader.Kill()
		s.decoder.Kill()
		<-s.done
	}

	if err := os.Remove(s.cacheFile); err != nil && !os.IsNotExist(err) {
		d.log.Warn().Err(err).Str("cache_file", s.cacheFile).Msg("failed to remove session cache file")
	}
	d.session = nil
}

// startSession spawns the downloader, waits for the buffer gate, then
// spawns the decoder and runs the decode->DSP->sink loop on its own
// goroutine. It returns immediately; PLAYING is reported once the
// first block reaches the sink.
func (d *VirtualDevice) startSession(parentCtx context.Context, sessionID int64, uri string, positionSeconds float64) {
	ctx, cancel := context.WithCancel(parentCtx)
	cacheFile := filepath.Join(d.cacheDir, fmt.Sprintf("session-%s.mkv", uuid.NewString()))

	sess := &playbackSession{id: sessionID, cacheFile: cacheFile, cancel: cancel, done: make(chan struct{})}
	sess.downloader = d.downloaderFactory()
	sess.decoder = d.decoderFactory()
	d.session = sess

	go func() {
		defer close(sess.done)
		d.runSession(ctx, sess, uri, positionSeconds)
	}()
}

func (d *VirtualDevice) runSession(ctx context.Context, sess *playbackSession, uri string, positionSeconds float64) {
	if err := sess.downloader.Start(uri, sess.cacheFile, positionSeconds); err != nil {
		d.setError("DOWNLOAD_FAILED", err.Error())
		return
	}
	defer sess.downloader.Stop()

	if !d.waitForBufferGate(ctx, sess) {
		return
	}

	if err := sess.decoder.Start(sess.cacheFile, positionSeconds); err != nil {
		d.setError("DECODE_FAILED", err.Error())
		return
	}
	defer sess.decoder.Stop()

	decCfg := pipeline.DefaultDecoderConfig()
	openCtx, openCancel := context.WithTimeout(ctx, d.sinkOpenTimeout)
	err := d.sink.Open(openCtx, decCfg.SampleRate, decCfg.Channels, 16)
	openCancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			d.setError("SINK_OPEN_TIMEOUT", "sink open timed out")
		} else {
			d.setError("SINK_OPEN_FAILED", err.Error())
		}
		return
	}

	blockFrames := decCfg.BlockSize
	buf := make([]byte, blockFrames*decCfg.BytesPerFrame())
	elapsed := positionSeconds
	framesPerBlock := float64(blockFrames) / float64(decCfg.SampleRate)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if sess.paused.Load() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
			}
			continue
		}

		n, err := sess.decoder.ReadBlock(buf)
		if n > 0 {
			block := dsp.DecodeS16LE(buf[:n], decCfg.Channels)
			processed := d.chain.Process(block)
			out := dsp.EncodeS16LE(processed)
			if res, werr := d.sink.Write(out); werr != nil || res != sink.WriteOK {
				d.log.Warn().Err(werr).Int("result", int(res)).Msg("sink write failed")
			}
			elapsed += framesPerBlock
			d.state.mu.Lock()
			d.state.ElapsedS = elapsed
			d.state.mu.Unlock()
			if d.state.TransportState != Playing {
				d.setTransportState(Playing)
			}
		}
		if err != nil {
			if err.Error() == "EOF" || err.Error() == "unexpected EOF" {
				// executeStop would wait on this goroutine's own done
				// channel; report STOPPED and drop the cache file here,
				// and leave the session record to the next teardown.
				if rerr := os.Remove(sess.cacheFile); rerr != nil && !os.IsNotExist(rerr) {
					d.log.Warn().Err(rerr).Str("cache_file", sess.cacheFile).Msg("failed to remove session cache file")
				}
				d.state.mu.Lock()
				d.state.ElapsedS = 0
				d.state.TransportState = Stopped
				d.state.LastError = nil
				d.state.mu.Unlock()
				d.publishState()
			} else {
				d.setError("PLAYBACK_ERROR", err.Error())
			}
			return
		}
	}
}

// waitForBufferGate blocks until the downloader has written at least
// bufferGateBytes, exits early on download failure or once
// bufferGateTimeout elapses, and returns false in either case so the
// caller can skip starting the decoder.
func (d *VirtualDevice) waitForBufferGate(ctx context.Context, sess *playbackSession) bool {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(d.bufferGateTimeout)
	for {
		if sess.downloader.BytesDownloaded() >= d.bufferGateBytes {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case err := <-sess.downloader.Done():
			if err != nil {
				d.setError("DOWNLOAD_FAILED", err.Error())
				return false
			}
			// Download finished (short track) before reaching the gate;
			// whatever is on disk is all there will be.
			return sess.downloader.BytesDownloaded() > 0
		case <-deadline:
			d.setError("BUFFER_TIMEOUT", "buffer gate wait exceeded timeout")
			return false
		case <-ticker.C:
		}
	}
}
