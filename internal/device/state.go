// Package device implements the Virtual Device — the bridge engine
// that owns one sink, one DSP chain, and the device's full transport
// state — and the Device Manager that creates and destroys them.
package device

import (
	"fmt"
	"sync"

	"github.com/dlnabridge/airbridge/internal/dsp"
)

// TransportState is one of the five states in spec.md s4.1's table.
type TransportState string

const (
	NoMediaPresent TransportState = "NO_MEDIA_PRESENT"
	Stopped        TransportState = "STOPPED"
	Playing        TransportState = "PLAYING"
	PausedPlayback TransportState = "PAUSED_PLAYBACK"
	Transitioning  TransportState = "TRANSITIONING"
)

// Kind is the sink family a device was created for.
type Kind string

const (
	KindAirplay      Kind = "airplay"
	KindLocalSpeaker Kind = "local_speaker"
)

// Metadata is the subset of track metadata the spec names; any field
// may be absent.
type Metadata struct {
	Title   string `json:"title,omitempty"`
	Artist  string `json:"artist,omitempty"`
	Album   string `json:"album,omitempty"`
	CoverURL string `json:"cover_url,omitempty"`
}

// ErrorInfo is the last error surfaced to state events and the web
// API, cleared on the next successful transition.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PCMFormat is the audio format currently flowing through the device.
type PCMFormat struct {
	SampleRate int `json:"sample_rate"`
	Channels   int `json:"channels"`
	BitDepth   int `json:"bit_depth"`
}

// State is the Virtual Device's full data model from spec.md s3. All
// mutation happens on the device's own command-processing goroutine;
// everyone else gets a guarded snapshot via Snapshot.
type State struct {
	mu sync.RWMutex

	DeviceID       string
	Kind           Kind
	DisplayName    string
	TransportState TransportState

	URI        string
	DurationS  float64
	ElapsedS   float64
	Metadata   Metadata

	Volume int
	Muted  bool

	DSPEnabled bool
	DSPConfig  dsp.Config

	Format PCMFormat

	SessionID int64
	LastError *ErrorInfo
}

func newState(deviceID string, kind Kind, displayName string) *State {
	return &State{
		DeviceID:       deviceID,
		Kind:           kind,
		DisplayName:    displayName,
		TransportState: NoMediaPresent,
		Volume:         100,
		DSPConfig:      dsp.DefaultConfig(),
		Format:         PCMFormat{SampleRate: 44100, Channels: 2, BitDepth: 16},
	}
}

// Snapshot is a goroutine-safe point-in-time copy of State, detached
// from its mutex, safe to hand to the web API or GENA.
type Snapshot struct {
	DeviceID       string
	Kind           Kind
	DisplayName    string
	TransportState TransportState
	URI            string
	DurationS      float64
	ElapsedS       float64
	Metadata       Metadata
	Volume         int
	Muted          bool
	DSPEnabled     bool
	DSPConfig      dsp.Config
	Format         PCMFormat
	SessionID      int64
	LastError      *ErrorInfo
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		DeviceID:       s.DeviceID,
		Kind:           s.Kind,
		DisplayName:    s.DisplayName,
		TransportState: s.TransportState,
		URI:            s.URI,
		DurationS:      s.DurationS,
		ElapsedS:       s.ElapsedS,
		Metadata:       s.Metadata,
		Volume:         s.Volume,
		Muted:          s.Muted,
		DSPEnabled:     s.DSPEnabled,
		DSPConfig:      s.DSPConfig,
		Format:         s.Format,
		SessionID:      s.SessionID,
		LastError:      s.LastError,
	}
}

// ToMap renders the snapshot the way web API / GENA callers want it,
// mirroring the teacher's to-map builders in its player and device
// services.
func (snap Snapshot) ToMap() map[string]any {
	m := map[string]any{
		"device_id":       snap.DeviceID,
		"kind":            string(snap.Kind),
		"name":            snap.DisplayName,
		"transport_state": string(snap.TransportState),
		"uri":             snap.URI,
		"duration_s":      snap.DurationS,
		"elapsed_s":       snap.ElapsedS,
		"metadata": map[string]string{
			"title":     snap.Metadata.Title,
			"artist":    snap.Metadata.Artist,
			"album":     snap.Metadata.Album,
			"cover_url": snap.Metadata.CoverURL,
		},
		"volume":      snap.Volume,
		"muted":       snap.Muted,
		"dsp_enabled": snap.DSPEnabled,
		"session_id":  snap.SessionID,
	}
	if snap.LastError != nil {
		m["error"] = map[string]string{"code": snap.LastError.Code, "message": snap.LastError.Message}
	}
	return m
}

// FormatHHMMSS renders a seconds offset as hh:mm:ss for DLNA
// RelTime/position responses.
func FormatHHMMSS(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// ParseHHMMSS parses a DLNA REL_TIME target (hh:mm:ss[.fraction])
// into seconds.
func ParseHHMMSS(s string) (float64, error) {
	var h, m int
	var sec float64
	if _, err := fmt.Sscanf(s, "%d:%d:%f", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("invalid REL_TIME %q: %w", s, err)
	}
	return float64(h*3600+m*60) + sec, nil
}
