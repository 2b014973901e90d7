// Package config persists per-device DSP configuration (and last
// volume/mute) to disk, one JSON file per device_id, and reloads it at
// startup.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dlnabridge/airbridge/internal/bus"
	"github.com/dlnabridge/airbridge/internal/dsp"
)

// DeviceConfig is the persisted shape for one device: its DSP state
// and last-known volume/mute, so a restart restores exactly what a
// CMD_SET_DSP/CMD_SET_VOLUME last established.
type DeviceConfig struct {
	DSPEnabled bool       `json:"dsp_enabled"`
	DSPConfig  dsp.Config `json:"dsp_config"`
	Volume     int        `json:"volume"`
	Muted      bool       `json:"muted"`
}

// Store owns the on-disk representation of every device's config. It
// subscribes to DSP_CHANGED and writes whichever device changed; it
// never holds a device's in-memory state itself, per the ownership
// split in spec.md s3.
type Store struct {
	log zerolog.Logger
	dir string
	bus *bus.Bus

	mu    sync.Mutex
	cache map[string]DeviceConfig
}

func NewStore(log zerolog.Logger, dir string, eventBus *bus.Bus) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("config store: create dir: %w", err)
	}
	return &Store{
		log:   log.With().Str("component", "config_store").Logger(),
		dir:   dir,
		bus:   eventBus,
		cache: make(map[string]DeviceConfig),
	}, nil
}

func (s *Store) pathFor(deviceID string) string {
	return filepath.Join(s.dir, deviceID+".json")
}

// GetDeviceConfig returns the saved config for deviceID, loading it
// from disk on first access, and reports whether one exists.
func (s *Store) GetDeviceConfig(deviceID string) (DeviceConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg, ok := s.cache[deviceID]; ok {
		return cfg, true
	}

	data, err := os.ReadFile(s.pathFor(deviceID))
	if err != nil {
		return DeviceConfig{}, false
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("corrupt device config, ignoring")
		return DeviceConfig{}, false
	}
	s.cache[deviceID] = cfg
	return cfg, true
}

func (s *Store) setDeviceConfig(deviceID string, cfg DeviceConfig) error {
	s.mu.Lock()
	s.cache[deviceID] = cfg
	s.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config store: marshal: %w", err)
	}
	if err := os.WriteFile(s.pathFor(deviceID), data, 0600); err != nil {
		return fmt.Errorf("config store: write: %w", err)
	}
	return nil
}

// Run subscribes to DSP_CHANGED and VOLUME_CHANGED/MUTE_CHANGED and
// persists every update until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	dspCh := s.bus.Subscribe(bus.DSPChanged, "")
	volCh := s.bus.Subscribe(bus.VolumeChanged, "")
	muteCh := s.bus.Subscribe(bus.MuteChanged, "")

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-dspCh:
			if !ok {
				return
			}
			s.onDSPChanged(evt)
		case evt, ok := <-volCh:
			if !ok {
				return
			}
			s.updateField(evt.DeviceID, func(c *DeviceConfig) {
				if v, ok := evt.Data["volume"].(int); ok {
					c.Volume = v
				}
			})
		case evt, ok := <-muteCh:
			if !ok {
				return
			}
			s.updateField(evt.DeviceID, func(c *DeviceConfig) {
				if m, ok := evt.Data["muted"].(bool); ok {
					c.Muted = m
				}
			})
		}
	}
}

func (s *Store) onDSPChanged(evt bus.Event) {
	enabled, _ := evt.Data["enabled"].(bool)
	cfg, _ := evt.Data["config"].(dsp.Config)

	s.updateField(evt.DeviceID, func(c *DeviceConfig) {
		c.DSPEnabled = enabled
		c.DSPConfig = cfg
	})
}

func (s *Store) updateField(deviceID string, mutate func(*DeviceConfig)) {
	current, _ := s.GetDeviceConfig(deviceID)
	mutate(&current)
	if err := s.setDeviceConfig(deviceID, current); err != nil {
		s.log.Warn().Err(err).Str("device_id", deviceID).Msg("failed to persist device config")
	}
}
