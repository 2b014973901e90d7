package config

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/dlnabridge/airbridge/internal/bus"
	"github.com/dlnabridge/airbridge/internal/dsp"
)

func TestStore_PersistsOneFilePerDevice(t *testing.T) {
	tmpDir := t.TempDir()
	b := bus.New()
	store, err := NewStore(zerolog.Nop(), tmpDir, b)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go store.Run(ctx)

	dspCfg := dsp.DefaultConfig()
	dspCfg.EQ.Bands = []dsp.Band{{FreqHz: 1000, GainDB: 6, Q: 1, Type: dsp.Peaking}}
	b.Publish(bus.Event{Type: bus.DSPChanged, DeviceID: "dev-A", Data: map[string]any{
		"enabled": true,
		"config":  dspCfg,
	}})

	deadline := time.Now().Add(time.Second)
	var path string
	for time.Now().Before(deadline) {
		path = filepath.Join(tmpDir, "dev-A.json")
		if cfg, ok := store.GetDeviceConfig("dev-A"); ok && cfg.DSPEnabled {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, ok := store.GetDeviceConfig("dev-A"); !ok {
		t.Fatalf("expected persisted config for dev-A at %s", path)
	}
}

func TestStore_GetDeviceConfig_MissingReturnsFalse(t *testing.T) {
	store, err := NewStore(zerolog.Nop(), t.TempDir(), bus.New())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	if _, ok := store.GetDeviceConfig("nonexistent"); ok {
		t.Error("expected no config for an unknown device")
	}
}
