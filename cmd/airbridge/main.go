// Package main is the entry point for the DLNA-to-AirPlay bridge.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dlnabridge/airbridge/internal/bus"
	appconfig "github.com/dlnabridge/airbridge/internal/config"
	"github.com/dlnabridge/airbridge/internal/device"
	"github.com/dlnabridge/airbridge/internal/dlna"
	"github.com/dlnabridge/airbridge/internal/sink"
	"github.com/dlnabridge/airbridge/internal/version"
	"github.com/dlnabridge/airbridge/internal/webapi"
)

func main() {
	cfg := appconfig.ParseFlags()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	versionInfo := version.GetInfo()
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().Msgf("  %s", versionInfo.String())
	log.Info().Msg("  DLNA/UPnP to AirPlay bridge")
	log.Info().Msg("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	log.Info().
		Bool("enable_server_speaker", cfg.EnableServerSpeaker).
		Int("http_port", cfg.HTTPPort).
		Int("web_port", cfg.WebPort).
		Int("discovery_interval_s", cfg.DiscoveryIntervalS).
		Int("buffer_gate_bytes", cfg.BufferGateBytes).
		Str("cache_dir", cfg.CacheDir).
		Int("offline_threshold", cfg.OfflineThreshold).
		Int("buffer_gate_timeout_s", cfg.BufferGateTimeoutS).
		Int("sink_open_timeout_s", cfg.SinkOpenTimeoutS).
		Msg("configuration")

	eventBus := bus.New()

	store, err := appconfig.NewStore(log.Logger, cfg.CacheDir+"/config", eventBus)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open config store")
	}

	manager := device.NewManager(log.Logger, eventBus, store, unavailableReceiverDialer, cfg.CacheDir, int64(cfg.BufferGateBytes), cfg.OfflineThreshold,
		time.Duration(cfg.BufferGateTimeoutS)*time.Second, time.Duration(cfg.SinkOpenTimeoutS)*time.Second)

	dlnaService := dlna.NewService(log.Logger, eventBus, manager)
	webServer := webapi.NewServer(log.Logger, eventBus, manager)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go store.Run(ctx)

	if err := dlnaService.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start DLNA service")
	}
	defer dlnaService.Stop()

	if err := manager.Start(ctx, time.Duration(cfg.DiscoveryIntervalS)*time.Second, cfg.EnableServerSpeaker); err != nil {
		log.Fatal().Err(err).Msg("failed to start device manager")
	}
	defer manager.Stop()

	webDone := make(chan struct{})
	go webServer.Run(webDone)
	defer close(webDone)

	dlnaHTTPServer := &http.Server{
		Addr:         addrFromPort(cfg.HTTPPort),
		Handler:      dlnaService.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	webHTTPServer := &http.Server{
		Addr:         addrFromPort(cfg.WebPort),
		Handler:      webServer.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Info().Str("addr", dlnaHTTPServer.Addr).Msg("DLNA control server listening")
		if err := dlnaHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("DLNA control server error")
		}
	}()
	go func() {
		log.Info().Str("addr", webHTTPServer.Addr).Msg("web control API listening")
		if err := webHTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("web control API error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = dlnaHTTPServer.Shutdown(shutdownCtx)
	_ = webHTTPServer.Shutdown(shutdownCtx)

	log.Info().Msg("stopped")
}

func addrFromPort(port int) string {
	return ":" + strconv.Itoa(port)
}

// unavailableReceiverDialer is the ReceiverDialer used until a real
// AirPlay pairing/streaming client library is wired in at the process
// boundary; Connect, StreamRawPCM and SetVolume fail immediately rather
// than silently dropping audio, and Disconnect succeeds. See
// internal/sink.AirplayReceiver.
func unavailableReceiverDialer(host string, port int) sink.AirplayReceiver {
	return stubReceiver{}
}

type stubReceiver struct{}

func (stubReceiver) Connect(ctx context.Context, host string, port int) error {
	return errUnimplementedReceiver
}
func (stubReceiver) StreamRawPCM(pcm []byte, sampleRate, channels, bitDepth int) error {
	return errUnimplementedReceiver
}
func (stubReceiver) SetVolume(volume int) error { return errUnimplementedReceiver }
func (stubReceiver) Disconnect() error { return nil }

var errUnimplementedReceiver = errors.New("no AirPlay receiver client is wired into this build")
