package config

import (
	"flag"
	"os"
	"strconv"
)

// AppConfig holds the documented configuration keys from spec.md s6.
// Only these keys are recognized; general-purpose config-file parsing
// is explicitly out of scope.
type AppConfig struct {
	EnableServerSpeaker bool
	HTTPPort            int
	WebPort             int
	DiscoveryIntervalS  int
	BufferGateBytes     int
	CacheDir            string
	OfflineThreshold    int
	BufferGateTimeoutS  int
	SinkOpenTimeoutS    int
}

// ParseFlags builds an AppConfig from command-line flags, falling back
// to the matching environment variable, then the documented default,
// mirroring cmd/stellar/main.go's flag-then-default pattern.
func ParseFlags() AppConfig {
	cfg := AppConfig{}

	flag.BoolVar(&cfg.EnableServerSpeaker, "enable-server-speaker", envBool("ENABLE_SERVER_SPEAKER", false), "create the local-speaker virtual device")
	flag.IntVar(&cfg.HTTPPort, "http-port", envInt("HTTP_PORT", 8088), "UPnP device/SOAP HTTP port")
	flag.IntVar(&cfg.WebPort, "web-port", envInt("WEB_PORT", 8089), "web control API port")
	flag.IntVar(&cfg.DiscoveryIntervalS, "discovery-interval", envInt("DISCOVERY_INTERVAL_S", 30), "AirPlay discovery interval in seconds")
	flag.IntVar(&cfg.BufferGateBytes, "buffer-gate-bytes", envInt("BUFFER_GATE_BYTES", 102400), "bytes buffered before the decoder starts")
	flag.StringVar(&cfg.CacheDir, "cache-dir", envString("CACHE_DIR", "./cache"), "directory for per-session cache files")
	flag.IntVar(&cfg.OfflineThreshold, "offline-threshold", envInt("AIRPLAY_OFFLINE_THRESHOLD", 3), "consecutive missed scans before a receiver's device is destroyed")
	flag.IntVar(&cfg.BufferGateTimeoutS, "buffer-gate-timeout", envInt("BUFFER_GATE_TIMEOUT_S", 10), "seconds to wait for the buffer gate before failing the session")
	flag.IntVar(&cfg.SinkOpenTimeoutS, "sink-open-timeout", envInt("SINK_OPEN_TIMEOUT_S", 5), "seconds to wait for the sink to open before failing the session")

	flag.Parse()
	return cfg
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
