// Package discovery finds AirPlay receivers on the local network.
//
// No mdns/zeroconf/Bonjour client library ships in this module's
// dependency stack, so discovery shells out to avahi-browse the same
// way the audio-domain services on this host already probe for other
// mDNS-advertised services, and parses its resolved-record output.
package discovery

import (
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
)

// ServiceType is the mDNS service type AirPlay receivers advertise.
const ServiceType = "_airplay._tcp"

// Receiver describes one AirPlay receiver found on the network.
type Receiver struct {
	ID      string // stable id: resolved hostname, or the mDNS instance name when none is reported
	Name    string
	Address string
	Port    int
}

// Scanner performs periodic avahi-browse scans and reports receivers
// that appear or that have been missing for OfflineThreshold
// consecutive scans.
type Scanner struct {
	log              zerolog.Logger
	onFound          func(Receiver)
	onLost           func(id string)
	offlineThreshold int

	mu      sync.Mutex
	present map[string]Receiver
	misses  map[string]int

	scheduler gocron.Scheduler
}

// NewScanner creates a scanner. offlineThreshold is the number of
// consecutive scans a previously-seen receiver may be absent from
// before onLost fires for it; it must be >= 1.
func NewScanner(log zerolog.Logger, offlineThreshold int, onFound func(Receiver), onLost func(id string)) *Scanner {
	if offlineThreshold < 1 {
		offlineThreshold = 1
	}
	return &Scanner{
		log:              log.With().Str("component", "discovery").Logger(),
		onFound:          onFound,
		onLost:           onLost,
		offlineThreshold: offlineThreshold,
		present:          make(map[string]Receiver),
		misses:           make(map[string]int),
	}
}

// Start begins periodic scanning at the given interval, running one
// scan immediately.
func (s *Scanner) Start(interval time.Duration) error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	s.scheduler = scheduler

	_, err = scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(s.scanTick),
	)
	if err != nil {
		return err
	}
	scheduler.Start()
	// DurationJob waits a full interval before its first run; the
	// initial scan is started at once on its own goroutine so a fresh
	// process sees receivers without waiting for the first interval.
	go s.scanTick()
	s.log.Info().Dur("interval", interval).Int("offline_threshold", s.offlineThreshold).Msg("discovery started")
	return nil
}

// Stop halts periodic scanning.
func (s *Scanner) Stop() {
	if s.scheduler != nil {
		_ = s.scheduler.Shutdown()
	}
}

func (s *Scanner) scanTick() {
	found, err := ScanOnce(context.Background())
	if err != nil {
		s.log.Warn().Err(err).Msg("avahi-browse scan failed, retrying next interval")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	foundIDs := make(map[string]bool, len(found))
	for _, r := range found {
		foundIDs[r.ID] = true
		if _, known := s.present[r.ID]; !known {
			s.present[r.ID] = r
			s.misses[r.ID] = 0
			s.log.Info().Str("name", r.Name).Str("address", r.Address).Msg("receiver discovered")
			if s.onFound != nil {
				s.onFound(r)
			}
		} else {
			s.present[r.ID] = r
			s.misses[r.ID] = 0
		}
	}

	for id := range s.present {
		if foundIDs[id] {
			continue
		}
		s.misses[id]++
		if s.misses[id] >= s.offlineThreshold {
			s.log.Info().Str("id", id).Int("misses", s.misses[id]).Msg("receiver offline threshold reached")
			delete(s.present, id)
			delete(s.misses, id)
			if s.onLost != nil {
				s.onLost(id)
			}
		}
	}
}

// ScanOnce runs a single avahi-browse pass and returns the resolved
// AirPlay receivers found.
func ScanOnce(ctx context.Context) ([]Receiver, error) {
	cmd := exec.CommandContext(ctx, "avahi-browse", "-r", ServiceType, "--terminate")
	out, err := cmd.CombinedOutput()
	if err != nil {
		if len(out) == 0 {
			return nil, err
		}
		// avahi-browse can exit non-zero while still emitting usable output
		// (e.g. no results); fall through to parsing.
	}
	return parseAvahiBrowseOutput(string(out)), nil
}

var (
	resolvedLineRe = regexp.MustCompile(`^=\s+\S+\s+(IPv[46])\s+(.+?)\s+_airplay\._tcp\s+local`)
	hostnameRe     = regexp.MustCompile(`^\s+hostname\s*=\s*\[([^\]]+)\]`)
	addressRe      = regexp.MustCompile(`^\s+address\s*=\s*\[([^\]]+)\]`)
	portRe         = regexp.MustCompile(`^\s+port\s*=\s*\[(\d+)\]`)
)

func parseAvahiBrowseOutput(output string) []Receiver {
	var receivers []Receiver
	var current *Receiver

	for _, line := range strings.Split(output, "\n") {
		if m := resolvedLineRe.FindStringSubmatch(line); m != nil {
			if current != nil && receiverComplete(current) {
				receivers = append(receivers, *current)
			}
			current = &Receiver{ID: strings.TrimSpace(m[2]), Name: strings.TrimSpace(m[2])}
			continue
		}
		if current == nil {
			continue
		}
		if m := hostnameRe.FindStringSubmatch(line); m != nil {
			current.ID = m[1]
			continue
		}
		if m := addressRe.FindStringSubmatch(line); m != nil {
			current.Address = m[1]
			continue
		}
		if m := portRe.FindStringSubmatch(line); m != nil {
			port, _ := strconv.Atoi(m[1])
			current.Port = port
			continue
		}
	}
	if current != nil && receiverComplete(current) {
		receivers = append(receivers, *current)
	}

	return dedupeByID(receivers)
}

func receiverComplete(r *Receiver) bool {
	return r.Name != "" && r.Address != "" && r.Port > 0
}

func dedupeByID(receivers []Receiver) []Receiver {
	byID := make(map[string]Receiver, len(receivers))
	for _, r := range receivers {
		existing, ok := byID[r.ID]
		if !ok {
			byID[r.ID] = r
			continue
		}
		existingIPv4 := !strings.Contains(existing.Address, ":")
		newIPv4 := !strings.Contains(r.Address, ":")
		if newIPv4 && !existingIPv4 {
			byID[r.ID] = r
		}
	}
	out := make([]Receiver, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	return out
}
