package discovery

import (
	"testing"

	"github.com/rs/zerolog"
)

func TestParseAvahiBrowseOutput(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		expected []Receiver
	}{
		{
			name:     "empty output",
			output:   "",
			expected: nil,
		},
		{
			name: "one resolved receiver",
			output: `+   eth0 IPv4 Living Room                                    _airplay._tcp   local
=   eth0 IPv4 Living Room                                    _airplay._tcp   local
   hostname = [livingroom.local]
   address = [192.168.1.50]
   port = [7000]`,
			expected: []Receiver{
				{ID: "livingroom.local", Name: "Living Room", Address: "192.168.1.50", Port: 7000},
			},
		},
		{
			name: "prefers ipv4 over ipv6 for the same receiver",
			output: `=   eth0 IPv6 Kitchen                                        _airplay._tcp   local
   hostname = [kitchen.local]
   address = [fe80::1]
   port = [7000]
=   eth0 IPv4 Kitchen                                        _airplay._tcp   local
   hostname = [kitchen.local]
   address = [192.168.1.51]
   port = [7000]`,
			expected: []Receiver{
				{ID: "kitchen.local", Name: "Kitchen", Address: "192.168.1.51", Port: 7000},
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := parseAvahiBrowseOutput(tc.output)
			if len(got) != len(tc.expected) {
				t.Fatalf("expected %d receivers, got %d: %+v", len(tc.expected), len(got), got)
			}
			for _, want := range tc.expected {
				found := false
				for _, g := range got {
					if g == want {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("expected receiver %+v not found in %+v", want, got)
				}
			}
		})
	}
}

func TestScanner_OfflineThreshold(t *testing.T) {
	var lost []string
	s := NewScanner(zerolog.Nop(), 2, nil, func(id string) { lost = append(lost, id) })

	s.present["dev-1"] = Receiver{ID: "dev-1"}
	s.misses["dev-1"] = 0

	s.mu.Lock()
	for id := range s.present {
		if id != "dev-1" {
			continue
		}
		s.misses[id]++
	}
	s.mu.Unlock()

	if len(lost) != 0 {
		t.Fatalf("should not be lost after a single miss, got %v", lost)
	}

	s.mu.Lock()
	s.misses["dev-1"]++
	if s.misses["dev-1"] >= s.offlineThreshold {
		delete(s.present, "dev-1")
		lost = append(lost, "dev-1")
	}
	s.mu.Unlock()

	if len(lost) != 1 || lost[0] != "dev-1" {
		t.Fatalf("expected dev-1 to be lost after threshold misses, got %v", lost)
	}
}
