package dlna

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dlnabridge/airbridge/internal/bus"
	"github.com/dlnabridge/airbridge/internal/device"
)

// Service is the DLNA/UPnP control surface for every device the
// Manager currently owns: one SOAP control URL and one GENA event URL
// per service, per device. SSDP advertisement and static SCPD
// description serving are the out-of-scope collaborator per spec.md
// s1; this service only handles the control and eventing traffic that
// collaborator would route here.
type Service struct {
	log     zerolog.Logger
	bus     *bus.Bus
	manager *device.Manager
	gena    *genaManager
}

func NewService(log zerolog.Logger, eventBus *bus.Bus, manager *device.Manager) *Service {
	return &Service{
		log:     log.With().Str("component", "dlna").Logger(),
		bus:     eventBus,
		manager: manager,
		gena:    newGenaManager(log, eventBus),
	}
}

// Start begins GENA's expiry sweep and NOTIFY dispatch loop.
func (s *Service) Start() error { return s.gena.start() }

func (s *Service) Stop() { s.gena.stop() }

// Handler builds the mux routing every device's control and event
// URLs to the right handler, keyed by device_id in the path.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/dlna/devices/{deviceID}/avtransport/control", func(w http.ResponseWriter, r *http.Request) {
		s.handleAVTransportControl(w, r, r.PathValue("deviceID"))
	})
	mux.HandleFunc("/dlna/devices/{deviceID}/renderingcontrol/control", func(w http.ResponseWriter, r *http.Request) {
		s.handleRenderingControlControl(w, r, r.PathValue("deviceID"))
	})
	mux.HandleFunc("/dlna/devices/{deviceID}/avtransport/event", func(w http.ResponseWriter, r *http.Request) {
		s.handleGenaEvent(w, r, r.PathValue("deviceID"), "AVTransport")
	})
	mux.HandleFunc("/dlna/devices/{deviceID}/renderingcontrol/event", func(w http.ResponseWriter, r *http.Request) {
		s.handleGenaEvent(w, r, r.PathValue("deviceID"), "RenderingControl")
	})

	return mux
}

// handleGenaEvent implements GENA SUBSCRIBE/UNSUBSCRIBE for one
// device/service's event URL. net/http's mux dispatches by path only,
// so the three GENA verbs are distinguished by request method here.
func (s *Service) handleGenaEvent(w http.ResponseWriter, r *http.Request, deviceID, service string) {
	if _, ok := s.manager.Device(deviceID); !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case "SUBSCRIBE":
		if sid := r.Header.Get("SID"); sid != "" {
			s.handleRenew(w, sid, r.Header.Get("TIMEOUT"))
			return
		}
		s.handleNewSubscription(w, r, deviceID, service)

	case "UNSUBSCRIBE":
		sid := r.Header.Get("SID")
		if sid == "" || !s.gena.unsubscribe(sid) {
			http.Error(w, "unknown subscription", http.StatusPreconditionFailed)
			return
		}
		w.WriteHeader(http.StatusOK)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Service) handleNewSubscription(w http.ResponseWriter, r *http.Request, deviceID, service string) {
	callback := extractCallbackURL(r.Header.Get("CALLBACK"))
	if callback == "" {
		http.Error(w, "missing or invalid CALLBACK header", http.StatusPreconditionFailed)
		return
	}
	timeout := parseTimeoutHeader(r.Header.Get("TIMEOUT"))

	sid, effective := s.gena.subscribe(deviceID, service, callback, timeout)

	w.Header().Set("SID", sid)
	w.Header().Set("TIMEOUT", fmt.Sprintf("Second-%d", int(effective.Seconds())))
	w.WriteHeader(http.StatusOK)
}

func (s *Service) handleRenew(w http.ResponseWriter, sid, timeoutHeader string) {
	timeout := parseTimeoutHeader(timeoutHeader)
	if !s.gena.renew(sid, timeout) {
		http.Error(w, "unknown subscription", http.StatusPreconditionFailed)
		return
	}
	w.Header().Set("SID", sid)
	w.Header().Set("TIMEOUT", fmt.Sprintf("Second-%d", int(timeout.Seconds())))
	w.WriteHeader(http.StatusOK)
}

// extractCallbackURL pulls the first <url> out of a CALLBACK header
// shaped like "<http://host:port/path>".
func extractCallbackURL(header string) string {
	start := strings.Index(header, "<")
	end := strings.Index(header, ">")
	if start < 0 || end < 0 || end <= start {
		return ""
	}
	return header[start+1 : end]
}

// parseTimeoutHeader parses "Second-1800" (or the literal "Second-infinite",
// which this bridge caps at the default) into a duration.
func parseTimeoutHeader(header string) time.Duration {
	if header == "" {
		return defaultSubscriptionTimeout
	}
	const prefix = "Second-"
	if !strings.HasPrefix(header, prefix) {
		return defaultSubscriptionTimeout
	}
	n, err := strconv.Atoi(strings.TrimPrefix(header, prefix))
	if err != nil || n <= 0 {
		return defaultSubscriptionTimeout
	}
	return time.Duration(n) * time.Second
}
