// Package webapi exposes the bridge's read-only state and DSP/volume
// control surface to browser-based control UIs, as REST plus an
// optional Socket.io live push channel, grounded on this codebase's
// own socket.io transport for the equivalent lineage feature.
package webapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/dlnabridge/airbridge/internal/bus"
	"github.com/dlnabridge/airbridge/internal/device"
	"github.com/dlnabridge/airbridge/internal/dsp"
)

// Server is the web control API: REST handlers backed directly by the
// Device Manager's in-memory state, plus a Socket.io server that
// mirrors every STATE_CHANGED/VOLUME_CHANGED/MUTE_CHANGED/DSP_CHANGED
// event to connected clients without them having to poll.
type Server struct {
	log     zerolog.Logger
	bus     *bus.Bus
	manager *device.Manager
	io      *socket.Server
}

func NewServer(log zerolog.Logger, eventBus *bus.Bus, manager *device.Manager) *Server {
	opts := socket.DefaultServerOptions()
	opts.SetPingTimeout(20 * time.Second)
	opts.SetPingInterval(25 * time.Second)
	opts.SetCors(&types.Cors{Origin: "*", Credentials: true})

	s := &Server{
		log:     log.With().Str("component", "webapi").Logger(),
		bus:     eventBus,
		manager: manager,
		io:      socket.NewServer(nil, opts),
	}
	s.setupSocketHandlers()
	return s
}

// Run subscribes to the bus and relays every device event to Socket.io
// clients until doneCh is closed.
func (s *Server) Run(doneCh <-chan struct{}) {
	ch := s.bus.SubscribeAll()
	for {
		select {
		case <-doneCh:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			s.broadcastEvent(evt)
		}
	}
}

func (s *Server) broadcastEvent(evt bus.Event) {
	switch evt.Type {
	case bus.StateChanged, bus.VolumeChanged, bus.MuteChanged, bus.DSPChanged,
		bus.DeviceAdded, bus.DeviceRemoved, bus.DeviceDisconnected:
		s.io.Emit(string(evt.Type), map[string]any{"device_id": evt.DeviceID, "data": evt.Data})
	}
}

func (s *Server) setupSocketHandlers() {
	s.io.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		client.Emit("devices", s.devicesPayload())
	})
}

func (s *Server) devicesPayload() []map[string]any {
	snaps := s.manager.Devices()
	out := make([]map[string]any, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snap.ToMap())
	}
	return out
}

// Handler returns the full HTTP handler: REST routes plus the
// Socket.io endpoint, wrapped in the shared CORS middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/socket.io/", s.io.ServeHandler(nil))
	mux.HandleFunc("GET /api/devices", s.handleListDevices)
	mux.HandleFunc("GET /api/devices/{id}/dsp", s.handleGetDSP)
	mux.HandleFunc("POST /api/devices/{id}/dsp", s.handleSetDSP)
	mux.HandleFunc("POST /api/devices/{id}/dsp/reset", s.handleResetDSP)
	mux.HandleFunc("POST /api/devices/{id}/volume", s.handleSetVolume)
	mux.HandleFunc("POST /api/devices/{id}/mute", s.handleSetMute)

	return corsMiddleware(mux)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.devicesPayload())
}

func (s *Server) handleGetDSP(w http.ResponseWriter, r *http.Request) {
	vd, ok := s.manager.Device(r.PathValue("id"))
	if !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	snap := vd.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled": snap.DSPEnabled,
		"config":  snap.DSPConfig,
	})
}

type setDSPRequest struct {
	Enabled bool       `json:"enabled"`
	Config  dsp.Config `json:"config"`
}

// dspReplyTimeout bounds how long handleSetDSP waits on the bus for the
// device's DSP_CHANGED/DSP_REJECTED reply to the command it just
// published, since CmdSetDSP is otherwise a fire-and-forget event.
const dspReplyTimeout = 3 * time.Second

func (s *Server) handleSetDSP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if _, ok := s.manager.Device(deviceID); !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}

	var req setDSPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}

	requestID := uuid.NewString()
	replyCh := s.bus.Subscribe("", deviceID)
	defer s.bus.Unsubscribe(replyCh)

	s.bus.Publish(bus.SetDSPForRequest(deviceID, requestID, req.Enabled, req.Config))

	deadline := time.After(dspReplyTimeout)
	for {
		select {
		case evt, ok := <-replyCh:
			if !ok {
				http.Error(w, "device stopped", http.StatusGone)
				return
			}
			id, _ := evt.Data["request_id"].(string)
			if id != requestID {
				continue
			}
			switch evt.Type {
			case bus.DSPChanged:
				w.WriteHeader(http.StatusAccepted)
				return
			case bus.DSPRejected:
				msg, _ := evt.Data["message"].(string)
				http.Error(w, "dsp config rejected: "+msg, http.StatusBadRequest)
				return
			}
		case <-deadline:
			http.Error(w, "timed out waiting for device to apply dsp config", http.StatusGatewayTimeout)
			return
		}
	}
}

func (s *Server) handleResetDSP(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if _, ok := s.manager.Device(deviceID); !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	s.bus.Publish(bus.ResetDSP(deviceID))
	w.WriteHeader(http.StatusAccepted)
}

type setVolumeRequest struct {
	Volume int `json:"volume"`
}

func (s *Server) handleSetVolume(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if _, ok := s.manager.Device(deviceID); !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	var req setVolumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Volume < 0 || req.Volume > 100 {
		http.Error(w, "volume must be in 0..100", http.StatusBadRequest)
		return
	}
	s.bus.Publish(bus.SetVolume(deviceID, req.Volume))
	w.WriteHeader(http.StatusAccepted)
}

type setMuteRequest struct {
	Muted bool `json:"muted"`
}

func (s *Server) handleSetMute(w http.ResponseWriter, r *http.Request) {
	deviceID := r.PathValue("id")
	if _, ok := s.manager.Device(deviceID); !ok {
		http.Error(w, "device not found", http.StatusNotFound)
		return
	}
	var req setMuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	s.bus.Publish(bus.SetMute(deviceID, req.Muted))
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
