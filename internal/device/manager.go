package device

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/dlnabridge/airbridge/internal/bus"
	"github.com/dlnabridge/airbridge/internal/config"
	"github.com/dlnabridge/airbridge/internal/discovery"
	"github.com/dlnabridge/airbridge/internal/sink"
)

// LocalSpeakerDeviceID is the fixed device_id for the optional single
// local-speaker device, which has no corresponding AirPlay receiver
// and is never created or destroyed by discovery.
const LocalSpeakerDeviceID = "local-speaker"

// ReceiverDialer constructs the out-of-scope AirPlay pairing/streaming
// client for one discovered receiver. The bridge never implements the
// AirPlay wire protocol itself; a real deployment supplies this.
type ReceiverDialer func(host string, port int) sink.AirplayReceiver

// Manager creates and destroys Virtual Devices as AirPlay receivers
// come and go on the network, and owns the one optional local-speaker
// device. It is the only component that writes to the devices map;
// everyone else reaches a device by subscribing to the bus with that
// device's id.
type Manager struct {
	log      zerolog.Logger
	bus      *bus.Bus
	store    *config.Store
	scanner  *discovery.Scanner
	dialer   ReceiverDialer
	cacheDir string
	bufferGateBytes   int64
	bufferGateTimeout time.Duration
	sinkOpenTimeout   time.Duration

	mu      sync.Mutex
	devices map[string]*managedDevice
}

type managedDevice struct {
	vd     *VirtualDevice
	cancel context.CancelFunc
}

func NewManager(log zerolog.Logger, eventBus *bus.Bus, store *config.Store, dialer ReceiverDialer, cacheDir string, bufferGateBytes int64, offlineThreshold int, bufferGateTimeout, sinkOpenTimeout time.Duration) *Manager {
	m := &Manager{
		log:               log.With().Str("component", "device_manager").Logger(),
		bus:               eventBus,
		store:             store,
		dialer:            dialer,
		cacheDir:          cacheDir,
		bufferGateBytes:   bufferGateBytes,
		bufferGateTimeout: bufferGateTimeout,
		sinkOpenTimeout:   sinkOpenTimeout,
		devices:           make(map[string]*managedDevice),
	}
	m.scanner = discovery.NewScanner(log, offlineThreshold, m.onReceiverFound, m.onReceiverLost)
	return m
}

// Start begins periodic AirPlay scanning at the given interval and, if
// enableLocalSpeaker is set, creates the single local-speaker device
// immediately. Each found receiver becomes a device; each receiver
// that crosses the offline threshold has its device destroyed.
func (m *Manager) Start(ctx context.Context, discoveryInterval time.Duration, enableLocalSpeaker bool) error {
	if enableLocalSpeaker {
		m.createDevice(ctx, LocalSpeakerDeviceID, KindLocalSpeaker, "This device [D]", sink.NewLocalSink(m.log, "", ""))
	}
	return m.scanner.Start(discoveryInterval)
}

// Stop tears down every managed device and halts discovery.
func (m *Manager) Stop() {
	m.scanner.Stop()
	m.mu.Lock()
	devices := make([]*managedDevice, 0, len(m.devices))
	for _, md := range m.devices {
		devices = append(devices, md)
	}
	m.devices = make(map[string]*managedDevice)
	m.mu.Unlock()

	for _, md := range devices {
		md.cancel()
		<-md.vd.Stopped()
	}
}

// Devices returns a snapshot of every currently managed device.
func (m *Manager) Devices() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Snapshot, 0, len(m.devices))
	for _, md := range m.devices {
		out = append(out, md.vd.Snapshot())
	}
	return out
}

// Device returns the Virtual Device for deviceID, if managed.
func (m *Manager) Device(deviceID string) (*VirtualDevice, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	md, ok := m.devices[deviceID]
	if !ok {
		return nil, false
	}
	return md.vd, true
}

func (m *Manager) onReceiverFound(r discovery.Receiver) {
	deviceID := sanitizeDeviceID(r.ID)
	m.mu.Lock()
	_, exists := m.devices[deviceID]
	m.mu.Unlock()
	if exists {
		return
	}

	receiver := m.dialer(r.Address, r.Port)
	airplaySink := sink.NewAirplaySink(m.log, receiver, r.Address, r.Port)
	m.createDevice(context.Background(), deviceID, KindAirplay, r.Name+" [D]", airplaySink)
}

func (m *Manager) onReceiverLost(airplayID string) {
	deviceID := sanitizeDeviceID(airplayID)
	m.destroyDevice(deviceID)
	m.bus.Publish(bus.NewDeviceOfflineThreshold(airplayID))
}

func (m *Manager) createDevice(ctx context.Context, deviceID string, kind Kind, displayName string, snk sink.Sink) {
	vd := NewVirtualDevice(m.log, m.bus, deviceID, kind, displayName, snk, m.cacheDir, m.bufferGateBytes, m.bufferGateTimeout, m.sinkOpenTimeout)

	if saved, ok := m.store.GetDeviceConfig(deviceID); ok {
		vd.LoadSavedConfig(saved.Volume, saved.Muted, saved.DSPEnabled, saved.DSPConfig)
	}

	deviceCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.devices[deviceID] = &managedDevice{vd: vd, cancel: cancel}
	m.mu.Unlock()

	go vd.Run(deviceCtx)

	m.log.Info().Str("device_id", deviceID).Str("name", displayName).Msg("device created")
	m.bus.Publish(bus.NewDeviceAdded(deviceID))
}

func (m *Manager) destroyDevice(deviceID string) {
	m.mu.Lock()
	md, ok := m.devices[deviceID]
	if ok {
		delete(m.devices, deviceID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	md.cancel()
	<-md.vd.Stopped()
	m.bus.UnsubscribeDevice(deviceID)

	m.log.Info().Str("device_id", deviceID).Msg("device removed")
	m.bus.Publish(bus.NewDeviceRemoved(deviceID))
}

var nonIDChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// sanitizeDeviceID maps an mDNS instance name to a filesystem- and
// URL-safe device id, since config files and SOAP control URLs both
// key on it.
func sanitizeDeviceID(raw string) string {
	return nonIDChars.ReplaceAllString(raw, "_")
}
