package dlna

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dlnabridge/airbridge/internal/bus"
)

const (
	defaultSubscriptionTimeout = 1800 * time.Second
	genaSweepInterval          = 30 * time.Second
)

// genaSubscription is one GENA subscriber's bookkeeping: which
// device/service it wants NOTIFYs for, where to send them, and when
// the subscription lapses without a renewal.
type genaSubscription struct {
	sid      string
	deviceID string
	service  string // "AVTransport" or "RenderingControl"
	callback string
	expiry   time.Time
	seq      int
}

// genaManager tracks every active GENA subscription and pushes a
// NOTIFY whenever the subscribed device's state changes. sids are not
// preserved across restarts, as spec.md explicitly permits.
type genaManager struct {
	log zerolog.Logger
	bus *bus.Bus

	mu   sync.Mutex
	subs map[string]*genaSubscription

	scheduler  gocron.Scheduler
	httpClient *http.Client
}

func newGenaManager(log zerolog.Logger, eventBus *bus.Bus) *genaManager {
	return &genaManager{
		log:        log.With().Str("component", "gena").Logger(),
		bus:        eventBus,
		subs:       make(map[string]*genaSubscription),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// start begins the expiry sweep and the NOTIFY dispatch loop.
func (g *genaManager) start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("gena: scheduler: %w", err)
	}
	g.scheduler = scheduler
	if _, err := scheduler.NewJob(gocron.DurationJob(genaSweepInterval), gocron.NewTask(g.sweepExpired)); err != nil {
		return fmt.Errorf("gena: schedule sweep: %w", err)
	}
	scheduler.Start()

	go g.dispatchLoop()
	return nil
}

func (g *genaManager) stop() {
	if g.scheduler != nil {
		_ = g.scheduler.Shutdown()
	}
}

// subscribe registers a new subscription and returns its sid and the
// effective timeout.
func (g *genaManager) subscribe(deviceID, service, callback string, timeout time.Duration) (sid string, effective time.Duration) {
	if timeout <= 0 {
		timeout = defaultSubscriptionTimeout
	}
	sid = "uuid:" + uuid.NewString()

	g.mu.Lock()
	g.subs[sid] = &genaSubscription{
		sid:      sid,
		deviceID: deviceID,
		service:  service,
		callback: callback,
		expiry:   time.Now().Add(timeout),
	}
	g.mu.Unlock()

	return sid, timeout
}

// renew extends an existing subscription's expiry, returning false if
// sid is unknown (the caller should respond 412 Precondition Failed).
func (g *genaManager) renew(sid string, timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = defaultSubscriptionTimeout
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	sub, ok := g.subs[sid]
	if !ok {
		return false
	}
	sub.expiry = time.Now().Add(timeout)
	return true
}

func (g *genaManager) unsubscribe(sid string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.subs[sid]; !ok {
		return false
	}
	delete(g.subs, sid)
	return true
}

func (g *genaManager) sweepExpired() {
	now := time.Now()
	g.mu.Lock()
	var expired []string
	for sid, sub := range g.subs {
		if now.After(sub.expiry) {
			expired = append(expired, sid)
		}
	}
	for _, sid := range expired {
		delete(g.subs, sid)
	}
	g.mu.Unlock()

	for _, sid := range expired {
		g.log.Debug().Str("sid", sid).Msg("subscription expired")
	}
}

// dispatchLoop fans STATE_CHANGED/VOLUME_CHANGED/MUTE_CHANGED events
// out to every subscriber for that device, serialized per device so
// NOTIFY sequence numbers only ever increase.
func (g *genaManager) dispatchLoop() {
	ch := g.bus.Subscribe("", "")
	for evt := range ch {
		switch evt.Type {
		case bus.StateChanged, bus.VolumeChanged, bus.MuteChanged:
			g.notifySubscribers(evt)
		}
	}
}

func (g *genaManager) notifySubscribers(evt bus.Event) {
	g.mu.Lock()
	var targets []*genaSubscription
	for _, sub := range g.subs {
		if sub.deviceID == evt.DeviceID {
			targets = append(targets, sub)
		}
	}
	g.mu.Unlock()

	if len(targets) == 0 {
		return
	}

	body := buildLastChangeXML(evt)
	for _, sub := range targets {
		g.mu.Lock()
		sub.seq++
		seq := sub.seq
		g.mu.Unlock()
		go g.sendNotify(sub, seq, body)
	}
}

func (g *genaManager) sendNotify(sub *genaSubscription, seq int, body string) {
	req, err := http.NewRequest("NOTIFY", sub.callback, bytes.NewReader([]byte(body)))
	if err != nil {
		g.log.Warn().Err(err).Str("sid", sub.sid).Msg("build NOTIFY request failed")
		return
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("NT", "upnp:event")
	req.Header.Set("NTS", "upnp:propchange")
	req.Header.Set("SID", sub.sid)
	req.Header.Set("SEQ", fmt.Sprintf("%d", seq))

	resp, err := g.httpClient.Do(req)
	if err != nil {
		g.log.Debug().Err(err).Str("sid", sub.sid).Msg("NOTIFY delivery failed, dropping subscription")
		g.unsubscribe(sub.sid)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		g.log.Debug().Int("status", resp.StatusCode).Str("sid", sub.sid).Msg("NOTIFY rejected, dropping subscription")
		g.unsubscribe(sub.sid)
	}
}

// buildLastChangeXML renders the UPnP LastChange event payload for one
// state transition. AVTransport and RenderingControl share the same
// <Event>/<InstanceID> envelope shape; only the inner property names
// differ by service.
func buildLastChangeXML(evt bus.Event) string {
	var inner strings.Builder
	switch evt.Type {
	case bus.StateChanged:
		state, _ := evt.Data["transport_state"].(string)
		fmt.Fprintf(&inner, `<TransportState val="%s"/>`, xmlEscape(state))
	case bus.VolumeChanged:
		fmt.Fprintf(&inner, `<Volume channel="Master" val="%v"/>`, evt.Data["volume"])
	case bus.MuteChanged:
		muteVal := "0"
		if m, _ := evt.Data["muted"].(bool); m {
			muteVal = "1"
		}
		fmt.Fprintf(&inner, `<Mute channel="Master" val="%s"/>`, muteVal)
	}

	return `<?xml version="1.0"?>` +
		`<Event xmlns="urn:schemas-upnp-org:metadata-1-0/AVT/"><InstanceID val="0">` +
		inner.String() +
		`</InstanceID></Event>`
}
