// Package bus implements the in-process publish/subscribe event system
// that every other component in the bridge communicates through. No
// component calls another directly; state only changes in response to
// an event travelling through here.
package bus

// EventType identifies the kind of event carried on the bus. Command
// events (Cmd*) are published by controllers (DLNA SOAP, the web API)
// and consumed exclusively by a Virtual
// Device. State events are published exclusively by a Virtual Device
// or the Device Manager and consumed by anyone interested.
type EventType string

const (
	CmdSetURI    EventType = "cmd_set_uri"
	CmdPlay      EventType = "cmd_play"
	CmdPause     EventType = "cmd_pause"
	CmdStop      EventType = "cmd_stop"
	CmdSeek      EventType = "cmd_seek"
	CmdSetVolume EventType = "cmd_set_volume"
	CmdSetMute   EventType = "cmd_set_mute"
	CmdSetDSP    EventType = "cmd_set_dsp"
	CmdResetDSP  EventType = "cmd_reset_dsp"

	StateChanged  EventType = "state_changed"
	VolumeChanged EventType = "volume_changed"
	MuteChanged   EventType = "mute_changed"
	DSPChanged    EventType = "dsp_changed"
	DSPRejected   EventType = "dsp_rejected"

	DeviceAdded              EventType = "device_added"
	DeviceDisconnected       EventType = "device_disconnected"
	DeviceOfflineThreshold   EventType = "device_offline_threshold_reached"
	DeviceRemoved            EventType = "device_removed"
)

// Event is the single message envelope on the bus. DeviceID is empty
// only for events with no device affinity, such as
// DeviceOfflineThreshold.
type Event struct {
	Type     EventType
	DeviceID string
	Data     map[string]any
}

func withData(t EventType, deviceID string, kv ...any) Event {
	data := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, _ := kv[i].(string)
		data[key] = kv[i+1]
	}
	return Event{Type: t, DeviceID: deviceID, Data: data}
}

func SetURI(deviceID, uri string, metadata map[string]string) Event {
	return withData(CmdSetURI, deviceID, "uri", uri, "metadata", metadata)
}

func Play(deviceID, uri string, positionSeconds float64) Event {
	return withData(CmdPlay, deviceID, "uri", uri, "position", positionSeconds)
}

func Pause(deviceID string) Event {
	return withData(CmdPause, deviceID)
}

func Stop(deviceID string) Event {
	return withData(CmdStop, deviceID)
}

func Seek(deviceID string, positionSeconds float64) Event {
	return withData(CmdSeek, deviceID, "position", positionSeconds)
}

func SetVolume(deviceID string, volume int) Event {
	return withData(CmdSetVolume, deviceID, "volume", volume)
}

func SetMute(deviceID string, muted bool) Event {
	return withData(CmdSetMute, deviceID, "muted", muted)
}

func SetDSP(deviceID string, enabled bool, config map[string]any) Event {
	return withData(CmdSetDSP, deviceID, "enabled", enabled, "config", config)
}

// SetDSPForRequest is SetDSP with a request_id attached so the
// publisher can later match the device's DSPChanged/DSPRejected reply.
// config is typically a dsp.Config built by the caller, matched as-is
// by decodeDSPConfig, but a loosely-typed map is accepted too.
func SetDSPForRequest(deviceID, requestID string, enabled bool, config any) Event {
	return withData(CmdSetDSP, deviceID, "enabled", enabled, "config", config, "request_id", requestID)
}

func ResetDSP(deviceID string) Event {
	return withData(CmdResetDSP, deviceID)
}

func NewStateChanged(deviceID, transportState string, extra map[string]any) Event {
	data := map[string]any{"transport_state": transportState}
	for k, v := range extra {
		data[k] = v
	}
	return Event{Type: StateChanged, DeviceID: deviceID, Data: data}
}

func NewVolumeChanged(deviceID string, volume int) Event {
	return withData(VolumeChanged, deviceID, "volume", volume)
}

func NewMuteChanged(deviceID string, muted bool) Event {
	return withData(MuteChanged, deviceID, "muted", muted)
}

func NewDSPChanged(deviceID string, enabled bool, config map[string]any) Event {
	return withData(DSPChanged, deviceID, "enabled", enabled, "config", config)
}

// NewDSPRejected reports that a CmdSetDSP was rejected without any
// state change, e.g. because its config failed validation.
func NewDSPRejected(deviceID, requestID, message string) Event {
	return withData(DSPRejected, deviceID, "request_id", requestID, "message", message)
}

func NewDeviceAdded(deviceID string) Event {
	return withData(DeviceAdded, deviceID)
}

func NewDeviceDisconnected(deviceID string) Event {
	return withData(DeviceDisconnected, deviceID)
}

func NewDeviceOfflineThreshold(airplayID string) Event {
	return withData(DeviceOfflineThreshold, "", "airplay_id", airplayID)
}

func NewDeviceRemoved(deviceID string) Event {
	return withData(DeviceRemoved, deviceID)
}
