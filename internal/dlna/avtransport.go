package dlna

import (
	"encoding/xml"
	"net/http"

	"github.com/dlnabridge/airbridge/internal/bus"
	"github.com/dlnabridge/airbridge/internal/device"
)

type setAVTransportURIArgs struct {
	XMLName            xml.Name `xml:"SetAVTransportURI"`
	InstanceID         int      `xml:"InstanceID"`
	CurrentURI         string   `xml:"CurrentURI"`
	CurrentURIMetaData string   `xml:"CurrentURIMetaData"`
}

type seekArgs struct {
	XMLName xml.Name `xml:"Seek"`
	Unit    string   `xml:"Unit"`
	Target  string   `xml:"Target"`
}

// handleAVTransportControl dispatches one SOAP AVTransport action
// against deviceID, translating it into a command published on the
// bus and rendering the action's (near-always-empty) response.
func (s *Service) handleAVTransportControl(w http.ResponseWriter, r *http.Request, deviceID string) {
	action := soapAction(r.Header.Get("SOAPACTION"))
	vd, ok := s.manager.Device(deviceID)
	if !ok {
		writeSOAPFault(w, 401, "device not found")
		return
	}

	switch action {
	case "SetAVTransportURI":
		var args setAVTransportURIArgs
		if err := decodeSOAPBody(r, action, &args); err != nil {
			writeSOAPFault(w, 402, err.Error())
			return
		}
		meta := parseDIDLTitle(args.CurrentURIMetaData)
		s.bus.Publish(bus.SetURI(deviceID, args.CurrentURI, meta))
		writeSOAPResponse(w, "AVTransport", "SetAVTransportURI", nil)

	case "Play":
		s.bus.Publish(bus.Play(deviceID, "", 0))
		writeSOAPResponse(w, "AVTransport", "Play", nil)

	case "Pause":
		s.bus.Publish(bus.Pause(deviceID))
		writeSOAPResponse(w, "AVTransport", "Pause", nil)

	case "Stop":
		s.bus.Publish(bus.Stop(deviceID))
		writeSOAPResponse(w, "AVTransport", "Stop", nil)

	case "Seek":
		var args seekArgs
		if err := decodeSOAPBody(r, action, &args); err != nil {
			writeSOAPFault(w, 402, err.Error())
			return
		}
		if args.Unit != "REL_TIME" && args.Unit != "ABS_TIME" {
			writeSOAPFault(w, 710, "seek mode not supported")
			return
		}
		pos, err := device.ParseHHMMSS(args.Target)
		if err != nil {
			writeSOAPFault(w, 711, "illegal seek target")
			return
		}
		s.bus.Publish(bus.Seek(deviceID, pos))
		writeSOAPResponse(w, "AVTransport", "Seek", nil)

	case "GetPositionInfo":
		snap := vd.Snapshot()
		writeSOAPResponse(w, "AVTransport", "GetPositionInfo", map[string]string{
			"Track":         "1",
			"TrackDuration": device.FormatHHMMSS(snap.DurationS),
			"TrackURI":      snap.URI,
			"RelTime":       device.FormatHHMMSS(snap.ElapsedS),
			"AbsTime":       device.FormatHHMMSS(snap.ElapsedS),
		})

	case "GetTransportInfo":
		snap := vd.Snapshot()
		writeSOAPResponse(w, "AVTransport", "GetTransportInfo", map[string]string{
			"CurrentTransportState":  string(snap.TransportState),
			"CurrentTransportStatus": "OK",
			"CurrentSpeed":           "1",
		})

	case "GetMediaInfo":
		snap := vd.Snapshot()
		writeSOAPResponse(w, "AVTransport", "GetMediaInfo", map[string]string{
			"NrTracks":           "1",
			"MediaDuration":      device.FormatHHMMSS(snap.DurationS),
			"CurrentURI":         snap.URI,
			"CurrentURIMetaData": "",
			"PlayMedium":         "NETWORK",
		})

	default:
		writeSOAPFault(w, 401, "invalid action: "+action)
	}
}

// parseDIDLTitle pulls dc:title/upnp:artist/upnp:album out of a DIDL-Lite
// metadata fragment without a full DIDL parser, good enough for the
// fields the Virtual Device actually tracks.
func parseDIDLTitle(didl string) map[string]string {
	out := map[string]string{}
	out["title"] = extractTag(didl, "dc:title")
	out["artist"] = extractTag(didl, "upnp:artist")
	out["album"] = extractTag(didl, "upnp:album")
	return out
}

func extractTag(s, tag string) string {
	open := "<" + tag + ">"
	close_ := "</" + tag + ">"
	start := indexOf(s, open)
	if start < 0 {
		return ""
	}
	start += len(open)
	end := indexOf(s[start:], close_)
	if end < 0 {
		return ""
	}
	return s[start : start+end]
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
