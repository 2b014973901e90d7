package dlna

import (
	"encoding/xml"
	"net/http"
	"strconv"

	"github.com/dlnabridge/airbridge/internal/bus"
)

type setVolumeArgs struct {
	XMLName        xml.Name `xml:"SetVolume"`
	Channel        string   `xml:"Channel"`
	DesiredVolume  int      `xml:"DesiredVolume"`
}

type setMuteArgs struct {
	XMLName     xml.Name `xml:"SetMute"`
	Channel     string   `xml:"Channel"`
	DesiredMute string   `xml:"DesiredMute"`
}

// handleRenderingControlControl dispatches one SOAP RenderingControl
// action against deviceID.
func (s *Service) handleRenderingControlControl(w http.ResponseWriter, r *http.Request, deviceID string) {
	action := soapAction(r.Header.Get("SOAPACTION"))
	vd, ok := s.manager.Device(deviceID)
	if !ok {
		writeSOAPFault(w, 401, "device not found")
		return
	}

	switch action {
	case "SetVolume":
		var args setVolumeArgs
		if err := decodeSOAPBody(r, action, &args); err != nil {
			writeSOAPFault(w, 402, err.Error())
			return
		}
		if args.DesiredVolume < 0 || args.DesiredVolume > 100 {
			writeSOAPFault(w, 402, "DesiredVolume out of range 0..100")
			return
		}
		s.bus.Publish(bus.SetVolume(deviceID, args.DesiredVolume))
		writeSOAPResponse(w, "RenderingControl", "SetVolume", nil)

	case "GetVolume":
		snap := vd.Snapshot()
		writeSOAPResponse(w, "RenderingControl", "GetVolume", map[string]string{
			"CurrentVolume": strconv.Itoa(snap.Volume),
		})

	case "SetMute":
		var args setMuteArgs
		if err := decodeSOAPBody(r, action, &args); err != nil {
			writeSOAPFault(w, 402, err.Error())
			return
		}
		s.bus.Publish(bus.SetMute(deviceID, args.DesiredMute == "1" || args.DesiredMute == "true"))
		writeSOAPResponse(w, "RenderingControl", "SetMute", nil)

	case "GetMute":
		snap := vd.Snapshot()
		muteVal := "0"
		if snap.Muted {
			muteVal = "1"
		}
		writeSOAPResponse(w, "RenderingControl", "GetMute", map[string]string{
			"CurrentMute": muteVal,
		})

	default:
		writeSOAPFault(w, 401, "invalid action: "+action)
	}
}
