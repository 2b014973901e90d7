// Package dlna implements the DLNA/UPnP control surface this bridge
// exposes for each Virtual Device: SOAP AVTransport and
// RenderingControl actions, and GENA event subscriptions.
package dlna

import (
	"encoding/xml"
	"fmt"
	"net/http"
	"strings"
)

// envelope is the generic SOAP 1.1 wrapper every UPnP control request
// and response is carried in.
type envelope struct {
	XMLName xml.Name `xml:"http://schemas.xmlsoap.org/soap/envelope/ Envelope"`
	Body    rawBody  `xml:"Body"`
}

// rawBody defers decoding the action element until the dispatcher
// knows, from the SOAPACTION header, which concrete struct to decode
// it into.
type rawBody struct {
	Inner []byte `xml:",innerxml"`
}

// soapAction extracts the bare action name from a SOAPACTION header
// of the form `"urn:schemas-upnp-org:service:AVTransport:1#Play"`.
func soapAction(header string) string {
	header = strings.Trim(header, `"`)
	if i := strings.LastIndex(header, "#"); i >= 0 {
		return header[i+1:]
	}
	return header
}

func decodeSOAPBody(r *http.Request, action string, into any) error {
	var env envelope
	dec := xml.NewDecoder(r.Body)
	if err := dec.Decode(&env); err != nil {
		return fmt.Errorf("decode soap envelope: %w", err)
	}
	if err := xml.Unmarshal(env.Body.Inner, into); err != nil {
		return fmt.Errorf("decode soap action %s: %w", action, err)
	}
	return nil
}

func writeSOAPResponse(w http.ResponseWriter, serviceType, action string, args map[string]string) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>`)
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body>`)
	fmt.Fprintf(&b, `<u:%sResponse xmlns:u="urn:schemas-upnp-org:service:%s:1">`, action, serviceType)
	for k, v := range args {
		fmt.Fprintf(&b, "<%s>%s</%s>", k, xmlEscape(v), k)
	}
	fmt.Fprintf(&b, `</u:%sResponse>`, action)
	b.WriteString(`</s:Body></s:Envelope>`)

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

// writeSOAPFault reports a UPnP error using the standard SOAP fault
// envelope shape, with the UPnP error code the caller passes (for
// example 402, "Invalid Args").
func writeSOAPFault(w http.ResponseWriter, upnpErrorCode int, description string) {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>`)
	b.WriteString(`<s:Envelope xmlns:s="http://schemas.xmlsoap.org/soap/envelope/" s:encodingStyle="http://schemas.xmlsoap.org/soap/encoding/"><s:Body><s:Fault>`)
	b.WriteString(`<faultcode>s:Client</faultcode><faultstring>UPnPError</faultstring><detail>`)
	fmt.Fprintf(&b, `<UPnPError xmlns="urn:schemas-upnp-org:control-1-0"><errorCode>%d</errorCode><errorDescription>%s</errorDescription></UPnPError>`, upnpErrorCode, xmlEscape(description))
	b.WriteString(`</detail></s:Fault></s:Body></s:Envelope>`)

	w.Header().Set("Content-Type", `text/xml; charset="utf-8"`)
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = w.Write([]byte(b.String()))
}

func xmlEscape(s string) string {
	var b strings.Builder
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
