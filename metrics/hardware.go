package metrics

import (
	"github.com/dotside-studios/davi-nfcd/nfc"
)

// instrumentedHardware counts the routing calls made on a plugin.
type instrumentedHardware struct {
	nfc.Hardware
	m *Metrics
}

// InstrumentHardware wraps hw so every routing call is counted. Events()
// is forwarded when hw is also an nfc.EventSource.
func InstrumentHardware(hw nfc.Hardware, m *Metrics) nfc.Hardware {
	if m == nil {
		return hw
	}
	ih := &instrumentedHardware{Hardware: hw, m: m}
	if src, ok := hw.(nfc.EventSource); ok {
		return &instrumentedEventHardware{instrumentedHardware: ih, src: src}
	}
	return ih
}

func (h *instrumentedHardware) observe(call string, err error) error {
	result := "ok"
	if err != nil {
		result = "error"
	}
	h.m.RoutingCallsTotal.WithLabelValues(call, result).Inc()
	return err
}

func (h *instrumentedHardware) RouteAID(aid string, se nfc.SEType, power uint32) error {
	return h.observe("route", h.Hardware.RouteAID(aid, se, power))
}

func (h *instrumentedHardware) UnrouteAID(aid string) error {
	return h.observe("unroute", h.Hardware.UnrouteAID(aid))
}

func (h *instrumentedHardware) CommitRouting() error {
	return h.observe("commit", h.Hardware.CommitRouting())
}

type instrumentedEventHardware struct {
	*instrumentedHardware
	src nfc.EventSource
}

func (h *instrumentedEventHardware) Events() <-chan nfc.Event {
	return h.src.Events()
}
