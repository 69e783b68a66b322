package hce

import (
	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/transport"
)

// Listener is a handler endpoint living inside the daemon. The set of
// implementations is closed; build one with NewFuncListener. Out-of-process
// handlers are reached through the dispatcher's Sender instead.
type Listener interface {
	notify(ev nfc.EventType)
	process(apdu []byte) []byte
}

type funcListener struct {
	onAPDU  func(apdu []byte) []byte
	onEvent func(ev nfc.EventType)
}

// NewFuncListener wraps onAPDU as an in-process listener. onAPDU runs on the
// worker goroutine and returns the full response APDU, status word
// included; nil is answered with SWUnknown. onEvent may be nil.
func NewFuncListener(onAPDU func(apdu []byte) []byte, onEvent func(ev nfc.EventType)) Listener {
	return &funcListener{onAPDU: onAPDU, onEvent: onEvent}
}

func (l *funcListener) notify(ev nfc.EventType) {
	if l.onEvent != nil {
		l.onEvent(ev)
	}
}

func (l *funcListener) process(apdu []byte) []byte {
	return l.onAPDU(apdu)
}

// Sender relays HCE traffic to handlers outside the daemon, addressed by
// their control-plane connection id. *transport.Server implements it.
type Sender interface {
	HasClient(ipcID string) bool
	SendToClient(ipcID string, typ transport.MessageType, handle uint32, payload []byte) error
	SendToAll(typ transport.MessageType, handle uint32, payload []byte) int
}
