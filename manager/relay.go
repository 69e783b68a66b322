package manager

import (
	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/transport"
)

// EventSink delivers HCE frames to control-plane connections that handle
// APDUs themselves instead of opening the HCE socket. The websocket bridge
// implements it.
type EventSink interface {
	HasConnection(connID string) bool
	PushEvent(connID string, typ transport.MessageType, handle uint32, payload []byte) error
	PushAll(typ transport.MessageType, handle uint32, payload []byte) int
}

// relay is the dispatcher's Sender. A handler's HCE socket wins over its
// control-plane connection.
type relay struct {
	socket *transport.Server
	sink   EventSink
}

func (r *relay) HasClient(ipcID string) bool {
	if r.socket != nil && r.socket.HasClient(ipcID) {
		return true
	}
	return r.sink != nil && r.sink.HasConnection(ipcID)
}

func (r *relay) SendToClient(ipcID string, typ transport.MessageType, handle uint32, payload []byte) error {
	if r.socket != nil && r.socket.HasClient(ipcID) {
		return r.socket.SendToClient(ipcID, typ, handle, payload)
	}
	if r.sink != nil && r.sink.HasConnection(ipcID) {
		return r.sink.PushEvent(ipcID, typ, handle, payload)
	}
	return nfc.NewNotFoundError("relay.SendToClient", "client "+ipcID)
}

func (r *relay) SendToAll(typ transport.MessageType, handle uint32, payload []byte) int {
	n := 0
	if r.socket != nil {
		n += r.socket.SendToAll(typ, handle, payload)
	}
	if r.sink != nil {
		n += r.sink.PushAll(typ, handle, payload)
	}
	return n
}
