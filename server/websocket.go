package server

import (
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/protocol"
	"github.com/dotside-studios/davi-nfcd/transport"
)

// Conn is one control-plane websocket connection. Responses are written by
// the connection's read loop; hceEvent pushes are queued by the work queue
// and written by writePump, so writes are serialised.
type Conn struct {
	id     string
	remote string
	ws     *websocket.Conn

	writeMu   sync.Mutex
	push      chan protocol.WebSocketMessage
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:     id,
		remote: ws.RemoteAddr().String(),
		ws:     ws,
		push:   make(chan protocol.WebSocketMessage, pushQueueSize),
		done:   make(chan struct{}),
	}
}

// ID returns the ConnectionID minted for this connection.
func (c *Conn) ID() string {
	return c.id
}

// WriteJSON writes one message with a deadline.
func (c *Conn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(v)
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// enqueue queues a push without blocking. A connection that lets its queue
// fill up is closed.
func (c *Conn) enqueue(msg protocol.WebSocketMessage) error {
	select {
	case <-c.done:
		return nfc.NewOperationFailedError("PushEvent", websocket.ErrCloseSent)
	default:
	}
	select {
	case c.push <- msg:
		return nil
	default:
		c.close()
		return nfc.Errorf(nfc.ErrCodeBusy, "PushEvent", "push queue of %s is full", c.id)
	}
}

// writePump writes queued pushes until the connection closes.
func (c *Conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.push:
			if err := c.WriteJSON(msg); err != nil {
				log.Printf("[server] Push to %s failed, closing: %v", c.id, err)
				c.close()
				return
			}
		}
	}
}

// SendErrorResponse sends an error response for requestType.
func SendErrorResponse(c *Conn, requestID, requestType string, err error) error {
	code := protocol.ErrCodeInternalError
	if ec := nfc.GetErrorCode(err); ec != 0 {
		code = ec.String()
	}
	return c.WriteJSON(protocol.WebSocketResponse{
		ID:      requestID,
		Type:    protocol.ResponseType(requestType),
		Success: false,
		Error:   err.Error(),
		Code:    code,
	})
}

// SendSuccessResponse sends a success response for requestType.
func SendSuccessResponse(c *Conn, requestID, requestType string, payload any) error {
	return c.WriteJSON(protocol.WebSocketResponse{
		ID:      requestID,
		Type:    protocol.ResponseType(requestType),
		Success: true,
		Payload: payload,
	})
}

// Connections tracks live websocket connections by ConnectionID. It is the
// manager's EventSink: handlers without an HCE socket receive their frames
// as hceEvent pushes.
type Connections struct {
	conns map[string]*Conn
	mu    sync.RWMutex
}

// NewConnections creates an empty connection set.
func NewConnections() *Connections {
	return &Connections{
		conns: make(map[string]*Conn),
	}
}

// Register adds a connection.
func (cs *Connections) Register(c *Conn) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.conns[c.id] = c
}

// Unregister removes a connection.
func (cs *Connections) Unregister(c *Conn) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.conns[c.id] == c {
		delete(cs.conns, c.id)
	}
}

// Count returns the number of live connections.
func (cs *Connections) Count() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.conns)
}

// CloseAll closes all client connections. Their read loops run the detach
// hook as they exit.
func (cs *Connections) CloseAll() {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	for _, c := range cs.conns {
		c.close()
	}
}

// HasConnection implements manager.EventSink.
func (cs *Connections) HasConnection(connID string) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.conns[connID]
	return ok
}

// PushEvent implements manager.EventSink.
func (cs *Connections) PushEvent(connID string, typ transport.MessageType, handle uint32, payload []byte) error {
	cs.mu.RLock()
	c, ok := cs.conns[connID]
	cs.mu.RUnlock()
	if !ok {
		return nfc.NewNotFoundError("PushEvent", "connection "+connID)
	}
	if err := c.enqueue(hceEventMessage(typ, handle, payload)); err != nil {
		log.Printf("[server] Push to %s dropped: %v", connID, err)
		return err
	}
	return nil
}

// PushAll implements manager.EventSink. It returns how many connections
// accepted the push.
func (cs *Connections) PushAll(typ transport.MessageType, handle uint32, payload []byte) int {
	cs.mu.RLock()
	targets := make([]*Conn, 0, len(cs.conns))
	for _, c := range cs.conns {
		targets = append(targets, c)
	}
	cs.mu.RUnlock()

	msg := hceEventMessage(typ, handle, payload)
	sent := 0
	for _, c := range targets {
		if err := c.enqueue(msg); err != nil {
			log.Printf("[server] Push to %s dropped: %v", c.id, err)
			continue
		}
		sent++
	}
	return sent
}

func hceEventMessage(typ transport.MessageType, handle uint32, payload []byte) protocol.WebSocketMessage {
	ev := protocol.HCEEventPayload{Handle: handle}
	switch typ {
	case transport.MessageActivated:
		ev.Event = protocol.HCEEventActivated
	case transport.MessageDeactivated:
		ev.Event = protocol.HCEEventDeactivated
	default:
		ev.Event = protocol.HCEEventAPDU
		ev.APDU = protocol.FormatHex(payload)
	}
	return protocol.WebSocketMessage{Type: protocol.WSTypeHCEEvent, Payload: ev}
}
