package transport

import (
	"fmt"
	"net"
	"sync"
)

// Client is the handler-process side of the transport.
//
// Example:
//
//	c, err := transport.Dial("/run/davi-nfcd/hce.sock")
//	for {
//		msg, err := c.Receive()
//		if msg.Type == transport.MessageAPDU {
//			c.SendResponse(msg.Handle, nfc.EncodeResponse(nfc.SWSuccess, nil))
//		}
//	}
type Client struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// Dial connects to the daemon's HCE socket.
func Dial(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return &Client{conn: conn}, nil
}

// Receive blocks for the next frame from the daemon.
func (c *Client) Receive() (Message, error) {
	return ReadMessage(c.conn)
}

// SendResponse answers the APDU that arrived with handle.
func (c *Client) SendResponse(handle uint32, apdu []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteMessage(c.conn, Message{Type: MessageResponse, Handle: handle, Payload: apdu})
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
