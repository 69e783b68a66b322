package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

const (
	writeTimeout = 5 * time.Second

	// sendQueueSize is how many frames may wait for one client's writer.
	sendQueueSize = 32
)

var errSendQueueFull = errors.New("send queue full")

// IdentityResolver maps a connecting process to the control-plane
// connection that speaks for the same process.
type IdentityResolver interface {
	ResolvePID(pid int32) (ipcID string, ok bool)
}

// ResolverFunc adapts a function to IdentityResolver.
type ResolverFunc func(pid int32) (string, bool)

// ResolvePID implements IdentityResolver.
func (f ResolverFunc) ResolvePID(pid int32) (string, bool) { return f(pid) }

// Options configures a Server. The callbacks run on per-client receive
// goroutines and must hand work off rather than block.
type Options struct {
	Resolver IdentityResolver

	// OnMessage receives every frame a client sends.
	OnMessage func(ipcID string, msg Message)

	// OnDisconnect is called when the last socket of a connection id has
	// closed. Sockets that never resolved an id report "".
	OnDisconnect func(ipcID string)

	// OnClientCount reports the number of connected clients after each change.
	OnClientCount func(n int)
}

// hceClient is one connected handler process. Frames are queued by send
// and written by the client's own writer goroutine.
type hceClient struct {
	conn      net.Conn
	pid       int32
	ipcID     string
	out       chan Message
	done      chan struct{}
	closeOnce sync.Once
}

func newHCEClient(conn net.Conn) *hceClient {
	return &hceClient{
		conn: conn,
		out:  make(chan Message, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *hceClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// send queues msg without blocking. A client that lets its queue fill up
// is closed.
func (c *hceClient) send(msg Message) error {
	if len(msg.Payload) > MaxPayloadLength {
		return nfc.Errorf(nfc.ErrCodeInvalidParameter, "transport.send",
			"payload length %d exceeds maximum %d", len(msg.Payload), MaxPayloadLength)
	}
	select {
	case <-c.done:
		return net.ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	default:
		c.close()
		return errSendQueueFull
	}
}

func (c *hceClient) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := WriteMessage(c.conn, msg); err != nil {
				log.Printf("[transport] Write %s to pid %d failed: %v", msg.Type, c.pid, err)
				c.close()
				return
			}
		}
	}
}

// Server accepts handler connections on a unix socket.
type Server struct {
	path     string
	opts     Options
	listener net.Listener

	mu      sync.Mutex
	clients map[*hceClient]struct{}

	activeConnections sync.WaitGroup
}

// Listen removes a stale socket at path and starts listening on it.
func Listen(path string, opts Options) (*Server, error) {
	if path == "" {
		return nil, nfc.NewNullParameterError("transport.Listen", "socket path")
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		log.Printf("[transport] chmod %s: %v", path, err)
	}
	log.Printf("[transport] Listening on %s", path)
	return &Server{
		path:     path,
		opts:     opts,
		listener: listener,
		clients:  make(map[*hceClient]struct{}),
	}, nil
}

// Path returns the socket path.
func (s *Server) Path() string {
	return s.path
}

// Serve accepts connections until ctx is cancelled or Close is called, then
// closes every client and waits for their receive loops.
func (s *Server) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.listener.Close()
	}()

	var serveErr error
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			serveErr = fmt.Errorf("accept: %w", err)
			break
		}
		s.accept(conn)
	}

	s.closeAll()
	s.activeConnections.Wait()
	_ = os.Remove(s.path)
	return serveErr
}

// Close stops accepting connections. Serve returns once clients are gone.
func (s *Server) Close() error {
	return s.listener.Close()
}

func (s *Server) accept(conn net.Conn) {
	c := newHCEClient(conn)

	pid, err := peerPID(conn)
	if err != nil {
		log.Printf("[transport] %v", err)
	} else {
		c.pid = pid
		if s.opts.Resolver != nil {
			if id, ok := s.opts.Resolver.ResolvePID(pid); ok {
				c.ipcID = id
			}
		}
	}

	n := s.register(c)
	log.Printf("[transport] Client connected (pid %d, connection %q), %d total", c.pid, c.ipcID, n)

	s.activeConnections.Add(2)
	go func() {
		defer s.activeConnections.Done()
		c.writeLoop()
	}()
	go func() {
		defer s.activeConnections.Done()
		s.receiveLoop(c)
	}()
}

func (s *Server) register(c *hceClient) int {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	if s.opts.OnClientCount != nil {
		s.opts.OnClientCount(n)
	}
	return n
}

// unregister removes c and reports whether it was the last socket of its
// connection id.
func (s *Server) unregister(c *hceClient) (id string, n int, last bool) {
	s.mu.Lock()
	delete(s.clients, c)
	n = len(s.clients)
	id = c.ipcID
	last = true
	for other := range s.clients {
		if id != "" && other.ipcID == id {
			last = false
			break
		}
	}
	s.mu.Unlock()
	if s.opts.OnClientCount != nil {
		s.opts.OnClientCount(n)
	}
	return id, n, last
}

func (s *Server) receiveLoop(c *hceClient) {
	defer func() {
		c.close()
		id, n, last := s.unregister(c)
		log.Printf("[transport] Client disconnected (pid %d, connection %q), %d left", c.pid, id, n)
		if last && s.opts.OnDisconnect != nil {
			s.opts.OnDisconnect(id)
		}
	}()

	for {
		msg, err := ReadMessage(c.conn)
		if err != nil {
			switch {
			case errors.Is(err, ErrProtocolViolation):
				log.Printf("[transport] Protocol violation from pid %d: %v", c.pid, err)
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			default:
				log.Printf("[transport] Read from pid %d failed: %v", c.pid, err)
			}
			return
		}
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(s.identity(c), msg)
		}
	}
}

// identity returns the client's connection id, resolving it again if the
// process attached to the control plane after connecting here.
func (s *Server) identity(c *hceClient) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ipcID == "" && c.pid != 0 && s.opts.Resolver != nil {
		if id, ok := s.opts.Resolver.ResolvePID(c.pid); ok {
			c.ipcID = id
		}
	}
	return c.ipcID
}

func (s *Server) findClients(ipcID string) []*hceClient {
	s.mu.Lock()
	all := make([]*hceClient, 0, len(s.clients))
	for c := range s.clients {
		all = append(all, c)
	}
	s.mu.Unlock()

	var out []*hceClient
	for _, c := range all {
		if s.identity(c) == ipcID {
			out = append(out, c)
		}
	}
	return out
}

// HasClient reports whether a client for ipcID is connected.
func (s *Server) HasClient(ipcID string) bool {
	return ipcID != "" && len(s.findClients(ipcID)) > 0
}

// SendToClient queues one frame for every socket of ipcID. It never waits
// for a write; a socket that cannot keep up or fails to write is closed and
// its receive loop reports the disconnect.
func (s *Server) SendToClient(ipcID string, typ MessageType, handle uint32, payload []byte) error {
	if ipcID == "" {
		return nfc.NewNullParameterError("transport.SendToClient", "connection id")
	}
	clients := s.findClients(ipcID)
	if len(clients) == 0 {
		return nfc.NewNotFoundError("transport.SendToClient", "client "+ipcID)
	}

	msg := Message{Type: typ, Handle: handle, Payload: payload}
	var errs []error
	for _, c := range clients {
		if err := c.send(msg); err != nil {
			log.Printf("[transport] Send %s to pid %d failed: %v", typ, c.pid, err)
			c.close()
			errs = append(errs, err)
		}
	}
	if len(errs) == len(clients) {
		return nfc.NewOperationFailedError("transport.SendToClient", errors.Join(errs...))
	}
	return nil
}

// SendToAll queues one frame for every connected client and returns how
// many accepted it.
func (s *Server) SendToAll(typ MessageType, handle uint32, payload []byte) int {
	s.mu.Lock()
	all := make([]*hceClient, 0, len(s.clients))
	for c := range s.clients {
		all = append(all, c)
	}
	s.mu.Unlock()

	msg := Message{Type: typ, Handle: handle, Payload: payload}
	sent := 0
	for _, c := range all {
		if err := c.send(msg); err != nil {
			log.Printf("[transport] Broadcast %s to pid %d failed: %v", typ, c.pid, err)
			c.close()
			continue
		}
		sent++
	}
	return sent
}

// CloseClient closes every socket belonging to ipcID.
func (s *Server) CloseClient(ipcID string) {
	if ipcID == "" {
		return
	}
	for _, c := range s.findClients(ipcID) {
		c.close()
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.close()
	}
}
