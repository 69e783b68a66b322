// Package server provides the HTTP and WebSocket control plane of the
// daemon: handler applications attach, register AIDs and answer APDUs over
// /ws; operators use the health, metrics and event injection endpoints.
package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/grandcat/zeroconf"

	"github.com/dotside-studios/davi-nfcd/buildinfo"
	"github.com/dotside-studios/davi-nfcd/metrics"
	"github.com/dotside-studios/davi-nfcd/protocol"
)

// Config holds the server configuration
type Config struct {
	Manager   Manager
	Port      int
	APISecret string // Optional API secret for WebSocket connection
	MDNS      bool   // Advertise the control plane over mDNS

	// TLS serves https and wss instead of plain http. Optional.
	TLS *tls.Config

	// Injector enables POST /api/v1/hce/event. Optional.
	Injector        Injector
	ResponseTimeout time.Duration

	// Metrics enables /metrics and request accounting. Optional.
	Metrics *metrics.Metrics
}

// Server manages the HTTP and WebSocket server
type Server struct {
	config     Config
	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader

	conns           *Connections
	handlerRegistry *HandlerRegistry

	// mDNS service for auto-discovery
	mdnsServer *zeroconf.Server
}

// New creates a new server instance and installs its connections as the
// manager's event sink, so it must be called before the manager runs.
func New(config Config) (*Server, error) {
	if config.Manager == nil {
		return nil, fmt.Errorf("server: manager is required")
	}
	s := &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins
			},
		},
		conns:           NewConnections(),
		handlerRegistry: NewHandlerRegistry(),
	}

	if err := NewHCEHandler(config.Manager).Register(s); err != nil {
		return nil, fmt.Errorf("register HCE handlers: %w", err)
	}
	config.Manager.SetEventSink(s.conns)
	return s, nil
}

// Handle implements HandlerServer interface.
func (s *Server) Handle(messageType string, handler HandlerFunc) error {
	return s.handlerRegistry.Handle(messageType, handler)
}

// Connections returns the live websocket connections.
func (s *Server) Connections() *Connections {
	return s.conns
}

// enableCORS is a middleware that adds CORS headers to responses and
// answers preflight requests before routing.
func enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", CORSAllowOrigin)
		w.Header().Set("Access-Control-Allow-Methods", CORSAllowMethods)
		w.Header().Set("Access-Control-Allow-Headers", CORSAllowHeaders)

		// Handle preflight OPTIONS requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWebSocket)
	if s.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.config.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(enableCORS)

		r.Route("/api/v1", func(r chi.Router) {
			r.Get("/health", s.handleHealthCheck)
			r.Post("/hce/event", s.handleHCEInject)
		})

		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(buildinfo.DisplayName + " running"))
		})
	})
	return r
}

// Start listens on the configured port and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.config.Port, err)
	}
	if s.config.TLS != nil {
		ln = tls.NewListener(ln, s.config.TLS)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("[server] Listening on %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	if s.config.MDNS {
		if err := s.startMDNS(); err != nil {
			log.Printf("[server] Warning: Failed to start mDNS: %v", err)
			log.Printf("[server] Auto-discovery will not be available, but server will continue normally")
		}
	}

	select {
	case <-ctx.Done():
		log.Println("[server] Context cancelled, shutting down...")
		s.Stop()
		return nil
	case err := <-serveErr:
		s.Stop()
		return fmt.Errorf("http server: %w", err)
	}
}

// Addr returns the listening address once Start has bound it.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops the HTTP server gracefully
func (s *Server) Stop() {
	if s.mdnsServer != nil {
		s.mdnsServer.Shutdown()
		s.mdnsServer = nil
		log.Printf("[server] mDNS service stopped")
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("[server] Shutdown error: %v", err)
		}
		s.httpServer = nil
	}
	// Shutdown does not touch hijacked connections.
	s.conns.CloseAll()
}

// startMDNS registers the control plane as an mDNS service for auto-discovery
func (s *Server) startMDNS() error {
	port := s.config.Port
	if addr, ok := s.Addr().(*net.TCPAddr); ok {
		port = addr.Port
	}

	proto := "ws"
	if s.config.TLS != nil {
		proto = "wss"
	}
	txtRecords := []string{
		"version=" + buildinfo.Version,
		"protocol=" + proto,
		"path=/ws",
	}

	server, err := zeroconf.Register(MDNSServiceName, MDNSServiceType, MDNSDomain, port, txtRecords, nil)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service: %w", err)
	}

	s.mdnsServer = server
	log.Printf("[server] mDNS service registered: %s on port %d", MDNSServiceName, port)
	return nil
}

// handleWebSocket upgrades a control-plane connection and serves its
// requests until it closes. Closing runs the client-lifecycle hook.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Validate optional API secret if configured
	if s.config.APISecret != "" && r.URL.Query().Get("secret") != s.config.APISecret {
		log.Printf("[server] WebSocket connection rejected: invalid API secret")
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] WebSocket upgrade error: %v", err)
		return
	}
	ws.SetReadLimit(maxMessageSize)

	conn := newConn(uuid.NewString(), ws)
	go conn.writePump()
	s.conns.Register(conn)
	s.observeConnections()
	log.Printf("[server] Connection %s from %s", conn.id, conn.remote)

	defer func() {
		s.conns.Unregister(conn)
		conn.close()
		s.config.Manager.ConnectionDetached(conn.id)
		s.observeConnections()
		log.Printf("[server] Connection %s closed", conn.id)
	}()

	hello := protocol.WebSocketMessage{
		Type: protocol.WSTypeHello,
		Payload: protocol.HelloPayload{
			ConnectionID: conn.id,
			Version:      buildinfo.FullVersion(),
			SocketPath:   s.config.Manager.SocketPath(),
		},
	}
	if err := conn.WriteJSON(hello); err != nil {
		log.Printf("[server] Hello to %s failed: %v", conn.id, err)
		return
	}

	for {
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[server] WebSocket read error on %s: %v", conn.id, err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		s.serveRequest(r.Context(), conn, message)
	}
}

func (s *Server) serveRequest(ctx context.Context, conn *Conn, message []byte) {
	var req protocol.WebSocketRequest
	if err := json.Unmarshal(message, &req); err != nil {
		log.Printf("[server] Failed to parse message from %s: %v", conn.id, err)
		s.sendError(conn, "", protocol.WSTypeError, "PARSE_ERROR", "Invalid message format")
		return
	}

	handler, ok := s.handlerRegistry.Get(req.Type)
	if !ok {
		log.Printf("[server] Unknown message type: %s", req.Type)
		s.sendError(conn, req.ID, protocol.WSTypeError, "UNKNOWN_TYPE", fmt.Sprintf("Unknown message type: %s", req.Type))
		return
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	result, err := handler(ctx, conn, req)
	if s.config.Metrics != nil {
		s.config.Metrics.ObserveRequest(req.Type, err)
	}
	if err != nil {
		log.Printf("[server] %s from %s failed: %v", req.Type, conn.id, err)
		err = SendErrorResponse(conn, req.ID, req.Type, err)
	} else {
		err = SendSuccessResponse(conn, req.ID, req.Type, result)
	}
	if err != nil {
		log.Printf("[server] Failed to send %s response: %v", req.Type, err)
	}
}

// sendError sends a structured error that is not tied to an operation.
func (s *Server) sendError(conn *Conn, requestID, responseType, code, message string) {
	response := protocol.WebSocketResponse{
		ID:      requestID,
		Type:    responseType,
		Success: false,
		Error:   message,
		Code:    code,
	}
	if err := conn.WriteJSON(response); err != nil {
		log.Printf("[server] Failed to send error response: %v", err)
	}
}

func (s *Server) observeConnections() {
	if s.config.Metrics != nil {
		s.config.Metrics.ControlConnections.Set(float64(s.conns.Count()))
	}
}

// handleHealthCheck provides a health check endpoint (GET /api/v1/health)
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ready := false
	select {
	case <-s.config.Manager.Ready():
		ready = true
	default:
	}

	status := "ok"
	code := http.StatusOK
	if !ready {
		status = "starting"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(protocol.HealthResponse{
		Status:    status,
		Version:   buildinfo.FullVersion(),
		Ready:     ready,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}
