package tls

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dotside-studios/davi-nfcd/buildinfo"
)

// BootstrapServer serves the CA certificate over plain HTTP so handler
// devices on the LAN can trust the control plane before connecting to wss.
type BootstrapServer struct {
	manager *Manager
	port    int
	logger  *log.Logger
}

// NewBootstrapServer creates a CA distribution server on port.
func NewBootstrapServer(manager *Manager, port int) *BootstrapServer {
	return &BootstrapServer{
		manager: manager,
		port:    port,
		logger:  log.New(os.Stderr, "[bootstrap] ", log.LstdFlags),
	}
}

// Handler returns the bootstrap routes.
func (s *BootstrapServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ca.pem", s.handleCACert)
	mux.HandleFunc("/ca.crt", s.handleCACert)
	mux.HandleFunc("/fingerprint", s.handleFingerprint)
	mux.HandleFunc("/", s.handleInstructions)
	return mux
}

// Start serves until ctx is cancelled.
func (s *BootstrapServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("bootstrap listen on port %d: %w", s.port, err)
	}
	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}

	s.logger.Printf("CA bootstrap server running on http://%s", ln.Addr())
	if fingerprint, err := s.manager.CAFingerprint(); err == nil {
		s.logger.Printf("CA Fingerprint (SHA256): %s", fingerprint)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *BootstrapServer) handleCACert(w http.ResponseWriter, r *http.Request) {
	caCert, err := s.manager.CACert()
	if err != nil {
		http.Error(w, "CA certificate not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/x-pem-file")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", buildinfo.Name+"-ca.pem"))
	w.Write(caCert)

	s.logger.Printf("CA certificate downloaded by %s", r.RemoteAddr)
}

func (s *BootstrapServer) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	fingerprint, err := s.manager.CAFingerprint()
	if err != nil {
		http.Error(w, "CA certificate not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, fingerprint)
}

// handleInstructions prints where to fetch the CA and how to verify it.
func (s *BootstrapServer) handleInstructions(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	fingerprint, err := s.manager.CAFingerprint()
	if err != nil {
		fingerprint = "(not generated yet)"
	}
	hosts, _ := GetAllHosts()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s control plane CA\n\n", buildinfo.DisplayName)
	fmt.Fprintf(w, "Install the CA on each handler device, then connect over wss.\n")
	fmt.Fprintf(w, "Verify the fingerprint against the daemon log before trusting it.\n\n")
	fmt.Fprintf(w, "SHA-256: %s\n\n", fingerprint)
	fmt.Fprintf(w, "Download:\n%s\n", formatURLs(hosts, s.port))
}

// formatURLs lists the CA download URL for every IP host.
func formatURLs(hosts []string, port int) string {
	var urls []string
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			urls = append(urls, fmt.Sprintf("  http://%s/ca.pem", net.JoinHostPort(h, fmt.Sprint(port))))
		}
	}
	return strings.Join(urls, "\n")
}
