package tls

import (
	"bufio"
	"crypto/sha256"
	cryptotls "crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jittering/truststore"
)

// Manager owns the control plane's local CA and server certificate.
type Manager struct {
	stateDir   string
	tlsDir     string
	caDir      string
	caCertFile string
	certFile   string
	keyFile    string
	hostsFile  string
	installCA  bool
	logger     *log.Logger
}

// NewManager keeps its files under stateDir. With installCA the local CA is
// added to the system trust store when certificates are generated, which
// may prompt for a password.
func NewManager(stateDir string, installCA bool) *Manager {
	tlsDir := filepath.Join(stateDir, "tls")
	caDir := filepath.Join(stateDir, "ca")
	return &Manager{
		stateDir:   stateDir,
		tlsDir:     tlsDir,
		caDir:      caDir,
		caCertFile: filepath.Join(caDir, "rootCA.pem"),
		certFile:   filepath.Join(tlsDir, "server.crt"),
		keyFile:    filepath.Join(tlsDir, "server.key"),
		hostsFile:  filepath.Join(tlsDir, "hosts.txt"),
		installCA:  installCA,
		logger:     log.New(os.Stderr, "[tls] ", log.LstdFlags),
	}
}

// EnsureCertificates generates the server certificate when it is missing or
// when the host's addresses changed since it was issued, then loads it.
func (m *Manager) EnsureCertificates(extraHosts ...string) (*cryptotls.Config, error) {
	if err := os.MkdirAll(m.tlsDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create TLS directory: %w", err)
	}

	hosts, err := GetAllHosts()
	if err != nil {
		m.logger.Printf("Warning: failed to get LAN IPs: %v", err)
	}
	for _, h := range extraHosts {
		if h != "" && !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}

	switch {
	case !m.certsExist():
		m.logger.Println("Certificates not found, generating...")
		err = m.generateCertificates(hosts)
	case m.hostsChanged(hosts):
		m.logger.Println("Network configuration changed, regenerating certificates...")
		err = m.generateCertificates(hosts)
	default:
		m.logger.Println("Using existing certificates")
	}
	if err != nil {
		return nil, err
	}
	return m.ServerConfig()
}

// ServerConfig loads the current key pair.
func (m *Manager) ServerConfig() (*cryptotls.Config, error) {
	pair, err := cryptotls.LoadX509KeyPair(m.certFile, m.keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	return &cryptotls.Config{
		Certificates: []cryptotls.Certificate{pair},
		MinVersion:   cryptotls.VersionTLS12,
	}, nil
}

func (m *Manager) certsExist() bool {
	_, certErr := os.Stat(m.certFile)
	_, keyErr := os.Stat(m.keyFile)
	return certErr == nil && keyErr == nil
}

// hostsChanged compares hosts against the set the certificate was issued for.
func (m *Manager) hostsChanged(hosts []string) bool {
	cached, err := m.readCachedHosts()
	if err != nil {
		return true
	}
	a := slices.Clone(cached)
	b := slices.Clone(hosts)
	slices.Sort(a)
	slices.Sort(b)
	return !slices.Equal(a, b)
}

func (m *Manager) readCachedHosts() ([]string, error) {
	file, err := os.Open(m.hostsFile)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var hosts []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if host := strings.TrimSpace(scanner.Text()); host != "" {
			hosts = append(hosts, host)
		}
	}
	return hosts, scanner.Err()
}

func (m *Manager) writeCachedHosts(hosts []string) error {
	return os.WriteFile(m.hostsFile, []byte(strings.Join(hosts, "\n")+"\n"), 0o600)
}

// generateCertificates issues a server certificate from the local CA,
// creating the CA on first use.
func (m *Manager) generateCertificates(hosts []string) error {
	if err := os.MkdirAll(m.caDir, 0o700); err != nil {
		return fmt.Errorf("failed to create CA directory: %w", err)
	}
	// truststore locates its CA through CAROOT.
	os.Setenv("CAROOT", m.caDir)

	ml, err := truststore.NewLib()
	if err != nil {
		return fmt.Errorf("failed to initialize truststore: %w", err)
	}

	if m.installCA {
		m.logger.Println("Installing CA in the system trust store (you may be prompted for your password)")
		if err := ml.Install(); err != nil {
			return fmt.Errorf("failed to install CA: %w", err)
		}
	}

	m.logger.Printf("Generating certificate for hosts: %v", hosts)
	cert, err := ml.MakeCert(hosts, m.tlsDir)
	if err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	if cert.CertFile != m.certFile {
		if err := os.Rename(cert.CertFile, m.certFile); err != nil {
			return fmt.Errorf("failed to rename cert file: %w", err)
		}
	}
	if cert.KeyFile != m.keyFile {
		if err := os.Rename(cert.KeyFile, m.keyFile); err != nil {
			return fmt.Errorf("failed to rename key file: %w", err)
		}
	}

	if err := m.writeCachedHosts(hosts); err != nil {
		m.logger.Printf("Warning: failed to cache hosts: %v", err)
	}
	if fingerprint, err := m.CAFingerprint(); err == nil {
		m.logger.Printf("CA Fingerprint (SHA256): %s", fingerprint)
	}
	return nil
}

// CACertFile returns the path of the CA certificate.
func (m *Manager) CACertFile() string {
	return m.caCertFile
}

// CAFingerprint returns the colon-separated SHA-256 fingerprint of the CA.
func (m *Manager) CAFingerprint() (string, error) {
	certPEM, err := m.CACert()
	if err != nil {
		return "", fmt.Errorf("failed to read CA certificate: %w", err)
	}
	return Fingerprint(certPEM)
}

// Fingerprint returns the SHA-256 fingerprint of the first PEM certificate.
func Fingerprint(certPEM []byte) (string, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return "", fmt.Errorf("failed to decode PEM block")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", fmt.Errorf("failed to parse certificate: %w", err)
	}

	sum := sha256.Sum256(cert.Raw)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":"), nil
}

// CACert returns the CA certificate PEM.
func (m *Manager) CACert() ([]byte, error) {
	return os.ReadFile(m.caCertFile)
}
