package main

import (
	"context"
	cryptotls "crypto/tls"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/dotside-studios/davi-nfcd/buildinfo"
	"github.com/dotside-studios/davi-nfcd/config"
	"github.com/dotside-studios/davi-nfcd/manager"
	"github.com/dotside-studios/davi-nfcd/metrics"
	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/server"
	nfcdtls "github.com/dotside-studios/davi-nfcd/tls"
)

// Agent owns the daemon's components for one run.
type Agent struct {
	Logger   *log.Logger
	Config   config.Config
	Hardware nfc.Hardware
	Metrics  *metrics.Metrics
	Manager  *manager.Manager
	Server   *server.Server

	// Bootstrap serves the control-plane CA when TLS is enabled.
	Bootstrap *nfcdtls.BootstrapServer
}

// NewAgent builds the hardware plugin, the manager and the control plane.
// Nothing is served until Run.
func NewAgent(cfg config.Config) (*Agent, error) {
	a := &Agent{
		Logger:  log.New(os.Stderr, "[agent] ", log.LstdFlags),
		Config:  cfg,
		Metrics: metrics.New(),
	}

	var injector server.Injector
	switch cfg.Hardware.Backend {
	case config.BackendVirtual:
		hw := nfc.NewVirtualHardware()
		a.Hardware = hw
		injector = hw
	default:
		return nil, fmt.Errorf("unsupported hardware backend %q", cfg.Hardware.Backend)
	}

	for _, path := range []string{cfg.Store.Path, cfg.Transport.SocketPath} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	var tlsConfig *cryptotls.Config
	if cfg.Server.TLS {
		certs := nfcdtls.NewManager(cfg.Server.TLSDir, cfg.Server.TLSInstallCA)
		tc, err := certs.EnsureCertificates()
		if err != nil {
			return nil, fmt.Errorf("prepare TLS certificates: %w", err)
		}
		tlsConfig = tc
		if cfg.Server.TLSBootstrapPort > 0 {
			a.Bootstrap = nfcdtls.NewBootstrapServer(certs, cfg.Server.TLSBootstrapPort)
		}
	}

	mgr, err := manager.New(manager.Config{
		StorePath:       cfg.Store.Path,
		SocketPath:      cfg.Transport.SocketPath,
		DefaultSE:       cfg.DefaultSEType(),
		PrefixMatching:  cfg.HCE.PrefixMatching,
		ResponseTimeout: cfg.HCE.ResponseTimeout,
		QueueCapacity:   cfg.Queue.Capacity,
		SelfTest:        cfg.HCE.SelfTest,
		Version:         buildinfo.FullVersion(),
	}, a.Hardware, a.Metrics)
	if err != nil {
		return nil, err
	}
	a.Manager = mgr

	// The server installs itself as the manager's event sink, so it is built
	// before the manager runs.
	srv, err := server.New(server.Config{
		Manager:         mgr,
		Port:            cfg.Server.Port,
		APISecret:       cfg.Server.APISecret,
		MDNS:            cfg.Server.MDNS,
		TLS:             tlsConfig,
		Injector:        injector,
		ResponseTimeout: cfg.HCE.ResponseTimeout,
		Metrics:         a.Metrics,
	})
	if err != nil {
		return nil, err
	}
	a.Server = srv
	return a, nil
}

// Run serves until ctx is cancelled or a component fails. The first
// failure stops the other component.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 2)
	if a.Bootstrap != nil {
		go func() {
			if err := a.Bootstrap.Start(ctx); err != nil {
				a.Logger.Printf("CA bootstrap server stopped: %v", err)
			}
		}()
	}
	go func() { errs <- wrap("manager", a.Manager.Run(ctx)) }()

	select {
	case <-a.Manager.Ready():
	case err := <-errs:
		return err
	}
	a.Logger.Printf("%s %s ready (socket %q)", buildinfo.DisplayName, buildinfo.FullVersion(), a.Manager.SocketPath())

	go func() { errs <- wrap("server", a.Server.Start(ctx)) }()

	first := <-errs
	cancel()
	second := <-errs

	a.Logger.Println("Agent stopped")
	return errors.Join(first, second)
}

func wrap(component string, err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return fmt.Errorf("%s: %w", component, err)
}
