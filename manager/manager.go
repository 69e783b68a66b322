// Package manager wires the route table, the dispatcher, the HCE socket and
// the controller together behind the work queue. Every exported operation
// is marshalled onto the queue; callers wait on a result channel, never
// the worker.
package manager

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/dotside-studios/davi-nfcd/hce"
	"github.com/dotside-studios/davi-nfcd/metrics"
	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/queue"
	"github.com/dotside-studios/davi-nfcd/route"
	"github.com/dotside-studios/davi-nfcd/store"
	"github.com/dotside-studios/davi-nfcd/transport"
)

// Config configures a Manager.
type Config struct {
	// StorePath is the sqlite route store. Empty keeps routes in memory.
	StorePath string

	// SocketPath is the HCE transport socket. Empty disables the socket.
	SocketPath string

	DefaultSE       nfc.SEType
	PrefixMatching  bool
	ResponseTimeout time.Duration
	QueueCapacity   int

	// SelfTest registers the built-in self-test applet.
	SelfTest bool

	// Version is answered by the self-test applet.
	Version string
}

// RouterState is all mutable routing state. Only the queue worker
// goroutine touches it.
type RouterState struct {
	Table      *route.Table
	Dispatcher *hce.Dispatcher
}

// Manager owns the daemon's routing subsystem.
type Manager struct {
	cfg     Config
	hw      nfc.Hardware
	events  nfc.EventSource
	metrics *metrics.Metrics

	queue  *queue.Queue
	store  *store.Store
	socket *transport.Server
	relay  *relay
	ids    *identities

	state *RouterState
	ready chan struct{}
}

// New opens the store and the HCE socket and builds the routing state.
// Failing to open either is fatal and returned. m may be nil.
func New(cfg Config, hw nfc.Hardware, m *metrics.Metrics) (*Manager, error) {
	if hw == nil {
		return nil, nfc.NewNullParameterError("manager.New", "hardware")
	}
	mgr := &Manager{
		cfg:     cfg,
		metrics: m,
		queue:   queue.New(cfg.QueueCapacity),
		ids:     newIdentities(),
		ready:   make(chan struct{}),
	}
	if src, ok := hw.(nfc.EventSource); ok {
		mgr.events = src
	}
	mgr.hw = metrics.InstrumentHardware(hw, m)

	var persister route.Persister
	if cfg.StorePath != "" {
		st, err := store.Open(cfg.StorePath)
		if err != nil {
			return nil, fmt.Errorf("open route store: %w", err)
		}
		mgr.store = st
		persister = st
	}

	if cfg.SocketPath != "" {
		opts := transport.Options{
			Resolver:     mgr.ids,
			OnMessage:    mgr.onSocketMessage,
			OnDisconnect: mgr.onSocketDisconnect,
		}
		if m != nil {
			opts.OnClientCount = func(n int) { m.TransportClients.Set(float64(n)) }
		}
		socket, err := transport.Listen(cfg.SocketPath, opts)
		if err != nil {
			mgr.closeStore()
			return nil, fmt.Errorf("open HCE socket: %w", err)
		}
		mgr.socket = socket
	}
	mgr.relay = &relay{socket: mgr.socket}

	dopts := hce.Options{
		Sender:          mgr.relay,
		ResponseTimeout: cfg.ResponseTimeout,
		Post:            func(task func()) error { return mgr.queue.Post(task) },
	}
	if m != nil {
		dopts.OnOutcome = func(o hce.Outcome, sw nfc.StatusWord) { m.ObserveAPDU(string(o), sw) }
		if err := m.RegisterQueue(mgr.queue); err != nil {
			log.Printf("[manager] %v", err)
		}
	}

	table := route.New(mgr.hw, persister, route.Options{
		DefaultSE:      cfg.DefaultSE,
		PrefixMatching: cfg.PrefixMatching,
	})
	mgr.state = &RouterState{
		Table:      table,
		Dispatcher: hce.NewDispatcher(mgr.hw, table, dopts),
	}
	return mgr, nil
}

// SetEventSink lets control-plane connections receive HCE frames. It must
// be called before Run.
func (m *Manager) SetEventSink(sink EventSink) {
	m.relay.sink = sink
}

// Queue returns the work queue.
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// Ready is closed once the persisted routes are restored and the first
// routing update has been pushed.
func (m *Manager) Ready() <-chan struct{} {
	return m.ready
}

// SocketPath returns the HCE socket path, empty when disabled.
func (m *Manager) SocketPath() string {
	if m.socket == nil {
		return ""
	}
	return m.socket.Path()
}

// Run starts the worker, restores the persisted routes, pushes a full
// routing update and serves until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.queue.Start()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var socketErr chan error
	if m.socket != nil {
		socketErr = make(chan error, 1)
		go func() { socketErr <- m.socket.Serve(runCtx) }()
	}

	if _, err := queue.CallBlocking(ctx, m.queue, func() (struct{}, error) {
		return struct{}{}, m.start(ctx)
	}); err != nil {
		cancel()
		if socketErr != nil {
			<-socketErr
		}
		m.shutdown()
		return err
	}

	if m.events != nil {
		go m.pumpEvents(runCtx)
	}
	close(m.ready)

	var err error
	select {
	case <-ctx.Done():
	case err = <-socketErr:
		if err != nil {
			log.Printf("[manager] HCE socket failed: %v", err)
		}
	}

	cancel()
	if m.socket != nil {
		if serr := <-socketErr; serr != nil && err == nil {
			err = serr
		}
	}
	m.shutdown()
	return err
}

// start runs on the worker.
func (m *Manager) start(ctx context.Context) error {
	n, err := m.state.Table.Load(ctx)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	log.Printf("[manager] Restored %d AIDs", n)

	if m.cfg.SelfTest {
		if err := m.registerSelfTest(); err != nil {
			log.Printf("[manager] Self-test applet not registered: %v", err)
		}
	}

	if err := m.state.Table.DoFullUpdate(); err != nil {
		log.Printf("[manager] Initial routing update failed: %v", err)
	}
	return nil
}

func (m *Manager) registerSelfTest() error {
	t := m.state.Table
	if err := t.StartHandler("", hce.SelfTestPackage); err != nil {
		return err
	}
	err := t.AddAID("", route.Registration{
		Package:  hce.SelfTestPackage,
		SEType:   nfc.SETypeHCE,
		Category: nfc.CategoryOther,
		AID:      hce.SelfTestAID,
	}, nfc.OriginDynamic)
	if err != nil && !nfc.IsCode(err, nfc.ErrCodeAlreadyRegistered) {
		return err
	}
	if err := t.SetActivation(hce.SelfTestPackage, nfc.CategoryOther); err != nil {
		return err
	}
	return m.state.Dispatcher.AddListener(hce.SelfTestPackage, hce.NewSelfTestListener(m.cfg.Version))
}

func (m *Manager) pumpEvents(ctx context.Context) {
	ch := m.events.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				log.Println("[manager] Hardware event stream closed")
				return
			}
			if err := m.queue.Post(func() { m.state.Dispatcher.HandleEvent(ev) }); err != nil {
				log.Printf("[manager] Dropping %s event: %v", ev.Type, err)
			}
		}
	}
}

func (m *Manager) shutdown() {
	m.queue.Stop()
	m.closeStore()
	log.Println("[manager] Stopped")
}

func (m *Manager) closeStore() {
	if m.store == nil {
		return
	}
	if err := m.store.Close(); err != nil {
		log.Printf("[manager] Closing route store: %v", err)
	}
}

func (m *Manager) onSocketMessage(ipcID string, msg transport.Message) {
	if msg.Type != transport.MessageResponse {
		log.Printf("[manager] Ignoring %s frame from handler %q", msg.Type, ipcID)
		return
	}
	payload := msg.Payload
	handle := msg.Handle
	err := m.queue.Post(func() {
		if err := m.state.Dispatcher.Respond(ipcID, handle, payload); err != nil {
			log.Printf("[manager] Response from %q for handle %d: %v", ipcID, handle, err)
		}
	})
	if err != nil {
		log.Printf("[manager] Dropping response for handle %d: %v", handle, err)
	}
}

func (m *Manager) onSocketDisconnect(ipcID string) {
	if ipcID == "" {
		return
	}
	if err := m.queue.Post(func() { m.state.Dispatcher.ClientGone(ipcID) }); err != nil {
		log.Printf("[manager] Could not abort requests of %q: %v", ipcID, err)
	}
}
