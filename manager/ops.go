package manager

import (
	"context"
	"log"

	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/queue"
	"github.com/dotside-studios/davi-nfcd/route"
)

type none = struct{}

// do runs fn on the worker as an ordinary task.
func (m *Manager) do(ctx context.Context, fn func(s *RouterState) error) error {
	_, err := queue.Call(ctx, m.queue, func() (none, error) {
		return none{}, fn(m.state)
	})
	return err
}

// doBlocking runs fn as a high-priority task; ordinary operations get Busy
// until it finishes.
func (m *Manager) doBlocking(ctx context.Context, fn func(s *RouterState) error) error {
	_, err := queue.CallBlocking(ctx, m.queue, func() (none, error) {
		return none{}, fn(m.state)
	})
	return err
}

// Attach records which package and process a control-plane connection
// speaks for, so HCE sockets opened by the same process can be matched.
func (m *Manager) Attach(connID, pkg string, pid int32) error {
	if connID == "" {
		return nfc.NewNullParameterError("Attach", "connection")
	}
	if pkg == "" {
		return nfc.NewNullParameterError("Attach", "package")
	}
	m.ids.attach(Connection{ID: connID, Package: pkg, PID: pid})
	log.Printf("[manager] Connection %s attached as %s (pid %d)", connID, pkg, pid)
	return nil
}

// Connection returns what connID attached as.
func (m *Manager) Connection(connID string) (Connection, bool) {
	return m.ids.get(connID)
}

// ConnectionDetached is the client-lifecycle hook. It clears the
// connection's IPCIDs and preferred handler, aborts its pending commands
// and closes its HCE sockets.
func (m *Manager) ConnectionDetached(connID string) {
	if connID == "" {
		return
	}
	m.ids.detach(connID)
	err := m.queue.Post(func() {
		m.state.Table.DetachConnection(connID)
		m.state.Dispatcher.ClientGone(connID)
		if m.socket != nil {
			m.socket.CloseClient(connID)
		}
	})
	if err != nil {
		log.Printf("[manager] Detach of %s not processed: %v", connID, err)
	}
}

// StartHandler registers pkg as a running HCE service.
func (m *Manager) StartHandler(ctx context.Context, connID, pkg string) error {
	return m.do(ctx, func(s *RouterState) error {
		return s.Table.StartHandler(connID, pkg)
	})
}

// StopHandler undoes StartHandler.
func (m *Manager) StopHandler(ctx context.Context, connID, pkg string) error {
	return m.do(ctx, func(s *RouterState) error {
		return s.Table.StopHandler(connID, pkg)
	})
}

// RegisterAID adds a runtime AID for reg.Package.
func (m *Manager) RegisterAID(ctx context.Context, connID string, reg route.Registration) error {
	return m.do(ctx, func(s *RouterState) error {
		return s.Table.AddAID(connID, reg, nfc.OriginDynamic)
	})
}

// UnregisterAID removes an AID; manifest AIDs need force.
func (m *Manager) UnregisterAID(ctx context.Context, pkg, aid string, force bool) error {
	return m.do(ctx, func(s *RouterState) error {
		return s.Table.DelAID(ctx, pkg, aid, force)
	})
}

// InstallAID persists a manifest AID, as the installer does.
func (m *Manager) InstallAID(ctx context.Context, reg route.Registration) error {
	return m.do(ctx, func(s *RouterState) error {
		return s.Table.InsertAID(ctx, reg)
	})
}

// UninstallPackage removes pkg with all of its AIDs, manifest ones included.
func (m *Manager) UninstallPackage(ctx context.Context, pkg string) error {
	return m.do(ctx, func(s *RouterState) error {
		s.Dispatcher.RemoveListener(pkg)
		return s.Table.DelHandler(ctx, pkg, true)
	})
}

// SetPreferredHandler makes the package attached to connID the preferred
// handler, or clears the preference.
func (m *Manager) SetPreferredHandler(ctx context.Context, connID string, enable bool) error {
	conn, attached := m.ids.get(connID)
	return m.do(ctx, func(s *RouterState) error {
		if !enable {
			return s.Table.ClearPreferred(connID)
		}
		pkg, ok := s.Table.PackageForConnection(connID)
		if !ok && attached {
			pkg, ok = conn.Package, true
		}
		if !ok {
			return nfc.NewNotFoundError("SetPreferredHandler", "package for connection "+connID)
		}
		return s.Table.SetPreferred(connID, pkg)
	})
}

// SetCategoryActivation activates cat for pkg. It runs as a blocking task.
func (m *Manager) SetCategoryActivation(ctx context.Context, pkg string, cat nfc.Category) error {
	return m.doBlocking(ctx, func(s *RouterState) error {
		return s.Table.SetActivation(pkg, cat)
	})
}

// ClearCategoryActivation deactivates cat for pkg. It runs as a blocking task.
func (m *Manager) ClearCategoryActivation(ctx context.Context, pkg string, cat nfc.Category) error {
	return m.doBlocking(ctx, func(s *RouterState) error {
		return s.Table.ClearActivation(pkg, cat)
	})
}

// SetDefaultSE switches the default secure element and reroutes. It runs
// as a blocking task.
func (m *Manager) SetDefaultSE(ctx context.Context, se nfc.SEType) error {
	return m.doBlocking(ctx, func(s *RouterState) error {
		return s.Table.SetDefaultSE(se)
	})
}

// SendAPDUResponse answers a command forwarded to connID.
func (m *Manager) SendAPDUResponse(ctx context.Context, connID string, handle uint32, apdu []byte) error {
	return m.do(ctx, func(s *RouterState) error {
		return s.Dispatcher.Respond(connID, handle, apdu)
	})
}

// CheckConflict reports DataConflicted if another package owns aid in cat.
func (m *Manager) CheckConflict(ctx context.Context, pkg, aid string, cat nfc.Category) error {
	return m.do(ctx, func(s *RouterState) error {
		return s.Table.Conflicts(pkg, aid, cat)
	})
}

// ListHandlers returns a snapshot of the route table.
func (m *Manager) ListHandlers(ctx context.Context) ([]route.Handler, error) {
	return queue.Call(ctx, m.queue, func() ([]route.Handler, error) {
		return m.state.Table.Handlers(), nil
	})
}

// Status summarises the routing state.
type Status struct {
	DefaultSE   nfc.SEType
	Preferred   string
	SelectedAID string
	Pending     int
	Handlers    int
	Clients     int
}

// Status returns a snapshot of the routing state.
func (m *Manager) Status(ctx context.Context) (Status, error) {
	return queue.Call(ctx, m.queue, func() (Status, error) {
		st := Status{
			DefaultSE: m.state.Table.DefaultSE(),
			Pending:   m.state.Dispatcher.Pending(),
			Handlers:  len(m.state.Table.Handlers()),
		}
		st.Preferred, _ = m.state.Table.Preferred()
		st.SelectedAID, _ = m.state.Dispatcher.SelectedAID()
		if m.socket != nil {
			st.Clients = m.socket.ClientCount()
		}
		return st, nil
	})
}
