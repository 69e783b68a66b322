package route

import (
	"context"
	"log"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

// AddHandler registers pkg. It is idempotent: an existing handler keeps its
// entries and only gains connID when it had no connection yet.
func (t *Table) AddHandler(connID, pkg string) error {
	if pkg == "" {
		return nfc.NewNullParameterError("AddHandler", "package")
	}
	h, ok := t.handlers[pkg]
	if !ok {
		h = t.addHandler(pkg)
		log.Printf("[route] Handler %s added", pkg)
	}
	if h.IPCID == "" && connID != "" {
		h.IPCID = connID
	}
	return nil
}

// StartHandler is AddHandler for a package that announced itself as a
// running HCE service. The handler survives losing its last AID until
// StopHandler.
func (t *Table) StartHandler(connID, pkg string) error {
	if err := t.AddHandler(connID, pkg); err != nil {
		return err
	}
	t.handlers[pkg].started = true
	return nil
}

// StopHandler undoes StartHandler. The handler keeps its AIDs but loses its
// connection; an empty handler is removed.
func (t *Table) StopHandler(connID, pkg string) error {
	h, err := t.lookup("StopHandler", pkg)
	if err != nil {
		return err
	}
	h.started = false
	if connID == "" || h.IPCID == connID {
		h.IPCID = ""
	}
	t.pruneIfEmpty(h)
	return nil
}

// DelHandler removes every entry of pkg and the handler itself. With force
// false manifest entries survive and so does the handler.
func (t *Table) DelHandler(ctx context.Context, pkg string, force bool) error {
	if _, err := t.lookup("DelHandler", pkg); err != nil {
		return err
	}
	err := t.delAIDs(ctx, "DelHandler", pkg, force)

	if h, ok := t.handlers[pkg]; ok && len(h.Entries) == 0 {
		t.removeHandler(pkg)
		log.Printf("[route] Handler %s removed", pkg)
	}
	return err
}

// DetachConnection drops every reference to a closed control-plane
// connection: handler IPCIDs and a preferred handler it requested.
func (t *Table) DetachConnection(connID string) {
	if connID == "" {
		return
	}
	for _, pkg := range t.order {
		if h := t.handlers[pkg]; h.IPCID == connID {
			h.IPCID = ""
		}
	}
	if t.preferred != nil && t.preferred.connID == connID {
		log.Printf("[route] Preferred handler %s cleared, connection %s detached", t.preferred.pkg, connID)
		t.preferred = nil
	}
}
