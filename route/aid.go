package route

import (
	"context"
	"log"
	"slices"

	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/store"
)

// Registration describes one AID to register.
type Registration struct {
	Package  string
	SEType   nfc.SEType
	Category nfc.Category
	AID      string
	Unlock   bool
	Power    uint32
}

func (r *Registration) validate(op string) error {
	if r.Package == "" {
		return nfc.NewNullParameterError(op, "package")
	}
	if !r.Category.Valid() {
		return nfc.Errorf(nfc.ErrCodeInvalidParameter, op, "invalid category %d", int(r.Category))
	}
	aid, err := nfc.NormalizeAID(r.AID)
	if err != nil {
		return err
	}
	r.AID = aid
	if r.Power == 0 {
		r.Power = nfc.PowerDefault
	}
	return nil
}

// AddAID registers an AID at runtime. The entry is routed and committed
// immediately when its category is activated for the package and it does
// not target the default SE; otherwise it waits for the next full update.
// Runtime registrations are not persisted.
//
// If the controller rejects the route the entry stays registered with
// Routed false and an OperationFailed error is returned.
func (t *Table) AddAID(connID string, reg Registration, origin nfc.Origin) error {
	if err := reg.validate("AddAID"); err != nil {
		return err
	}
	if t.has(reg.Package, reg.AID) {
		return nfc.NewAlreadyRegisteredError("AddAID", reg.Package+"/"+reg.AID)
	}
	return t.addEntry("AddAID", connID, reg, origin)
}

// InsertAID is the install-time registration: the AID is written to the
// store as a manifest row before it is added to memory.
func (t *Table) InsertAID(ctx context.Context, reg Registration) error {
	if err := reg.validate("InsertAID"); err != nil {
		return err
	}
	if t.has(reg.Package, reg.AID) {
		return nfc.NewAlreadyRegisteredError("InsertAID", reg.Package+"/"+reg.AID)
	}
	if t.store != nil {
		_, err := t.store.Insert(ctx, store.Row{
			Package:  reg.Package,
			SEType:   reg.SEType,
			Category: reg.Category,
			AID:      reg.AID,
			Unlock:   reg.Unlock,
			Power:    reg.Power,
			Manifest: true,
		})
		if err != nil {
			return nfc.NewOperationFailedError("InsertAID", err)
		}
	}
	return t.addEntry("InsertAID", "", reg, nfc.OriginManifest)
}

func (t *Table) has(pkg, aid string) bool {
	h, ok := t.handlers[pkg]
	if !ok {
		return false
	}
	_, e := h.entry(aid)
	return e != nil
}

func (t *Table) addEntry(op, connID string, reg Registration, origin nfc.Origin) error {
	h, ok := t.handlers[reg.Package]
	if !ok {
		h = t.addHandler(reg.Package)
	}
	if h.IPCID == "" && connID != "" {
		h.IPCID = connID
	}

	e := &Entry{
		AID:      reg.AID,
		SEType:   reg.SEType,
		Category: reg.Category,
		Unlock:   reg.Unlock,
		Power:    reg.Power,
		Origin:   origin,
	}
	h.Entries = append(h.Entries, e)
	log.Printf("[route] %s registered %s (%s, %s, %s)", h.Package, e.AID, e.Category, e.SEType, origin)

	if !t.shouldRoute(h, e) {
		return nil
	}
	if owner, taken := t.routedElsewhere(h.Package, e.AID); taken {
		log.Printf("[route] %s: %s already routed for %s, leaving unrouted", op, e.AID, owner)
		return nil
	}
	b := t.newBatch(op)
	b.route(e)
	return b.commit(false)
}

// DelAID removes one entry. Manifest entries are only removed with force,
// in which case the persisted row goes first. A routed entry is unrouted
// and committed before it is dropped; controller failures are logged and
// do not stop the removal.
func (t *Table) DelAID(ctx context.Context, pkg, aid string, force bool) error {
	h, err := t.lookup("DelAID", pkg)
	if err != nil {
		return err
	}
	norm, err := nfc.NormalizeAID(aid)
	if err != nil {
		return err
	}
	i, e := h.entry(norm)
	if e == nil {
		return nfc.NewNotFoundError("DelAID", pkg+"/"+norm)
	}

	if e.Origin == nfc.OriginManifest {
		if !force {
			return nfc.Errorf(nfc.ErrCodeOperationFailed, "DelAID", "%s is declared by the %s manifest", norm, pkg)
		}
		if t.store != nil {
			if _, err := t.store.Delete(ctx, pkg, e.AID); err != nil {
				return nfc.NewOperationFailedError("DelAID", err)
			}
		}
	}

	if e.Routed {
		b := t.newBatch("DelAID")
		b.unroute(e)
		t.handOver(b, e)
		if err := b.commit(false); err != nil {
			log.Printf("[route] DelAID: removing %s anyway: %v", e.AID, err)
		}
	}

	h.Entries = slices.Delete(h.Entries, i, i+1)
	log.Printf("[route] %s unregistered %s", pkg, e.AID)
	t.pruneIfEmpty(h)
	return nil
}

// DelAIDs removes every entry of pkg, keeping manifest entries unless
// force is set. One commit covers the whole call.
func (t *Table) DelAIDs(ctx context.Context, pkg string, force bool) error {
	if _, err := t.lookup("DelAIDs", pkg); err != nil {
		return err
	}
	if err := t.delAIDs(ctx, "DelAIDs", pkg, force); err != nil {
		return err
	}
	if h, ok := t.handlers[pkg]; ok {
		t.pruneIfEmpty(h)
	}
	return nil
}

func (t *Table) delAIDs(ctx context.Context, op, pkg string, force bool) error {
	h := t.handlers[pkg]

	doomed := func(e *Entry) bool { return force || e.Origin != nfc.OriginManifest }

	if force && t.store != nil && slices.ContainsFunc(h.Entries, func(e *Entry) bool { return e.Origin == nfc.OriginManifest }) {
		if _, err := t.store.DeletePackage(ctx, pkg); err != nil {
			return nfc.NewOperationFailedError(op, err)
		}
	}

	b := t.newBatch(op)
	removed := 0
	for _, e := range h.Entries {
		if doomed(e) {
			if e.Routed {
				b.unroute(e)
				t.handOver(b, e)
			}
			removed++
		}
	}
	if err := b.commit(false); err != nil {
		log.Printf("[route] %s: removing %s entries anyway: %v", op, pkg, err)
	}

	h.Entries = slices.DeleteFunc(h.Entries, doomed)
	log.Printf("[route] %s: removed %d AIDs of %s (%d kept)", op, removed, pkg, len(h.Entries))
	return nil
}
