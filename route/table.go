// Package route implements the HCE AID route table: which package owns which
// AID, which categories each package has activated, and which entries are
// currently pushed to the controller's routing table.
//
// A Table is not safe for concurrent use. The daemon owns exactly one and
// only touches it from the work queue goroutine.
package route

import (
	"context"
	"log"
	"slices"

	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/store"
)

// Persister is the persistent mirror of the route table. *store.Store
// implements it.
type Persister interface {
	Insert(ctx context.Context, row store.Row) (int64, error)
	Delete(ctx context.Context, pkg, aid string) (int64, error)
	DeletePackage(ctx context.Context, pkg string) (int64, error)
	List(ctx context.Context) ([]store.Row, error)
}

// Entry is one AID registered by a handler.
type Entry struct {
	AID      string
	SEType   nfc.SEType
	Category nfc.Category
	Routed   bool
	Unlock   bool
	Power    uint32
	Origin   nfc.Origin
}

// Handler is a package that owns AIDs. IPCID is the control-plane
// connection currently speaking for the package, empty when none.
type Handler struct {
	Package   string
	IPCID     string
	Activated [nfc.CategoryCount]bool
	Entries   []*Entry

	// started is set by StartHandler and keeps an empty handler alive.
	started bool
}

func (h *Handler) entry(aid string) (int, *Entry) {
	for i, e := range h.Entries {
		if nfc.MatchAID(e.AID, aid, false) {
			return i, e
		}
	}
	return -1, nil
}

func (h *Handler) clone() Handler {
	c := *h
	c.Entries = make([]*Entry, len(h.Entries))
	for i, e := range h.Entries {
		ec := *e
		c.Entries[i] = &ec
	}
	return c
}

// Options configures a Table.
type Options struct {
	// DefaultSE is the secure element that receives unrouted AIDs. Entries
	// targeting it are never routed explicitly.
	DefaultSE nfc.SEType

	// PrefixMatching enables matching of AIDs registered with a trailing
	// "*" against longer selected AIDs. Off by default.
	PrefixMatching bool
}

// Table is the in-memory route table with its persistent mirror.
type Table struct {
	hw    nfc.Hardware
	store Persister
	opts  Options

	handlers map[string]*Handler
	order    []string

	preferred *preference
}

// New creates an empty table. store may be nil, in which case nothing is
// persisted and InsertAID behaves like AddAID with a manifest origin.
func New(hw nfc.Hardware, store Persister, opts Options) *Table {
	return &Table{
		hw:       hw,
		store:    store,
		opts:     opts,
		handlers: make(map[string]*Handler),
	}
}

// DefaultSE returns the active default secure element.
func (t *Table) DefaultSE() nfc.SEType {
	return t.opts.DefaultSE
}

// Handler returns a snapshot of one handler.
func (t *Table) Handler(pkg string) (Handler, bool) {
	h, ok := t.handlers[pkg]
	if !ok {
		return Handler{}, false
	}
	return h.clone(), true
}

// Handlers returns snapshots of every handler in registration order.
func (t *Table) Handlers() []Handler {
	out := make([]Handler, 0, len(t.order))
	for _, pkg := range t.order {
		out = append(out, t.handlers[pkg].clone())
	}
	return out
}

// PackageForConnection returns the package whose IPCID is connID.
func (t *Table) PackageForConnection(connID string) (string, bool) {
	if connID == "" {
		return "", false
	}
	for _, pkg := range t.order {
		if t.handlers[pkg].IPCID == connID {
			return pkg, true
		}
	}
	return "", false
}

func (t *Table) lookup(op, pkg string) (*Handler, error) {
	if pkg == "" {
		return nil, nfc.NewNullParameterError(op, "package")
	}
	h, ok := t.handlers[pkg]
	if !ok {
		return nil, nfc.NewNotFoundError(op, "handler "+pkg)
	}
	return h, nil
}

func (t *Table) addHandler(pkg string) *Handler {
	h := &Handler{Package: pkg}
	t.handlers[pkg] = h
	t.order = append(t.order, pkg)
	return h
}

func (t *Table) removeHandler(pkg string) {
	delete(t.handlers, pkg)
	t.order = slices.DeleteFunc(t.order, func(p string) bool { return p == pkg })
	if t.preferred != nil && t.preferred.pkg == pkg {
		log.Printf("[route] Preferred handler %s removed", pkg)
		t.preferred = nil
	}
}

// pruneIfEmpty deletes h when it owns no entries and nobody started it.
func (t *Table) pruneIfEmpty(h *Handler) {
	if len(h.Entries) == 0 && !h.started {
		log.Printf("[route] Handler %s has no AIDs left, removing", h.Package)
		t.removeHandler(h.Package)
	}
}

// shouldRoute is the routing rule: the owner activated the entry's category
// and the entry targets something other than the default SE.
func (t *Table) shouldRoute(h *Handler, e *Entry) bool {
	if !e.Category.Valid() || e.Category == nfc.CategoryUnknown {
		return false
	}
	return h.Activated[e.Category] && e.SEType != t.opts.DefaultSE
}

// routedElsewhere reports whether another handler already has aid routed.
func (t *Table) routedElsewhere(pkg, aid string) (string, bool) {
	for _, other := range t.order {
		if other == pkg {
			continue
		}
		if _, e := t.handlers[other].entry(aid); e != nil && e.Routed {
			return other, true
		}
	}
	return "", false
}

// handOver routes the first remaining claimant of an AID that released no
// longer holds, in registration order, as part of b. Nothing happens while
// the controller still routes released.
func (t *Table) handOver(b *batch, released *Entry) {
	if released.Routed {
		return
	}
	for _, pkg := range t.order {
		h := t.handlers[pkg]
		_, e := h.entry(released.AID)
		if e == nil || e == released || e.Routed || !t.shouldRoute(h, e) {
			continue
		}
		if _, taken := t.routedElsewhere(pkg, e.AID); taken {
			return
		}
		log.Printf("[route] %s: %s passes to %s", b.op, e.AID, pkg)
		b.route(e)
		return
	}
}
