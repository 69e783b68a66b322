package route

import (
	"log"
	"strings"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

// DoFullUpdate recomputes Routed for every entry from the activation flags
// and the default SE, unroutes what is stale, routes what is missing and
// commits once. It runs at start-up, after a default SE change and after
// global activation changes.
//
// When two handlers want the same AID routed, an entry that is already
// routed keeps it; otherwise registration order decides.
func (t *Table) DoFullUpdate() error {
	want := make(map[*Entry]bool)
	claimed := make(map[string]bool)

	claim := func(alreadyRouted bool) {
		for _, pkg := range t.order {
			h := t.handlers[pkg]
			for _, e := range h.Entries {
				key := strings.ToUpper(e.AID)
				if e.Routed != alreadyRouted || claimed[key] || !t.shouldRoute(h, e) {
					continue
				}
				claimed[key] = true
				want[e] = true
			}
		}
	}
	claim(true)
	claim(false)

	b := t.newBatch("DoFullUpdate")
	var unrouted, routed int
	for _, pkg := range t.order {
		for _, e := range t.handlers[pkg].Entries {
			if e.Routed && !want[e] {
				b.unroute(e)
				unrouted++
			}
		}
	}
	for _, pkg := range t.order {
		for _, e := range t.handlers[pkg].Entries {
			if !e.Routed && want[e] {
				b.route(e)
				routed++
			}
		}
	}
	log.Printf("[route] Full update: %d unrouted, %d routed, default SE %s", unrouted, routed, t.opts.DefaultSE)
	return b.commit(true)
}

// SetDefaultSE changes the default secure element and runs a full update.
func (t *Table) SetDefaultSE(se nfc.SEType) error {
	if _, ok := seTypes[se]; !ok {
		return nfc.Errorf(nfc.ErrCodeInvalidParameter, "SetDefaultSE", "unknown secure element %d", int(se))
	}
	if se != t.opts.DefaultSE {
		log.Printf("[route] Default SE %s -> %s", t.opts.DefaultSE, se)
	}
	t.opts.DefaultSE = se
	return t.DoFullUpdate()
}

var seTypes = map[nfc.SEType]struct{}{
	nfc.SETypeNone:   {},
	nfc.SETypeUICC:   {},
	nfc.SETypeESE:    {},
	nfc.SETypeHCE:    {},
	nfc.SETypeSDCard: {},
}
