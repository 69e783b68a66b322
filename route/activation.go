package route

import (
	"log"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

// SetActivation activates cat for pkg. PAYMENT is exclusive: the previous
// holder is deactivated and its routed entries unrouted before pkg's
// entries are routed. OTHER only adds pkg to the active set. Exactly one
// commit covers every entry the call changed.
func (t *Table) SetActivation(pkg string, cat nfc.Category) error {
	h, err := t.lookup("SetActivation", pkg)
	if err != nil {
		return err
	}
	if cat != nfc.CategoryPayment && cat != nfc.CategoryOther {
		return nfc.Errorf(nfc.ErrCodeInvalidParameter, "SetActivation", "category %s cannot be activated", cat)
	}

	b := t.newBatch("SetActivation")

	if cat == nfc.CategoryPayment {
		var previous []*Handler
		for _, other := range t.order {
			prev := t.handlers[other]
			if other == pkg || !prev.Activated[nfc.CategoryPayment] {
				continue
			}
			previous = append(previous, prev)
			for _, e := range prev.Entries {
				if e.Category == nfc.CategoryPayment && e.Routed {
					b.unroute(e)
				}
			}
		}
		// The previous holder keeps PAYMENT until all of its AIDs are off
		// the controller.
		if b.failed() {
			return b.rollback()
		}
		for _, prev := range previous {
			prev.Activated[nfc.CategoryPayment] = false
			log.Printf("[route] PAYMENT deactivated for %s", prev.Package)
		}
		for _, s := range b.applied {
			t.handOver(b, s.e)
		}
	}

	h.Activated[cat] = true
	for _, e := range h.Entries {
		if e.Category != cat || e.Routed || !t.shouldRoute(h, e) {
			continue
		}
		if owner, taken := t.routedElsewhere(pkg, e.AID); taken {
			log.Printf("[route] SetActivation: %s already routed for %s, leaving unrouted", e.AID, owner)
			continue
		}
		b.route(e)
	}
	log.Printf("[route] %s activated for %s", cat, pkg)

	return b.commit(false)
}

// ClearActivation deactivates cat for pkg and unroutes the affected
// entries with a single commit.
func (t *Table) ClearActivation(pkg string, cat nfc.Category) error {
	h, err := t.lookup("ClearActivation", pkg)
	if err != nil {
		return err
	}
	if cat != nfc.CategoryPayment && cat != nfc.CategoryOther {
		return nfc.Errorf(nfc.ErrCodeInvalidParameter, "ClearActivation", "category %s cannot be activated", cat)
	}
	if !h.Activated[cat] {
		return nil
	}

	h.Activated[cat] = false
	b := t.newBatch("ClearActivation")
	for _, e := range h.Entries {
		if e.Category == cat && e.Routed {
			b.unroute(e)
			t.handOver(b, e)
		}
	}
	log.Printf("[route] %s deactivated for %s", cat, pkg)
	return b.commit(false)
}

// ActiveHandler returns the first package with cat activated.
func (t *Table) ActiveHandler(cat nfc.Category) (string, bool) {
	if !cat.Valid() {
		return "", false
	}
	for _, pkg := range t.order {
		if t.handlers[pkg].Activated[cat] {
			return pkg, true
		}
	}
	return "", false
}
