package route

import (
	"github.com/dotside-studios/davi-nfcd/nfc"
)

// FindHandlerByAID returns the package that owns a selected AID. PAYMENT
// entries only match while their owner has PAYMENT activated; other
// categories always match. A preferred handler owning a matching entry
// wins. Exact matches are preferred over prefix matches.
func (t *Table) FindHandlerByAID(aid string) (string, bool) {
	if aid == "" {
		return "", false
	}
	if t.preferred != nil {
		if h, ok := t.handlers[t.preferred.pkg]; ok && t.honours(h, aid) {
			return h.Package, true
		}
	}
	for _, pkg := range t.order {
		if t.honoursExact(t.handlers[pkg], aid) {
			return pkg, true
		}
	}
	if t.opts.PrefixMatching {
		for _, pkg := range t.order {
			if t.honours(t.handlers[pkg], aid) {
				return pkg, true
			}
		}
	}
	return "", false
}

func (t *Table) honoursExact(h *Handler, aid string) bool {
	for _, e := range h.Entries {
		if nfc.MatchAID(e.AID, aid, false) && matchable(h, e) {
			return true
		}
	}
	return false
}

func (t *Table) honours(h *Handler, aid string) bool {
	for _, e := range h.Entries {
		if nfc.MatchAID(e.AID, aid, t.opts.PrefixMatching) && matchable(h, e) {
			return true
		}
	}
	return false
}

func matchable(h *Handler, e *Entry) bool {
	if e.Category == nfc.CategoryPayment {
		return h.Activated[nfc.CategoryPayment]
	}
	return true
}

// Conflicts reports DataConflicted when a handler other than pkg already
// owns aid in the same category. Only PAYMENT and OTHER registrations can
// conflict.
func (t *Table) Conflicts(pkg, aid string, cat nfc.Category) error {
	norm, err := nfc.NormalizeAID(aid)
	if err != nil {
		return err
	}
	if cat != nfc.CategoryPayment && cat != nfc.CategoryOther {
		return nil
	}
	for _, other := range t.order {
		if other == pkg {
			continue
		}
		if _, e := t.handlers[other].entry(norm); e != nil && e.Category == cat {
			return nfc.NewDataConflictedError("Conflicts", norm, other)
		}
	}
	return nil
}
