package route

import (
	"errors"
	"log"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

// batch stages hardware route changes for one logical operation and
// commits them once at the end.
type batch struct {
	hw      nfc.Hardware
	op      string
	changed bool
	errs    []error
	applied []step
}

// step is one change the controller accepted.
type step struct {
	e      *Entry
	routed bool
}

func (t *Table) newBatch(op string) *batch {
	return &batch{hw: t.hw, op: op}
}

func (b *batch) route(e *Entry) {
	b.changed = true
	if err := b.hw.RouteAID(e.AID, e.SEType, e.Power); err != nil {
		log.Printf("[route] %s: route %s to %s failed: %v", b.op, e.AID, e.SEType, err)
		b.errs = append(b.errs, err)
		return
	}
	e.Routed = true
	b.applied = append(b.applied, step{e: e, routed: true})
}

// unroute clears Routed only when the controller accepted the change.
func (b *batch) unroute(e *Entry) {
	b.changed = true
	if err := b.hw.UnrouteAID(e.AID); err != nil {
		log.Printf("[route] %s: unroute %s failed: %v", b.op, e.AID, err)
		b.errs = append(b.errs, err)
		return
	}
	e.Routed = false
	b.applied = append(b.applied, step{e: e, routed: false})
}

func (b *batch) failed() bool {
	return len(b.errs) > 0
}

// rollback reverts the staged changes in reverse order without committing
// and returns the failure that caused it.
func (b *batch) rollback() error {
	for i := len(b.applied) - 1; i >= 0; i-- {
		s := b.applied[i]
		var err error
		if s.routed {
			if err = b.hw.UnrouteAID(s.e.AID); err == nil {
				s.e.Routed = false
			}
		} else {
			if err = b.hw.RouteAID(s.e.AID, s.e.SEType, s.e.Power); err == nil {
				s.e.Routed = true
			}
		}
		if err != nil {
			log.Printf("[route] %s: rollback of %s failed: %v", b.op, s.e.AID, err)
		}
	}
	b.applied = nil
	return nfc.NewOperationFailedError(b.op, errors.Join(b.errs...))
}

// commit issues the single CommitRouting for the operation. With force
// false nothing is committed when no entry changed.
func (b *batch) commit(force bool) error {
	if b.changed || force {
		if err := b.hw.CommitRouting(); err != nil {
			log.Printf("[route] %s: commit failed: %v", b.op, err)
			b.errs = append(b.errs, err)
		}
	}
	if len(b.errs) > 0 {
		return nfc.NewOperationFailedError(b.op, errors.Join(b.errs...))
	}
	return nil
}
