package route

import (
	"log"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

// preference is the foreground claim of one connection.
type preference struct {
	pkg    string
	connID string
}

// SetPreferred makes pkg win AID lookups until ClearPreferred or until
// connID detaches. A later call replaces an earlier one.
func (t *Table) SetPreferred(connID, pkg string) error {
	if connID == "" {
		return nfc.NewNullParameterError("SetPreferred", "connection")
	}
	if _, err := t.lookup("SetPreferred", pkg); err != nil {
		return err
	}
	t.preferred = &preference{pkg: pkg, connID: connID}
	log.Printf("[route] Preferred handler set to %s by %s", pkg, connID)
	return nil
}

// ClearPreferred drops the preference if connID owns it.
func (t *Table) ClearPreferred(connID string) error {
	if t.preferred == nil {
		return nil
	}
	if t.preferred.connID != connID {
		return nfc.Errorf(nfc.ErrCodeOperationFailed, "ClearPreferred", "preferred handler %s belongs to another connection", t.preferred.pkg)
	}
	log.Printf("[route] Preferred handler %s cleared", t.preferred.pkg)
	t.preferred = nil
	return nil
}

// Preferred returns the preferred package, if any.
func (t *Table) Preferred() (string, bool) {
	if t.preferred == nil {
		return "", false
	}
	return t.preferred.pkg, true
}
