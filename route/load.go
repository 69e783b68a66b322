package route

import (
	"context"
	"log"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

// Load replays the persisted rows into memory. Rows already present are
// skipped, so calling Load twice is harmless. Nothing is routed; callers
// follow up with DoFullUpdate. It returns the number of entries added.
func (t *Table) Load(ctx context.Context) (int, error) {
	if t.store == nil {
		return 0, nil
	}
	rows, err := t.store.List(ctx)
	if err != nil {
		return 0, nfc.NewOperationFailedError("Load", err)
	}

	added := 0
	for _, row := range rows {
		origin := nfc.OriginDynamic
		if row.Manifest {
			origin = nfc.OriginManifest
		}
		reg := Registration{
			Package:  row.Package,
			SEType:   row.SEType,
			Category: row.Category,
			AID:      row.AID,
			Unlock:   row.Unlock,
			Power:    row.Power,
		}
		if err := reg.validate("Load"); err != nil {
			log.Printf("[route] Load: skipping row %d: %v", row.ID, err)
			continue
		}
		if t.has(reg.Package, reg.AID) {
			continue
		}

		h, ok := t.handlers[reg.Package]
		if !ok {
			h = t.addHandler(reg.Package)
		}
		h.Entries = append(h.Entries, &Entry{
			AID:      reg.AID,
			SEType:   reg.SEType,
			Category: reg.Category,
			Unlock:   reg.Unlock,
			Power:    reg.Power,
			Origin:   origin,
		})
		added++
	}
	log.Printf("[route] Loaded %d of %d persisted AIDs", added, len(rows))
	return added, nil
}
