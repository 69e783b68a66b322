package route

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/store"
)

const (
	walletAID  = "A0000000041010"
	bankAID    = "A0000000031010"
	transitAID = "F0010203040506"
)

func newTestTable(t *testing.T) (*Table, *nfc.MockHardware) {
	t.Helper()
	hw := nfc.NewMockHardware()
	return New(hw, nil, Options{DefaultSE: nfc.SETypeNone}), hw
}

func newStoredTable(t *testing.T, path string) (*Table, *nfc.MockHardware, *store.Store) {
	t.Helper()
	s, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	hw := nfc.NewMockHardware()
	return New(hw, s, Options{DefaultSE: nfc.SETypeNone}), hw, s
}

func payment(pkg, aid string) Registration {
	return Registration{Package: pkg, SEType: nfc.SETypeHCE, Category: nfc.CategoryPayment, AID: aid}
}

func other(pkg, aid string) Registration {
	return Registration{Package: pkg, SEType: nfc.SETypeHCE, Category: nfc.CategoryOther, AID: aid}
}

func entryOf(t *testing.T, tbl *Table, pkg, aid string) Entry {
	t.Helper()
	h, ok := tbl.Handler(pkg)
	require.True(t, ok, "handler %s", pkg)
	_, e := h.entry(aid)
	require.NotNil(t, e, "entry %s/%s", pkg, aid)
	return *e
}

func TestAddHandler_Idempotent(t *testing.T) {
	tbl, _ := newTestTable(t)

	require.NoError(t, tbl.AddHandler("", "wallet"))
	require.NoError(t, tbl.AddHandler("conn-1", "wallet"))
	require.NoError(t, tbl.AddHandler("conn-2", "wallet"))

	hs := tbl.Handlers()
	require.Len(t, hs, 1)
	assert.Equal(t, "conn-1", hs[0].IPCID, "IPCID is only backfilled when absent")

	err := tbl.AddHandler("", "")
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeNullParameter))
}

func TestAddAID(t *testing.T) {
	tests := []struct {
		name      string
		reg       Registration
		activate  bool
		defaultSE nfc.SEType
		wantRoute bool
	}{
		{"not activated", payment("wallet", walletAID), false, nfc.SETypeNone, false},
		{"activated", payment("wallet", walletAID), true, nfc.SETypeNone, true},
		{"activated on default SE", payment("wallet", walletAID), true, nfc.SETypeHCE, false},
		{"unknown category", Registration{Package: "wallet", SEType: nfc.SETypeHCE, Category: nfc.CategoryUnknown, AID: walletAID}, true, nfc.SETypeNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hw := nfc.NewMockHardware()
			tbl := New(hw, nil, Options{DefaultSE: tt.defaultSE})
			require.NoError(t, tbl.AddHandler("", tt.reg.Package))
			if tt.activate {
				require.NoError(t, tbl.SetActivation(tt.reg.Package, nfc.CategoryPayment))
			}
			hw.ClearCallLog()

			require.NoError(t, tbl.AddAID("conn", tt.reg, nfc.OriginDynamic))

			e := entryOf(t, tbl, tt.reg.Package, tt.reg.AID)
			assert.Equal(t, tt.wantRoute, e.Routed)
			if tt.wantRoute {
				assert.Equal(t, []string{"RouteAID(A0000000041010,HCE)", "CommitRouting"}, hw.GetCallLog())
			} else {
				assert.Empty(t, hw.GetCallLog())
			}
		})
	}
}

func TestAddAID_Errors(t *testing.T) {
	tbl, _ := newTestTable(t)
	require.NoError(t, tbl.AddAID("", payment("wallet", walletAID), nfc.OriginDynamic))

	err := tbl.AddAID("", payment("wallet", "a0000000041010"), nfc.OriginDynamic)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeAlreadyRegistered), "duplicate is case-insensitive: %v", err)

	err = tbl.AddAID("", payment("wallet", "A000"), nfc.OriginDynamic)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeInvalidParameter))

	err = tbl.AddAID("", payment("", walletAID), nfc.OriginDynamic)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeNullParameter))
}

func TestAddAID_RouteFailureKeepsEntry(t *testing.T) {
	tbl, hw := newTestTable(t)
	require.NoError(t, tbl.AddHandler("", "wallet"))
	require.NoError(t, tbl.SetActivation("wallet", nfc.CategoryPayment))
	hw.RouteError = errors.New("routing table full")

	err := tbl.AddAID("", payment("wallet", walletAID), nfc.OriginDynamic)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeOperationFailed))
	assert.False(t, entryOf(t, tbl, "wallet", walletAID).Routed)
}

func TestDelAID_Idempotent(t *testing.T) {
	tbl, hw := newTestTable(t)
	ctx := context.Background()

	require.NoError(t, tbl.StartHandler("", "wallet"))
	require.NoError(t, tbl.SetActivation("wallet", nfc.CategoryPayment))
	require.NoError(t, tbl.AddAID("", payment("wallet", walletAID), nfc.OriginDynamic))
	require.True(t, entryOf(t, tbl, "wallet", walletAID).Routed)
	hw.ClearCallLog()

	require.NoError(t, tbl.DelAID(ctx, "wallet", walletAID, false))
	err := tbl.DelAID(ctx, "wallet", walletAID, false)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeNotFound))

	assert.Equal(t, 1, hw.CountCalls("UnrouteAID"))
	assert.Equal(t, 1, hw.CountCalls("CommitRouting"))
}

func TestDelAID_UnroutedIssuesNoHardwareCalls(t *testing.T) {
	tbl, hw := newTestTable(t)
	require.NoError(t, tbl.AddAID("", other("transit", transitAID), nfc.OriginDynamic))

	require.NoError(t, tbl.DelAID(context.Background(), "transit", transitAID, false))
	assert.Empty(t, hw.GetCallLog())

	_, ok := tbl.Handler("transit")
	assert.False(t, ok, "handler without AIDs is removed")
}

func TestDelAID_UnrouteFailureStillRemoves(t *testing.T) {
	tbl, hw := newTestTable(t)
	require.NoError(t, tbl.AddHandler("", "wallet"))
	require.NoError(t, tbl.SetActivation("wallet", nfc.CategoryPayment))
	require.NoError(t, tbl.AddAID("", payment("wallet", walletAID), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("", payment("wallet", bankAID), nfc.OriginDynamic))
	hw.UnrouteError = errors.New("controller busy")

	require.NoError(t, tbl.DelAID(context.Background(), "wallet", walletAID, false))
	h, ok := tbl.Handler("wallet")
	require.True(t, ok)
	assert.Len(t, h.Entries, 1)
}

func TestManifestProtection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.db")
	tbl, _, s := newStoredTable(t, path)
	ctx := context.Background()

	require.NoError(t, tbl.InsertAID(ctx, payment("wallet", walletAID)))

	err := tbl.DelAID(ctx, "wallet", walletAID, false)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeOperationFailed))
	rows, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	require.NoError(t, tbl.DelAID(ctx, "wallet", walletAID, true))
	rows, err = s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows, "forced delete removes the persisted row")
}

func TestDelAIDs_KeepsManifestEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.db")
	tbl, hw, s := newStoredTable(t, path)
	ctx := context.Background()

	require.NoError(t, tbl.InsertAID(ctx, other("transit", transitAID)))
	require.NoError(t, tbl.AddAID("", other("transit", "F0010203040507"), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("", other("transit", "F0010203040508"), nfc.OriginDynamic))
	require.NoError(t, tbl.SetActivation("transit", nfc.CategoryOther))
	hw.ClearCallLog()

	require.NoError(t, tbl.DelAIDs(ctx, "transit", false))
	h, ok := tbl.Handler("transit")
	require.True(t, ok)
	require.Len(t, h.Entries, 1)
	assert.Equal(t, transitAID, h.Entries[0].AID)
	assert.Equal(t, 2, hw.CountCalls("UnrouteAID"))
	assert.Equal(t, 1, hw.CountCalls("CommitRouting"))

	require.NoError(t, tbl.DelHandler(ctx, "transit", true))
	_, ok = tbl.Handler("transit")
	assert.False(t, ok)
	rows, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.db")
	ctx := context.Background()

	first, _, _ := newStoredTable(t, path)
	reg := payment("wallet", "a0:00:00:00:04:10:10")
	reg.SEType = nfc.SETypeESE
	reg.Unlock = true
	reg.Power = nfc.PowerSwitchOn | nfc.PowerScreenLock
	require.NoError(t, first.InsertAID(ctx, reg))

	second, _, _ := newStoredTable(t, path)
	n, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	want, _ := first.Handler("wallet")
	got, ok := second.Handler("wallet")
	require.True(t, ok)
	assert.Equal(t, want, got)
	assert.Equal(t, nfc.OriginManifest, got.Entries[0].Origin)

	n, err = second.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "reloading adds nothing")
	got, _ = second.Handler("wallet")
	assert.Len(t, got.Entries, 1)
}

func TestInsertAID_StoreFailureLeavesMemoryUntouched(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.db")
	tbl, _, s := newStoredTable(t, path)
	require.NoError(t, s.Close())

	err := tbl.InsertAID(context.Background(), payment("wallet", walletAID))
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeOperationFailed))
	_, ok := tbl.Handler("wallet")
	assert.False(t, ok)
}
