package route

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-nfcd/nfc"
)

func TestSetActivation_PaymentIsExclusive(t *testing.T) {
	tbl, hw := newTestTable(t)

	require.NoError(t, tbl.AddAID("", payment("walletA", walletAID), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("", payment("walletA", "A0000000041011"), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("", payment("walletB", bankAID), nfc.OriginDynamic))
	require.NoError(t, tbl.SetActivation("walletA", nfc.CategoryPayment))
	hw.ClearCallLog()

	require.NoError(t, tbl.SetActivation("walletB", nfc.CategoryPayment))

	a, _ := tbl.Handler("walletA")
	b, _ := tbl.Handler("walletB")
	assert.False(t, a.Activated[nfc.CategoryPayment])
	assert.True(t, b.Activated[nfc.CategoryPayment])
	for _, e := range a.Entries {
		assert.False(t, e.Routed, "%s still routed", e.AID)
	}
	assert.True(t, b.Entries[0].Routed)

	// Previous holder is torn down before the new one is routed, in one commit.
	assert.Equal(t, []string{
		"UnrouteAID(A0000000041010)",
		"UnrouteAID(A0000000041011)",
		"RouteAID(A0000000031010,HCE)",
		"CommitRouting",
	}, hw.GetCallLog())

	active, ok := tbl.ActiveHandler(nfc.CategoryPayment)
	require.True(t, ok)
	assert.Equal(t, "walletB", active)
}

func TestSetActivation_PaymentUnrouteFailureKeepsPreviousHolder(t *testing.T) {
	tbl, hw := newTestTable(t)

	require.NoError(t, tbl.AddAID("", payment("walletA", walletAID), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("", payment("walletB", bankAID), nfc.OriginDynamic))
	require.NoError(t, tbl.SetActivation("walletA", nfc.CategoryPayment))
	hw.ClearCallLog()
	hw.UnrouteError = errors.New("controller busy")

	err := tbl.SetActivation("walletB", nfc.CategoryPayment)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeOperationFailed))

	a, _ := tbl.Handler("walletA")
	b, _ := tbl.Handler("walletB")
	assert.True(t, a.Activated[nfc.CategoryPayment])
	assert.True(t, a.Entries[0].Routed)
	assert.False(t, b.Activated[nfc.CategoryPayment])
	assert.False(t, b.Entries[0].Routed)
	assert.Equal(t, []string{"UnrouteAID(A0000000041010)"}, hw.GetCallLog(), "nothing routed or committed")

	hw.UnrouteError = nil
	require.NoError(t, tbl.SetActivation("walletB", nfc.CategoryPayment))
	assert.False(t, entryOf(t, tbl, "walletA", walletAID).Routed)
	assert.True(t, entryOf(t, tbl, "walletB", bankAID).Routed)
}

func TestSetActivation_OtherIsSetMembership(t *testing.T) {
	tbl, hw := newTestTable(t)

	require.NoError(t, tbl.AddAID("", other("transit", transitAID), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("", other("loyalty", "F0AABBCCDDEE"), nfc.OriginDynamic))

	require.NoError(t, tbl.SetActivation("transit", nfc.CategoryOther))
	require.NoError(t, tbl.SetActivation("loyalty", nfc.CategoryOther))

	tr, _ := tbl.Handler("transit")
	lo, _ := tbl.Handler("loyalty")
	assert.True(t, tr.Activated[nfc.CategoryOther])
	assert.True(t, lo.Activated[nfc.CategoryOther])
	assert.True(t, tr.Entries[0].Routed)
	assert.True(t, lo.Entries[0].Routed)
	assert.Zero(t, hw.CountCalls("UnrouteAID"))
}

func TestSetActivation_SingleCommit(t *testing.T) {
	tbl, hw := newTestTable(t)
	for _, aid := range []string{"F001020304", "F001020305", "F001020306", "F001020307"} {
		require.NoError(t, tbl.AddAID("", other("transit", aid), nfc.OriginDynamic))
	}
	hw.ClearCallLog()

	require.NoError(t, tbl.SetActivation("transit", nfc.CategoryOther))
	assert.Equal(t, 4, hw.CountCalls("RouteAID"))
	assert.Equal(t, 1, hw.CountCalls("CommitRouting"))

	hw.ClearCallLog()
	require.NoError(t, tbl.ClearActivation("transit", nfc.CategoryOther))
	assert.Equal(t, 4, hw.CountCalls("UnrouteAID"))
	assert.Equal(t, 1, hw.CountCalls("CommitRouting"))
}

func TestSetActivation_InvalidCategory(t *testing.T) {
	tbl, _ := newTestTable(t)
	require.NoError(t, tbl.AddHandler("", "wallet"))

	err := tbl.SetActivation("wallet", nfc.CategoryUnknown)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeInvalidParameter))

	err = tbl.SetActivation("missing", nfc.CategoryPayment)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeNotFound))
}

func TestConflict(t *testing.T) {
	tbl, _ := newTestTable(t)

	require.NoError(t, tbl.AddAID("", payment("walletA", walletAID), nfc.OriginDynamic))
	require.NoError(t, tbl.SetActivation("walletA", nfc.CategoryPayment))
	require.NoError(t, tbl.AddAID("", payment("walletB", walletAID), nfc.OriginDynamic))

	assert.True(t, entryOf(t, tbl, "walletA", walletAID).Routed)
	assert.False(t, entryOf(t, tbl, "walletB", walletAID).Routed)

	err := tbl.Conflicts("walletB", walletAID, nfc.CategoryPayment)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeDataConflicted))
	assert.NoError(t, tbl.Conflicts("walletB", walletAID, nfc.CategoryOther))
	assert.NoError(t, tbl.Conflicts("walletA", bankAID, nfc.CategoryPayment))
}

func TestConflict_OtherCategoryFirstRouterKeepsAID(t *testing.T) {
	tbl, _ := newTestTable(t)

	require.NoError(t, tbl.AddHandler("", "transitA"))
	require.NoError(t, tbl.AddHandler("", "transitB"))
	require.NoError(t, tbl.SetActivation("transitA", nfc.CategoryOther))
	require.NoError(t, tbl.SetActivation("transitB", nfc.CategoryOther))

	require.NoError(t, tbl.AddAID("", other("transitA", transitAID), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("", other("transitB", transitAID), nfc.OriginDynamic))

	assert.True(t, entryOf(t, tbl, "transitA", transitAID).Routed)
	assert.False(t, entryOf(t, tbl, "transitB", transitAID).Routed)
	assert.True(t, nfc.IsCode(tbl.Conflicts("transitB", transitAID, nfc.CategoryOther), nfc.ErrCodeDataConflicted))
}

// sharedTransit registers transitAID for two activated OTHER handlers; the
// first one holds the route.
func sharedTransit(t *testing.T) (*Table, *nfc.MockHardware) {
	t.Helper()
	tbl, hw := newTestTable(t)
	for _, pkg := range []string{"transitA", "transitB"} {
		require.NoError(t, tbl.AddAID("", other(pkg, transitAID), nfc.OriginDynamic))
		require.NoError(t, tbl.SetActivation(pkg, nfc.CategoryOther))
	}
	require.True(t, entryOf(t, tbl, "transitA", transitAID).Routed)
	require.False(t, entryOf(t, tbl, "transitB", transitAID).Routed)
	hw.ClearCallLog()
	return tbl, hw
}

func TestReleasedAIDPassesToNextClaimant(t *testing.T) {
	tests := []struct {
		name    string
		release func(tbl *Table) error
	}{
		{"DelAID", func(tbl *Table) error { return tbl.DelAID(context.Background(), "transitA", transitAID, false) }},
		{"DelAIDs", func(tbl *Table) error { return tbl.DelAIDs(context.Background(), "transitA", false) }},
		{"DelHandler", func(tbl *Table) error { return tbl.DelHandler(context.Background(), "transitA", true) }},
		{"ClearActivation", func(tbl *Table) error { return tbl.ClearActivation("transitA", nfc.CategoryOther) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl, hw := sharedTransit(t)

			require.NoError(t, tt.release(tbl))

			assert.True(t, entryOf(t, tbl, "transitB", transitAID).Routed)
			assert.Equal(t, []string{
				"UnrouteAID(F0010203040506)",
				"RouteAID(F0010203040506,HCE)",
				"CommitRouting",
			}, hw.GetCallLog())
		})
	}
}

func TestReleasedAIDStaysWhenUnrouteFails(t *testing.T) {
	tbl, hw := sharedTransit(t)
	hw.UnrouteError = errors.New("controller busy")

	require.NoError(t, tbl.DelAID(context.Background(), "transitA", transitAID, false))

	assert.False(t, entryOf(t, tbl, "transitB", transitAID).Routed, "controller still routes the old entry")
	assert.NotContains(t, hw.GetCallLog(), "RouteAID(F0010203040506,HCE)")
}

func TestDoFullUpdate(t *testing.T) {
	tbl, hw := newTestTable(t)

	require.NoError(t, tbl.AddAID("", payment("wallet", walletAID), nfc.OriginDynamic))
	esePay := payment("wallet", bankAID)
	esePay.SEType = nfc.SETypeESE
	require.NoError(t, tbl.AddAID("", esePay, nfc.OriginDynamic))
	require.NoError(t, tbl.SetActivation("wallet", nfc.CategoryPayment))
	require.True(t, entryOf(t, tbl, "wallet", bankAID).Routed)
	hw.ClearCallLog()

	// Making the eSE the default SE unroutes its entries implicitly.
	require.NoError(t, tbl.SetDefaultSE(nfc.SETypeESE))
	assert.Equal(t, nfc.SETypeESE, tbl.DefaultSE())
	assert.False(t, entryOf(t, tbl, "wallet", bankAID).Routed)
	assert.True(t, entryOf(t, tbl, "wallet", walletAID).Routed)
	assert.Equal(t, []string{"UnrouteAID(A0000000031010)", "CommitRouting"}, hw.GetCallLog())

	hw.ClearCallLog()
	require.NoError(t, tbl.SetDefaultSE(nfc.SETypeHCE))
	assert.Equal(t, []string{
		"UnrouteAID(A0000000041010)",
		"RouteAID(A0000000031010,ESE)",
		"CommitRouting",
	}, hw.GetCallLog())
}

func TestDoFullUpdate_AfterLoadRoutesActivatedEntries(t *testing.T) {
	tbl, hw := newTestTable(t)
	require.NoError(t, tbl.AddAID("", other("transit", transitAID), nfc.OriginDynamic))
	require.NoError(t, tbl.SetActivation("transit", nfc.CategoryOther))

	// Pretend the controller lost its table.
	h := tbl.handlers["transit"]
	h.Entries[0].Routed = false
	hw.ClearCallLog()

	require.NoError(t, tbl.DoFullUpdate())
	assert.Equal(t, []string{"RouteAID(F0010203040506,HCE)", "CommitRouting"}, hw.GetCallLog())

	hw.ClearCallLog()
	require.NoError(t, tbl.DoFullUpdate())
	assert.Equal(t, []string{"CommitRouting"}, hw.GetCallLog(), "nothing to change still commits once")
}

func TestFindHandlerByAID(t *testing.T) {
	tbl, _ := newTestTable(t)

	require.NoError(t, tbl.AddAID("", payment("wallet", walletAID), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("", other("transit", transitAID), nfc.OriginDynamic))

	_, ok := tbl.FindHandlerByAID(walletAID)
	assert.False(t, ok, "payment AIDs are invisible until activated")

	pkg, ok := tbl.FindHandlerByAID("f0010203040506")
	require.True(t, ok)
	assert.Equal(t, "transit", pkg, "OTHER matches without activation")

	require.NoError(t, tbl.SetActivation("wallet", nfc.CategoryPayment))
	pkg, ok = tbl.FindHandlerByAID(walletAID)
	require.True(t, ok)
	assert.Equal(t, "wallet", pkg)

	_, ok = tbl.FindHandlerByAID("A0000000049999")
	assert.False(t, ok)
}

func TestFindHandlerByAID_PrefixMatching(t *testing.T) {
	tests := []struct {
		name    string
		enabled bool
		want    string
		wantOK  bool
	}{
		{"legacy exact match", false, "", false},
		{"prefix enabled", true, "transit", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tbl := New(nfc.NewMockHardware(), nil, Options{PrefixMatching: tt.enabled})
			require.NoError(t, tbl.AddAID("", other("transit", "F00102030405*"), nfc.OriginDynamic))

			pkg, ok := tbl.FindHandlerByAID("F0010203040599")
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, pkg)

			// The literal registration always matches itself.
			pkg, ok = tbl.FindHandlerByAID("F00102030405*")
			assert.True(t, ok)
			assert.Equal(t, "transit", pkg)
		})
	}
}

func TestFindHandlerByAID_ExactBeatsPrefix(t *testing.T) {
	tbl := New(nfc.NewMockHardware(), nil, Options{PrefixMatching: true})
	require.NoError(t, tbl.AddAID("", other("generic", "F00102030405*"), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("", other("specific", transitAID), nfc.OriginDynamic))

	pkg, ok := tbl.FindHandlerByAID(transitAID)
	require.True(t, ok)
	assert.Equal(t, "specific", pkg)
}

func TestPreferredHandler(t *testing.T) {
	tbl, _ := newTestTable(t)
	require.NoError(t, tbl.AddAID("", other("transitA", transitAID), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("conn-b", other("transitB", transitAID), nfc.OriginDynamic))

	pkg, _ := tbl.FindHandlerByAID(transitAID)
	assert.Equal(t, "transitA", pkg)

	require.NoError(t, tbl.SetPreferred("conn-b", "transitB"))
	pkg, _ = tbl.FindHandlerByAID(transitAID)
	assert.Equal(t, "transitB", pkg)

	err := tbl.ClearPreferred("conn-other")
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeOperationFailed))

	tbl.DetachConnection("conn-b")
	_, ok := tbl.Preferred()
	assert.False(t, ok, "detaching the requesting connection clears the preference")
	h, _ := tbl.Handler("transitB")
	assert.Empty(t, h.IPCID)

	pkg, _ = tbl.FindHandlerByAID(transitAID)
	assert.Equal(t, "transitA", pkg)
}

func TestPreferredHandler_DoesNotOverrideUnactivatedPayment(t *testing.T) {
	tbl, _ := newTestTable(t)
	require.NoError(t, tbl.AddAID("", payment("walletA", walletAID), nfc.OriginDynamic))
	require.NoError(t, tbl.AddAID("", payment("walletB", walletAID), nfc.OriginDynamic))
	require.NoError(t, tbl.SetActivation("walletA", nfc.CategoryPayment))
	require.NoError(t, tbl.SetPreferred("conn", "walletB"))

	pkg, ok := tbl.FindHandlerByAID(walletAID)
	require.True(t, ok)
	assert.Equal(t, "walletA", pkg)
}

func TestStartStopHandler(t *testing.T) {
	tbl, _ := newTestTable(t)
	ctx := context.Background()

	require.NoError(t, tbl.StartHandler("conn", "wallet"))
	require.NoError(t, tbl.AddAID("conn", payment("wallet", walletAID), nfc.OriginDynamic))
	require.NoError(t, tbl.DelAID(ctx, "wallet", walletAID, false))

	h, ok := tbl.Handler("wallet")
	require.True(t, ok, "started handler survives losing its last AID")
	assert.Equal(t, "conn", h.IPCID)

	pkg, ok := tbl.PackageForConnection("conn")
	require.True(t, ok)
	assert.Equal(t, "wallet", pkg)

	require.NoError(t, tbl.StopHandler("conn", "wallet"))
	_, ok = tbl.Handler("wallet")
	assert.False(t, ok)
}
