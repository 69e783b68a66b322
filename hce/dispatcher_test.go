package hce

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/route"
	"github.com/dotside-studios/davi-nfcd/transport"
)

var walletAID = []byte{0xA0, 0x00, 0x00, 0x00, 0x04, 0x10, 0x10}

type sentFrame struct {
	ipcID  string
	typ    transport.MessageType
	handle uint32
	data   []byte
}

// mockSender records frames in the order they were sent.
type mockSender struct {
	clients   map[string]bool
	sendError error
	frames    []sentFrame
}

func newMockSender(ids ...string) *mockSender {
	s := &mockSender{clients: make(map[string]bool)}
	for _, id := range ids {
		s.clients[id] = true
	}
	return s
}

func (s *mockSender) HasClient(ipcID string) bool { return s.clients[ipcID] }

func (s *mockSender) SendToClient(ipcID string, typ transport.MessageType, handle uint32, payload []byte) error {
	if s.sendError != nil {
		return s.sendError
	}
	s.frames = append(s.frames, sentFrame{ipcID, typ, handle, payload})
	return nil
}

func (s *mockSender) SendToAll(typ transport.MessageType, handle uint32, payload []byte) int {
	for id := range s.clients {
		s.frames = append(s.frames, sentFrame{id, typ, handle, payload})
	}
	return len(s.clients)
}

type fixture struct {
	hw     *nfc.MockHardware
	table  *route.Table
	sender *mockSender
	d      *Dispatcher
	posted chan func()
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		hw:     nfc.NewMockHardware(),
		sender: newMockSender("conn-wallet"),
		posted: make(chan func(), 4),
	}
	f.table = route.New(f.hw, nil, route.Options{})
	f.d = NewDispatcher(f.hw, f.table, Options{
		Sender:          f.sender,
		ResponseTimeout: 20 * time.Millisecond,
		Post: func(task func()) error {
			f.posted <- task
			return nil
		},
	})

	require.NoError(t, f.table.AddAID("conn-wallet", route.Registration{
		Package:  "wallet",
		SEType:   nfc.SETypeHCE,
		Category: nfc.CategoryPayment,
		AID:      "A0000000041010",
	}, nfc.OriginDynamic))
	require.NoError(t, f.table.SetActivation("wallet", nfc.CategoryPayment))
	f.hw.ClearCallLog()
	return f
}

func (f *fixture) data(handle uint32, apdu []byte) {
	f.d.HandleEvent(nfc.Event{Type: nfc.EventData, Handle: handle, Data: apdu})
}

func (f *fixture) lastSW(t *testing.T) nfc.StatusWord {
	t.Helper()
	resp, ok := f.hw.LastResponse()
	require.True(t, ok, "no response sent")
	r, err := nfc.ParseResponse(resp.APDU)
	require.NoError(t, err)
	return r.SW
}

func TestDispatcher_EndToEnd(t *testing.T) {
	f := newFixture(t)

	f.d.HandleEvent(nfc.Event{Type: nfc.EventActivated})
	f.data(1, nfc.SelectByNameAPDU(walletAID))

	aid, ok := f.d.SelectedAID()
	require.True(t, ok)
	assert.Equal(t, "A0000000041010", aid)

	f.data(2, []byte{0x80, 0xCA, 0x9F, 0x7F, 0x00})

	var apdus []sentFrame
	for _, fr := range f.sender.frames {
		if fr.typ == transport.MessageAPDU {
			apdus = append(apdus, fr)
		}
	}
	require.Len(t, apdus, 2, "SELECT and the follow-up command are both forwarded")
	assert.Equal(t, "conn-wallet", apdus[1].ipcID)
	assert.EqualValues(t, 2, apdus[1].handle)
	assert.Equal(t, []byte{0x80, 0xCA, 0x9F, 0x7F, 0x00}, apdus[1].data)

	f.d.HandleEvent(nfc.Event{Type: nfc.EventDeactivated})
	_, ok = f.d.SelectedAID()
	assert.False(t, ok)
}

func TestDispatcher_PreProcessing(t *testing.T) {
	tests := []struct {
		name string
		apdu []byte
		want nfc.StatusWord
	}{
		{"malformed", []byte{0x00, 0xA4, 0x04}, nfc.SWWrongLength},
		{"lc zero", []byte{0x00, 0xA4, 0x04, 0x00, 0x00, 0x01}, nfc.SWWrongLength},
		{"loopback", []byte{0x00, 0x70, 0x00, 0x00}, nfc.SWCommandNotAllowed},
		{"select without data", []byte{0x00, 0xA4, 0x04, 0x00}, nfc.SWWrongParameters},
		{"select lc 2", []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0xA0, 0x00}, nfc.SWWrongParameters},
		{"select unknown aid", nfc.SelectByNameAPDU([]byte{0xA0, 0x00, 0x00, 0x00, 0x09, 0x99, 0x99}), nfc.SWFileNotFound},
		{"nothing selected", []byte{0x80, 0xCA, 0x9F, 0x7F, 0x00}, nfc.SWInstructionNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.d.HandleEvent(nfc.Event{Type: nfc.EventActivated})
			f.data(9, tt.apdu)

			assert.Equal(t, tt.want, f.lastSW(t))
			assert.Zero(t, f.d.Pending(), "nothing forwarded")
			for _, fr := range f.sender.frames {
				assert.NotEqual(t, transport.MessageAPDU, fr.typ)
			}
		})
	}
}

func TestDispatcher_UnactivatedPaymentIsNotFound(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.table.ClearActivation("wallet", nfc.CategoryPayment))

	f.data(1, nfc.SelectByNameAPDU(walletAID))
	assert.Equal(t, nfc.SWFileNotFound, f.lastSW(t))
	_, ok := f.d.SelectedAID()
	assert.False(t, ok)
}

func TestDispatcher_Respond(t *testing.T) {
	f := newFixture(t)
	f.data(5, nfc.SelectByNameAPDU(walletAID))
	require.Equal(t, 1, f.d.Pending())

	require.NoError(t, f.d.Respond("conn-wallet", 5, []byte{0x6F, 0x10, 0x90, 0x00}))
	resp, ok := f.hw.LastResponse()
	require.True(t, ok)
	assert.EqualValues(t, 5, resp.Handle)
	assert.Equal(t, []byte{0x6F, 0x10, 0x90, 0x00}, resp.APDU)
	assert.Zero(t, f.d.Pending())

	err := f.d.Respond("conn-wallet", 5, []byte{0x90, 0x00})
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeNotFound))
}

func TestDispatcher_RespondOnlyFromForwardedClient(t *testing.T) {
	f := newFixture(t)
	f.data(5, nfc.SelectByNameAPDU(walletAID))

	for _, ipcID := range []string{"conn-intruder", ""} {
		err := f.d.Respond(ipcID, 5, []byte{0xDE, 0xAD, 0x90, 0x00})
		assert.True(t, nfc.IsCode(err, nfc.ErrCodePermissionDenied), "ipcID %q", ipcID)
	}
	assert.Equal(t, 1, f.d.Pending(), "a refused response keeps the command pending")
	assert.Empty(t, f.hw.Responses)

	require.NoError(t, f.d.Respond("conn-wallet", 5, []byte{0x90, 0x00}))
	assert.Equal(t, nfc.SWSuccess, f.lastSW(t))
}

func TestDispatcher_ReusedHandleAbortsDisplacedCommand(t *testing.T) {
	f := newFixture(t)
	f.data(5, nfc.SelectByNameAPDU(walletAID))
	require.Empty(t, f.hw.Responses)

	f.data(5, []byte{0x80, 0xCA, 0x9F, 0x7F, 0x00})

	require.Len(t, f.hw.Responses, 1, "the displaced command is answered")
	assert.EqualValues(t, 5, f.hw.Responses[0].Handle)
	assert.Equal(t, nfc.SWUnknown, f.lastSW(t))
	assert.Equal(t, 1, f.d.Pending())

	require.NoError(t, f.d.Respond("conn-wallet", 5, []byte{0x90, 0x00}))
	assert.Equal(t, nfc.SWSuccess, f.lastSW(t))
}

func TestDispatcher_DeactivateAbortsPending(t *testing.T) {
	f := newFixture(t)
	f.data(3, nfc.SelectByNameAPDU(walletAID))
	require.Equal(t, 1, f.d.Pending())

	f.d.HandleEvent(nfc.Event{Type: nfc.EventDeactivated})
	assert.Zero(t, f.d.Pending())
	assert.Equal(t, nfc.SWUnknown, f.lastSW(t))
}

func TestDispatcher_ClientGoneAbortsPending(t *testing.T) {
	f := newFixture(t)
	f.data(3, nfc.SelectByNameAPDU(walletAID))

	f.d.ClientGone("someone-else")
	assert.Equal(t, 1, f.d.Pending())

	f.d.ClientGone("conn-wallet")
	assert.Zero(t, f.d.Pending())
	resp, _ := f.hw.LastResponse()
	assert.EqualValues(t, 3, resp.Handle)
	assert.Equal(t, nfc.SWUnknown, f.lastSW(t))
}

func TestDispatcher_SendFailureAnswersImmediately(t *testing.T) {
	f := newFixture(t)
	f.sender.sendError = errors.New("broken pipe")

	f.data(4, nfc.SelectByNameAPDU(walletAID))
	assert.Zero(t, f.d.Pending())
	assert.Equal(t, nfc.SWUnknown, f.lastSW(t))
}

func TestDispatcher_ResponseTimeoutIsPostedAsTask(t *testing.T) {
	f := newFixture(t)
	f.data(6, nfc.SelectByNameAPDU(walletAID))
	assert.Empty(t, f.hw.Responses)

	var task func()
	select {
	case task = <-f.posted:
	case <-time.After(time.Second):
		t.Fatal("timeout was not posted")
	}
	assert.Equal(t, 1, f.d.Pending(), "expiry only happens when the task runs")

	task()
	assert.Zero(t, f.d.Pending())
	assert.Equal(t, nfc.SWUnknown, f.lastSW(t))
}

func TestDispatcher_LateTimeoutAfterResponseIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.data(6, nfc.SelectByNameAPDU(walletAID))
	p := f.d.pending[6]
	require.NoError(t, f.d.Respond("conn-wallet", 6, []byte{0x90, 0x00}))
	f.hw.ClearCallLog()

	f.d.expire(p)
	assert.Empty(t, f.hw.GetCallLog())
}

func TestDispatcher_NoClient(t *testing.T) {
	f := newFixture(t)
	delete(f.sender.clients, "conn-wallet")

	f.data(1, nfc.SelectByNameAPDU(walletAID))
	assert.Equal(t, nfc.SWInstructionNotSupported, f.lastSW(t))
}

func TestDispatcher_InProcessListener(t *testing.T) {
	f := newFixture(t)

	var events []nfc.EventType
	require.NoError(t, f.d.AddListener("wallet", NewFuncListener(
		func(apdu []byte) []byte { return nfc.EncodeResponse(nfc.SWSuccess, []byte{0x01}) },
		func(ev nfc.EventType) { events = append(events, ev) },
	)))
	err := f.d.AddListener("wallet", NewFuncListener(func([]byte) []byte { return nil }, nil))
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeAlreadyRegistered))

	f.d.HandleEvent(nfc.Event{Type: nfc.EventActivated})
	f.data(1, nfc.SelectByNameAPDU(walletAID))

	resp, ok := f.hw.LastResponse()
	require.True(t, ok)
	assert.Equal(t, []byte{0x01, 0x90, 0x00}, resp.APDU)
	assert.Zero(t, f.d.Pending(), "in-process listeners answer synchronously")

	f.d.HandleEvent(nfc.Event{Type: nfc.EventDeactivated})
	assert.Equal(t, []nfc.EventType{nfc.EventActivated, nfc.EventDeactivated}, events)
}

func TestDispatcher_HardwareFailureDropsOnlyThatCommand(t *testing.T) {
	f := newFixture(t)
	f.hw.ResponseError = errors.New("controller reset")
	f.data(1, []byte{0x00, 0x70, 0x00, 0x00})

	f.hw.ResponseError = nil
	f.data(2, nfc.SelectByNameAPDU(walletAID))
	aid, ok := f.d.SelectedAID()
	require.True(t, ok)
	assert.Equal(t, "A0000000041010", aid)
}

func TestDispatcher_Outcomes(t *testing.T) {
	f := newFixture(t)
	var got []Outcome
	f.d.opts.OnOutcome = func(o Outcome, _ nfc.StatusWord) { got = append(got, o) }

	f.data(1, []byte{0x00, 0x70, 0x00, 0x00})
	f.data(2, nfc.SelectByNameAPDU(walletAID))
	require.NoError(t, f.d.Respond("conn-wallet", 2, []byte{0x90, 0x00}))

	assert.Equal(t, []Outcome{OutcomeRejected, OutcomeForwarded, OutcomeResponded}, got)
}

func TestSelfTestListener(t *testing.T) {
	hw := nfc.NewMockHardware()
	table := route.New(hw, nil, route.Options{})
	require.NoError(t, table.AddAID("", route.Registration{
		Package:  SelfTestPackage,
		SEType:   nfc.SETypeHCE,
		Category: nfc.CategoryOther,
		AID:      SelfTestAID,
	}, nfc.OriginDynamic))
	d := NewDispatcher(hw, table, Options{})
	require.NoError(t, d.AddListener(SelfTestPackage, NewSelfTestListener("v1")))

	aid, err := nfc.HexToBytes(SelfTestAID)
	require.NoError(t, err)
	d.HandleEvent(nfc.Event{Type: nfc.EventData, Handle: 1, Data: nfc.SelectByNameAPDU(aid)})
	resp, _ := hw.LastResponse()
	assert.Equal(t, []byte{'v', '1', 0x90, 0x00}, resp.APDU)

	d.HandleEvent(nfc.Event{Type: nfc.EventData, Handle: 2, Data: []byte{0x80, InsEcho, 0x00, 0x00, 0x02, 0xCA, 0xFE}})
	resp, _ = hw.LastResponse()
	assert.Equal(t, []byte{0xCA, 0xFE, 0x90, 0x00}, resp.APDU)

	d.HandleEvent(nfc.Event{Type: nfc.EventData, Handle: 3, Data: []byte{0x80, 0x20, 0x00, 0x00}})
	resp, _ = hw.LastResponse()
	assert.Equal(t, []byte{0x6D, 0x00}, resp.APDU)
}
