package manager

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotside-studios/davi-nfcd/hce"
	"github.com/dotside-studios/davi-nfcd/metrics"
	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/route"
	"github.com/dotside-studios/davi-nfcd/transport"
)

const (
	testPkg  = "com.example.wallet"
	testConn = "conn-1"
	testAID  = "A0000000041010"
)

type sinkFrame struct {
	connID  string
	typ     transport.MessageType
	handle  uint32
	payload []byte
}

type fakeSink struct {
	mu     sync.Mutex
	conns  map[string]bool
	frames chan sinkFrame
}

func newFakeSink(conns ...string) *fakeSink {
	s := &fakeSink{conns: make(map[string]bool), frames: make(chan sinkFrame, 32)}
	for _, c := range conns {
		s.conns[c] = true
	}
	return s
}

func (s *fakeSink) HasConnection(connID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[connID]
}

func (s *fakeSink) PushEvent(connID string, typ transport.MessageType, handle uint32, payload []byte) error {
	s.frames <- sinkFrame{connID: connID, typ: typ, handle: handle, payload: payload}
	return nil
}

func (s *fakeSink) PushAll(typ transport.MessageType, handle uint32, payload []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		s.frames <- sinkFrame{connID: c, typ: typ, handle: handle, payload: payload}
	}
	return len(s.conns)
}

// next skips broadcast frames and returns the next APDU.
func (s *fakeSink) next(t *testing.T) sinkFrame {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case f := <-s.frames:
			if f.typ == transport.MessageAPDU {
				return f
			}
		case <-timeout:
			t.Fatal("no APDU frame pushed")
		}
	}
}

type harness struct {
	m    *Manager
	hw   *nfc.VirtualHardware
	stop func()
}

func startManager(t *testing.T, cfg Config, sink EventSink) *harness {
	t.Helper()
	hw := nfc.NewVirtualHardware()
	m, err := New(cfg, hw, metrics.New())
	require.NoError(t, err)
	if sink != nil {
		m.SetEventSink(sink)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-m.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("manager stopped during start-up: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("manager did not become ready")
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			cancel()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("manager did not stop")
			}
		})
	}
	t.Cleanup(stop)
	return &harness{m: m, hw: hw, stop: stop}
}

func testConfig() Config {
	return Config{
		DefaultSE:       nfc.SETypeHCE,
		ResponseTimeout: time.Second,
		Version:         "test",
	}
}

func transmit(t *testing.T, hw *nfc.VirtualHardware, apdu []byte) []byte {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := hw.Transmit(ctx, apdu)
	require.NoError(t, err)
	return resp
}

func selectAID(t *testing.T, aid string) []byte {
	t.Helper()
	raw, err := nfc.HexToBytes(aid)
	require.NoError(t, err)
	return nfc.SelectByNameAPDU(raw)
}

func registerWallet(t *testing.T, m *Manager, se nfc.SEType) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, m.Attach(testConn, testPkg, 0))
	require.NoError(t, m.StartHandler(ctx, testConn, testPkg))
	require.NoError(t, m.RegisterAID(ctx, testConn, route.Registration{
		Package:  testPkg,
		SEType:   se,
		Category: nfc.CategoryOther,
		AID:      testAID,
	}))
	require.NoError(t, m.SetCategoryActivation(ctx, testPkg, nfc.CategoryOther))
}

func TestNew_RequiresHardware(t *testing.T) {
	_, err := New(testConfig(), nil, nil)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeNullParameter))
}

func TestSelfTestApplet(t *testing.T) {
	cfg := testConfig()
	cfg.SelfTest = true
	cfg.Version = "1.4.0"
	h := startManager(t, cfg, nil)

	resp := transmit(t, h.hw, selectAID(t, hce.SelfTestAID))
	assert.Equal(t, append([]byte("1.4.0"), 0x90, 0x00), resp)

	resp = transmit(t, h.hw, nfc.BuildCommand(0x00, hce.InsEcho, 0, 0, []byte{1, 2, 3}, nil))
	assert.Equal(t, []byte{1, 2, 3, 0x90, 0x00}, resp)

	st, err := h.m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, hce.SelfTestAID, st.SelectedAID)
	assert.Equal(t, 1, st.Handlers)
}

func TestUnknownAID(t *testing.T) {
	h := startManager(t, testConfig(), nil)
	resp := transmit(t, h.hw, selectAID(t, "A0000000031010"))
	assert.Equal(t, []byte{0x6A, 0x82}, resp)
}

func TestForwardThroughEventSink(t *testing.T) {
	sink := newFakeSink(testConn)
	h := startManager(t, testConfig(), sink)
	registerWallet(t, h.m, nfc.SETypeHCE)

	sel := selectAID(t, testAID)
	respCh := make(chan []byte, 1)
	go func() {
		resp, _ := h.hw.Transmit(context.Background(), sel)
		respCh <- resp
	}()

	f := sink.next(t)
	assert.Equal(t, testConn, f.connID)
	assert.Equal(t, sel, f.payload)

	require.NoError(t, h.m.SendAPDUResponse(context.Background(), testConn, f.handle, []byte{0x01, 0x90, 0x00}))

	select {
	case resp := <-respCh:
		assert.Equal(t, []byte{0x01, 0x90, 0x00}, resp)
	case <-time.After(2 * time.Second):
		t.Fatal("no response reached the reader")
	}

	err := h.m.SendAPDUResponse(context.Background(), testConn, f.handle, []byte{0x90, 0x00})
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeNotFound), "a handle is answered once")
}

func TestConnectionDetached_AbortsAndClearsPreferred(t *testing.T) {
	sink := newFakeSink(testConn)
	h := startManager(t, testConfig(), sink)
	registerWallet(t, h.m, nfc.SETypeHCE)
	ctx := context.Background()

	require.NoError(t, h.m.SetPreferredHandler(ctx, testConn, true))
	st, err := h.m.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, testPkg, st.Preferred)

	sel := selectAID(t, testAID)
	respCh := make(chan []byte, 1)
	go func() {
		resp, _ := h.hw.Transmit(context.Background(), sel)
		respCh <- resp
	}()
	sink.next(t)

	h.m.ConnectionDetached(testConn)

	select {
	case resp := <-respCh:
		assert.Equal(t, []byte{0x6F, 0x00}, resp)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command was not aborted")
	}

	st, err = h.m.Status(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Preferred)
	assert.Zero(t, st.Pending)
	_, attached := h.m.Connection(testConn)
	assert.False(t, attached)
}

func TestSetPreferredHandler_UnknownConnection(t *testing.T) {
	h := startManager(t, testConfig(), nil)
	err := h.m.SetPreferredHandler(context.Background(), "nobody", true)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeNotFound))
}

func TestSetDefaultSE_Reroutes(t *testing.T) {
	h := startManager(t, testConfig(), nil)
	registerWallet(t, h.m, nfc.SETypeUICC)

	table := h.hw.RoutingTable()
	require.Len(t, table, 1)
	assert.Equal(t, testAID, table[0].AID)
	assert.Equal(t, nfc.SETypeUICC, table[0].SE)

	require.NoError(t, h.m.SetDefaultSE(context.Background(), nfc.SETypeUICC))
	assert.Empty(t, h.hw.RoutingTable())

	st, err := h.m.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, nfc.SETypeUICC, st.DefaultSE)
}

func TestBusyWhileBlockingTaskInFlight(t *testing.T) {
	h := startManager(t, testConfig(), nil)
	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, h.m.Queue().SubmitBlocking(func() {
		close(started)
		<-release
	}))
	<-started

	err := h.m.StartHandler(context.Background(), testConn, testPkg)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeBusy))

	close(release)
	assert.Eventually(t, func() bool {
		return h.m.StartHandler(context.Background(), testConn, testPkg) == nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInstallAID_SurvivesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.StorePath = filepath.Join(t.TempDir(), "routes.db")
	ctx := context.Background()

	first := startManager(t, cfg, nil)
	require.NoError(t, first.m.InstallAID(ctx, route.Registration{
		Package:  testPkg,
		SEType:   nfc.SETypeHCE,
		Category: nfc.CategoryPayment,
		AID:      testAID,
	}))
	first.stop()

	second := startManager(t, cfg, nil)
	handlers, err := second.m.ListHandlers(ctx)
	require.NoError(t, err)
	require.Len(t, handlers, 1)
	require.Len(t, handlers[0].Entries, 1)
	assert.Equal(t, nfc.OriginManifest, handlers[0].Entries[0].Origin)

	err = second.m.UnregisterAID(ctx, testPkg, testAID, false)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeOperationFailed), "manifest AIDs need force")

	require.NoError(t, second.m.UninstallPackage(ctx, testPkg))
	handlers, err = second.m.ListHandlers(ctx)
	require.NoError(t, err)
	assert.Empty(t, handlers)
	second.stop()

	third := startManager(t, cfg, nil)
	handlers, err = third.m.ListHandlers(ctx)
	require.NoError(t, err)
	assert.Empty(t, handlers)
}

func TestCheckConflict(t *testing.T) {
	h := startManager(t, testConfig(), nil)
	registerWallet(t, h.m, nfc.SETypeHCE)

	err := h.m.CheckConflict(context.Background(), "com.example.other", testAID, nfc.CategoryOther)
	assert.True(t, nfc.IsCode(err, nfc.ErrCodeDataConflicted))
	assert.NoError(t, h.m.CheckConflict(context.Background(), testPkg, testAID, nfc.CategoryOther))
}

func TestForwardThroughSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "nfcd")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := testConfig()
	cfg.SocketPath = filepath.Join(dir, "hce.sock")
	h := startManager(t, cfg, nil)

	require.NoError(t, h.m.Attach(testConn, testPkg, int32(os.Getpid())))
	client, err := transport.Dial(cfg.SocketPath)
	require.NoError(t, err)
	defer client.Close()

	registerWallet(t, h.m, nfc.SETypeHCE)
	require.Eventually(t, func() bool {
		st, err := h.m.Status(context.Background())
		return err == nil && st.Clients == 1
	}, 2*time.Second, 10*time.Millisecond)

	sel := selectAID(t, testAID)
	respCh := make(chan []byte, 1)
	go func() {
		resp, _ := h.hw.Transmit(context.Background(), sel)
		respCh <- resp
	}()

	msg, err := client.Receive()
	require.NoError(t, err)
	require.Equal(t, transport.MessageAPDU, msg.Type)
	require.NoError(t, client.SendResponse(msg.Handle, []byte{0x90, 0x00}))

	select {
	case resp := <-respCh:
		assert.Equal(t, []byte{0x90, 0x00}, resp)
	case <-time.After(2 * time.Second):
		t.Fatal("socket response did not reach the reader")
	}
}
