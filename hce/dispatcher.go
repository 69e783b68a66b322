// Package hce is the card emulation dispatch engine. It tracks the tap
// session, answers what the daemon can answer itself and hands every other
// command APDU to the package that owns the selected AID.
//
// A Dispatcher is not safe for concurrent use; all methods run on the work
// queue goroutine.
package hce

import (
	"log"
	"time"

	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/route"
	"github.com/dotside-studios/davi-nfcd/transport"
)

// DefaultResponseTimeout bounds how long a forwarded APDU waits for its
// handler.
const DefaultResponseTimeout = 3 * time.Second

// Router resolves AIDs to packages. *route.Table implements it.
type Router interface {
	FindHandlerByAID(aid string) (string, bool)
	Handler(pkg string) (route.Handler, bool)
}

// Outcome classifies how one command APDU was handled.
type Outcome string

const (
	OutcomeRejected  Outcome = "rejected"
	OutcomeListener  Outcome = "listener"
	OutcomeForwarded Outcome = "forwarded"
	OutcomeResponded Outcome = "responded"
	OutcomeAborted   Outcome = "aborted"
	OutcomeTimeout   Outcome = "timeout"
)

// Options configures a Dispatcher.
type Options struct {
	// Sender reaches out-of-process handlers. Nil disables forwarding.
	Sender Sender

	// Post schedules a follow-up task on the work queue. Response timeouts
	// are delivered through it. Nil disables timeouts.
	Post func(func()) error

	// ResponseTimeout defaults to DefaultResponseTimeout.
	ResponseTimeout time.Duration

	// OnOutcome is called for every answered or forwarded command. sw is
	// zero for OutcomeForwarded.
	OnOutcome func(outcome Outcome, sw nfc.StatusWord)
}

// Dispatcher runs the per-tap state machine
// Idle -> Activated -> (Data)* -> Deactivated -> Idle.
type Dispatcher struct {
	hw     nfc.Hardware
	router Router
	opts   Options

	listeners map[string]Listener

	// selectedAID is the applet selected in the current session.
	selectedAID *string

	pending map[uint32]*PendingResponse
}

// NewDispatcher creates a dispatcher in the idle state.
func NewDispatcher(hw nfc.Hardware, router Router, opts Options) *Dispatcher {
	if opts.ResponseTimeout <= 0 {
		opts.ResponseTimeout = DefaultResponseTimeout
	}
	return &Dispatcher{
		hw:        hw,
		router:    router,
		opts:      opts,
		listeners: make(map[string]Listener),
		pending:   make(map[uint32]*PendingResponse),
	}
}

// AddListener attaches an in-process listener to pkg. It takes precedence
// over any transport client of the same package.
func (d *Dispatcher) AddListener(pkg string, l Listener) error {
	if pkg == "" {
		return nfc.NewNullParameterError("AddListener", "package")
	}
	if l == nil {
		return nfc.NewNullParameterError("AddListener", "listener")
	}
	if _, exists := d.listeners[pkg]; exists {
		return nfc.NewAlreadyRegisteredError("AddListener", "listener for "+pkg)
	}
	d.listeners[pkg] = l
	return nil
}

// RemoveListener detaches the in-process listener of pkg.
func (d *Dispatcher) RemoveListener(pkg string) {
	delete(d.listeners, pkg)
}

// SelectedAID returns the AID selected in the current session.
func (d *Dispatcher) SelectedAID() (string, bool) {
	if d.selectedAID == nil {
		return "", false
	}
	return *d.selectedAID, true
}

// HandleEvent advances the session state machine with one radio event.
func (d *Dispatcher) HandleEvent(ev nfc.Event) {
	switch ev.Type {
	case nfc.EventActivated:
		log.Println("[hce] Reader activated")
		d.selectedAID = nil
		d.notify(ev.Type, transport.MessageActivated)

	case nfc.EventDeactivated:
		log.Println("[hce] Reader deactivated")
		d.selectedAID = nil
		d.abortAll()
		d.notify(ev.Type, transport.MessageDeactivated)

	case nfc.EventData:
		d.processAPDU(ev.Handle, ev.Data)

	default:
		log.Printf("[hce] Ignoring event %s", ev.Type)
	}
}

func (d *Dispatcher) notify(ev nfc.EventType, msg transport.MessageType) {
	for _, l := range d.listeners {
		l.notify(ev)
	}
	if d.opts.Sender != nil {
		d.opts.Sender.SendToAll(msg, 0, nil)
	}
}

// processAPDU is the pre-processing pass. It answers malformed commands,
// loop-back and SELECT-by-name misses in-daemon and records the selected
// AID before general dispatch.
func (d *Dispatcher) processAPDU(handle uint32, raw []byte) {
	cmd, err := nfc.ParseCommand(raw)
	if err != nil {
		log.Printf("[hce] Malformed APDU (%d bytes): %v", len(raw), err)
		d.reply(handle, nfc.SWWrongLength, OutcomeRejected)
		return
	}

	if cmd.INS == nfc.INSLoopback {
		d.reply(handle, nfc.SWCommandNotAllowed, OutcomeRejected)
		return
	}

	if cmd.IsSelectByName() {
		if cmd.Lc == nil || *cmd.Lc <= 2 {
			d.reply(handle, nfc.SWWrongParameters, OutcomeRejected)
			return
		}
		aid := nfc.BytesToHex(cmd.Data)
		pkg, ok := d.router.FindHandlerByAID(aid)
		if !ok {
			log.Printf("[hce] SELECT %s: no handler", aid)
			d.reply(handle, nfc.SWFileNotFound, OutcomeRejected)
			return
		}
		log.Printf("[hce] SELECT %s -> %s", aid, pkg)
		d.selectedAID = &aid
	}

	d.dispatch(handle, raw)
}

// dispatch delivers raw to the owner of the selected AID.
func (d *Dispatcher) dispatch(handle uint32, raw []byte) {
	if d.selectedAID == nil {
		d.reply(handle, nfc.SWInstructionNotSupported, OutcomeRejected)
		return
	}
	pkg, ok := d.router.FindHandlerByAID(*d.selectedAID)
	if !ok {
		log.Printf("[hce] Selected AID %s no longer has a handler", *d.selectedAID)
		d.reply(handle, nfc.SWInstructionNotSupported, OutcomeRejected)
		return
	}

	if l, ok := d.listeners[pkg]; ok {
		resp := l.process(raw)
		if len(resp) < 2 {
			log.Printf("[hce] Listener %s returned a %d byte response", pkg, len(resp))
			d.reply(handle, nfc.SWUnknown, OutcomeListener)
			return
		}
		d.send(handle, resp, OutcomeListener)
		return
	}

	h, ok := d.router.Handler(pkg)
	if !ok || h.IPCID == "" || d.opts.Sender == nil || !d.opts.Sender.HasClient(h.IPCID) {
		log.Printf("[hce] %s has no listener or connected client", pkg)
		d.reply(handle, nfc.SWInstructionNotSupported, OutcomeRejected)
		return
	}
	d.forward(handle, pkg, h.IPCID, raw)
}

// reply answers handle with a bare status word.
func (d *Dispatcher) reply(handle uint32, sw nfc.StatusWord, outcome Outcome) {
	d.send(handle, nfc.EncodeResponse(sw, nil), outcome)
}

// send hands a response to the controller. A failure drops this command
// only.
func (d *Dispatcher) send(handle uint32, resp []byte, outcome Outcome) {
	var sw nfc.StatusWord
	if r, err := nfc.ParseResponse(resp); err == nil {
		sw = r.SW
	}
	if err := d.hw.SendResponseAPDU(handle, resp); err != nil {
		log.Printf("[hce] Sending response for handle %d failed, command dropped: %v", handle, err)
		return
	}
	if d.opts.OnOutcome != nil {
		d.opts.OnOutcome(outcome, sw)
	}
}
