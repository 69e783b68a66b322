package hce

import (
	"log"
	"time"

	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/transport"
)

// PendingResponse is a command APDU forwarded to a handler process that
// has not been answered yet.
type PendingResponse struct {
	Handle  uint32
	IPCID   string
	Package string
	Sent    time.Time

	timer *time.Timer
}

func (d *Dispatcher) forward(handle uint32, pkg, ipcID string, raw []byte) {
	if old, ok := d.pending[handle]; ok {
		log.Printf("[hce] Handle %d reused before %s answered it", handle, old.Package)
		d.resolve(old, OutcomeAborted)
	}
	if err := d.opts.Sender.SendToClient(ipcID, transport.MessageAPDU, handle, raw); err != nil {
		log.Printf("[hce] Forwarding to %s failed: %v", pkg, err)
		d.reply(handle, nfc.SWUnknown, OutcomeAborted)
		return
	}

	p := &PendingResponse{Handle: handle, IPCID: ipcID, Package: pkg, Sent: time.Now()}
	if d.opts.Post != nil {
		post := d.opts.Post
		p.timer = time.AfterFunc(d.opts.ResponseTimeout, func() {
			if err := post(func() { d.expire(p) }); err != nil {
				log.Printf("[hce] Could not post timeout for handle %d: %v", handle, err)
			}
		})
	}
	d.pending[handle] = p
	if d.opts.OnOutcome != nil {
		d.opts.OnOutcome(OutcomeForwarded, 0)
	}
}

func (p *PendingResponse) stop() {
	if p.timer != nil {
		p.timer.Stop()
	}
}

// Respond delivers the response ipcID sent for handle to the controller.
// Only the client the command was forwarded to may answer it; a refused
// response leaves the command pending.
func (d *Dispatcher) Respond(ipcID string, handle uint32, apdu []byte) error {
	p, ok := d.pending[handle]
	if !ok {
		return nfc.NewNotFoundError("Respond", "pending command")
	}
	if ipcID == "" || p.IPCID != ipcID {
		return nfc.Errorf(nfc.ErrCodePermissionDenied, "Respond", "handle %d was forwarded to another client", handle)
	}
	if len(apdu) < 2 {
		return nfc.NewInvalidParameterError("Respond", "response must end with a status word")
	}
	p.stop()
	delete(d.pending, handle)

	if err := d.hw.SendResponseAPDU(handle, apdu); err != nil {
		return nfc.NewOperationFailedError("Respond", err)
	}
	if d.opts.OnOutcome != nil {
		sw, _ := nfc.ParseResponse(apdu)
		d.opts.OnOutcome(OutcomeResponded, sw.SW)
	}
	return nil
}

// ClientGone answers every command pending on ipcID with SWUnknown.
func (d *Dispatcher) ClientGone(ipcID string) {
	if ipcID == "" {
		return
	}
	for handle, p := range d.pending {
		if p.IPCID != ipcID {
			continue
		}
		log.Printf("[hce] Client of %s went away, aborting handle %d", p.Package, handle)
		d.resolve(p, OutcomeAborted)
	}
}

// Pending returns the number of unanswered forwarded commands.
func (d *Dispatcher) Pending() int {
	return len(d.pending)
}

// expire runs as a follow-up task when a response timer fires. A response
// that won the race has already removed p.
func (d *Dispatcher) expire(p *PendingResponse) {
	if cur, ok := d.pending[p.Handle]; !ok || cur != p {
		return
	}
	log.Printf("[hce] %s did not answer handle %d within %s", p.Package, p.Handle, d.opts.ResponseTimeout)
	d.resolve(p, OutcomeTimeout)
}

func (d *Dispatcher) abortAll() {
	for _, p := range d.pending {
		d.resolve(p, OutcomeAborted)
	}
}

func (d *Dispatcher) resolve(p *PendingResponse, outcome Outcome) {
	p.stop()
	delete(d.pending, p.Handle)
	d.reply(p.Handle, nfc.SWUnknown, outcome)
}
