package nfc

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
)

// RouteEntry is one committed AID route in the virtual controller.
type RouteEntry struct {
	AID   string
	SE    SEType
	Power uint32
}

type stagedOp struct {
	route bool
	entry RouteEntry
}

// VirtualHardware is a software card-emulation controller. It keeps an AID
// routing table with the same stage-then-commit semantics as a real
// controller and lets callers play the external reader: Activate, Transmit
// and Deactivate produce the events the daemon would receive from the radio.
type VirtualHardware struct {
	mu        sync.Mutex
	staged    []stagedOp
	committed map[string]RouteEntry
	commits   int

	events  chan Event
	nextID  uint32
	waiters map[uint32]chan []byte
}

// NewVirtualHardware creates a controller with an empty routing table.
func NewVirtualHardware() *VirtualHardware {
	return &VirtualHardware{
		committed: make(map[string]RouteEntry),
		events:    make(chan Event, 32),
		waiters:   make(map[uint32]chan []byte),
	}
}

// RouteAID stages a route.
func (v *VirtualHardware) RouteAID(aid string, se SEType, power uint32) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.staged = append(v.staged, stagedOp{route: true, entry: RouteEntry{AID: aid, SE: se, Power: power}})
	return nil
}

// UnrouteAID stages removal of a route.
func (v *VirtualHardware) UnrouteAID(aid string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.staged = append(v.staged, stagedOp{route: false, entry: RouteEntry{AID: aid}})
	return nil
}

// CommitRouting applies staged changes in order.
func (v *VirtualHardware) CommitRouting() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, op := range v.staged {
		if op.route {
			v.committed[op.entry.AID] = op.entry
		} else {
			delete(v.committed, op.entry.AID)
		}
	}
	v.staged = nil
	v.commits++
	log.Printf("[virtual] Routing committed: %d AIDs routed off-host", len(v.committed))
	return nil
}

// SendResponseAPDU hands the response to the Transmit call waiting on handle.
func (v *VirtualHardware) SendResponseAPDU(handle uint32, apdu []byte) error {
	v.mu.Lock()
	ch, ok := v.waiters[handle]
	delete(v.waiters, handle)
	v.mu.Unlock()

	if !ok {
		return fmt.Errorf("no outstanding command for handle %d", handle)
	}
	ch <- append([]byte(nil), apdu...)
	return nil
}

// Events implements EventSource.
func (v *VirtualHardware) Events() <-chan Event {
	return v.events
}

// Activate signals that a reader entered the field.
func (v *VirtualHardware) Activate() {
	v.events <- Event{Type: EventActivated}
}

// Deactivate signals that the reader left the field. Outstanding Transmit
// calls keep waiting for the daemon's synthetic responses.
func (v *VirtualHardware) Deactivate() {
	v.events <- Event{Type: EventDeactivated}
}

// Transmit delivers a command APDU as a Data event and waits for the response.
func (v *VirtualHardware) Transmit(ctx context.Context, apdu []byte) ([]byte, error) {
	ch := make(chan []byte, 1)

	v.mu.Lock()
	v.nextID++
	handle := v.nextID
	v.waiters[handle] = ch
	v.mu.Unlock()

	select {
	case v.events <- Event{Type: EventData, Handle: handle, Data: append([]byte(nil), apdu...)}:
	case <-ctx.Done():
		v.dropWaiter(handle)
		return nil, ctx.Err()
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		v.dropWaiter(handle)
		return nil, ctx.Err()
	}
}

func (v *VirtualHardware) dropWaiter(handle uint32) {
	v.mu.Lock()
	delete(v.waiters, handle)
	v.mu.Unlock()
}

// RoutingTable returns the committed routes sorted by AID.
func (v *VirtualHardware) RoutingTable() []RouteEntry {
	v.mu.Lock()
	defer v.mu.Unlock()

	entries := make([]RouteEntry, 0, len(v.committed))
	for _, e := range v.committed {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].AID < entries[j].AID })
	return entries
}

// Commits returns the number of CommitRouting calls so far.
func (v *VirtualHardware) Commits() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.commits
}
