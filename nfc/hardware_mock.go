package nfc

import (
	"fmt"
	"sync"
)

// SentResponse is one response APDU recorded by MockHardware.
type SentResponse struct {
	Handle uint32
	APDU   []byte
}

// MockHardware is a test implementation of Hardware that records every call.
//
// Example:
//
//	hw := nfc.NewMockHardware()
//	hw.RouteError = errors.New("controller full")
//	table := route.New(hw, nil, route.Options{})
type MockHardware struct {
	// RouteError, if set, will be returned by RouteAID()
	RouteError error

	// UnrouteError, if set, will be returned by UnrouteAID()
	UnrouteError error

	// CommitError, if set, will be returned by CommitRouting()
	CommitError error

	// ResponseError, if set, will be returned by SendResponseAPDU()
	ResponseError error

	// CallLog tracks all method calls for verification in tests
	CallLog []string

	// Responses holds every APDU passed to SendResponseAPDU
	Responses []SentResponse

	events chan Event
	mu     sync.Mutex
}

// NewMockHardware creates a new MockHardware with an empty call log.
func NewMockHardware() *MockHardware {
	return &MockHardware{
		CallLog: make([]string, 0),
		events:  make(chan Event, 16),
	}
}

// RouteAID records a route call.
func (m *MockHardware) RouteAID(aid string, se SEType, power uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("RouteAID(%s,%s)", aid, se))
	return m.RouteError
}

// UnrouteAID records an unroute call.
func (m *MockHardware) UnrouteAID(aid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("UnrouteAID(%s)", aid))
	return m.UnrouteError
}

// CommitRouting records a commit call.
func (m *MockHardware) CommitRouting() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, "CommitRouting")
	return m.CommitError
}

// SendResponseAPDU records a response APDU.
func (m *MockHardware) SendResponseAPDU(handle uint32, apdu []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = append(m.CallLog, fmt.Sprintf("SendResponseAPDU(%d)", handle))
	if m.ResponseError != nil {
		return m.ResponseError
	}
	m.Responses = append(m.Responses, SentResponse{Handle: handle, APDU: append([]byte(nil), apdu...)})
	return nil
}

// Events implements EventSource.
func (m *MockHardware) Events() <-chan Event {
	return m.events
}

// Emit queues an event for delivery through Events().
func (m *MockHardware) Emit(ev Event) {
	m.events <- ev
}

// GetCallLog returns a copy of the call log for verification.
func (m *MockHardware) GetCallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	logCopy := make([]string, len(m.CallLog))
	copy(logCopy, m.CallLog)
	return logCopy
}

// ClearCallLog clears the call log and recorded responses.
func (m *MockHardware) ClearCallLog() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CallLog = make([]string, 0)
	m.Responses = nil
}

// CountCalls returns how many logged calls start with prefix.
func (m *MockHardware) CountCalls(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, call := range m.CallLog {
		if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

// LastResponse returns the most recent response APDU, if any.
func (m *MockHardware) LastResponse() (SentResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.Responses) == 0 {
		return SentResponse{}, false
	}
	return m.Responses[len(m.Responses)-1], true
}
