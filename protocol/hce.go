package protocol

// HelloPayload is pushed once per connection right after the upgrade.
type HelloPayload struct {
	ConnectionID string `json:"connectionId"`
	Version      string `json:"version"`
	SocketPath   string `json:"socketPath,omitempty"` // HCE transport socket, if enabled
}

// AttachPayload binds a connection to the package it speaks for. PID lets
// the daemon match HCE sockets opened by the same process.
type AttachPayload struct {
	Package string `json:"package"`
	PID     int32  `json:"pid,omitempty"`
}

// HandlerPayload names a package for startHceHandler, stopHceHandler and
// uninstallPackage.
type HandlerPayload struct {
	Package string `json:"package"`
}

// AIDPayload is the registerAid and installAid request.
type AIDPayload struct {
	Package  string `json:"package"`
	AID      string `json:"aid"`
	SEType   string `json:"seType"`   // UICC, ESE, HCE, SDCARD
	Category string `json:"category"` // PAYMENT, OTHER
	Unlock   bool   `json:"unlock,omitempty"`
	Power    uint32 `json:"power,omitempty"`
}

// UnregisterAIDPayload is the unregisterAid request.
type UnregisterAIDPayload struct {
	Package string `json:"package"`
	AID     string `json:"aid"`
	Force   bool   `json:"force,omitempty"`
}

// PreferredPayload is the setPreferredHandler request. The package is the
// one the connection attached as.
type PreferredPayload struct {
	Enable bool `json:"enable"`
}

// ActivationPayload is the setCategoryActivation and clearCategoryActivation
// request.
type ActivationPayload struct {
	Package  string `json:"package"`
	Category string `json:"category"`
}

// DefaultSEPayload is the setDefaultSE request.
type DefaultSEPayload struct {
	SEType string `json:"seType"`
}

// APDUResponsePayload answers an apdu hceEvent.
type APDUResponsePayload struct {
	Handle uint32 `json:"handle"`
	APDU   string `json:"apdu"` // hex, status word included
}

// ConflictPayload is the checkConflict request.
type ConflictPayload struct {
	Package  string `json:"package"`
	AID      string `json:"aid"`
	Category string `json:"category"`
}

// ConflictResult is the checkConflict response.
type ConflictResult struct {
	Conflict bool   `json:"conflict"`
	Reason   string `json:"reason,omitempty"`
}

// HCE event names carried by HCEEventPayload.
const (
	HCEEventActivated   = "activated"
	HCEEventDeactivated = "deactivated"
	HCEEventAPDU        = "apdu"
)

// HCEEventPayload is pushed to connections that handle APDUs over the
// websocket instead of the HCE socket.
type HCEEventPayload struct {
	Event  string `json:"event"`
	Handle uint32 `json:"handle,omitempty"`
	APDU   string `json:"apdu,omitempty"` // hex
}

// AIDInfo describes one registered AID.
type AIDInfo struct {
	AID      string `json:"aid"`
	SEType   string `json:"seType"`
	Category string `json:"category"`
	Origin   string `json:"origin"`
	Routed   bool   `json:"routed"`
	Unlock   bool   `json:"unlock,omitempty"`
	Power    uint32 `json:"power"`
}

// HandlerInfo describes one package in the route table.
type HandlerInfo struct {
	Package    string    `json:"package"`
	Connection string    `json:"connection,omitempty"`
	Activated  []string  `json:"activated"`
	AIDs       []AIDInfo `json:"aids"`
}

// StatusPayload is the status response.
type StatusPayload struct {
	Version     string `json:"version"`
	DefaultSE   string `json:"defaultSe"`
	Preferred   string `json:"preferred,omitempty"`
	SelectedAID string `json:"selectedAid,omitempty"`
	Pending     int    `json:"pending"`
	Handlers    int    `json:"handlers"`
	Clients     int    `json:"clients"`
}
