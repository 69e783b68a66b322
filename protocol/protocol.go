// Package protocol provides the control-plane message types for external
// tools and handler applications.
// This package is designed to be importable without pulling in server dependencies.
package protocol

// HCEInjectRequest is the request structure for the POST /api/v1/hce/event
// endpoint. Test rigs use it to play the external reader against the
// virtual controller.
type HCEInjectRequest struct {
	// Event is "activated", "deactivated" or "apdu"
	Event string `json:"event"`

	// APDU is the command for "apdu" events in hex.
	// Supports formats: "00A40400", "00:A4:04:00", "00 A4 04 00"
	APDU string `json:"apdu,omitempty"`

	// TimeoutMs bounds the wait for the response
	// Optional - defaults to the daemon's response timeout plus one second
	TimeoutMs int `json:"timeoutMs,omitempty"`
}

// HCEInjectResponse is the response structure for the POST /api/v1/hce/event
// endpoint.
type HCEInjectResponse struct {
	Success    bool   `json:"success"`
	Response   string `json:"response,omitempty"`   // response APDU in hex
	StatusWord string `json:"statusWord,omitempty"` // e.g. "9000"
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"errorCode,omitempty"`
}

// Error codes for HCEInjectResponse
const (
	ErrCodeInvalidAPDU    = "INVALID_APDU"
	ErrCodeInvalidRequest = "INVALID_REQUEST"
	ErrCodeUnsupported    = "UNSUPPORTED"
	ErrCodeTimeout        = "TIMEOUT"
	ErrCodeInternalError  = "INTERNAL_ERROR"
)

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Ready     bool   `json:"ready"`
	Timestamp string `json:"timestamp"` // RFC3339 format
}
