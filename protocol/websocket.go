package protocol

import "encoding/json"

// WebSocket message type constants
const (
	WSTypeHello            = "hello"
	WSTypeAttach           = "attach"
	WSTypeStartHandler     = "startHceHandler"
	WSTypeStopHandler      = "stopHceHandler"
	WSTypeRegisterAID      = "registerAid"
	WSTypeUnregisterAID    = "unregisterAid"
	WSTypeInstallAID       = "installAid"
	WSTypeUninstallPackage = "uninstallPackage"
	WSTypeSetPreferred     = "setPreferredHandler"
	WSTypeSetActivation    = "setCategoryActivation"
	WSTypeClearActivation  = "clearCategoryActivation"
	WSTypeSetDefaultSE     = "setDefaultSE"
	WSTypeSendAPDUResponse = "sendApduResponse"
	WSTypeListHandlers     = "listHandlers"
	WSTypeCheckConflict    = "checkConflict"
	WSTypeStatus           = "status"
	WSTypeHCEEvent         = "hceEvent"
	WSTypeError            = "error"
	WSResponseSuffix       = "Response"
)

// ResponseType returns the response type for a request type, e.g.
// "registerAidResponse".
func ResponseType(requestType string) string {
	return requestType + WSResponseSuffix
}

// WebSocketMessage is the generic message envelope for server pushes.
type WebSocketMessage struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// WebSocketRequest is for incoming requests from WebSocket clients.
type WebSocketRequest struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode unmarshals the request payload into v. An absent payload leaves v
// untouched.
func (r WebSocketRequest) Decode(v any) error {
	if len(r.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(r.Payload, v)
}

// WebSocketResponse is for responses to WebSocket requests.
type WebSocketResponse struct {
	ID      string `json:"id,omitempty"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"` // Error code name, e.g. "ALREADY_REGISTERED"
}
