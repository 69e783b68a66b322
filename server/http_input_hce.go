package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/protocol"
)

// Injector plays the external reader. *nfc.VirtualHardware implements it.
type Injector interface {
	Activate()
	Deactivate()
	Transmit(ctx context.Context, apdu []byte) ([]byte, error)
}

// handleHCEInject serves POST /api/v1/hce/event.
func (s *Server) handleHCEInject(w http.ResponseWriter, r *http.Request) {
	if s.config.Injector == nil {
		writeInjectResponse(w, http.StatusNotImplemented, protocol.HCEInjectResponse{
			Error:     "the configured hardware backend does not accept injected events",
			ErrorCode: protocol.ErrCodeUnsupported,
		})
		return
	}
	if s.config.APISecret != "" && r.Header.Get("Authorization") != "Bearer "+s.config.APISecret {
		http.Error(w, "Unauthorized: Invalid API secret", http.StatusUnauthorized)
		return
	}

	var req protocol.HCEInjectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageSize)).Decode(&req); err != nil {
		writeInjectResponse(w, http.StatusBadRequest, protocol.HCEInjectResponse{
			Error:     "invalid JSON body",
			ErrorCode: protocol.ErrCodeInvalidRequest,
		})
		return
	}

	switch req.Event {
	case protocol.HCEEventActivated:
		s.config.Injector.Activate()
		writeInjectResponse(w, http.StatusOK, protocol.HCEInjectResponse{Success: true})

	case protocol.HCEEventDeactivated:
		s.config.Injector.Deactivate()
		writeInjectResponse(w, http.StatusOK, protocol.HCEInjectResponse{Success: true})

	case protocol.HCEEventAPDU:
		s.injectAPDU(w, r, req)

	default:
		writeInjectResponse(w, http.StatusBadRequest, protocol.HCEInjectResponse{
			Error:     "event must be activated, deactivated or apdu",
			ErrorCode: protocol.ErrCodeInvalidRequest,
		})
	}
}

func (s *Server) injectAPDU(w http.ResponseWriter, r *http.Request, req protocol.HCEInjectRequest) {
	apdu, err := protocol.ParseHex(req.APDU)
	if err != nil {
		writeInjectResponse(w, http.StatusBadRequest, protocol.HCEInjectResponse{
			Error:     err.Error(),
			ErrorCode: protocol.ErrCodeInvalidAPDU,
		})
		return
	}

	timeout := s.config.ResponseTimeout + time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	resp, err := s.config.Injector.Transmit(ctx, apdu)
	if err != nil {
		status, code := http.StatusInternalServerError, protocol.ErrCodeInternalError
		if errors.Is(err, context.DeadlineExceeded) {
			status, code = http.StatusGatewayTimeout, protocol.ErrCodeTimeout
		}
		log.Printf("[server] Injected APDU failed: %v", err)
		writeInjectResponse(w, status, protocol.HCEInjectResponse{Error: err.Error(), ErrorCode: code})
		return
	}

	out := protocol.HCEInjectResponse{Success: true, Response: protocol.FormatHex(resp)}
	if parsed, err := nfc.ParseResponse(resp); err == nil {
		out.StatusWord = protocol.FormatHex([]byte{parsed.SW.SW1(), parsed.SW.SW2()})
	}
	writeInjectResponse(w, http.StatusOK, out)
}

func writeInjectResponse(w http.ResponseWriter, status int, resp protocol.HCEInjectResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
