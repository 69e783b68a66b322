package server

import (
	"context"

	"github.com/dotside-studios/davi-nfcd/buildinfo"
	"github.com/dotside-studios/davi-nfcd/manager"
	"github.com/dotside-studios/davi-nfcd/nfc"
	"github.com/dotside-studios/davi-nfcd/protocol"
	"github.com/dotside-studios/davi-nfcd/route"
)

// Manager is the routing subsystem as seen by the control plane.
// *manager.Manager implements it.
type Manager interface {
	Attach(connID, pkg string, pid int32) error
	Connection(connID string) (manager.Connection, bool)
	ConnectionDetached(connID string)
	SetEventSink(sink manager.EventSink)
	Ready() <-chan struct{}
	SocketPath() string

	StartHandler(ctx context.Context, connID, pkg string) error
	StopHandler(ctx context.Context, connID, pkg string) error
	RegisterAID(ctx context.Context, connID string, reg route.Registration) error
	UnregisterAID(ctx context.Context, pkg, aid string, force bool) error
	InstallAID(ctx context.Context, reg route.Registration) error
	UninstallPackage(ctx context.Context, pkg string) error
	SetPreferredHandler(ctx context.Context, connID string, enable bool) error
	SetCategoryActivation(ctx context.Context, pkg string, cat nfc.Category) error
	ClearCategoryActivation(ctx context.Context, pkg string, cat nfc.Category) error
	SetDefaultSE(ctx context.Context, se nfc.SEType) error
	SendAPDUResponse(ctx context.Context, connID string, handle uint32, apdu []byte) error
	CheckConflict(ctx context.Context, pkg, aid string, cat nfc.Category) error
	ListHandlers(ctx context.Context) ([]route.Handler, error)
	Status(ctx context.Context) (manager.Status, error)
}

// HCEHandler serves the card emulation control-plane operations.
//
// Operations on a package's own handler (start, stop, register,
// unregister, preferred) require the connection to have attached as that
// package. Installer and settings operations are not package-scoped.
type HCEHandler struct {
	mgr Manager
}

// NewHCEHandler creates the handler.
func NewHCEHandler(mgr Manager) *HCEHandler {
	return &HCEHandler{mgr: mgr}
}

// Register implements ServerHandler.
func (h *HCEHandler) Register(server HandlerServer) error {
	routes := map[string]HandlerFunc{
		protocol.WSTypeAttach:           h.handleAttach,
		protocol.WSTypeStartHandler:     h.handleStartHandler,
		protocol.WSTypeStopHandler:      h.handleStopHandler,
		protocol.WSTypeRegisterAID:      h.handleRegisterAID,
		protocol.WSTypeUnregisterAID:    h.handleUnregisterAID,
		protocol.WSTypeInstallAID:       h.handleInstallAID,
		protocol.WSTypeUninstallPackage: h.handleUninstallPackage,
		protocol.WSTypeSetPreferred:     h.handleSetPreferred,
		protocol.WSTypeSetActivation:    h.handleSetActivation,
		protocol.WSTypeClearActivation:  h.handleClearActivation,
		protocol.WSTypeSetDefaultSE:     h.handleSetDefaultSE,
		protocol.WSTypeSendAPDUResponse: h.handleSendAPDUResponse,
		protocol.WSTypeListHandlers:     h.handleListHandlers,
		protocol.WSTypeCheckConflict:    h.handleCheckConflict,
		protocol.WSTypeStatus:           h.handleStatus,
	}
	for typ, fn := range routes {
		if err := server.Handle(typ, fn); err != nil {
			return err
		}
	}
	return nil
}

// owned checks that conn attached as pkg.
func (h *HCEHandler) owned(conn *Conn, op, pkg string) error {
	if pkg == "" {
		return nfc.NewNullParameterError(op, "package")
	}
	c, ok := h.mgr.Connection(conn.ID())
	if !ok {
		return nfc.Errorf(nfc.ErrCodePermissionDenied, op, "connection has not attached")
	}
	if c.Package != pkg {
		return nfc.Errorf(nfc.ErrCodePermissionDenied, op, "connection is attached as %s, not %s", c.Package, pkg)
	}
	return nil
}

func decode(op string, req protocol.WebSocketRequest, v any) error {
	if err := req.Decode(v); err != nil {
		return nfc.WrapError(nfc.ErrCodeInvalidParameter, op, "invalid payload", err)
	}
	return nil
}

func registration(p protocol.AIDPayload) (route.Registration, error) {
	se, err := nfc.ParseSEType(p.SEType)
	if err != nil {
		return route.Registration{}, err
	}
	cat, err := nfc.ParseCategory(p.Category)
	if err != nil {
		return route.Registration{}, err
	}
	return route.Registration{
		Package:  p.Package,
		SEType:   se,
		Category: cat,
		AID:      p.AID,
		Unlock:   p.Unlock,
		Power:    p.Power,
	}, nil
}

func (h *HCEHandler) handleAttach(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.AttachPayload
	if err := decode("attach", req, &p); err != nil {
		return nil, err
	}
	if err := h.mgr.Attach(conn.ID(), p.Package, p.PID); err != nil {
		return nil, err
	}
	return protocol.HelloPayload{
		ConnectionID: conn.ID(),
		Version:      buildinfo.FullVersion(),
		SocketPath:   h.mgr.SocketPath(),
	}, nil
}

func (h *HCEHandler) handleStartHandler(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.HandlerPayload
	if err := decode("startHceHandler", req, &p); err != nil {
		return nil, err
	}
	if err := h.owned(conn, "startHceHandler", p.Package); err != nil {
		return nil, err
	}
	return nil, h.mgr.StartHandler(ctx, conn.ID(), p.Package)
}

func (h *HCEHandler) handleStopHandler(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.HandlerPayload
	if err := decode("stopHceHandler", req, &p); err != nil {
		return nil, err
	}
	if err := h.owned(conn, "stopHceHandler", p.Package); err != nil {
		return nil, err
	}
	return nil, h.mgr.StopHandler(ctx, conn.ID(), p.Package)
}

func (h *HCEHandler) handleRegisterAID(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.AIDPayload
	if err := decode("registerAid", req, &p); err != nil {
		return nil, err
	}
	if err := h.owned(conn, "registerAid", p.Package); err != nil {
		return nil, err
	}
	reg, err := registration(p)
	if err != nil {
		return nil, err
	}
	return nil, h.mgr.RegisterAID(ctx, conn.ID(), reg)
}

func (h *HCEHandler) handleUnregisterAID(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.UnregisterAIDPayload
	if err := decode("unregisterAid", req, &p); err != nil {
		return nil, err
	}
	if err := h.owned(conn, "unregisterAid", p.Package); err != nil {
		return nil, err
	}
	return nil, h.mgr.UnregisterAID(ctx, p.Package, p.AID, p.Force)
}

func (h *HCEHandler) handleInstallAID(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.AIDPayload
	if err := decode("installAid", req, &p); err != nil {
		return nil, err
	}
	reg, err := registration(p)
	if err != nil {
		return nil, err
	}
	return nil, h.mgr.InstallAID(ctx, reg)
}

func (h *HCEHandler) handleUninstallPackage(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.HandlerPayload
	if err := decode("uninstallPackage", req, &p); err != nil {
		return nil, err
	}
	return nil, h.mgr.UninstallPackage(ctx, p.Package)
}

func (h *HCEHandler) handleSetPreferred(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.PreferredPayload
	if err := decode("setPreferredHandler", req, &p); err != nil {
		return nil, err
	}
	if _, ok := h.mgr.Connection(conn.ID()); !ok {
		return nil, nfc.Errorf(nfc.ErrCodePermissionDenied, "setPreferredHandler", "connection has not attached")
	}
	return nil, h.mgr.SetPreferredHandler(ctx, conn.ID(), p.Enable)
}

func (h *HCEHandler) activation(op string, req protocol.WebSocketRequest) (string, nfc.Category, error) {
	var p protocol.ActivationPayload
	if err := decode(op, req, &p); err != nil {
		return "", 0, err
	}
	if p.Package == "" {
		return "", 0, nfc.NewNullParameterError(op, "package")
	}
	cat, err := nfc.ParseCategory(p.Category)
	if err != nil {
		return "", 0, err
	}
	return p.Package, cat, nil
}

func (h *HCEHandler) handleSetActivation(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	pkg, cat, err := h.activation("setCategoryActivation", req)
	if err != nil {
		return nil, err
	}
	return nil, h.mgr.SetCategoryActivation(ctx, pkg, cat)
}

func (h *HCEHandler) handleClearActivation(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	pkg, cat, err := h.activation("clearCategoryActivation", req)
	if err != nil {
		return nil, err
	}
	return nil, h.mgr.ClearCategoryActivation(ctx, pkg, cat)
}

func (h *HCEHandler) handleSetDefaultSE(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.DefaultSEPayload
	if err := decode("setDefaultSE", req, &p); err != nil {
		return nil, err
	}
	se, err := nfc.ParseSEType(p.SEType)
	if err != nil {
		return nil, err
	}
	return nil, h.mgr.SetDefaultSE(ctx, se)
}

func (h *HCEHandler) handleSendAPDUResponse(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.APDUResponsePayload
	if err := decode("sendApduResponse", req, &p); err != nil {
		return nil, err
	}
	apdu, err := protocol.ParseHex(p.APDU)
	if err != nil {
		return nil, nfc.WrapError(nfc.ErrCodeInvalidParameter, "sendApduResponse", "invalid apdu", err)
	}
	return nil, h.mgr.SendAPDUResponse(ctx, conn.ID(), p.Handle, apdu)
}

func (h *HCEHandler) handleListHandlers(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	handlers, err := h.mgr.ListHandlers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.HandlerInfo, 0, len(handlers))
	for _, hd := range handlers {
		out = append(out, handlerInfo(hd))
	}
	return out, nil
}

func handlerInfo(h route.Handler) protocol.HandlerInfo {
	info := protocol.HandlerInfo{
		Package:    h.Package,
		Connection: h.IPCID,
		Activated:  []string{},
		AIDs:       make([]protocol.AIDInfo, 0, len(h.Entries)),
	}
	for cat, on := range h.Activated {
		if on {
			info.Activated = append(info.Activated, nfc.Category(cat).String())
		}
	}
	for _, e := range h.Entries {
		info.AIDs = append(info.AIDs, protocol.AIDInfo{
			AID:      e.AID,
			SEType:   e.SEType.String(),
			Category: e.Category.String(),
			Origin:   e.Origin.String(),
			Routed:   e.Routed,
			Unlock:   e.Unlock,
			Power:    e.Power,
		})
	}
	return info
}

func (h *HCEHandler) handleCheckConflict(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	var p protocol.ConflictPayload
	if err := decode("checkConflict", req, &p); err != nil {
		return nil, err
	}
	cat, err := nfc.ParseCategory(p.Category)
	if err != nil {
		return nil, err
	}
	err = h.mgr.CheckConflict(ctx, p.Package, p.AID, cat)
	switch {
	case err == nil:
		return protocol.ConflictResult{}, nil
	case nfc.IsCode(err, nfc.ErrCodeDataConflicted):
		return protocol.ConflictResult{Conflict: true, Reason: err.Error()}, nil
	default:
		return nil, err
	}
}

func (h *HCEHandler) handleStatus(ctx context.Context, conn *Conn, req protocol.WebSocketRequest) (any, error) {
	st, err := h.mgr.Status(ctx)
	if err != nil {
		return nil, err
	}
	return protocol.StatusPayload{
		Version:     buildinfo.FullVersion(),
		DefaultSE:   st.DefaultSE.String(),
		Preferred:   st.Preferred,
		SelectedAID: st.SelectedAID,
		Pending:     st.Pending,
		Handlers:    st.Handlers,
		Clients:     st.Clients,
	}, nil
}
