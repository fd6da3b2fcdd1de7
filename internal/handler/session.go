package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
	"github.com/skip2/go-qrcode"

	"github.com/psicoagenda/wa-gateway/internal/audit"
	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/session"
)

const qrImageSize = 256

// SessionController is the operator surface of the session manager.
type SessionController interface {
	SessionID() string
	Snapshot() session.State
	Start(ctx context.Context) (session.State, error)
	Restart(ctx context.Context) (session.State, error)
	Logout(ctx context.Context) (session.State, error)
}

type SessionHandler struct {
	session SessionController
}

func NewSessionHandler(sess SessionController) *SessionHandler {
	return &SessionHandler{session: sess}
}

func (h *SessionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func (h *SessionHandler) Register(r chi.Router) {
	r.Get("/qr", h.QR)
	r.Post("/initialize", h.Initialize)
	r.Post("/restart", h.Restart)
	r.Post("/clear-session", h.ClearSession)
}

// GET /qr
// Renders the current pairing code as a PNG for the linking screen.
func (h *SessionHandler) QR(w http.ResponseWriter, r *http.Request) {
	code := h.session.Snapshot().PairingCode
	if code == "" {
		writeError(w, r, apperrors.NotFound("pairing code"))
		return
	}

	png, err := qrcode.Encode(code, qrcode.Medium, qrImageSize)
	if err != nil {
		writeError(w, r, apperrors.Internal("failed to render QR code").WithCause(err))
		return
	}

	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// POST /initialize
func (h *SessionHandler) Initialize(w http.ResponseWriter, r *http.Request) {
	h.audit(r, audit.EventSessionInitialize)
	h.respond(w, r, h.session.Start)
}

// POST /restart
func (h *SessionHandler) Restart(w http.ResponseWriter, r *http.Request) {
	h.audit(r, audit.EventSessionRestart)
	h.respond(w, r, h.session.Restart)
}

// POST /clear-session
// Logs the device out and removes every stored credential.
func (h *SessionHandler) ClearSession(w http.ResponseWriter, r *http.Request) {
	h.audit(r, audit.EventSessionClear)
	h.respond(w, r, h.session.Logout)
}

func (h *SessionHandler) respond(w http.ResponseWriter, r *http.Request, op func(context.Context) (session.State, error)) {
	state, err := op(r.Context())
	if err != nil {
		log.Warn().Err(err).Str("sessionId", h.session.SessionID()).Str("path", r.URL.Path).Msg("session operation failed")
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"state":   state,
	})
}

func (h *SessionHandler) audit(r *http.Request, event audit.EventType) {
	audit.LogFromRequest(r, audit.Event{
		Type:      event,
		SessionID: h.session.SessionID(),
	})
}
