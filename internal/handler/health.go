package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/psicoagenda/wa-gateway/internal/config"
	"github.com/psicoagenda/wa-gateway/internal/model"
	"github.com/psicoagenda/wa-gateway/internal/session"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionReporter exposes what health reporting needs from the session manager.
type SessionReporter interface {
	SessionID() string
	Snapshot() session.State
	LastCredentialWrite() time.Time
}

type ArtifactLister interface {
	List(ctx context.Context, sessionID string) ([]model.ArtifactInfo, error)
}

type HealthHandler struct {
	db        Pinger
	session   SessionReporter
	artifacts ArtifactLister
}

func NewHealthHandler(db Pinger, sess SessionReporter, artifacts ArtifactLister) *HealthHandler {
	return &HealthHandler{
		db:        db,
		session:   sess,
		artifacts: artifacts,
	}
}

// GET /health
// Reports 503 when the database is unreachable. A disconnected session is
// reported in the body but does not fail the check.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DBPingTimeout)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	database := "ok"
	if err := h.db.Ping(ctx); err != nil {
		log.Warn().Err(err).Msg("health check database ping failed")
		status = "degraded"
		code = http.StatusServiceUnavailable
		database = "unreachable"
	}

	state := h.session.Snapshot()
	sess := map[string]any{
		"sessionId": h.session.SessionID(),
		"phase":     state.Phase,
		"connected": state.Connected(),
		"exhausted": state.Exhausted,
	}
	if last := h.session.LastCredentialWrite(); !last.IsZero() {
		sess["lastCredentialWrite"] = last.UTC()
	}
	if database == "ok" {
		artifacts, err := h.artifacts.List(ctx, h.session.SessionID())
		if err != nil {
			log.Warn().Err(err).Msg("health check failed to list credential artifacts")
		} else {
			sess["artifacts"] = len(artifacts)
		}
	}

	writeJSON(w, code, map[string]any{
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
		"database":  database,
		"session":   sess,
	})
}
