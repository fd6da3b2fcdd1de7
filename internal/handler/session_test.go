package handler

import (
	"bytes"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/session"
)

func TestSessionHandler_Register(t *testing.T) {
	r := chi.NewRouter()
	NewSessionHandler(newStubSession(session.PhaseDisconnected)).Register(r)

	assert.ElementsMatch(t, []string{
		"GET /qr",
		"POST /initialize",
		"POST /restart",
		"POST /clear-session",
	}, registeredRoutes(t, r))
}

func TestSessionHandler_QR(t *testing.T) {
	t.Run("renders the pairing code as PNG", func(t *testing.T) {
		sess := newStubSession(session.PhaseAwaitingPairing)
		sess.state.PairingCode = "2@abc,def,ghi"
		router := NewSessionHandler(sess).Routes()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/qr", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
		assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

		img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
		require.NoError(t, err)
		assert.Equal(t, qrImageSize, img.Bounds().Dx())
	})

	t.Run("404 without a pairing code", func(t *testing.T) {
		router := NewSessionHandler(newStubSession(session.PhaseConnected)).Routes()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/qr", nil))

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "NOT_FOUND", decodeBody(t, rec)["code"])
	})
}

func TestSessionHandler_Operations(t *testing.T) {
	tests := []struct {
		path      string
		wantCall  string
		wantPhase string
	}{
		{"/initialize", "start", "connecting"},
		{"/restart", "restart", "connecting"},
		{"/clear-session", "logout", "disconnected"},
	}

	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			sess := newStubSession(session.PhaseDisconnected)
			router := NewSessionHandler(sess).Routes()

			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, tc.path, nil))

			require.Equal(t, http.StatusOK, rec.Code)
			assert.Equal(t, []string{tc.wantCall}, sess.calls)

			body := decodeBody(t, rec)
			assert.Equal(t, true, body["success"])
			state := body["state"].(map[string]any)
			assert.Equal(t, tc.wantPhase, state["phase"])
		})
	}

	t.Run("maps manager errors", func(t *testing.T) {
		sess := newStubSession(session.PhaseDisconnected)
		sess.opErr = apperrors.SessionLocked()
		router := NewSessionHandler(sess).Routes()

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/initialize", nil))

		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "SESSION_LOCKED", decodeBody(t, rec)["code"])
	})
}
