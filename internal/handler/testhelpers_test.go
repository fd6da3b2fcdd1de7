package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/psicoagenda/wa-gateway/internal/database"
	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/repository"
	"github.com/psicoagenda/wa-gateway/internal/session"
)

func setupRepo(t *testing.T) (*database.DB, repository.NotificationRepository) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "handler.db")
	db, err := database.Connect(database.DriverSQLite, "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db.DB))
	return db, repository.NewNotificationRepository(db.DB)
}

// stubSession implements every session-facing interface the handlers use.
type stubSession struct {
	mu        sync.Mutex
	state     session.State
	sent      int
	opErr     error
	lastWrite time.Time
	calls     []string
}

func newStubSession(phase session.Phase) *stubSession {
	return &stubSession{state: session.State{SessionID: "default", Phase: phase}}
}

func (s *stubSession) SessionID() string { return "default" }

func (s *stubSession) Snapshot() session.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubSession) LastCredentialWrite() time.Time { return s.lastWrite }

func (s *stubSession) Send(ctx context.Context, address, body string) (session.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.state.Connected() {
		return session.Receipt{}, apperrors.NotConnected()
	}
	s.sent++
	return session.Receipt{ID: fmt.Sprintf("3EB0%04d", s.sent), Timestamp: time.Now()}, nil
}

func (s *stubSession) CheckNumbers(ctx context.Context, phones []string) ([]session.NumberStatus, error) {
	out := make([]session.NumberStatus, 0, len(phones))
	for _, p := range phones {
		out = append(out, session.NumberStatus{Query: p, Exists: true, Address: p[1:] + "@s.whatsapp.net"})
	}
	return out, nil
}

func (s *stubSession) op(name string, phase session.Phase) (session.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	if s.opErr != nil {
		return s.state, s.opErr
	}
	s.state.Phase = phase
	return s.state, nil
}

func (s *stubSession) Start(ctx context.Context) (session.State, error) {
	return s.op("start", session.PhaseConnecting)
}

func (s *stubSession) Restart(ctx context.Context) (session.State, error) {
	return s.op("restart", session.PhaseConnecting)
}

func (s *stubSession) Logout(ctx context.Context) (session.State, error) {
	return s.op("logout", session.PhaseDisconnected)
}

func jsonRequest(t *testing.T, method, path string, body any) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
