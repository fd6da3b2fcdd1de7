package service

import (
	"context"
	"errors"
	"fmt"
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

func setupNotificationRepo(t *testing.T) repository.NotificationRepository {
	t.Helper()

	path := filepath.Join(t.TempDir(), "service.db")
	db, err := database.Connect(database.DriverSQLite, "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.Migrate(context.Background(), db.DB))
	return repository.NewNotificationRepository(db.DB)
}

type sentMessage struct {
	address string
	body    string
}

// fakeSession stands in for the session manager.
type fakeSession struct {
	mu         sync.Mutex
	state      session.State
	sent       []sentMessage
	failFor    map[string]error
	registered map[string]string
	sendDelay  time.Duration
}

func newFakeSession(connected bool) *fakeSession {
	f := &fakeSession{
		failFor:    map[string]error{},
		registered: map[string]string{},
	}
	f.setConnected(connected)
	return f
}

func (f *fakeSession) setConnected(connected bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if connected {
		f.state = session.State{SessionID: "default", Phase: session.PhaseConnected, ConnectedIdentity: "5491100000000"}
	} else {
		f.state = session.State{SessionID: "default", Phase: session.PhaseDisconnected}
	}
}

func (f *fakeSession) Snapshot() session.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSession) Send(ctx context.Context, address, body string) (session.Receipt, error) {
	if f.sendDelay > 0 {
		time.Sleep(f.sendDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Connected() {
		return session.Receipt{}, apperrors.NotConnected()
	}
	if err := f.failFor[address]; err != nil {
		return session.Receipt{}, apperrors.Provider(err)
	}
	f.sent = append(f.sent, sentMessage{address: address, body: body})
	return session.Receipt{ID: fmt.Sprintf("3EB0%04d", len(f.sent)), Timestamp: time.Now()}, nil
}

func (f *fakeSession) CheckNumbers(ctx context.Context, phones []string) ([]session.NumberStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.state.Connected() {
		return nil, apperrors.NotConnected()
	}
	out := make([]session.NumberStatus, 0, len(phones))
	for _, p := range phones {
		addr, ok := f.registered[p]
		out = append(out, session.NumberStatus{Query: p, Address: addr, Exists: ok})
	}
	return out, nil
}

func (f *fakeSession) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeLimiter struct {
	deny map[string]bool
}

func (l *fakeLimiter) Allow(ctx context.Context, address string) (bool, time.Time) {
	return !l.deny[address], time.Now().Add(time.Minute)
}

var errProviderRejected = errors.New("server returned error 463")
