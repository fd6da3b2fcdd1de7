package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/psicoagenda/wa-gateway/internal/config"
	apperrors "github.com/psicoagenda/wa-gateway/internal/errors"
	"github.com/psicoagenda/wa-gateway/internal/model"
	"github.com/psicoagenda/wa-gateway/internal/retry"
)

// CredentialStore is the durable home of session credential artifacts.
type CredentialStore interface {
	Read(ctx context.Context, sessionID, artifact string) ([]byte, bool, error)
	Write(ctx context.Context, sessionID, artifact string, payload []byte) error
	ClearAll(ctx context.Context, sessionID string) (int64, error)
}

// Dialer opens connections to the chat network. Emit is called from the
// network's goroutines for every lifecycle event of the returned Conn.
type Dialer interface {
	Dial(ctx context.Context, creds *model.DeviceCredentials, emit func(Event)) (Conn, error)
	// Forget drops network-side device state kept outside the CredentialStore.
	Forget(ctx context.Context, creds *model.DeviceCredentials) error
}

type Conn interface {
	Send(ctx context.Context, address, body string) (Receipt, error)
	CheckNumbers(ctx context.Context, phones []string) ([]NumberStatus, error)
	Logout(ctx context.Context) error
	Close()
}

type Receipt struct {
	ID        string
	Timestamp time.Time
}

type NumberStatus struct {
	Query   string
	Address string
	Exists  bool
}

// Locker grants the cross-process lease on a session. Acquire returns a nil
// Lease when another process holds it.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type Lease interface {
	Refresh(ctx context.Context) error
	Release(ctx context.Context) error
}

type Config struct {
	SessionID            string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	LeaseKey             string
	LeaseTTL             time.Duration
	LeaseRefresh         time.Duration
}

// Manager owns the single connection of a session. All state changes go
// through Transition under mu; observers see them in order.
type Manager struct {
	cfg    Config
	policy Policy
	store  CredentialStore
	dialer Dialer
	locker Locker

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	conn        Conn
	gen         uint64
	timerSeq    uint64
	stopTimer   func() bool
	lease       Lease
	leaseDone   chan struct{}
	lastCredsAt time.Time
	stopped     bool
	starting    bool

	// storeMu orders artifact writes against wipes.
	storeMu sync.Mutex

	observers []func(State)
	notify    chan State

	now            func() time.Time
	afterFunc      func(d time.Duration, f func()) func() bool
	writeAttempts  int
	writeBackoff   time.Duration
	dispatcherDone chan struct{}
}

func NewManager(cfg Config, store CredentialStore, dialer Dialer, locker Locker) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = config.SessionLeaseTTL
	}
	if cfg.LeaseRefresh == 0 {
		cfg.LeaseRefresh = config.SessionLeaseRefresh
	}

	m := &Manager{
		cfg: cfg,
		policy: Policy{
			MaxAttempts: cfg.MaxReconnectAttempts,
			BaseDelay:   cfg.ReconnectBaseDelay,
		},
		store:  store,
		dialer: dialer,
		locker: locker,
		ctx:    ctx,
		cancel: cancel,
		state: State{
			SessionID:        cfg.SessionID,
			Phase:            PhaseDisconnected,
			LastTransitionAt: time.Now(),
		},
		notify: make(chan State, 64),
		now:    time.Now,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
		writeAttempts:  config.CredentialWriteAttempts,
		writeBackoff:   config.CredentialWriteBackoff,
		dispatcherDone: make(chan struct{}),
	}
	go m.dispatch()
	return m
}

// OnTransition registers an observer. Register before Start.
func (m *Manager) OnTransition(fn func(State)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) SessionID() string {
	return m.cfg.SessionID
}

// Snapshot returns a copy of the current state.
func (m *Manager) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// LastCredentialWrite reports when credentials were last persisted by this process.
func (m *Manager) LastCredentialWrite() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastCredsAt
}

// Start opens the connection. It is a no-op returning the current state
// when a connection is already being established or is up.
func (m *Manager) Start(ctx context.Context) (State, error) {
	return m.start(ctx, true)
}

func (m *Manager) start(ctx context.Context, manual bool) (State, error) {
	m.mu.Lock()
	if m.stopped {
		s := m.state
		m.mu.Unlock()
		return s, apperrors.InvalidState("session manager is shutting down")
	}
	if m.state.Phase != PhaseDisconnected || m.starting {
		s := m.state
		m.mu.Unlock()
		return s, nil
	}
	m.cancelReconnectLocked()
	m.starting = true
	leaseGen := m.gen
	m.mu.Unlock()

	lease, err := m.acquireLease(ctx)

	m.mu.Lock()
	m.starting = false
	if err != nil {
		s := m.state
		m.mu.Unlock()
		return s, err
	}
	if m.stopped || m.gen != leaseGen || m.state.Phase != PhaseDisconnected {
		s := m.state
		m.mu.Unlock()
		if lease != nil {
			if err := lease.Release(ctx); err != nil {
				log.Warn().Err(err).Str("sessionId", m.cfg.SessionID).Msg("failed to release session lease")
			}
		}
		return s, nil
	}
	if lease != nil {
		m.lease = lease
		m.leaseDone = make(chan struct{})
		go m.keepLease(lease, m.leaseDone)
	}

	if _, err := m.applyLocked(StartRequested{Manual: manual}); err != nil {
		s := m.state
		m.mu.Unlock()
		return s, err
	}
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	creds, err := m.loadCredentials(ctx)
	if err != nil {
		log.Error().Err(err).Str("sessionId", m.cfg.SessionID).Msg("failed to load session credentials")
		m.handle(gen, ConnectionClosed{Kind: CloseHalted, Reason: "credential read failed", Code: string(apperrors.ErrCodeStore)})
		return m.Snapshot(), apperrors.Store(err)
	}
	if creds == nil {
		log.Info().Str("sessionId", m.cfg.SessionID).Msg("no stored credentials, starting a new device")
	}

	conn, err := m.dialer.Dial(m.ctx, creds, func(ev Event) { m.handle(gen, ev) })
	if err != nil {
		log.Warn().Err(err).Str("sessionId", m.cfg.SessionID).Msg("dial failed")
		m.handle(gen, ConnectionClosed{Kind: CloseRecoverable, Reason: "dial failed: " + err.Error()})
		return m.Snapshot(), apperrors.Provider(err)
	}

	m.mu.Lock()
	if m.gen != gen || m.state.Phase == PhaseDisconnected {
		s := m.state
		m.mu.Unlock()
		conn.Close()
		return s, nil
	}
	m.conn = conn
	s := m.state
	m.mu.Unlock()

	return s, nil
}

// Logout is an operator-initiated terminal disconnect: the network session
// is logged out and every credential artifact is removed.
func (m *Manager) Logout(ctx context.Context) (State, error) {
	m.mu.Lock()
	m.cancelReconnectLocked()
	conn := m.detachLocked()
	m.applyLocked(LogoutRequested{})
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Logout(ctx); err != nil {
			log.Warn().Err(err).Str("sessionId", m.cfg.SessionID).Msg("network logout failed, wiping locally")
		}
		conn.Close()
	}

	err := m.wipe(ctx)
	m.releaseLease(ctx)
	return m.Snapshot(), err
}

// Restart performs a terminal disconnect followed by a fresh Start.
func (m *Manager) Restart(ctx context.Context) (State, error) {
	if _, err := m.Logout(ctx); err != nil {
		return m.Snapshot(), err
	}
	return m.Start(ctx)
}

// Stop disconnects without touching credentials and releases the lease.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.cancelReconnectLocked()
	conn := m.detachLocked()
	if m.state.Phase != PhaseDisconnected {
		m.applyLocked(StopRequested{})
	}
	m.stopped = true
	close(m.notify)
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.releaseLease(ctx)

	m.cancel()
	<-m.dispatcherDone
}

// Send forwards a text message over the live connection.
func (m *Manager) Send(ctx context.Context, address, body string) (Receipt, error) {
	conn, err := m.liveConn()
	if err != nil {
		return Receipt{}, err
	}
	receipt, err := conn.Send(ctx, address, body)
	if err != nil {
		return Receipt{}, apperrors.Provider(err)
	}
	return receipt, nil
}

// CheckNumbers asks the network which phones are registered.
func (m *Manager) CheckNumbers(ctx context.Context, phones []string) ([]NumberStatus, error) {
	conn, err := m.liveConn()
	if err != nil {
		return nil, err
	}
	statuses, err := conn.CheckNumbers(ctx, phones)
	if err != nil {
		return nil, apperrors.Provider(err)
	}
	return statuses, nil
}

func (m *Manager) liveConn() (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Phase != PhaseConnected || m.conn == nil {
		if m.state.Exhausted {
			return nil, apperrors.ReconnectExhausted().WithDetails(map[string]any{
				"attempts": m.state.ReconnectAttempts,
			})
		}
		return nil, apperrors.NotConnected().WithDetails(map[string]any{
			"phase":     m.state.Phase,
			"exhausted": m.state.Exhausted,
		})
	}
	return m.conn, nil
}

// handle is the single entry point for events of connection generation gen.
func (m *Manager) handle(gen uint64, ev Event) {
	if rotated, ok := ev.(CredentialsRotated); ok {
		m.persistCredentials(gen, rotated.Creds)
		return
	}

	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		log.Debug().Str("event", ev.eventName()).Msg("dropping event from stale connection")
		return
	}

	out, err := m.applyLocked(ev)
	if err != nil {
		m.mu.Unlock()
		log.Debug().Err(err).Msg("ignoring event")
		return
	}

	var conn Conn
	switch out.Effect {
	case EffectScheduleReconnect:
		conn = m.detachLocked()
		m.scheduleReconnectLocked(out.Delay)
	case EffectWipeCredentials, EffectHalt:
		conn = m.detachLocked()
	}
	m.mu.Unlock()

	if conn != nil {
		go conn.Close()
	}

	switch out.Effect {
	case EffectWipeCredentials:
		log.Warn().Str("sessionId", m.cfg.SessionID).Str("reason", out.Next.LastDisconnectReason).
			Msg("session logged out by the network, wiping credentials")
		if err := m.wipe(m.ctx); err != nil {
			log.Error().Err(err).Str("sessionId", m.cfg.SessionID).Msg("failed to wipe credentials after logout")
		}
		m.releaseLease(m.ctx)
	case EffectHalt:
		log.Error().Str("sessionId", m.cfg.SessionID).Str("code", out.Next.LastError).
			Str("reason", out.Next.LastDisconnectReason).Msg("session halted, manual restart required")
		m.releaseLease(m.ctx)
	}

	if _, ok := ev.(HandshakeCompleted); ok {
		m.recordConnection(gen)
	}
}

func (m *Manager) applyLocked(ev Event) (Outcome, error) {
	out, err := Transition(m.state, ev, m.policy, m.now())
	if err != nil {
		return out, err
	}

	prev := m.state.Phase
	m.state = out.Next

	evt := log.Info().
		Str("sessionId", m.cfg.SessionID).
		Str("event", ev.eventName()).
		Str("from", string(prev)).
		Str("to", string(out.Next.Phase)).
		Int("reconnectAttempts", out.Next.ReconnectAttempts)
	if out.Effect == EffectScheduleReconnect {
		evt = evt.Dur("reconnectIn", out.Delay)
	}
	evt.Msg("session transition")

	if !m.stopped {
		select {
		case m.notify <- m.state:
		default:
			log.Warn().Str("sessionId", m.cfg.SessionID).Msg("transition observer queue full, dropping update")
		}
	}
	return out, nil
}

func (m *Manager) dispatch() {
	defer close(m.dispatcherDone)
	for s := range m.notify {
		m.mu.Lock()
		observers := slices.Clone(m.observers)
		m.mu.Unlock()
		for _, fn := range observers {
			fn(s)
		}
	}
}

// detachLocked takes the live connection out of the manager and invalidates
// events still in flight from it.
func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return gen == m.gen
}

func (m *Manager) detachLocked() Conn {
	conn := m.conn
	m.conn = nil
	m.gen++
	return conn
}

func (m *Manager) scheduleReconnectLocked(delay time.Duration) {
	m.cancelReconnectLocked()
	m.timerSeq++
	seq := m.timerSeq
	m.stopTimer = m.afterFunc(delay, func() {
		m.mu.Lock()
		if seq != m.timerSeq {
			m.mu.Unlock()
			return
		}
		m.stopTimer = nil
		m.mu.Unlock()

		if _, err := m.start(m.ctx, false); err != nil {
			log.Warn().Err(err).Str("sessionId", m.cfg.SessionID).Msg("reconnect attempt failed")
		}
	})
}

func (m *Manager) cancelReconnectLocked() {
	m.timerSeq++
	if m.stopTimer != nil {
		m.stopTimer()
		m.stopTimer = nil
	}
}

func (m *Manager) loadCredentials(ctx context.Context) (*model.DeviceCredentials, error) {
	payload, found, err := m.store.Read(ctx, m.cfg.SessionID, model.ArtifactCreds)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	var creds model.DeviceCredentials
	if err := json.Unmarshal(payload, &creds); err != nil {
		log.Warn().Err(err).Str("sessionId", m.cfg.SessionID).Msg("stored credentials are unreadable, starting a new device")
		return nil, nil
	}
	if creds.JID == "" {
		return nil, nil
	}
	return &creds, nil
}

// persistCredentials writes a rotation. Persistent failure halts the session:
// running on credentials the store does not hold would strand the device.
func (m *Manager) persistCredentials(gen uint64, creds model.DeviceCredentials) {
	m.mu.Lock()
	stale := gen != m.gen
	m.mu.Unlock()
	if stale {
		log.Warn().Str("sessionId", m.cfg.SessionID).Msg("ignoring credential rotation from a closed connection")
		return
	}

	payload, err := json.Marshal(creds)
	if err == nil {
		m.storeMu.Lock()
		if m.current(gen) {
			err = retry.Do(m.ctx, m.writeAttempts, m.writeBackoff, func() error {
				return m.store.Write(m.ctx, m.cfg.SessionID, model.ArtifactCreds, payload)
			})
		} else {
			stale = true
		}
		m.storeMu.Unlock()
	}
	if stale {
		log.Warn().Str("sessionId", m.cfg.SessionID).Msg("dropping credential rotation, session was reset")
		return
	}
	if err == nil {
		m.mu.Lock()
		m.lastCredsAt = m.now()
		m.mu.Unlock()
		log.Debug().Str("sessionId", m.cfg.SessionID).Str("jid", creds.JID).Msg("credentials persisted")
		return
	}

	log.Error().Err(err).Str("sessionId", m.cfg.SessionID).Msg("credential write failed, halting session")
	m.handle(gen, ConnectionClosed{
		Kind:   CloseHalted,
		Reason: "credential write failed",
		Code:   string(apperrors.ErrCodeStore),
	})
}

// recordConnection updates the device artifact for connection generation gen.
// The write is skipped once a logout or restart has moved past gen.
func (m *Manager) recordConnection(gen uint64) {
	var info model.DeviceInfo
	payload, found, err := m.store.Read(m.ctx, m.cfg.SessionID, model.ArtifactDevice)
	if err == nil && found {
		_ = json.Unmarshal(payload, &info)
	}
	info.LastConnectedAt = m.now().UTC()
	info.ConnectCount++

	payload, err = json.Marshal(info)
	if err == nil {
		m.storeMu.Lock()
		if m.current(gen) {
			err = m.store.Write(m.ctx, m.cfg.SessionID, model.ArtifactDevice, payload)
		} else {
			log.Debug().Str("sessionId", m.cfg.SessionID).Msg("skipping device record for a reset session")
		}
		m.storeMu.Unlock()
	}
	if err != nil {
		log.Warn().Err(err).Str("sessionId", m.cfg.SessionID).Msg("failed to record connection")
	}
}

// wipe removes network-side device state and every stored artifact.
func (m *Manager) wipe(ctx context.Context) error {
	creds, err := m.loadCredentials(ctx)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", m.cfg.SessionID).Msg("could not read credentials before wipe")
	}
	if creds != nil {
		if err := m.dialer.Forget(ctx, creds); err != nil {
			log.Warn().Err(err).Str("sessionId", m.cfg.SessionID).Msg("failed to forget device")
		}
	}

	var removed int64
	m.storeMu.Lock()
	err = retry.Do(ctx, m.writeAttempts, m.writeBackoff, func() error {
		var err error
		removed, err = m.store.ClearAll(ctx, m.cfg.SessionID)
		return err
	})
	m.storeMu.Unlock()
	if err != nil {
		return apperrors.Store(fmt.Errorf("clear credentials: %w", err))
	}

	log.Info().Str("sessionId", m.cfg.SessionID).Int64("removed", removed).Msg("session credentials wiped")
	return nil
}

// acquireLease takes the cross-process lease without holding mu. It returns
// a nil Lease when there is no locker or this manager already holds one.
func (m *Manager) acquireLease(ctx context.Context) (Lease, error) {
	m.mu.Lock()
	held := m.lease != nil
	m.mu.Unlock()
	if m.locker == nil || held {
		return nil, nil
	}

	lease, err := m.locker.Acquire(ctx, m.cfg.LeaseKey, m.cfg.LeaseTTL)
	if err != nil {
		return nil, apperrors.Internal("failed to acquire session lease").WithCause(err)
	}
	if lease == nil {
		return nil, apperrors.SessionLocked()
	}
	return lease, nil
}

func (m *Manager) keepLease(lease Lease, done chan struct{}) {
	ticker := time.NewTicker(m.cfg.LeaseRefresh)
	defer ticker.Stop()

	lastOK := time.Now()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			err := lease.Refresh(m.ctx)
			if err == nil {
				lastOK = time.Now()
				continue
			}
			log.Warn().Err(err).Str("sessionId", m.cfg.SessionID).Msg("session lease refresh failed")
			if time.Since(lastOK) < m.cfg.LeaseTTL {
				continue
			}

			m.mu.Lock()
			gen := m.gen
			m.mu.Unlock()
			m.handle(gen, ConnectionClosed{Kind: CloseHalted, Reason: "session lease lost", Code: string(apperrors.ErrCodeSessionLocked)})
			return
		}
	}
}

func (m *Manager) releaseLease(ctx context.Context) {
	m.mu.Lock()
	lease := m.lease
	done := m.leaseDone
	m.lease = nil
	m.leaseDone = nil
	m.mu.Unlock()

	if lease == nil {
		return
	}
	close(done)
	if err := lease.Release(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Str("sessionId", m.cfg.SessionID).Msg("failed to release session lease")
	}
}
