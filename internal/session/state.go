package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/psicoagenda/wa-gateway/internal/model"
)

type Phase string

const (
	PhaseDisconnected    Phase = "disconnected"
	PhaseConnecting      Phase = "connecting"
	PhaseAwaitingPairing Phase = "awaiting_pairing"
	PhaseConnected       Phase = "connected"
)

// State is the connection state of one session. Copies are handed out to
// readers; only the Manager mutates the original.
type State struct {
	SessionID            string    `json:"sessionId"`
	Phase                Phase     `json:"phase"`
	PairingCode          string    `json:"pairingCode,omitempty"`
	ConnectedIdentity    string    `json:"connectedIdentity,omitempty"`
	ReconnectAttempts    int       `json:"reconnectAttempts"`
	LastTransitionAt     time.Time `json:"lastTransitionAt"`
	LastDisconnectReason string    `json:"lastDisconnectReason,omitempty"`
	Exhausted            bool      `json:"exhausted"`
	LastError            string    `json:"lastError,omitempty"`
}

func (s State) Connected() bool {
	return s.Phase == PhaseConnected
}

// CloseKind classifies why a connection ended.
type CloseKind int

const (
	// CloseRecoverable: same credentials may reconnect.
	CloseRecoverable CloseKind = iota
	// CloseTerminal: credentials were revoked and must be discarded.
	CloseTerminal
	// CloseHalted: stop without retrying and without discarding credentials.
	CloseHalted
)

func (k CloseKind) String() string {
	switch k {
	case CloseRecoverable:
		return "recoverable"
	case CloseTerminal:
		return "terminal"
	case CloseHalted:
		return "halted"
	}
	return fmt.Sprintf("CloseKind(%d)", int(k))
}

// Event is anything that can move the state machine or needs the manager's
// attention. Network adapters emit PairingCodeIssued, HandshakeCompleted,
// ConnectionClosed and CredentialsRotated.
type Event interface {
	eventName() string
}

type StartRequested struct {
	// Manual starts clear the attempt counter and the exhausted flag.
	Manual bool
}

type PairingCodeIssued struct {
	Code string
}

type HandshakeCompleted struct {
	Identity string
}

type ConnectionClosed struct {
	Kind   CloseKind
	Reason string
	// Code is a stable error code surfaced in State.LastError for halts.
	Code string
}

// LogoutRequested is an operator-initiated terminal disconnect.
type LogoutRequested struct{}

// StopRequested is process shutdown: disconnect, keep credentials.
type StopRequested struct{}

// CredentialsRotated carries a fresh device identity snapshot to persist.
type CredentialsRotated struct {
	Creds model.DeviceCredentials
}

func (StartRequested) eventName() string     { return "start_requested" }
func (PairingCodeIssued) eventName() string  { return "pairing_code_issued" }
func (HandshakeCompleted) eventName() string { return "handshake_completed" }
func (ConnectionClosed) eventName() string   { return "connection_closed" }
func (LogoutRequested) eventName() string    { return "logout_requested" }
func (StopRequested) eventName() string      { return "stop_requested" }
func (CredentialsRotated) eventName() string { return "credentials_rotated" }

// Effect is the side effect the manager must carry out after a transition.
type Effect int

const (
	EffectNone Effect = iota
	EffectScheduleReconnect
	EffectWipeCredentials
	EffectHalt
)

// Policy bounds automatic reconnection.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Delay is the wait before reconnect attempt n (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	return p.BaseDelay * time.Duration(attempt)
}

type Outcome struct {
	Next   State
	Effect Effect
	Delay  time.Duration
}

var ErrInvalidTransition = errors.New("invalid transition")

// Transition is the whole state machine. It is pure: the caller owns the
// state and performs the returned effect.
func Transition(s State, ev Event, p Policy, now time.Time) (Outcome, error) {
	next := s
	next.LastTransitionAt = now
	out := Outcome{Next: next}

	switch e := ev.(type) {
	case StartRequested:
		if s.Phase != PhaseDisconnected {
			return Outcome{Next: s}, invalid(s, ev)
		}
		out.Next.Phase = PhaseConnecting
		out.Next.PairingCode = ""
		out.Next.ConnectedIdentity = ""
		out.Next.LastError = ""
		if e.Manual {
			out.Next.ReconnectAttempts = 0
			out.Next.Exhausted = false
		}

	case PairingCodeIssued:
		if s.Phase != PhaseConnecting && s.Phase != PhaseAwaitingPairing {
			return Outcome{Next: s}, invalid(s, ev)
		}
		out.Next.Phase = PhaseAwaitingPairing
		out.Next.PairingCode = e.Code
		out.Next.ConnectedIdentity = ""

	case HandshakeCompleted:
		if s.Phase != PhaseConnecting && s.Phase != PhaseAwaitingPairing {
			return Outcome{Next: s}, invalid(s, ev)
		}
		out.Next.Phase = PhaseConnected
		out.Next.PairingCode = ""
		out.Next.ConnectedIdentity = e.Identity
		out.Next.ReconnectAttempts = 0
		out.Next.Exhausted = false
		out.Next.LastError = ""

	case ConnectionClosed:
		if s.Phase == PhaseDisconnected {
			return Outcome{Next: s}, invalid(s, ev)
		}
		out.Next = closed(next, e.Reason)
		switch e.Kind {
		case CloseTerminal:
			out.Next.ReconnectAttempts = 0
			out.Effect = EffectWipeCredentials
		case CloseHalted:
			out.Next.LastError = e.Code
			out.Effect = EffectHalt
		default:
			if s.ReconnectAttempts < p.MaxAttempts {
				out.Next.ReconnectAttempts = s.ReconnectAttempts + 1
				out.Effect = EffectScheduleReconnect
				out.Delay = p.Delay(out.Next.ReconnectAttempts)
			} else {
				out.Next.Exhausted = true
				out.Next.LastError = "RECONNECT_EXHAUSTED"
				out.Effect = EffectHalt
			}
		}

	case LogoutRequested:
		out.Next = closed(next, "logout requested")
		out.Next.ReconnectAttempts = 0
		out.Next.Exhausted = false
		out.Next.LastError = ""
		out.Effect = EffectWipeCredentials

	case StopRequested:
		out.Next = closed(next, "shutdown")
		out.Effect = EffectHalt

	default:
		return Outcome{Next: s}, invalid(s, ev)
	}

	return out, nil
}

func closed(s State, reason string) State {
	s.Phase = PhaseDisconnected
	s.PairingCode = ""
	s.ConnectedIdentity = ""
	s.LastDisconnectReason = reason
	return s
}

func invalid(s State, ev Event) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev.eventName(), s.Phase)
}
