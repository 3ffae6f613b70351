package channel

import (
	"errors"
	"fmt"
	"time"
)

// State is a session's position in the connection lifecycle.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateDisconnected},
	StateConnected:    {StateReconnecting, StateDisconnected},
	StateReconnecting: {StateConnected, StateDisconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotConnected = errors.New("channel: not connected")
	// ErrAuthenticationFailed is reported when the server rejects the
	// operator token.
	ErrAuthenticationFailed = errors.New("channel: authentication failed")
	// ErrUnauthorized rejects location sends on an unauthenticated session.
	ErrUnauthorized            = fmt.Errorf("channel: unauthorized: %w", ErrAuthenticationFailed)
	ErrConnectionUnrecoverable = errors.New("channel: connection unrecoverable")
	ErrSendBufferFull          = errors.New("channel: send buffer full")
	ErrInvalidTransition       = errors.New("channel: invalid state transition")
)

// BackoffDelay is the wait before reconnect attempt n (1-based):
// min(BaseDelay * 2^(n-1), MaxDelay).
func BackoffDelay(cfg Config, attempt int) time.Duration {
	base, ceiling := cfg.BaseDelay, cfg.MaxDelay
	if base <= 0 {
		base = time.Second
	}
	if ceiling < base {
		ceiling = base
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	return d
}
