package session

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
)

// Reconnect defaults: half a second doubling to a ten second ceiling, five
// attempts before the failure turns fatal.
const (
	DefaultReconnectBase        = 500 * time.Millisecond
	DefaultReconnectCap         = 10 * time.Second
	DefaultReconnectMaxAttempts = 5
)

// ReconnectPolicy governs recovery from non-normal socket closure. The
// delay before attempt n is min(Base * 2^n, Cap); after MaxAttempts no
// further attempt is scheduled. Close codes in TerminalCloseCodes suppress
// reconnection entirely.
type ReconnectPolicy struct {
	Base               time.Duration
	Cap                time.Duration
	MaxAttempts        int
	TerminalCloseCodes []int
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Base <= 0 {
		p.Base = DefaultReconnectBase
	}
	if p.Cap <= 0 {
		p.Cap = DefaultReconnectCap
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultReconnectMaxAttempts
	}
	if p.TerminalCloseCodes == nil {
		p.TerminalCloseCodes = []int{websocket.CloseNormalClosure}
	}
	return p
}

// IsTerminal reports whether a close code suppresses reconnection. A
// normal closure never triggers a reconnect.
func (p ReconnectPolicy) IsTerminal(code int) bool {
	for _, terminal := range p.TerminalCloseCodes {
		if code == terminal {
			return true
		}
	}
	return false
}

// reconnectState tracks one recovery episode: the attempt counter and the
// capped exponential backoff. Reset by building a fresh one after every
// successful handshake.
type reconnectState struct {
	policy   ReconnectPolicy
	attempts int
	backoff  retry.Backoff
}

func (p ReconnectPolicy) newState() *reconnectState {
	return &reconnectState{
		policy:  p,
		backoff: retry.WithCappedDuration(p.Cap, retry.NewExponential(p.Base)),
	}
}

// NextDelay returns the wait before the next attempt, or false once the
// attempt budget is exhausted.
func (s *reconnectState) NextDelay() (time.Duration, bool) {
	if s.attempts >= s.policy.MaxAttempts {
		return 0, false
	}
	s.attempts++
	delay, stop := s.backoff.Next()
	if stop {
		return 0, false
	}
	return delay, true
}
