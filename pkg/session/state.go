// Package session owns the persistent backend connection: the websocket
// transport with its reconnect policy, the negotiation state machine, and
// the controller event loop that ties capture, playback, transcript, and
// citations together.
package session

import (
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/protocol"
)

// Phase is the session lifecycle state. Transitions:
// Uninitialized → Negotiating → Ready ⇄ TurnActive, with Closed terminal.
// A fresh session is renegotiated after every reconnect; sessions are never
// resumed across connections.
type Phase string

const (
	PhaseUninitialized Phase = "uninitialized"
	PhaseNegotiating   Phase = "negotiating"
	PhaseReady         Phase = "ready"
	PhaseTurnActive    Phase = "turn_active"
	PhaseClosed        Phase = "closed"
)

// CanSend reports whether a client message of the given type is legal in
// this phase. Illegal sends are rejected locally and never reach the wire;
// in particular a commit or text submit while a turn is already active is
// rejected here, not by the backend.
func (p Phase) CanSend(messageType string) bool {
	switch messageType {
	case protocol.TypeSessionCreate:
		return p == PhaseNegotiating
	case protocol.TypeAudioAppend, protocol.TypeAudioCommit, protocol.TypeItemCreate:
		return p == PhaseReady
	case protocol.TypeResponseCreate:
		return p == PhaseTurnActive
	default:
		return false
	}
}

// Session is the negotiated session identity and shape. Invalidated on
// disconnect.
type Session struct {
	ID     string
	Config protocol.SessionConfig
}
