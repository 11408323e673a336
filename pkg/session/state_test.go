package session

import (
	"testing"

	"github.com/OmarNassar1127/realtime-voice-rag/pkg/protocol"
)

func TestPhaseSendLegality(t *testing.T) {
	phases := []Phase{PhaseUninitialized, PhaseNegotiating, PhaseReady, PhaseTurnActive, PhaseClosed}
	legal := map[Phase]map[string]bool{
		PhaseNegotiating: {protocol.TypeSessionCreate: true},
		PhaseReady: {
			protocol.TypeAudioAppend: true,
			protocol.TypeAudioCommit: true,
			protocol.TypeItemCreate:  true,
		},
		PhaseTurnActive: {protocol.TypeResponseCreate: true},
	}
	messageTypes := []string{
		protocol.TypeSessionCreate,
		protocol.TypeAudioAppend,
		protocol.TypeAudioCommit,
		protocol.TypeItemCreate,
		protocol.TypeResponseCreate,
	}

	for _, phase := range phases {
		for _, messageType := range messageTypes {
			want := legal[phase][messageType]
			if got := phase.CanSend(messageType); got != want {
				t.Fatalf("phase %s, type %s: CanSend=%v, want %v", phase, messageType, got, want)
			}
		}
	}
}

func TestPhaseRejectsUnknownMessageType(t *testing.T) {
	if PhaseReady.CanSend("made.up") {
		t.Fatal("unknown message type must never be legal")
	}
}
