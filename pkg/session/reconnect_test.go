package session

import (
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestReconnectDelaysFollowCappedExponential(t *testing.T) {
	policy := ReconnectPolicy{
		Base:        100 * time.Millisecond,
		Cap:         350 * time.Millisecond,
		MaxAttempts: 5,
	}.withDefaults()

	want := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
		350 * time.Millisecond,
	}

	state := policy.newState()
	for i, wantDelay := range want {
		delay, ok := state.NextDelay()
		if !ok {
			t.Fatalf("attempt %d: budget exhausted early", i)
		}
		if delay != wantDelay {
			t.Fatalf("attempt %d: delay=%v, want %v", i, delay, wantDelay)
		}
	}
	if _, ok := state.NextDelay(); ok {
		t.Fatal("expected no attempt after the configured maximum")
	}
}

func TestReconnectPolicyDefaults(t *testing.T) {
	policy := ReconnectPolicy{}.withDefaults()
	if policy.Base != DefaultReconnectBase || policy.Cap != DefaultReconnectCap {
		t.Fatalf("defaults not applied: base=%v cap=%v", policy.Base, policy.Cap)
	}
	if policy.MaxAttempts != DefaultReconnectMaxAttempts {
		t.Fatalf("max attempts=%d", policy.MaxAttempts)
	}
	if !policy.IsTerminal(websocket.CloseNormalClosure) {
		t.Fatal("normal closure must be terminal by default")
	}
	if policy.IsTerminal(websocket.CloseAbnormalClosure) {
		t.Fatal("abnormal closure must trigger reconnection")
	}
}
