package playback

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OmarNassar1127/realtime-voice-rag/pkg/core"
)

// fakeSink records segment payloads in render order and can impose
// per-segment latency or failures.
type fakeSink struct {
	mu       sync.Mutex
	played   [][]byte
	latency  map[byte]time.Duration
	failOn   map[byte]error
	closed   bool
	rendered chan struct{}
}

func newFakeSink() *fakeSink {
	return &fakeSink{
		latency:  make(map[byte]time.Duration),
		failOn:   make(map[byte]error),
		rendered: make(chan struct{}, 64),
	}
}

func (f *fakeSink) Play(ctx context.Context, pcm []byte) error {
	key := byte(0)
	if len(pcm) > 0 {
		key = pcm[0]
	}
	if d := f.latency[key]; d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := f.failOn[key]; err != nil {
		return err
	}
	f.mu.Lock()
	f.played = append(f.played, append([]byte(nil), pcm...))
	f.mu.Unlock()
	f.rendered <- struct{}{}
	return nil
}

func (f *fakeSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSink) playedFirstBytes() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, 0, len(f.played))
	for _, p := range f.played {
		out = append(out, p[0])
	}
	return out
}

func (f *fakeSink) waitRendered(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.rendered:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for segment %d of %d", i+1, n)
		}
	}
}

func TestQueue_StrictOrderDespiteLatency(t *testing.T) {
	sink := newFakeSink()
	// First segment renders slowest; order must still hold.
	sink.latency['a'] = 60 * time.Millisecond
	sink.latency['b'] = 20 * time.Millisecond

	q := NewQueue(sink, nil, nil)
	defer q.Close()

	q.Enqueue(Item{Seq: 1, Data: []byte{'a'}})
	q.Enqueue(Item{Seq: 2, Data: []byte{'b'}})
	q.Enqueue(Item{Seq: 3, Data: []byte{'c'}})

	sink.waitRendered(t, 3)
	got := sink.playedFirstBytes()
	if string(got) != "abc" {
		t.Fatalf("render order=%q, want %q", got, "abc")
	}
}

func TestQueue_FailedSegmentIsSkipped(t *testing.T) {
	sink := newFakeSink()
	sink.failOn['b'] = errors.New("device glitch")

	q := NewQueue(sink, nil, nil)
	defer q.Close()

	q.Enqueue(Item{Seq: 1, Data: []byte{'a'}})
	q.Enqueue(Item{Seq: 2, Data: []byte{'b'}})
	q.Enqueue(Item{Seq: 3, Data: []byte{'c'}})

	sink.waitRendered(t, 2)
	if got := sink.playedFirstBytes(); string(got) != "ac" {
		t.Fatalf("render order=%q, want %q", got, "ac")
	}

	select {
	case err := <-q.Errors():
		if typ, ok := core.TypeOf(err); !ok || typ != core.ErrDevice {
			t.Fatalf("error type=%v, want %v", typ, core.ErrDevice)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a surfaced skip error")
	}
}

func TestQueue_UndecodableSegmentIsSkipped(t *testing.T) {
	sink := newFakeSink()
	q := NewQueue(sink, nil, nil)
	defer q.Close()

	q.Enqueue(Item{Seq: 1, Format: "mp3", Data: []byte("not an mp3")})
	q.Enqueue(Item{Seq: 2, Data: []byte{'x'}})

	sink.waitRendered(t, 1)
	if got := sink.playedFirstBytes(); string(got) != "x" {
		t.Fatalf("render order=%q, want %q", got, "x")
	}

	select {
	case err := <-q.Errors():
		if typ, ok := core.TypeOf(err); !ok || typ != core.ErrDecode {
			t.Fatalf("error type=%v, want %v", typ, core.ErrDecode)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a surfaced decode error")
	}
}

func TestQueue_FlushDiscardsQueuedSegments(t *testing.T) {
	sink := newFakeSink()
	sink.latency['a'] = 80 * time.Millisecond

	q := NewQueue(sink, nil, nil)
	defer q.Close()

	q.Enqueue(Item{Seq: 1, Data: []byte{'a'}})
	// Give the worker time to start rendering the first segment.
	time.Sleep(20 * time.Millisecond)
	q.Enqueue(Item{Seq: 2, Data: []byte{'b'}})
	q.Enqueue(Item{Seq: 3, Data: []byte{'c'}})

	dropped := q.Flush()
	if dropped != 2 {
		t.Fatalf("dropped=%d, want 2", dropped)
	}

	sink.waitRendered(t, 1)
	if got := sink.playedFirstBytes(); string(got) != "a" {
		t.Fatalf("render order=%q, want %q", got, "a")
	}
	if q.Depth() != 0 {
		t.Fatalf("depth=%d, want 0", q.Depth())
	}
}

func TestQueue_IdleAfterDraining(t *testing.T) {
	sink := newFakeSink()
	q := NewQueue(sink, nil, nil)
	defer q.Close()

	q.Enqueue(Item{Seq: 1, Data: []byte{'a'}})
	sink.waitRendered(t, 1)

	deadline := time.Now().Add(time.Second)
	for q.Playing() {
		if time.Now().After(deadline) {
			t.Fatal("queue never went idle")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestQueue_CloseReleasesSink(t *testing.T) {
	sink := newFakeSink()
	q := NewQueue(sink, nil, nil)

	q.Enqueue(Item{Seq: 1, Data: []byte{'a'}})
	sink.waitRendered(t, 1)

	if err := q.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !sink.closed {
		t.Fatal("sink should be released on close")
	}
	// Closing twice is a no-op.
	if err := q.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
