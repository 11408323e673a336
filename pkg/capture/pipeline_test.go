package capture

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/OmarNassar1127/realtime-voice-rag/pkg/core"
)

type fakeSender struct {
	mu        sync.Mutex
	batches   [][]byte
	commits   int
	appendErr error
	commitErr error
	notify    chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{notify: make(chan struct{}, 64)}
}

func (f *fakeSender) AppendAudio(pcm []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.batches = append(f.batches, append([]byte(nil), pcm...))
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSender) CommitAudio() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.commitErr != nil {
		return f.commitErr
	}
	f.commits++
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeSender) snapshot() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches), f.commits
}

// closeTrackingSource wraps a FrameSource and records whether Close ran.
type closeTrackingSource struct {
	FrameSource
	mu     sync.Mutex
	closed bool
}

func (c *closeTrackingSource) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.FrameSource.Close()
}

func (c *closeTrackingSource) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func blockOf(v float32, n int) []float32 {
	b := make([]float32, n)
	for i := range b {
		b[i] = v
	}
	return b
}

func TestPipeline_BatchesAndCommitsOnSourceEnd(t *testing.T) {
	const blockSize = 8
	source := NewSliceSource(
		blockOf(0.1, blockSize),
		blockOf(0.2, blockSize),
		blockOf(0.3, blockSize),
	)
	sender := newFakeSender()
	p := NewPipeline(source, sender, nil, Config{BlockSize: blockSize, FlushBlocks: 2}, nil, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool {
		batches, commits := sender.snapshot()
		return batches == 2 && commits == 1
	})

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.batches[0]) != 2*blockSize*2 {
		t.Fatalf("first batch=%d bytes, want %d", len(sender.batches[0]), 2*blockSize*2)
	}
	if len(sender.batches[1]) != blockSize*2 {
		t.Fatalf("residual batch=%d bytes, want %d", len(sender.batches[1]), blockSize*2)
	}
}

func TestPipeline_StopFlushesResidualAndIsIdempotent(t *testing.T) {
	const blockSize = 4
	inner := NewSliceSource(blockOf(0.5, blockSize))
	source := &closeTrackingSource{FrameSource: inner}
	sender := newFakeSender()
	p := NewPipeline(source, sender, nil, Config{BlockSize: blockSize, FlushBlocks: 100}, nil, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool {
		_, commits := sender.snapshot()
		return commits == 1
	})

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}

	batches, commits := sender.snapshot()
	if batches != 1 || commits != 1 {
		t.Fatalf("batches=%d commits=%d, want 1 and 1", batches, commits)
	}
	if source.wasClosed() {
		t.Fatal("stop must keep the device open for the next recording")
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !source.wasClosed() {
		t.Fatal("device should be released on close")
	}
}

func TestPipeline_RestartCapturesNextRecording(t *testing.T) {
	inner := &ToneSource{Value: 0.2}
	source := &closeTrackingSource{FrameSource: inner}
	sender := newFakeSender()
	p := NewPipeline(source, sender, nil, Config{BlockSize: 4, FlushBlocks: 1}, nil, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool {
		batches, _ := sender.snapshot()
		return batches >= 1
	})
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	firstBatches, commits := sender.snapshot()
	if commits != 1 {
		t.Fatalf("commits after first recording=%d, want 1", commits)
	}

	// The second recording must capture fresh audio from the same source.
	if err := p.Start(); err != nil {
		t.Fatalf("restart error = %v", err)
	}
	waitFor(t, func() bool {
		batches, _ := sender.snapshot()
		return batches > firstBatches
	})
	if err := p.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if _, commits := sender.snapshot(); commits != 2 {
		t.Fatalf("commits after second recording=%d, want 2", commits)
	}
	if source.wasClosed() {
		t.Fatal("device must survive across recordings")
	}
}

func TestPipeline_StartAfterCloseIsRejected(t *testing.T) {
	source := &ToneSource{Value: 0.1}
	sender := newFakeSender()
	p := NewPipeline(source, sender, nil, Config{BlockSize: 4}, nil, nil)

	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	err := p.Start()
	if typ, ok := core.TypeOf(err); !ok || typ != core.ErrInvalidRequest {
		t.Fatalf("Start() after Close error type = %v, want %v", typ, core.ErrInvalidRequest)
	}
}

func TestPipeline_StartWhileRunningIsRejected(t *testing.T) {
	source := &ToneSource{Value: 0.1}
	sender := newFakeSender()
	p := NewPipeline(source, sender, nil, Config{BlockSize: 4}, nil, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer p.Stop()

	err := p.Start()
	if typ, ok := core.TypeOf(err); !ok || typ != core.ErrInvalidRequest {
		t.Fatalf("second Start() error type = %v, want %v", typ, core.ErrInvalidRequest)
	}
}

func TestPipeline_SendFailureSurfacesAndStops(t *testing.T) {
	const blockSize = 4
	inner := &ToneSource{Value: 0.1}
	source := &closeTrackingSource{FrameSource: inner}
	sender := newFakeSender()
	sender.appendErr = errors.New("not connected")
	p := NewPipeline(source, sender, nil, Config{BlockSize: blockSize, FlushBlocks: 1}, nil, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-p.Errors():
		if !errors.Is(err, sender.appendErr) {
			t.Fatalf("surfaced error = %v, want %v", err, sender.appendErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a surfaced send failure")
	}

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if _, commits := sender.snapshot(); commits != 0 {
		t.Fatalf("commits=%d, want 0 after send failure", commits)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !source.wasClosed() {
		t.Fatal("device should be released on close")
	}
}

func TestPipeline_DeviceLossSurfacesAsDeviceError(t *testing.T) {
	source := &failingSource{err: errors.New("device unplugged")}
	sender := newFakeSender()
	p := NewPipeline(source, sender, nil, Config{BlockSize: 4}, nil, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-p.Errors():
		if typ, ok := core.TypeOf(err); !ok || typ != core.ErrDevice {
			t.Fatalf("error type = %v, want %v", typ, core.ErrDevice)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected a surfaced device error")
	}

	// Nothing was captured, so no commit may open an empty turn.
	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	batches, commits := sender.snapshot()
	if batches != 0 || commits != 0 {
		t.Fatalf("batches=%d commits=%d after device loss, want 0 and 0", batches, commits)
	}
}

func TestPipeline_DumpWritesCommittedRecording(t *testing.T) {
	const blockSize = 4
	dir := t.TempDir()
	source := NewSliceSource(blockOf(0.25, blockSize))
	sender := newFakeSender()
	p := NewPipeline(source, sender, nil, Config{
		BlockSize:   blockSize,
		FlushBlocks: 1,
		DumpDir:     dir,
		SampleRate:  24000,
		Channels:    1,
	}, nil, nil)

	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, func() bool {
		_, commits := sender.snapshot()
		return commits == 1
	})
	waitFor(t, func() bool {
		entries, err := os.ReadDir(dir)
		return err == nil && len(entries) == 1
	})

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		t.Fatalf("dump is not a WAV file: % x", data[:12])
	}
	if len(data) != 44+blockSize*2 {
		t.Fatalf("dump size=%d, want %d", len(data), 44+blockSize*2)
	}
}

func TestMicSourceUnavailableTriggersFallbackClassification(t *testing.T) {
	// A synthetic stand-in for NewMicSource failing on a machine without
	// input devices; the classification is what the fallback path keys on.
	err := core.NewDeviceError("init microphone", errors.New("no capture device"))
	if !core.IsDeviceUnavailable(err) {
		t.Fatal("device error should classify as unavailable")
	}
}

type failingSource struct {
	err error
}

func (f *failingSource) ReadBlock(ctx context.Context, dst []float32) error {
	return f.err
}

func (f *failingSource) Close() error { return nil }
