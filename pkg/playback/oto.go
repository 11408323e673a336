package playback

import (
	"context"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/OmarNassar1127/realtime-voice-rag/pkg/core"
)

// OtoSink renders PCM16LE through the default output device. The oto
// player pulls samples from an internal buffer via io.Reader, so Play only
// has to feed the buffer and wait for it to drain.
type OtoSink struct {
	otoCtx *oto.Context
	player *oto.Player

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	started bool
	closed  bool
}

// NewOtoSink opens the default output device at the negotiated format.
// Returns a device error when no output device is available.
func NewOtoSink(sampleRateHz, channels int) (*OtoSink, error) {
	opts := &oto.NewContextOptions{
		SampleRate:   sampleRateHz,
		ChannelCount: channels,
		Format:       oto.FormatSignedInt16LE,
	}
	otoCtx, ready, err := oto.NewContext(opts)
	if err != nil {
		return nil, core.NewDeviceError("open audio output device", err)
	}
	<-ready

	s := &OtoSink{otoCtx: otoCtx}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Play feeds one segment to the device and blocks until the internal
// buffer has drained or ctx is cancelled.
func (s *OtoSink) Play(ctx context.Context, pcm []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return core.NewDeviceError("output device closed", nil)
	}
	s.buf = append(s.buf, pcm...)
	if !s.started {
		s.started = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	s.mu.Unlock()

	// Wake periodically so ctx cancellation is observed even while the
	// device drains slowly.
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		s.mu.Lock()
		drained := len(s.buf) == 0 || s.closed
		s.mu.Unlock()
		if drained {
			return nil
		}
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.buf = s.buf[:0]
			s.mu.Unlock()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Read implements io.Reader for the oto player. Blocks until data arrives
// or the sink closes; returns silence while closing so oto drains cleanly.
func (s *OtoSink) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Close releases the output device. Idempotent.
func (s *OtoSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	player := s.player
	s.mu.Unlock()

	if player != nil {
		return player.Close()
	}
	return nil
}
