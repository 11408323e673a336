// Package capture produces a steady stream of encoded audio frames while
// recording is active. The frame producer is an interface so the pipeline
// runs against synthetic sources in tests and a real microphone in
// production.
package capture

import (
	"context"
	"io"
	"sync"
)

// FrameSource yields fixed-size blocks of normalized float32 samples.
// ReadBlock blocks until a full block is available, the source is
// exhausted (io.EOF), or ctx is cancelled. Implementations own their
// device handle exclusively; Close releases it and is idempotent.
type FrameSource interface {
	ReadBlock(ctx context.Context, dst []float32) error
	Close() error
}

// SliceSource replays pre-built blocks, for tests and offline input. Each
// ReadBlock copies the next block into dst; a short final block is
// zero-padded. Returns io.EOF once all blocks are consumed.
type SliceSource struct {
	mu     sync.Mutex
	blocks [][]float32
	closed bool
}

// NewSliceSource builds a source over blocks. The slices are not copied.
func NewSliceSource(blocks ...[]float32) *SliceSource {
	return &SliceSource{blocks: blocks}
}

func (s *SliceSource) ReadBlock(ctx context.Context, dst []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.blocks) == 0 {
		return io.EOF
	}
	block := s.blocks[0]
	s.blocks = s.blocks[1:]
	n := copy(dst, block)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
	return nil
}

func (s *SliceSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// ToneSource produces an endless stream of a single repeated sample value.
// Useful for soak tests where block content does not matter.
type ToneSource struct {
	Value float32

	mu     sync.Mutex
	closed bool
}

func (s *ToneSource) ReadBlock(ctx context.Context, dst []float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return io.EOF
	}
	for i := range dst {
		dst[i] = s.Value
	}
	return nil
}

func (s *ToneSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
