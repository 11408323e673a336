// Package playback renders decoded audio segments strictly in arrival
// order. At most one segment is rendering at any instant; segments never
// overlap and are never reordered, regardless of how long each takes to
// decode.
package playback

import (
	"context"
	"log/slog"
	"sync"

	"github.com/OmarNassar1127/realtime-voice-rag/internal/metrics"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/audio"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/core"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/protocol"
)

// Item is one audio segment awaiting playback. Data holds wire bytes with
// the base64 layer already removed; Format selects the decode step.
type Item struct {
	Seq    int64
	Format string
	Data   []byte
}

// Sink renders raw PCM16LE. Play blocks until the segment has been fully
// rendered or ctx is cancelled.
type Sink interface {
	Play(ctx context.Context, pcm []byte) error
	Close() error
}

// Queue buffers segments and drains them through a Sink on its own worker
// goroutine, decoupled from arrival timing. Decode work happens on the
// worker, never on the caller.
type Queue struct {
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	cond    *sync.Cond
	items   []Item
	playing bool
	closed  bool

	done chan struct{}
	errs chan error

	ctx    context.Context
	cancel context.CancelFunc
}

// NewQueue builds a queue draining into sink and starts its worker. logger
// and m may be nil.
func NewQueue(sink Sink, logger *slog.Logger, m *metrics.Metrics) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		sink:    sink,
		logger:  logger,
		metrics: m,
		done:    make(chan struct{}),
		errs:    make(chan error, 16),
		ctx:     ctx,
		cancel:  cancel,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Enqueue appends item to the tail of the FIFO. If nothing is currently
// playing the worker picks it up immediately.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, item)
	depth := len(q.items)
	q.mu.Unlock()

	q.metrics.RecordItemEnqueued()
	q.metrics.SetQueueDepth(depth)
	q.cond.Signal()
}

// Flush discards every still-queued segment and returns how many were
// dropped. The currently rendering segment, if any, finishes on its own;
// only queued state belongs to the stale turn.
func (q *Queue) Flush() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()

	q.metrics.RecordItemsDiscarded(n)
	q.metrics.SetQueueDepth(0)
	return n
}

// Playing reports whether a segment is currently rendering.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Depth reports the number of queued segments not yet rendering.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Errors yields recoverable per-segment failures. Segments that fail to
// decode or render are skipped, never stall the queue.
func (q *Queue) Errors() <-chan error {
	return q.errs
}

// Close stops the worker, discards queued segments, and releases the sink.
// Idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return nil
	}
	q.closed = true
	q.items = nil
	q.mu.Unlock()

	q.cancel()
	q.cond.Broadcast()
	<-q.done
	return q.sink.Close()
}

func (q *Queue) run() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.playing = false
			q.cond.Wait()
		}
		if q.closed {
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.playing = true
		depth := len(q.items)
		q.mu.Unlock()

		q.metrics.SetQueueDepth(depth)
		q.render(item)
	}
}

func (q *Queue) render(item Item) {
	pcm, err := q.decode(item)
	if err != nil {
		q.skip(item, core.NewDecodeError("decode audio segment", err))
		return
	}
	if len(pcm) == 0 {
		q.metrics.RecordItemPlayed()
		return
	}
	if err := q.sink.Play(q.ctx, pcm); err != nil {
		if q.ctx.Err() != nil {
			return
		}
		q.skip(item, core.NewDeviceError("render audio segment", err))
		return
	}
	q.metrics.RecordItemPlayed()
}

func (q *Queue) decode(item Item) ([]byte, error) {
	switch item.Format {
	case "", protocol.EncodingPCM16:
		return item.Data, nil
	case protocol.EncodingMP3:
		seg, err := audio.DecodeMP3(item.Data)
		if err != nil {
			return nil, err
		}
		return seg.PCM, nil
	default:
		return nil, core.NewDecodeError("unsupported segment format "+item.Format, nil)
	}
}

func (q *Queue) skip(item Item, err error) {
	q.metrics.RecordItemSkipped()
	q.logger.Warn("skipping audio segment", "seq", item.Seq, "format", item.Format, "error", err)
	select {
	case q.errs <- err:
	default:
	}
}
