package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/OmarNassar1127/realtime-voice-rag/internal/metrics"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/audio"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/core"
)

// Sender receives encoded audio batches and the end-of-input marker. The
// session controller implements this over the transport.
type Sender interface {
	AppendAudio(pcm []byte) error
	CommitAudio() error
}

// Default pipeline shape. One block is 4096 samples; a flush goes out
// after twelve blocks or half a second, whichever comes first, so the
// backend never waits indefinitely for input.
const (
	DefaultBlockSize     = 4096
	DefaultFlushBlocks   = 12
	DefaultFlushInterval = 500 * time.Millisecond
)

// Config sizes the capture pipeline. Zero values take the defaults above.
type Config struct {
	BlockSize     int
	FlushBlocks   int
	FlushInterval time.Duration

	// DumpDir, when set, writes every committed recording to a WAV file
	// there for debugging. SampleRate and Channels describe the capture
	// format for the header.
	DumpDir    string
	SampleRate int
	Channels   int
}

func (c Config) withDefaults() Config {
	if c.BlockSize <= 0 {
		c.BlockSize = DefaultBlockSize
	}
	if c.FlushBlocks <= 0 {
		c.FlushBlocks = DefaultFlushBlocks
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.SampleRate <= 0 {
		c.SampleRate = 24000
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	return c
}

// Pipeline reads fixed-size blocks from a FrameSource, encodes them, and
// hands batches to a Sender. One recording at a time; the source stays
// open between recordings so Start/Stop can alternate across turns, and
// Close releases the device. Stop and Close are both idempotent.
type Pipeline struct {
	source FrameSource
	sender Sender
	codec  *audio.Codec
	cfg    Config

	logger  *slog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}

	errs chan error
}

// NewPipeline wires a pipeline. codec, logger, and m may be nil.
func NewPipeline(source FrameSource, sender Sender, codec *audio.Codec, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if codec == nil {
		codec = audio.NewCodec(audio.CodecConfig{})
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		source:  source,
		sender:  sender,
		codec:   codec,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		metrics: m,
		errs:    make(chan error, 4),
	}
}

// Start begins reading blocks on a worker goroutine. Fails if a recording
// is already in progress.
func (p *Pipeline) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.NewInvalidRequestError("capture pipeline is closed")
	}
	if p.running {
		return core.NewInvalidRequestError("capture already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.running = true
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx, p.done)
	return nil
}

// Stop ends the recording: the worker drains its residual batch and sends
// the input commit. The source stays open for the next recording. Calling
// Stop when not recording is a no-op.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	done := p.done
	p.mu.Unlock()

	cancel()
	<-done
	return nil
}

// Close ends any recording in progress and releases the device. The
// pipeline cannot be restarted afterwards.
func (p *Pipeline) Close() error {
	if err := p.Stop(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	return p.source.Close()
}

// Errors yields failures that ended or degraded the recording: device
// loss mid-capture and send failures. Send failures are never retried
// silently.
func (p *Pipeline) Errors() <-chan error {
	return p.errs
}

func (p *Pipeline) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	block := make([]float32, p.cfg.BlockSize)
	var batch []byte
	var recording []byte
	blocks := 0
	sent := false
	deviceFailed := false
	lastFlush := time.Now()

	flush := func() bool {
		if len(batch) == 0 {
			return true
		}
		if err := p.sender.AppendAudio(batch); err != nil {
			p.emit(err)
			return false
		}
		p.metrics.RecordBatchFlushed(len(batch))
		if p.cfg.DumpDir != "" {
			recording = append(recording, batch...)
		}
		sent = true
		batch = nil
		blocks = 0
		lastFlush = time.Now()
		return true
	}

	for {
		if err := p.source.ReadBlock(ctx, block); err != nil {
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, context.Canceled):
			case ctx.Err() != nil:
			default:
				p.emit(core.NewDeviceError("read audio block", err))
				deviceFailed = true
			}
			break
		}
		batch = append(batch, p.codec.Encode(block)...)
		blocks++
		p.metrics.RecordBlockCaptured()

		if blocks >= p.cfg.FlushBlocks || time.Since(lastFlush) >= p.cfg.FlushInterval {
			if !flush() {
				return
			}
		}
	}

	// A device failure before any audio went out must not open a turn.
	if deviceFailed && !sent && len(batch) == 0 {
		return
	}
	if !flush() {
		return
	}
	if err := p.sender.CommitAudio(); err != nil {
		p.emit(err)
		return
	}
	if p.cfg.DumpDir != "" && len(recording) > 0 {
		p.dumpRecording(recording)
	}
}

// dumpRecording writes a committed recording as a WAV file in DumpDir.
// Failures are logged, never fatal.
func (p *Pipeline) dumpRecording(pcm []byte) {
	name := "capture-" + time.Now().Format("20060102-150405.000") + ".wav"
	path := filepath.Join(p.cfg.DumpDir, name)
	wav := audio.PCMToWAV(pcm, p.cfg.SampleRate, 16, p.cfg.Channels)
	if err := os.WriteFile(path, wav, 0o644); err != nil {
		p.logger.Warn("writing capture dump failed", "path", path, "error", err)
		return
	}
	p.logger.Debug("capture dump written", "path", path, "bytes", len(pcm))
}

func (p *Pipeline) emit(err error) {
	p.logger.Warn("capture pipeline error", "error", err)
	select {
	case p.errs <- err:
	default:
	}
}
