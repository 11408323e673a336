package session

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OmarNassar1127/realtime-voice-rag/internal/metrics"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/audio"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/core"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/playback"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/protocol"
)

const (
	DefaultNegotiationTimeout = 10 * time.Second
	DefaultTurnTimeout        = 60 * time.Second
)

// ControllerConfig shapes a session controller. Zero timeouts take the
// defaults above.
type ControllerConfig struct {
	Session            protocol.SessionConfig
	NegotiationTimeout time.Duration
	TurnTimeout        time.Duration
}

func (c ControllerConfig) withDefaults() ControllerConfig {
	if c.NegotiationTimeout <= 0 {
		c.NegotiationTimeout = DefaultNegotiationTimeout
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = DefaultTurnTimeout
	}
	return c
}

// Observer receives state-change notifications from the controller's event
// loop. All callbacks run on the loop goroutine and must not block; nil
// callbacks are skipped.
type Observer struct {
	OnPhaseChange func(Phase)
	OnTranscript  func(fragment, full string)
	OnCitations   func([]protocol.Citation)
	OnError       func(error)
}

type commandKind int

const (
	cmdSubmitText commandKind = iota
	cmdAppendAudio
	cmdCommitAudio
)

type command struct {
	kind  commandKind
	text  string
	pcm   []byte
	reply chan error
}

// Controller runs the session state machine on a single event loop.
// Socket events, user actions, and timeouts all dispatch onto one
// sequential timeline, so Session, Transcript, and CitationSet state need
// no locking inside the loop; the mutex below only guards the snapshots
// read by accessor methods.
type Controller struct {
	transport *Transport
	queue     *playback.Queue
	cfg       ControllerConfig
	obs       Observer
	logger    *slog.Logger
	metrics   *metrics.Metrics

	commands chan command
	done     chan struct{}
	cancel   context.CancelFunc

	mu         sync.Mutex
	phase      Phase
	session    Session
	transcript []string
	citations  []protocol.Citation

	// loop-owned, never touched outside run()
	turnStartedAt time.Time
	playbackSeq   int64
	negTimer      *time.Timer
	negC          <-chan time.Time
	turnTimer     *time.Timer
	turnC         <-chan time.Time

	started   atomic.Bool
	closeOnce sync.Once
}

// NewController wires a controller over transport and queue. logger and m
// may be nil.
func NewController(transport *Transport, queue *playback.Queue, cfg ControllerConfig, obs Observer, logger *slog.Logger, m *metrics.Metrics) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		transport: transport,
		queue:     queue,
		cfg:       cfg.withDefaults(),
		obs:       obs,
		logger:    logger,
		metrics:   m,
		commands:  make(chan command),
		done:      make(chan struct{}),
		phase:     PhaseUninitialized,
	}
}

// Start connects the transport and runs the event loop until the session
// terminates or ctx is cancelled.
func (c *Controller) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return core.NewInvalidRequestError("controller already started")
	}
	if err := c.transport.Connect(ctx); err != nil {
		close(c.done)
		c.setPhase(PhaseClosed)
		return err
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	go c.run(loopCtx)
	return nil
}

// Close shuts the session down: normal socket closure, event loop exit,
// playback flush. Idempotent, and safe on every exit path.
func (c *Controller) Close() error {
	c.closeOnce.Do(func() {
		if !c.started.Swap(true) {
			close(c.done)
			c.setPhase(PhaseClosed)
			return
		}
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.transport.Close()
	})
	<-c.done
	return nil
}

// SubmitText starts a turn from typed text, the fallback path when no
// capture device is available. Rejected locally unless the session is
// ready.
func (c *Controller) SubmitText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return core.NewInvalidRequestError("text must not be empty")
	}
	return c.do(command{kind: cmdSubmitText, text: text})
}

// AppendAudio forwards one encoded audio batch to the backend. Implements
// the capture pipeline's sender.
func (c *Controller) AppendAudio(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	return c.do(command{kind: cmdAppendAudio, pcm: pcm})
}

// CommitAudio marks the end of audio input and starts the turn.
func (c *Controller) CommitAudio() error {
	return c.do(command{kind: cmdCommitAudio})
}

func (c *Controller) do(cmd command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.commands <- cmd:
	case <-c.done:
		return core.NewInvalidRequestError("session is closed")
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return core.NewInvalidRequestError("session is closed")
	}
}

// Phase returns the current lifecycle phase.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// SessionID returns the backend-assigned identifier, empty before
// negotiation completes.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.ID
}

// Transcript returns the current turn's accumulated text.
func (c *Controller) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.transcript, "")
}

// Citations returns the citation set attached to the last completed turn.
func (c *Controller) Citations() []protocol.Citation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Citation(nil), c.citations...)
}

func (c *Controller) run(ctx context.Context) {
	defer close(c.done)
	defer c.setPhase(PhaseClosed)
	defer c.queue.Flush()

	for {
		select {
		case event, ok := <-c.transport.Events():
			if !ok {
				return
			}
			if terminal := c.handleEvent(event); terminal {
				return
			}
		case cmd := <-c.commands:
			cmd.reply <- c.handleCommand(cmd)
		case <-c.negC:
			c.stopNegTimer()
			c.surface(core.NewConnectivityError("session negotiation timed out", nil))
			return
		case <-c.turnC:
			c.stopTurnTimer()
			c.surface(core.NewProtocolError("turn stalled waiting for completion"))
			c.abandonTurn()
			c.setPhase(PhaseReady)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Controller) handleEvent(event any) (terminal bool) {
	switch e := event.(type) {
	case ConnectedEvent:
		c.beginNegotiation()
	case DisconnectedEvent:
		c.stopNegTimer()
		c.abandonTurn()
		c.mu.Lock()
		c.session = Session{}
		c.mu.Unlock()
		if e.Terminal {
			if e.Err != nil {
				c.surface(e.Err)
			}
			return true
		}
		c.setPhase(PhaseUninitialized)
	case protocol.ServerConnectionEstablished:
		c.logger.Debug("connection established")
	case protocol.ServerSessionCreated:
		c.handleSessionCreated(e)
	case protocol.ServerResponseChunk:
		c.handleChunk(e)
	case BinaryAudio:
		c.enqueueAudio(e.Data, e.Format)
	case protocol.ServerResponseCompleted:
		c.handleCompleted(e)
	case protocol.ServerError:
		c.handleBackendError(e)
	case ProtocolViolation:
		c.surface(e.Err)
	default:
		c.logger.Debug("ignoring event", "event", event)
	}
	return false
}

func (c *Controller) handleCommand(cmd command) error {
	switch cmd.kind {
	case cmdSubmitText:
		if !c.Phase().CanSend(protocol.TypeItemCreate) {
			return core.NewInvalidRequestError("text submit is not legal in phase " + string(c.Phase()))
		}
		return c.beginTurn(func() error {
			return c.transport.Send(protocol.NewTextItem(cmd.text))
		})
	case cmdAppendAudio:
		if !c.Phase().CanSend(protocol.TypeAudioAppend) {
			return core.NewInvalidRequestError("audio append is not legal in phase " + string(c.Phase()))
		}
		return c.sendAudio(cmd.pcm)
	case cmdCommitAudio:
		if !c.Phase().CanSend(protocol.TypeAudioCommit) {
			return core.NewInvalidRequestError("audio commit is not legal in phase " + string(c.Phase()))
		}
		return c.beginTurn(func() error {
			return c.transport.Send(protocol.NewAudioCommit())
		})
	default:
		return core.NewInvalidRequestError("unknown command")
	}
}

// beginTurn transitions Ready → TurnActive, clears the previous turn's
// transcript and citations, sends the input payload, then requests the
// response.
func (c *Controller) beginTurn(sendInput func() error) error {
	c.mu.Lock()
	c.transcript = nil
	c.citations = nil
	c.mu.Unlock()
	c.setPhase(PhaseTurnActive)

	if err := sendInput(); err != nil {
		c.setPhase(PhaseReady)
		return err
	}
	if err := c.transport.Send(protocol.NewResponseCreate()); err != nil {
		c.setPhase(PhaseReady)
		return err
	}

	c.turnStartedAt = time.Now()
	c.startTurnTimer()
	c.metrics.RecordTurnStarted()
	return nil
}

func (c *Controller) sendAudio(pcm []byte) error {
	if c.cfg.Session.AudioTransport == protocol.AudioTransportBinary {
		return c.transport.SendBinary(protocol.NewAudioAppendHeader(len(pcm)), pcm)
	}
	return c.transport.Send(protocol.NewAudioAppend(audio.EncodeBase64(pcm)))
}

func (c *Controller) beginNegotiation() {
	c.setPhase(PhaseNegotiating)
	if err := c.transport.Send(protocol.NewSessionCreate(c.cfg.Session)); err != nil {
		c.surface(err)
		return
	}
	c.startNegTimer()
}

func (c *Controller) handleSessionCreated(msg protocol.ServerSessionCreated) {
	id := strings.TrimSpace(msg.Session.ID)
	if id == "" {
		// Missing identifier is a protocol violation, but not fatal: warn
		// and hold the phase instead of crashing the session.
		c.logger.Warn("session.created without id")
		c.surface(core.NewProtocolError("session.created carried no session id"))
		return
	}
	c.stopNegTimer()
	c.mu.Lock()
	c.session = Session{ID: id, Config: c.cfg.Session}
	c.mu.Unlock()
	c.setPhase(PhaseReady)
}

func (c *Controller) handleChunk(msg protocol.ServerResponseChunk) {
	if c.Phase() != PhaseTurnActive {
		c.logger.Debug("dropping chunk outside active turn")
		return
	}
	// Content items are processed in the order listed.
	for _, item := range msg.Content {
		switch item.Type {
		case protocol.ModalityText, "message":
			c.appendTranscript(item.Text)
		case protocol.ModalityAudio:
			data, err := audio.DecodeBase64(item.AudioB64)
			if err != nil {
				c.surface(core.NewDecodeError("decode audio payload", err))
				continue
			}
			c.enqueueAudio(data, item.Format)
		}
	}
}

func (c *Controller) handleCompleted(msg protocol.ServerResponseCompleted) {
	if c.Phase() != PhaseTurnActive {
		c.logger.Debug("dropping completion outside active turn")
		return
	}
	c.stopTurnTimer()

	// The citation set replaces the prior turn's set, never appends.
	c.mu.Lock()
	c.citations = append([]protocol.Citation(nil), msg.Citations...)
	citations := c.citations
	c.mu.Unlock()
	if c.obs.OnCitations != nil {
		c.obs.OnCitations(citations)
	}

	// Residual queued audio belongs to this turn; the next one starts clean.
	c.queue.Flush()
	c.metrics.RecordTurnCompleted(time.Since(c.turnStartedAt).Seconds())
	c.setPhase(PhaseReady)
}

func (c *Controller) handleBackendError(msg protocol.ServerError) {
	err := core.NewBackendError(msg.Code, msg.Message)
	c.surface(err)
	if c.Phase() == PhaseTurnActive {
		c.abandonTurn()
		c.setPhase(PhaseReady)
	}
	// An error while Negotiating holds the phase; the negotiation timeout
	// is the backstop if no session.created follows.
}

func (c *Controller) abandonTurn() {
	if c.Phase() != PhaseTurnActive {
		return
	}
	c.stopTurnTimer()
	c.queue.Flush()
}

func (c *Controller) appendTranscript(fragment string) {
	if fragment == "" {
		return
	}
	c.mu.Lock()
	c.transcript = append(c.transcript, fragment)
	full := strings.Join(c.transcript, "")
	c.mu.Unlock()
	if c.obs.OnTranscript != nil {
		c.obs.OnTranscript(fragment, full)
	}
}

func (c *Controller) enqueueAudio(data []byte, format string) {
	if c.Phase() != PhaseTurnActive {
		return
	}
	c.playbackSeq++
	c.queue.Enqueue(playback.Item{Seq: c.playbackSeq, Format: format, Data: data})
}

func (c *Controller) setPhase(p Phase) {
	c.mu.Lock()
	if c.phase == p {
		c.mu.Unlock()
		return
	}
	c.phase = p
	c.mu.Unlock()
	c.logger.Debug("phase change", "phase", p)
	if c.obs.OnPhaseChange != nil {
		c.obs.OnPhaseChange(p)
	}
}

func (c *Controller) surface(err error) {
	if err == nil {
		return
	}
	c.logger.Warn("session error", "error", err)
	if c.obs.OnError != nil {
		c.obs.OnError(err)
	}
}

func (c *Controller) startNegTimer() {
	c.stopNegTimer()
	c.negTimer = time.NewTimer(c.cfg.NegotiationTimeout)
	c.negC = c.negTimer.C
}

func (c *Controller) stopNegTimer() {
	if c.negTimer != nil {
		c.negTimer.Stop()
		c.negTimer = nil
	}
	c.negC = nil
}

func (c *Controller) startTurnTimer() {
	c.stopTurnTimer()
	c.turnTimer = time.NewTimer(c.cfg.TurnTimeout)
	c.turnC = c.turnTimer.C
}

func (c *Controller) stopTurnTimer() {
	if c.turnTimer != nil {
		c.turnTimer.Stop()
		c.turnTimer = nil
	}
	c.turnC = nil
}
