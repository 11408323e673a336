package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/OmarNassar1127/realtime-voice-rag/internal/metrics"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/core"
	"github.com/OmarNassar1127/realtime-voice-rag/pkg/protocol"
)

const defaultDialTimeout = 15 * time.Second

// ErrNotConnected is returned by Send when no socket is open. Callers must
// not treat it as retryable; a send failure during an active recording
// surfaces to the user instead of silently dropping audio.
var ErrNotConnected = errors.New("transport: not connected")

// ConnectedEvent signals an open socket. The session must be renegotiated
// from scratch after every one of these; it is never resumed.
type ConnectedEvent struct{}

// DisconnectedEvent signals a lost socket. Terminal means no reconnect
// will follow: the close code was in the terminal set, the attempt budget
// ran out, or the transport was closed locally.
type DisconnectedEvent struct {
	Err      error
	Terminal bool
}

// BinaryAudio carries audio that arrived as a binary frame following a
// chunk header, in binary transport mode.
type BinaryAudio struct {
	Data   []byte
	Format string
}

// ProtocolViolation reports an inbound frame that failed validation. The
// connection stays up; the frame is dropped.
type ProtocolViolation struct {
	Err error
}

// Transport maintains exactly one logical connection to the backend at a
// time. Inbound messages are delivered on Events in receipt order; no
// reordering happens beyond what the socket guarantees.
type Transport struct {
	url     string
	dialer  *websocket.Dialer
	policy  ReconnectPolicy
	logger  *slog.Logger
	metrics *metrics.Metrics

	connMu  sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex

	events    chan any
	done      chan struct{}
	started   atomic.Bool
	closed    atomic.Bool
	closeOnce sync.Once
}

// NewTransport builds a transport for the given websocket URL. logger and
// m may be nil.
func NewTransport(url string, policy ReconnectPolicy, logger *slog.Logger, m *metrics.Metrics) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		url:     url,
		dialer:  &websocket.Dialer{HandshakeTimeout: defaultDialTimeout},
		policy:  policy.withDefaults(),
		logger:  logger,
		metrics: m,
		events:  make(chan any, 256),
		done:    make(chan struct{}),
	}
}

// Events yields decoded server messages plus transport lifecycle events
// (ConnectedEvent, DisconnectedEvent, BinaryAudio, ProtocolViolation).
// Closed when the transport shuts down.
func (t *Transport) Events() <-chan any {
	return t.events
}

// Connect opens the socket and starts the read/reconnect loop. The initial
// dial failing is returned directly; later drops go through the reconnect
// policy and surface on Events.
func (t *Transport) Connect(ctx context.Context) error {
	if t.started.Swap(true) {
		return core.NewInvalidRequestError("transport already connected")
	}
	conn, err := t.dial(ctx)
	if err != nil {
		t.closed.Store(true)
		close(t.events)
		close(t.done)
		return core.NewConnectivityError("dial backend", err)
	}
	t.setConn(conn)
	t.emit(ConnectedEvent{})
	go t.manage(ctx, conn)
	return nil
}

// Send serializes one envelope and writes it to the open socket.
func (t *Transport) Send(v any) error {
	conn := t.currentConn()
	if conn == nil || t.closed.Load() {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(v); err != nil {
		return core.NewConnectivityError("write frame", err)
	}
	t.metrics.RecordMessageSent()
	return nil
}

// SendBinary writes a JSON header frame followed by one binary frame, the
// binary transport's shape for an audio batch. The two writes are atomic
// with respect to other senders.
func (t *Transport) SendBinary(header any, payload []byte) error {
	conn := t.currentConn()
	if conn == nil || t.closed.Load() {
		return ErrNotConnected
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := conn.WriteJSON(header); err != nil {
		return core.NewConnectivityError("write frame header", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return core.NewConnectivityError("write binary frame", err)
	}
	t.metrics.RecordMessageSent()
	return nil
}

// Close sends a normal closure and shuts the transport down. A normal
// closure never triggers reconnection. Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		wasStarted := t.started.Swap(true)
		t.closed.Store(true)
		if conn := t.currentConn(); conn != nil {
			t.writeMu.Lock()
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
			t.writeMu.Unlock()
			_ = conn.Close()
		}
		if !wasStarted {
			close(t.done)
		}
	})
	<-t.done
	return nil
}

func (t *Transport) dial(ctx context.Context) (*websocket.Conn, error) {
	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultDialTimeout)
		defer cancel()
	}
	conn, _, err := t.dialer.DialContext(dialCtx, t.url, nil)
	return conn, err
}

func (t *Transport) setConn(conn *websocket.Conn) {
	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()
}

func (t *Transport) currentConn() *websocket.Conn {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	return t.conn
}

// manage drives one readLoop per connection and applies the reconnect
// policy between them. Exits only on terminal conditions.
func (t *Transport) manage(ctx context.Context, conn *websocket.Conn) {
	defer close(t.done)
	defer close(t.events)

	for {
		err, terminal := t.readLoop(conn)
		t.setConn(nil)
		_ = conn.Close()

		if t.closed.Load() || terminal {
			t.emit(DisconnectedEvent{Err: err, Terminal: true})
			return
		}

		t.emit(DisconnectedEvent{Err: err})
		next, ok := t.reconnect(ctx, err)
		if !ok {
			return
		}
		conn = next
		t.setConn(conn)
		t.emit(ConnectedEvent{})
	}
}

// reconnect retries the dial under the capped exponential backoff. Emits a
// terminal DisconnectedEvent and returns false once the budget runs out.
func (t *Transport) reconnect(ctx context.Context, lastErr error) (*websocket.Conn, bool) {
	state := t.policy.newState()
	for {
		delay, ok := state.NextDelay()
		if !ok {
			t.emit(DisconnectedEvent{
				Err:      core.NewConnectivityError("reconnect attempts exhausted", lastErr),
				Terminal: true,
			})
			return nil, false
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			t.emit(DisconnectedEvent{Err: ctx.Err(), Terminal: true})
			return nil, false
		}
		if t.closed.Load() {
			t.emit(DisconnectedEvent{Terminal: true})
			return nil, false
		}

		t.metrics.RecordReconnect()
		t.logger.Info("reconnecting", "attempt", state.attempts, "delay", delay)
		conn, err := t.dial(ctx)
		if err == nil {
			return conn, true
		}
		lastErr = err
	}
}

func (t *Transport) readLoop(conn *websocket.Conn) (error, bool) {
	var pendingHeader *protocol.ServerResponseChunkHeader

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			if t.closed.Load() {
				return nil, true
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) && t.policy.IsTerminal(closeErr.Code) {
				return nil, true
			}
			return err, false
		}

		switch messageType {
		case websocket.TextMessage:
			t.metrics.RecordMessageReceived()
			msg, decodeErr := protocol.DecodeServerMessage(data)
			if decodeErr != nil {
				t.metrics.RecordProtocolError()
				t.logger.Warn("dropping invalid frame", "error", decodeErr)
				t.emit(ProtocolViolation{Err: core.NewProtocolError(decodeErr.Error())})
				continue
			}
			if header, ok := msg.(protocol.ServerResponseChunkHeader); ok {
				pendingHeader = &header
				continue
			}
			t.emit(msg)
		case websocket.BinaryMessage:
			t.metrics.RecordMessageReceived()
			if pendingHeader == nil {
				t.metrics.RecordProtocolError()
				t.emit(ProtocolViolation{Err: core.NewProtocolError("binary frame without chunk header")})
				continue
			}
			t.emit(BinaryAudio{
				Data:   append([]byte(nil), data...),
				Format: pendingHeader.Format,
			})
			pendingHeader = nil
		default:
			continue
		}
	}
}

func (t *Transport) emit(event any) {
	select {
	case t.events <- event:
	default:
		// Avoid deadlocking the read loop if the consumer stops draining.
		t.logger.Warn("dropping event, consumer not draining")
	}
}
