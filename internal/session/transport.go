package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

var (
	// ErrBackpressure is returned by Send when the connection's send buffer is full. The
	// connection is closed: a client that cannot keep up reconnects and reads history.
	ErrBackpressure = errors.New("send buffer full")
	// ErrTransportClosed is returned by Send after Close.
	ErrTransportClosed = errors.New("transport closed")
)

// wsTransport is the registry.Transport of one WebSocket. Send only enqueues; a single writer
// goroutine owns every write on the socket, interleaved with keepalive pings.
type wsTransport struct {
	conn   *websocket.Conn
	sendCh chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// mu orders enqueues against shutdown; nothing is queued once ctx is cancelled
	mu          sync.Mutex
	closeOnce   sync.Once
	closeStatus websocket.StatusCode
	closeReason string

	writeTimeout time.Duration
	pingInterval time.Duration
	log          *zap.Logger
}

func newTransport(conn *websocket.Conn, opts Options, logger *zap.Logger) *wsTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &wsTransport{
		conn:         conn,
		sendCh:       make(chan []byte, opts.SendBuffer),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		closeStatus:  websocket.StatusNormalClosure,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		log:          logger,
	}
	go t.writeLoop()
	return t
}

func (t *wsTransport) Send(frame []byte) error {
	t.mu.Lock()
	select {
	case <-t.ctx.Done():
		t.mu.Unlock()
		return ErrTransportClosed
	default:
	}
	select {
	case t.sendCh <- frame:
		t.mu.Unlock()
		return nil
	default:
	}
	t.mu.Unlock()

	t.shutdown(websocket.StatusPolicyViolation, "backpressure")
	return ErrBackpressure
}

func (t *wsTransport) Open() bool {
	return t.ctx.Err() == nil
}

// Close stops the writer and waits until the socket has been closed.
func (t *wsTransport) Close() error {
	t.shutdown(websocket.StatusNormalClosure, "")
	<-t.done
	return nil
}

func (t *wsTransport) shutdown(code websocket.StatusCode, reason string) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.closeStatus = code
		t.closeReason = reason
		t.cancel()
	})
}

func (t *wsTransport) writeLoop() {
	defer close(t.done)

	var tick <-chan time.Time
	if t.pingInterval > 0 {
		ticker := time.NewTicker(t.pingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-t.ctx.Done():
			if err := t.conn.Close(t.closeStatus, t.closeReason); err != nil {
				t.log.Debug("websocket close", zap.Error(err))
			}
			return
		case frame := <-t.sendCh:
			if err := t.write(frame); err != nil {
				t.log.Warn("websocket write failed", zap.Error(err))
				t.shutdown(websocket.StatusInternalError, "write failed")
			}
		case <-tick:
			if err := t.ping(); err != nil {
				t.log.Debug("websocket ping failed", zap.Error(err))
				t.shutdown(websocket.StatusGoingAway, "ping timeout")
			}
		}
	}
}

func (t *wsTransport) write(frame []byte) error {
	ctx, cancel := context.WithTimeout(t.ctx, t.writeTimeout)
	defer cancel()
	return t.conn.Write(ctx, websocket.MessageBinary, frame)
}

func (t *wsTransport) ping() error {
	ctx, cancel := context.WithTimeout(t.ctx, t.writeTimeout)
	defer cancel()
	return t.conn.Ping(ctx)
}
