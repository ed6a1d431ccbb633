// Package session runs the realtime protocol on one WebSocket per client: connect to a chat,
// send sealed messages to participants, receive deliveries.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/sealroom/sealroom/internal/auth"
	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/protocol"
	"github.com/sealroom/sealroom/internal/registry"
	"github.com/sealroom/sealroom/internal/relay"
	"github.com/sealroom/sealroom/internal/storage"
)

// State is the lifecycle of one session. The last three are terminal.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateCancelled    State = "cancelled"
	StateErrored      State = "errored"
)

const (
	defaultSendBuffer    = 32
	defaultWriteTimeout  = 10 * time.Second
	defaultMaxFrameBytes = 1 << 20
)

// Options tunes every session served by a Handler.
type Options struct {
	SendBuffer    int
	WriteTimeout  time.Duration
	PingInterval  time.Duration
	MaxFrameBytes int64
	// OriginPatterns are passed to websocket.Accept for cross-origin browser clients.
	OriginPatterns []string
	Metrics        *Metrics
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = defaultSendBuffer
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = defaultMaxFrameBytes
	}
	return o
}

// Handler upgrades authenticated requests and runs one session per connection.
type Handler struct {
	auth    auth.Authenticator
	store   storage.Store
	reg     *registry.Registry
	deliver relay.Deliverer
	log     *zap.Logger
	opts    Options
	metrics *Metrics
	nowFn   func() time.Time
}

// NewHandler wires the session dependencies.
func NewHandler(a auth.Authenticator, store storage.Store, reg *registry.Registry, d relay.Deliverer, logger *zap.Logger, opts Options) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Handler{
		auth:    a,
		store:   store,
		reg:     reg,
		deliver: d,
		log:     logger,
		opts:    opts,
		metrics: opts.Metrics,
		nowFn:   time.Now,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := h.auth.Authenticate(r)
	if err != nil {
		h.log.Debug("websocket upgrade rejected", zap.Error(err))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthenticated"}`))
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.opts.OriginPatterns})
	if err != nil {
		h.log.Warn("websocket accept failed", zap.Error(err), zap.String("user_id", userID))
		return
	}
	conn.SetReadLimit(h.opts.MaxFrameBytes)

	s := &session{
		h:         h,
		userID:    userID,
		conn:      conn,
		transport: newTransport(conn, h.opts, h.log),
		state:     StateConnecting,
		log:       h.log.With(zap.String("user_id", userID)),
	}
	h.metrics.incSession()
	state := s.run(r.Context())
	h.metrics.endSession(state)
}

type session struct {
	h         *Handler
	userID    string
	conn      *websocket.Conn
	transport *wsTransport
	log       *zap.Logger

	// written only by the read loop
	state    State
	chatID   string
	clientID string

	inflight sync.WaitGroup
}

func (s *session) run(ctx context.Context) State {
	defer s.cleanup()

	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.state = s.terminalState(ctx, err)
			return s.state
		}

		start := time.Now()
		frame := protocol.Frame{Payload: protocol.Unrecognized{Raw: data}}
		if typ == websocket.MessageBinary {
			frame = protocol.Decode(data)
		}
		s.route(ctx, frame, start)
	}
}

func (s *session) route(ctx context.Context, frame protocol.Frame, start time.Time) {
	switch p := frame.Payload.(type) {
	case protocol.Connect:
		err := s.handleConnect(ctx, p)
		s.finish("connect", s.tag(frame.Client), start, err)
	case protocol.NewMessage:
		if s.state != StateConnected {
			s.finish("new_message", frame.Client, start, &frameError{code: protocol.CodeNotAuthorized, msg: "connect to a chat first"})
			return
		}
		chatID, clientID := s.chatID, s.clientID
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			// the unit of work outlives the socket: a message that passed the membership
			// check is persisted even if the client hangs up meanwhile
			err := s.handleNewMessage(context.WithoutCancel(ctx), chatID, p)
			s.finish("new_message", clientID, start, err)
		}()
	default:
		s.finish("unrecognized", s.tag(frame.Client), start,
			&frameError{code: protocol.CodeUnrecognizedPayload, msg: "unrecognized payload"})
	}
}

func (s *session) handleConnect(ctx context.Context, p protocol.Connect) error {
	if s.state == StateConnected {
		return &frameError{code: protocol.CodeNotAuthorized, msg: "already connected to a chat"}
	}

	err := s.h.store.Atomically(ctx, func(tx storage.Tx) error {
		_, err := tx.Participant(ctx, p.ChatID, s.userID)
		return err
	})
	if errors.Is(err, chat.ErrNotFound) {
		return &frameError{code: protocol.CodeNotAuthorized, msg: "not a participant of the chat"}
	}
	if err != nil {
		return fmt.Errorf("resolve participant: %w", err)
	}

	clientID := uuid.NewString()
	err = s.h.reg.Add(registry.Connection{
		ChatID:      p.ChatID,
		UserID:      s.userID,
		ClientID:    clientID,
		Transport:   s.transport,
		ConnectedAt: s.h.nowFn(),
	})
	if err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	s.state = StateConnected
	s.chatID = p.ChatID
	s.clientID = clientID
	s.log = s.log.With(zap.String("chat_id", p.ChatID), zap.String("client_id", clientID))

	if err := s.h.deliver.Deliver(ctx, p.ChatID, s.userID, protocol.Confirm{Connected: true}); err != nil {
		s.log.Warn("confirm connection", zap.Error(err))
	}
	s.log.Info("client connected")
	return nil
}

func (s *session) handleNewMessage(ctx context.Context, chatID string, p protocol.NewMessage) error {
	var (
		msg           chat.SealedMessage
		recipientUser string
	)
	err := s.h.store.Atomically(ctx, func(tx storage.Tx) error {
		sender, err := tx.Participant(ctx, chatID, s.userID)
		if errors.Is(err, chat.ErrNotFound) {
			return &frameError{code: protocol.CodeNotAuthorized, msg: "no longer a participant of the chat"}
		}
		if err != nil {
			return err
		}
		recipient, err := tx.ParticipantByID(ctx, p.Recipient)
		if err != nil {
			return err
		}
		if recipient.ChatID != chatID {
			return fmt.Errorf("participant %s: %w", p.Recipient, chat.ErrNotFound)
		}

		msg = chat.SealedMessage{
			ID:          uuid.NewString(),
			ChatID:      chatID,
			SenderID:    sender.ID,
			RecipientID: recipient.ID,
			Sealed:      p.Sealed,
			CreatedAt:   s.h.nowFn().UTC(),
		}
		recipientUser = recipient.UserID
		return tx.InsertMessage(ctx, msg)
	})
	if err != nil {
		return err
	}
	s.h.metrics.recordStored()

	// the message is committed; a failed push leaves it in the recipient's history
	if err := s.h.deliver.Deliver(ctx, chatID, recipientUser, protocol.Delivery{Message: msg}); err != nil {
		s.h.metrics.recordDelivery("failed")
		s.log.Warn("deliver sealed message", zap.String("message_id", msg.ID), zap.Error(err))
		return nil
	}
	s.h.metrics.recordDelivery("ok")
	s.log.Debug("sealed message stored",
		zap.String("message_id", msg.ID),
		zap.String("recipient", msg.RecipientID),
	)
	return nil
}

// finish records the frame and answers a failed one with an error frame on this connection.
func (s *session) finish(op, client string, start time.Time, err error) {
	s.h.metrics.observeLatency(op, time.Since(start))
	if err == nil {
		return
	}
	ferr := asFrameError(err)
	if ferr.code == protocol.CodeInternal {
		s.log.Error("frame failed", zap.String("op", op), zap.Error(err))
	}
	s.h.metrics.recordError(ferr.code)

	frame, encErr := protocol.Encode(client, protocol.Error{Error: ferr.code, Detail: ferr.msg})
	if encErr != nil {
		s.log.Error("encode error frame", zap.Error(encErr))
		return
	}
	if sendErr := s.transport.Send(frame); sendErr != nil {
		s.log.Debug("send error frame", zap.Error(sendErr))
	}
}

func (s *session) tag(client string) string {
	if s.clientID != "" {
		return s.clientID
	}
	return client
}

func (s *session) terminalState(ctx context.Context, err error) State {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return StateDisconnected
	}
	if ctx.Err() != nil || !s.transport.Open() {
		return StateCancelled
	}
	s.log.Debug("websocket read failed", zap.Error(err))
	return StateErrored
}

// cleanup lets in-flight frames commit before the connection leaves the registry.
func (s *session) cleanup() {
	s.inflight.Wait()
	if s.clientID != "" {
		s.h.reg.Remove(s.clientID)
	}
	_ = s.transport.Close()
	s.log.Info("client disconnected", zap.String("state", string(s.state)))
}

// frameError is a failure that is reported to the client as an Error payload.
type frameError struct {
	code string
	msg  string
}

func (e *frameError) Error() string {
	return e.code + ": " + e.msg
}

func asFrameError(err error) *frameError {
	var ferr *frameError
	if errors.As(err, &ferr) {
		return ferr
	}
	switch {
	case errors.Is(err, chat.ErrNotAuthorized):
		return &frameError{code: protocol.CodeNotAuthorized, msg: err.Error()}
	case errors.Is(err, chat.ErrNotFound):
		return &frameError{code: protocol.CodeNotFound, msg: err.Error()}
	case errors.Is(err, chat.ErrUnrecognizedPayload):
		return &frameError{code: protocol.CodeUnrecognizedPayload, msg: err.Error()}
	case errors.Is(err, ErrBackpressure):
		return &frameError{code: protocol.CodeBackpressure, msg: err.Error()}
	default:
		return &frameError{code: protocol.CodeInternal, msg: "internal error"}
	}
}
