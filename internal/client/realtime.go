package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/protocol"
)

const incomingBuffer = 64

// ServerError is an Error payload received from the node.
type ServerError struct {
	Code   string
	Detail string
}

func (e *ServerError) Error() string {
	if e.Detail == "" {
		return "server error " + e.Code
	}
	return fmt.Sprintf("server error %s: %s", e.Code, e.Detail)
}

func (e *ServerError) Unwrap() error {
	switch e.Code {
	case protocol.CodeNotAuthorized:
		return chat.ErrNotAuthorized
	case protocol.CodeNotFound:
		return chat.ErrNotFound
	case protocol.CodeUnrecognizedPayload:
		return chat.ErrUnrecognizedPayload
	}
	return nil
}

// Conn is a realtime connection to one chat. It is ready once the node has confirmed it.
type Conn struct {
	ws       *websocket.Conn
	m        *Messenger
	chatID   string
	clientID string
	log      *zap.Logger

	messages chan Message
	errs     chan error

	writeMu   sync.Mutex
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Connect sends Connect for chatID on ws and waits for the node's confirmation. On success the
// returned Conn owns ws.
func (m *Messenger) Connect(ctx context.Context, ws *websocket.Conn, chatID string) (*Conn, error) {
	c := &Conn{
		ws:       ws,
		m:        m,
		chatID:   chatID,
		log:      m.log.With(zap.String("chat_id", chatID)),
		messages: make(chan Message, incomingBuffer),
		errs:     make(chan error, incomingBuffer),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if err := c.write(ctx, "", protocol.Connect{ChatID: chatID}); err != nil {
		return nil, err
	}

	for {
		frame, err := c.read(ctx)
		if err != nil {
			return nil, err
		}
		switch p := frame.Payload.(type) {
		case protocol.Confirm:
			if !p.Connected {
				continue
			}
			c.clientID = frame.Client
			go c.readLoop()
			c.log.Debug("realtime connected", zap.String("client_id", c.clientID))
			return c, nil
		case protocol.Error:
			return nil, &ServerError{Code: p.Error, Detail: p.Detail}
		default:
			c.log.Debug("ignoring frame before confirmation", zap.String("kind", p.Kind()))
		}
	}
}

// ClientID is the id the node assigned to this connection.
func (c *Conn) ClientID() string { return c.clientID }

// Messages yields opened deliveries. It is closed when the connection ends.
func (c *Conn) Messages() <-chan Message { return c.messages }

// Errors yields server error frames and deliveries that failed to open. It is closed when the
// connection ends.
func (c *Conn) Errors() <-chan error { return c.errs }

// Send seals plaintext once per other participant and sends every copy. It returns the number of
// copies sent.
func (c *Conn) Send(ctx context.Context, plaintext []byte) (int, error) {
	copies, err := c.m.Seal(ctx, c.chatID, plaintext)
	if err != nil {
		return 0, err
	}
	for i, msg := range copies {
		if err := c.write(ctx, c.clientID, msg); err != nil {
			return i, err
		}
	}
	return len(copies), nil
}

// Close ends the connection.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)
		err = c.ws.Close(websocket.StatusNormalClosure, "")
	})
	<-c.done
	return err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer close(c.messages)
	defer close(c.errs)

	ctx := context.Background()
	for {
		frame, err := c.read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				c.log.Debug("realtime read ended", zap.Error(err))
			}
			return
		}
		switch p := frame.Payload.(type) {
		case protocol.Delivery:
			msg, err := c.m.Open(ctx, p.Message)
			if err != nil {
				c.log.Warn("discarding delivery", zap.String("message_id", p.Message.ID), zap.Error(err))
				if !c.emitErr(fmt.Errorf("message %s: %w", p.Message.ID, err)) {
					return
				}
				continue
			}
			select {
			case c.messages <- msg:
			case <-c.closing:
				return
			}
		case protocol.Error:
			if !c.emitErr(&ServerError{Code: p.Error, Detail: p.Detail}) {
				return
			}
		case protocol.Confirm:
			// another connection of the same user joined
		default:
			c.log.Debug("ignoring frame", zap.String("kind", p.Kind()))
		}
	}
}

func (c *Conn) emitErr(err error) bool {
	select {
	case c.errs <- err:
		return true
	case <-c.closing:
		return false
	}
}

func (c *Conn) read(ctx context.Context) (protocol.Frame, error) {
	typ, data, err := c.ws.Read(ctx)
	if err != nil {
		return protocol.Frame{}, err
	}
	if typ != websocket.MessageBinary {
		return protocol.Frame{Payload: protocol.Unrecognized{Raw: data}}, nil
	}
	return protocol.Decode(data), nil
}

func (c *Conn) write(ctx context.Context, client string, payload protocol.Payload) error {
	frame, err := protocol.Encode(client, payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.Write(ctx, websocket.MessageBinary, frame); err != nil {
		return fmt.Errorf("send %s: %w", payload.Kind(), err)
	}
	return nil
}
