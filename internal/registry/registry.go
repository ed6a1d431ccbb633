// Package registry tracks the live realtime connections of a node, keyed by chat and user.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/protocol"
)

// ErrClosed is returned by Add once the registry has been shut down.
var ErrClosed = errors.New("registry closed")

// Transport is the write side of one live connection. Send must not block: implementations
// enqueue the frame and report backpressure as an error instead of waiting.
type Transport interface {
	Send(frame []byte) error
	Open() bool
	Close() error
}

// Connection is one live transport bound to a (chat, user).
type Connection struct {
	ChatID      string
	UserID      string
	ClientID    string
	Transport   Transport
	ConnectedAt time.Time
}

type owner struct {
	chatID string
	userID string
}

// Registry is the single owner of chat -> user -> client -> Connection. Every method takes the
// same mutex, and no method hands out the internal maps.
type Registry struct {
	mu      sync.Mutex
	chats   map[string]map[string]map[string]Connection
	clients map[string]owner
	closed  bool

	log   *zap.Logger
	nowFn func() time.Time
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		chats:   make(map[string]map[string]map[string]Connection),
		clients: make(map[string]owner),
		log:     logger,
		nowFn:   time.Now,
	}
}

// Add registers conn. Adding a client id that is already present replaces the old entry; a
// replaced transport that differs from the new one is closed.
func (r *Registry) Add(conn Connection) error {
	if conn.ChatID == "" || conn.UserID == "" || conn.ClientID == "" {
		return errors.New("chat, user and client id are required")
	}
	if conn.Transport == nil {
		return errors.New("transport is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = r.nowFn()
	}
	replaced, hadOld := r.removeLocked(conn.ClientID)

	users, ok := r.chats[conn.ChatID]
	if !ok {
		users = make(map[string]map[string]Connection)
		r.chats[conn.ChatID] = users
	}
	byClient, ok := users[conn.UserID]
	if !ok {
		byClient = make(map[string]Connection)
		users[conn.UserID] = byClient
	}
	byClient[conn.ClientID] = conn
	r.clients[conn.ClientID] = owner{chatID: conn.ChatID, userID: conn.UserID}
	r.mu.Unlock()

	if hadOld && replaced.Transport != conn.Transport {
		if err := replaced.Transport.Close(); err != nil {
			r.log.Debug("close replaced transport", zap.String("client_id", conn.ClientID), zap.Error(err))
		}
	}
	r.log.Debug("connection registered",
		zap.String("chat_id", conn.ChatID),
		zap.String("user_id", conn.UserID),
		zap.String("client_id", conn.ClientID),
		zap.Bool("replaced", hadOld),
	)
	return nil
}

// Remove drops one client. It reports whether anything was removed.
func (r *Registry) Remove(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.removeLocked(clientID)
	return ok
}

func (r *Registry) removeLocked(clientID string) (Connection, bool) {
	own, ok := r.clients[clientID]
	if !ok {
		return Connection{}, false
	}
	delete(r.clients, clientID)

	users := r.chats[own.chatID]
	byClient := users[own.userID]
	conn := byClient[clientID]
	delete(byClient, clientID)
	if len(byClient) == 0 {
		delete(users, own.userID)
	}
	if len(users) == 0 {
		delete(r.chats, own.chatID)
	}
	return conn, true
}

// ActiveFor returns the open connections of (chatID, userID).
func (r *Registry) ActiveFor(chatID, userID string) []Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeLocked(chatID, userID)
}

func (r *Registry) activeLocked(chatID, userID string) []Connection {
	byClient := r.chats[chatID][userID]
	out := make([]Connection, 0, len(byClient))
	for _, conn := range byClient {
		if conn.Transport.Open() {
			out = append(out, conn)
		}
	}
	return out
}

// Broadcast sends payload to every open connection of (chatID, userID), each in an envelope
// tagged with that connection's client id. A failed send never stops the others; the failures
// are joined into the returned error alongside the number of successful sends.
func (r *Registry) Broadcast(payload protocol.Payload, chatID, userID string) (int, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("encode %s payload: %w", payload.Kind(), err)
	}
	return r.BroadcastRaw(data, chatID, userID)
}

// BroadcastRaw is Broadcast for a payload that is already JSON encoded.
func (r *Registry) BroadcastRaw(data []byte, chatID, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var (
		sent int
		errs []error
	)
	for _, conn := range r.activeLocked(chatID, userID) {
		frame, err := protocol.EncodeRaw(conn.ClientID, data)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := conn.Transport.Send(frame); err != nil {
			errs = append(errs, fmt.Errorf("send to client %s: %w", conn.ClientID, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close closes every transport and waits until all of them have finished closing, or until ctx
// is done. Later Adds fail with ErrClosed.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	conns := make([]Connection, 0, len(r.clients))
	for _, users := range r.chats {
		for _, byClient := range users {
			for _, conn := range byClient {
				conns = append(conns, conn)
			}
		}
	}
	r.chats = make(map[string]map[string]map[string]Connection)
	r.clients = make(map[string]owner)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn Connection) {
			defer wg.Done()
			if err := conn.Transport.Close(); err != nil {
				r.log.Debug("close transport", zap.String("client_id", conn.ClientID), zap.Error(err))
			}
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
