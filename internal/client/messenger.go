// Package client is the user side of a chat: it seals one copy of every outgoing message per
// peer, opens incoming copies, and pins each peer's signing key the first time it is seen.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/crypto/seal"
	"github.com/sealroom/sealroom/internal/keystore"
	"github.com/sealroom/sealroom/internal/protocol"
)

// ErrIdentityChanged is returned when a peer presents a signing key other than the pinned one.
// It wraps seal.ErrAuthenticationFailed.
var ErrIdentityChanged = fmt.Errorf("peer signing key changed: %w", seal.ErrAuthenticationFailed)

// Directory is the read side of the key-exchange API the messenger needs.
type Directory interface {
	Chat(ctx context.Context, chatID string) (chat.Chat, error)
	Participants(ctx context.Context, chatID string) ([]chat.Participant, error)
	History(ctx context.Context, chatID string, limit int) ([]chat.SealedMessage, error)
}

// Message is an opened SealedMessage.
type Message struct {
	ID           string
	ChatID       string
	SenderID     string
	SenderUserID string
	Plaintext    []byte
	CreatedAt    time.Time
}

type roster struct {
	salt  []byte
	byID  map[string]chat.Participant
	me    chat.Participant
	hasMe bool
}

// Messenger holds the local user's view of the chats it takes part in.
type Messenger struct {
	userID string
	engine *seal.Engine
	store  keystore.Store
	dir    Directory
	log    *zap.Logger

	mu      sync.Mutex
	rosters map[string]*roster
}

// NewMessenger wires a messenger for userID. store must be the store engine writes to.
func NewMessenger(userID string, engine *seal.Engine, store keystore.Store, dir Directory, logger *zap.Logger) *Messenger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Messenger{
		userID:  userID,
		engine:  engine,
		store:   store,
		dir:     dir,
		log:     logger,
		rosters: make(map[string]*roster),
	}
}

// Seal produces one NewMessage per other participant of chatID, each sealed to that
// participant's agreement key and signed with the local chat signing key.
func (m *Messenger) Seal(ctx context.Context, chatID string, plaintext []byte) ([]protocol.NewMessage, error) {
	r, err := m.refresh(ctx, chatID)
	if err != nil {
		return nil, err
	}
	if !r.hasMe {
		return nil, fmt.Errorf("chat %s: %w", chatID, chat.ErrNotAuthorized)
	}

	out := make([]protocol.NewMessage, 0, len(r.byID))
	for _, p := range r.byID {
		if p.ID == r.me.ID {
			continue
		}
		if err := m.trust(ctx, p); err != nil {
			return nil, err
		}
		sealed, err := m.engine.SealFor(ctx, chatID, plaintext, r.salt, p.AgreementPublicKey)
		if err != nil {
			return nil, fmt.Errorf("seal for %s: %w", p.ID, err)
		}
		out = append(out, protocol.NewMessage{Sealed: sealed, Recipient: p.ID})
	}
	if len(out) == 0 {
		return nil, chat.ErrNoOtherParticipants
	}
	return out, nil
}

// Open verifies and decrypts a message addressed to the local user. Any failure to
// authenticate the sender or the ciphertext is seal.ErrAuthenticationFailed.
func (m *Messenger) Open(ctx context.Context, msg chat.SealedMessage) (Message, error) {
	r, err := m.roster(ctx, msg.ChatID)
	if err != nil {
		return Message{}, err
	}
	sender, ok := r.byID[msg.SenderID]
	if !ok {
		// a participant who joined after the roster was loaded
		if r, err = m.refresh(ctx, msg.ChatID); err != nil {
			return Message{}, err
		}
		if sender, ok = r.byID[msg.SenderID]; !ok {
			return Message{}, fmt.Errorf("sender %s: %w", msg.SenderID, chat.ErrNotFound)
		}
	}
	if err := m.trust(ctx, sender); err != nil {
		return Message{}, err
	}

	plaintext, err := m.engine.OpenFrom(ctx, msg.ChatID, msg.Sealed, r.salt, sender.SigningPublicKey)
	if err != nil {
		return Message{}, err
	}
	return Message{
		ID:           msg.ID,
		ChatID:       msg.ChatID,
		SenderID:     sender.ID,
		SenderUserID: sender.UserID,
		Plaintext:    plaintext,
		CreatedAt:    msg.CreatedAt,
	}, nil
}

// History fetches and opens the stored messages addressed to the local user. Messages that fail
// to open are skipped and logged.
func (m *Messenger) History(ctx context.Context, chatID string, limit int) ([]Message, error) {
	sealed, err := m.dir.History(ctx, chatID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Message, 0, len(sealed))
	for _, s := range sealed {
		msg, err := m.Open(ctx, s)
		if err != nil {
			m.log.Warn("discarding message", zap.String("message_id", s.ID), zap.Error(err))
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// trust pins p's signing key on first sight and rejects any later change.
func (m *Messenger) trust(ctx context.Context, p chat.Participant) error {
	scope := keystore.RemoteScope(p.ChatID, p.ID)
	pinned, err := m.store.Get(ctx, scope, keystore.KindRemoteTrustedIdentity)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := m.store.Put(ctx, scope, keystore.KindRemoteTrustedIdentity, p.SigningPublicKey); err != nil {
			return fmt.Errorf("pin identity of %s: %w", p.ID, err)
		}
		m.log.Info("pinned peer identity",
			zap.String("chat_id", p.ChatID),
			zap.String("participant_id", p.ID),
			zap.String("key_id", seal.KeyIdentifier(p.SigningPublicKey)),
		)
		return nil
	case err != nil:
		return fmt.Errorf("load identity of %s: %w", p.ID, err)
	}
	if !bytes.Equal(pinned, p.SigningPublicKey) {
		m.log.Warn("peer identity changed",
			zap.String("chat_id", p.ChatID),
			zap.String("participant_id", p.ID),
			zap.String("pinned_key_id", seal.KeyIdentifier(pinned)),
			zap.String("presented_key_id", seal.KeyIdentifier(p.SigningPublicKey)),
		)
		return fmt.Errorf("participant %s: %w", p.ID, ErrIdentityChanged)
	}
	return nil
}

func (m *Messenger) roster(ctx context.Context, chatID string) (*roster, error) {
	m.mu.Lock()
	r, ok := m.rosters[chatID]
	m.mu.Unlock()
	if ok {
		return r, nil
	}
	return m.refresh(ctx, chatID)
}

// refresh reloads the salt and participants of chatID.
func (m *Messenger) refresh(ctx context.Context, chatID string) (*roster, error) {
	c, err := m.dir.Chat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load chat %s: %w", chatID, err)
	}
	ps, err := m.dir.Participants(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load participants of %s: %w", chatID, err)
	}

	r := &roster{salt: c.Salt, byID: make(map[string]chat.Participant, len(ps))}
	for _, p := range ps {
		r.byID[p.ID] = p
		if p.UserID == m.userID {
			r.me, r.hasMe = p, true
		}
	}

	m.mu.Lock()
	if old, ok := m.rosters[chatID]; ok && !bytes.Equal(old.salt, r.salt) {
		m.mu.Unlock()
		return nil, fmt.Errorf("chat %s salt changed: %w", chatID, seal.ErrAuthenticationFailed)
	}
	m.rosters[chatID] = r
	m.mu.Unlock()
	return r, nil
}
