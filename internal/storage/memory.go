package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sealroom/sealroom/internal/chat"
)

// MemoryStore keeps everything in process memory. Atomically holds the store lock for the whole
// unit and works on a copy of the state that is swapped in only when fn succeeds.
type MemoryStore struct {
	mu    sync.Mutex
	state memoryState
}

type memoryState struct {
	chats        map[string]chat.Chat
	participants map[string]chat.Participant
	members      map[string]map[string]string // chat -> user -> participant id
	messages     map[string]chat.SealedMessage
	invitations  map[string]chat.Invitation
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: memoryState{
		chats:        make(map[string]chat.Chat),
		participants: make(map[string]chat.Participant),
		members:      make(map[string]map[string]string),
		messages:     make(map[string]chat.SealedMessage),
		invitations:  make(map[string]chat.Invitation),
	}}
}

func (m *MemoryStore) Atomically(ctx context.Context, fn func(tx Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	staged := m.state.clone()
	if err := fn(&memoryTx{state: &staged}); err != nil {
		return err
	}
	m.state = staged
	return nil
}

func (m *MemoryStore) Close() error { return nil }

func (s memoryState) clone() memoryState {
	out := memoryState{
		chats:        make(map[string]chat.Chat, len(s.chats)),
		participants: make(map[string]chat.Participant, len(s.participants)),
		members:      make(map[string]map[string]string, len(s.members)),
		messages:     make(map[string]chat.SealedMessage, len(s.messages)),
		invitations:  make(map[string]chat.Invitation, len(s.invitations)),
	}
	for k, v := range s.chats {
		out.chats[k] = v
	}
	for k, v := range s.participants {
		out.participants[k] = v
	}
	for chatID, users := range s.members {
		copied := make(map[string]string, len(users))
		for u, id := range users {
			copied[u] = id
		}
		out.members[chatID] = copied
	}
	for k, v := range s.messages {
		out.messages[k] = v
	}
	for k, v := range s.invitations {
		out.invitations[k] = v
	}
	return out
}

type memoryTx struct {
	state *memoryState
}

func (t *memoryTx) CreateChat(ctx context.Context, c chat.Chat) error {
	if _, exists := t.state.chats[c.ID]; exists {
		return fmt.Errorf("chat %s already exists: %w", c.ID, chat.ErrInvalidRequest)
	}
	t.state.chats[c.ID] = c
	return ctx.Err()
}

func (t *memoryTx) Chat(ctx context.Context, chatID string) (chat.Chat, error) {
	c, ok := t.state.chats[chatID]
	if !ok {
		return chat.Chat{}, fmt.Errorf("chat %s: %w", chatID, chat.ErrNotFound)
	}
	return c, ctx.Err()
}

func (t *memoryTx) InsertParticipant(ctx context.Context, p chat.Participant) error {
	if _, ok := t.state.chats[p.ChatID]; !ok {
		return fmt.Errorf("chat %s: %w", p.ChatID, chat.ErrNotFound)
	}
	users, ok := t.state.members[p.ChatID]
	if !ok {
		users = make(map[string]string)
		t.state.members[p.ChatID] = users
	}
	if _, exists := users[p.UserID]; exists {
		return chat.ErrAlreadyMember
	}
	users[p.UserID] = p.ID
	t.state.participants[p.ID] = p
	return ctx.Err()
}

func (t *memoryTx) Participant(ctx context.Context, chatID, userID string) (chat.Participant, error) {
	id, ok := t.state.members[chatID][userID]
	if !ok {
		return chat.Participant{}, fmt.Errorf("participant %s in chat %s: %w", userID, chatID, chat.ErrNotFound)
	}
	return t.state.participants[id], ctx.Err()
}

func (t *memoryTx) ParticipantByID(ctx context.Context, participantID string) (chat.Participant, error) {
	p, ok := t.state.participants[participantID]
	if !ok {
		return chat.Participant{}, fmt.Errorf("participant %s: %w", participantID, chat.ErrNotFound)
	}
	return p, ctx.Err()
}

func (t *memoryTx) Participants(ctx context.Context, chatID string) ([]chat.Participant, error) {
	out := make([]chat.Participant, 0, len(t.state.members[chatID]))
	for _, id := range t.state.members[chatID] {
		out = append(out, t.state.participants[id])
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, ctx.Err()
}

func (t *memoryTx) DeleteParticipant(ctx context.Context, chatID, userID string) error {
	id, ok := t.state.members[chatID][userID]
	if !ok {
		return fmt.Errorf("participant %s in chat %s: %w", userID, chatID, chat.ErrNotFound)
	}
	delete(t.state.members[chatID], userID)
	delete(t.state.participants, id)
	return ctx.Err()
}

func (t *memoryTx) InsertMessage(ctx context.Context, msg chat.SealedMessage) error {
	if _, exists := t.state.messages[msg.ID]; exists {
		return fmt.Errorf("message %s already exists: %w", msg.ID, chat.ErrInvalidRequest)
	}
	t.state.messages[msg.ID] = msg
	return ctx.Err()
}

func (t *memoryTx) MessagesFor(ctx context.Context, recipientID string, limit int) ([]chat.SealedMessage, error) {
	var out []chat.SealedMessage
	for _, msg := range t.state.messages {
		if msg.RecipientID == recipientID {
			out = append(out, msg)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if n := historyLimit(limit); len(out) > n {
		out = out[len(out)-n:]
	}
	return out, ctx.Err()
}

func (t *memoryTx) MarkDelivered(ctx context.Context, messageID string, at time.Time) error {
	msg, ok := t.state.messages[messageID]
	if !ok {
		return fmt.Errorf("message %s: %w", messageID, chat.ErrNotFound)
	}
	if msg.DeliveredAt == nil {
		at := at
		msg.DeliveredAt = &at
		t.state.messages[messageID] = msg
	}
	return ctx.Err()
}

func (t *memoryTx) InsertInvitation(ctx context.Context, inv chat.Invitation) error {
	if _, ok := t.state.chats[inv.ChatID]; !ok {
		return fmt.Errorf("chat %s: %w", inv.ChatID, chat.ErrNotFound)
	}
	for _, existing := range t.state.invitations {
		if existing.ChatID == inv.ChatID && existing.InvitedUserID == inv.InvitedUserID {
			return fmt.Errorf("open invitation for %s: %w", inv.InvitedUserID, chat.ErrAlreadyMember)
		}
	}
	t.state.invitations[inv.ID] = inv
	return ctx.Err()
}

func (t *memoryTx) Invitation(ctx context.Context, invitationID string) (chat.Invitation, error) {
	inv, ok := t.state.invitations[invitationID]
	if !ok {
		return chat.Invitation{}, fmt.Errorf("invitation %s: %w", invitationID, chat.ErrNotFound)
	}
	return inv, ctx.Err()
}

func (t *memoryTx) InvitationsFor(ctx context.Context, userID string) ([]chat.Invitation, error) {
	return t.invitationsWhere(func(inv chat.Invitation) bool { return inv.InvitedUserID == userID }), ctx.Err()
}

func (t *memoryTx) InvitationsFrom(ctx context.Context, inviterID string) ([]chat.Invitation, error) {
	return t.invitationsWhere(func(inv chat.Invitation) bool { return inv.InviterID == inviterID }), ctx.Err()
}

func (t *memoryTx) invitationsWhere(match func(chat.Invitation) bool) []chat.Invitation {
	var out []chat.Invitation
	for _, inv := range t.state.invitations {
		if match(inv) {
			out = append(out, inv)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *memoryTx) DeleteInvitation(ctx context.Context, invitationID string) error {
	if _, ok := t.state.invitations[invitationID]; !ok {
		return fmt.Errorf("invitation %s: %w", invitationID, chat.ErrNotFound)
	}
	delete(t.state.invitations, invitationID)
	return ctx.Err()
}
