// Package storage persists chats, participants, sealed messages and invitations. All access goes
// through Atomically so that membership checks and writes share one transaction.
package storage

import (
	"context"
	"time"

	"github.com/sealroom/sealroom/internal/chat"
)

// Tx is the view of the store inside one atomic unit. Lookups of unknown rows return
// chat.ErrNotFound; inserting a second participant for a (chat, user) returns chat.ErrAlreadyMember.
type Tx interface {
	CreateChat(ctx context.Context, c chat.Chat) error
	Chat(ctx context.Context, chatID string) (chat.Chat, error)

	InsertParticipant(ctx context.Context, p chat.Participant) error
	Participant(ctx context.Context, chatID, userID string) (chat.Participant, error)
	ParticipantByID(ctx context.Context, participantID string) (chat.Participant, error)
	Participants(ctx context.Context, chatID string) ([]chat.Participant, error)
	DeleteParticipant(ctx context.Context, chatID, userID string) error

	InsertMessage(ctx context.Context, m chat.SealedMessage) error
	MessagesFor(ctx context.Context, recipientID string, limit int) ([]chat.SealedMessage, error)
	MarkDelivered(ctx context.Context, messageID string, at time.Time) error

	InsertInvitation(ctx context.Context, inv chat.Invitation) error
	Invitation(ctx context.Context, invitationID string) (chat.Invitation, error)
	InvitationsFor(ctx context.Context, userID string) ([]chat.Invitation, error)
	InvitationsFrom(ctx context.Context, inviterID string) ([]chat.Invitation, error)
	DeleteInvitation(ctx context.Context, invitationID string) error
}

// Store runs fn in one transaction. If fn returns an error nothing fn wrote is kept.
type Store interface {
	Atomically(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// DefaultHistoryLimit caps MessagesFor when the caller passes zero.
const DefaultHistoryLimit = 100

func historyLimit(limit int) int {
	if limit <= 0 || limit > DefaultHistoryLimit {
		return DefaultHistoryLimit
	}
	return limit
}
