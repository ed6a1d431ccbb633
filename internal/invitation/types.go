// Package invitation implements chat creation and the invite / join / decline key exchange.
// Service is the server side over storage; Initiator is the client side over a Collaborator.
package invitation

import (
	"context"

	"github.com/sealroom/sealroom/internal/chat"
)

// Invitee is one user invited at chat creation, with the pre-key minted for them.
type Invitee struct {
	UserID string       `json:"userId"`
	Role   chat.Role    `json:"role,omitempty"`
	PreKey *chat.PreKey `json:"preKey,omitempty"`
}

// CreateChatRequest carries everything the creator generated locally.
type CreateChatRequest struct {
	ChatID              string    `json:"chatId"`
	Name                string    `json:"name,omitempty"`
	Salt                []byte    `json:"salt"`
	SigningPublicKey    []byte    `json:"signingPublicKey"`
	EncryptionPublicKey []byte    `json:"encryptionPublicKey"`
	Invitees            []Invitee `json:"invitees"`
}

// CreateChatResponse is the created chat with the creator's participant row and the invitations.
type CreateChatResponse struct {
	Chat        chat.Chat         `json:"chat"`
	Participant chat.Participant  `json:"participant"`
	Invitations []chat.Invitation `json:"invitations"`
}

// InviteRequest adds one user to an existing chat.
type InviteRequest struct {
	UserID string       `json:"userId"`
	Role   chat.Role    `json:"role,omitempty"`
	PreKey *chat.PreKey `json:"preKey"`
}

// JoinRequest carries the invitee's freshly generated chat keys.
type JoinRequest struct {
	SigningPublicKey    []byte `json:"signingPublicKey"`
	EncryptionPublicKey []byte `json:"encryptionPublicKey"`
}

// JoinResponse is what the new participant needs to start messaging.
type JoinResponse struct {
	Chat        chat.Chat        `json:"chat"`
	Participant chat.Participant `json:"participant"`
}

// Collaborator is the key-exchange surface as seen by a client. The caller's identity is
// implied by the implementation (a bearer token, or Local's UserID).
type Collaborator interface {
	CreateChat(ctx context.Context, req CreateChatRequest) (CreateChatResponse, error)
	Invite(ctx context.Context, chatID string, req InviteRequest) (chat.Invitation, error)
	Join(ctx context.Context, invitationID string, req JoinRequest) (JoinResponse, error)
	Decline(ctx context.Context, invitationID string) error
	Leave(ctx context.Context, chatID string) error
	// Sent lists the caller's own unanswered invitations in chatID.
	Sent(ctx context.Context, chatID string) ([]chat.Invitation, error)
}

// Local adapts a Service to Collaborator for a fixed user, for in-process clients and tests.
type Local struct {
	Service *Service
	UserID  string
}

func (l Local) CreateChat(ctx context.Context, req CreateChatRequest) (CreateChatResponse, error) {
	return l.Service.CreateChat(ctx, l.UserID, req)
}

func (l Local) Invite(ctx context.Context, chatID string, req InviteRequest) (chat.Invitation, error) {
	return l.Service.Invite(ctx, l.UserID, chatID, req)
}

func (l Local) Join(ctx context.Context, invitationID string, req JoinRequest) (JoinResponse, error) {
	return l.Service.Join(ctx, l.UserID, invitationID, req)
}

func (l Local) Decline(ctx context.Context, invitationID string) error {
	return l.Service.Decline(ctx, l.UserID, invitationID)
}

func (l Local) Leave(ctx context.Context, chatID string) error {
	return l.Service.Leave(ctx, l.UserID, chatID)
}

func (l Local) Sent(ctx context.Context, chatID string) ([]chat.Invitation, error) {
	return l.Service.Sent(ctx, l.UserID, chatID)
}
