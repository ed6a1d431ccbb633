// Package chat holds the persisted data model shared by the server and the client.
package chat

import (
	"fmt"
	"time"

	"github.com/sealroom/sealroom/internal/crypto/seal"
)

// SaltSize is the length of the per-chat HKDF salt.
const SaltSize = 32

// Role is a participant's role inside one chat.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleParticipant Role = "participant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleParticipant
}

// ParseRole maps the wire value to a Role, defaulting empty input to RoleParticipant.
func ParseRole(s string) (Role, error) {
	if s == "" {
		return RoleParticipant, nil
	}
	r := Role(s)
	if !r.Valid() {
		return "", fmt.Errorf("role %q: %w", s, ErrInvalidRequest)
	}
	return r, nil
}

// Chat is a named group. Salt is fixed at creation and used for every message in the chat.
type Chat struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Salt      []byte    `json:"salt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Participant binds a user to a chat together with the chat-scoped public keys.
type Participant struct {
	ID                 string    `json:"id"`
	ChatID             string    `json:"chatId"`
	UserID             string    `json:"userId"`
	Role               Role      `json:"role"`
	SigningPublicKey   []byte    `json:"signingPublicKey"`
	AgreementPublicKey []byte    `json:"encryptionPublicKey"`
	CreatedAt          time.Time `json:"createdAt"`
}

// IsAdmin reports whether the participant may invite others.
func (p Participant) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// SealedMessage is one recipient's copy of a message. A message sent to k peers is k rows.
type SealedMessage struct {
	ID          string      `json:"id"`
	ChatID      string      `json:"chatId"`
	SenderID    string      `json:"sender"`
	RecipientID string      `json:"recipient"`
	Sealed      seal.Sealed `json:"sealed"`
	CreatedAt   time.Time   `json:"createdAt"`
	DeliveredAt *time.Time  `json:"deliveredAt,omitempty"`
}

// PreKey is a one-time key attached to an invitation. Signature is made by the inviter's
// chat signing key over PreKeySignaturePayload.
type PreKey struct {
	ID        uint64 `json:"id"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// Invitation is consumed by Join or Decline and is never mutated otherwise.
type Invitation struct {
	ID                        string    `json:"id"`
	ChatID                    string    `json:"chatId"`
	InvitedUserID             string    `json:"invitedUserId"`
	InviterID                 string    `json:"inviterId"`
	Role                      Role      `json:"role"`
	InviterSigningPublicKey   []byte    `json:"inviterSigningPublicKey"`
	InviterAgreementPublicKey []byte    `json:"inviterEncryptionPublicKey"`
	PreKey                    *PreKey   `json:"preKey,omitempty"`
	CreatedAt                 time.Time `json:"createdAt"`
}

// PreKeySignaturePayload is the byte string an inviter signs for a pre-key.
func PreKeySignaturePayload(chatID, invitedUserID string, preKeyPublic []byte) []byte {
	buf := make([]byte, 0, len(chatID)+len(invitedUserID)+len(preKeyPublic)+2)
	buf = append(buf, chatID...)
	buf = append(buf, 0)
	buf = append(buf, invitedUserID...)
	buf = append(buf, 0)
	buf = append(buf, preKeyPublic...)
	return buf
}
