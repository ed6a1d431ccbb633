package invitation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/crypto/seal"
	"github.com/sealroom/sealroom/internal/storage"
)

// Service is the server side of the key exchange. Every operation runs in one storage unit.
type Service struct {
	store storage.Store
	log   *zap.Logger
	nowFn func() time.Time
}

// NewService builds a Service over store.
func NewService(store storage.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, log: logger, nowFn: time.Now}
}

// CreateChat stores the chat, the creator as admin and one invitation per invitee.
func (s *Service) CreateChat(ctx context.Context, userID string, req CreateChatRequest) (CreateChatResponse, error) {
	invitees := make([]Invitee, 0, len(req.Invitees))
	seen := map[string]bool{userID: true}
	for _, inv := range req.Invitees {
		if seen[inv.UserID] {
			continue
		}
		seen[inv.UserID] = true
		invitees = append(invitees, inv)
	}
	if len(invitees) == 0 {
		return CreateChatResponse{}, chat.ErrNoOtherParticipants
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = uuid.NewString()
	} else if _, err := uuid.Parse(chatID); err != nil {
		return CreateChatResponse{}, fmt.Errorf("chat id %q: %w", chatID, chat.ErrInvalidRequest)
	}
	if len(req.Salt) != chat.SaltSize {
		return CreateChatResponse{}, fmt.Errorf("salt must be %d bytes: %w", chat.SaltSize, chat.ErrInvalidRequest)
	}
	if err := validateKeys(req.SigningPublicKey, req.EncryptionPublicKey); err != nil {
		return CreateChatResponse{}, err
	}

	now := s.nowFn().UTC()
	resp := CreateChatResponse{
		Chat: chat.Chat{ID: chatID, Name: req.Name, Salt: append([]byte(nil), req.Salt...), CreatedAt: now},
		Participant: chat.Participant{
			ID:                 uuid.NewString(),
			ChatID:             chatID,
			UserID:             userID,
			Role:               chat.RoleAdmin,
			SigningPublicKey:   req.SigningPublicKey,
			AgreementPublicKey: req.EncryptionPublicKey,
			CreatedAt:          now,
		},
	}
	for _, inv := range invitees {
		invitation, err := s.newInvitation(resp.Participant, inv.UserID, inv.Role, inv.PreKey, now)
		if err != nil {
			return CreateChatResponse{}, err
		}
		resp.Invitations = append(resp.Invitations, invitation)
	}

	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		if err := tx.CreateChat(ctx, resp.Chat); err != nil {
			return err
		}
		if err := tx.InsertParticipant(ctx, resp.Participant); err != nil {
			return err
		}
		for _, inv := range resp.Invitations {
			if err := tx.InsertInvitation(ctx, inv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return CreateChatResponse{}, err
	}

	s.log.Info("chat created",
		zap.String("chat_id", chatID),
		zap.String("user_id", userID),
		zap.Int("invitations", len(resp.Invitations)),
	)
	return resp, nil
}

// Invite lets an admin participant invite one more user.
func (s *Service) Invite(ctx context.Context, userID, chatID string, req InviteRequest) (chat.Invitation, error) {
	if req.UserID == "" {
		return chat.Invitation{}, fmt.Errorf("invitee user id required: %w", chat.ErrInvalidRequest)
	}
	var out chat.Invitation
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		inviter, err := tx.Participant(ctx, chatID, userID)
		if err != nil {
			return asNotAuthorized(err)
		}
		if !inviter.IsAdmin() {
			return fmt.Errorf("user %s is not an admin of %s: %w", userID, chatID, chat.ErrNotAuthorized)
		}
		if _, err := tx.Participant(ctx, chatID, req.UserID); err == nil {
			return chat.ErrAlreadyMember
		}
		out, err = s.newInvitation(inviter, req.UserID, req.Role, req.PreKey, s.nowFn().UTC())
		if err != nil {
			return err
		}
		return tx.InsertInvitation(ctx, out)
	})
	if err != nil {
		return chat.Invitation{}, err
	}
	s.log.Info("participant invited",
		zap.String("chat_id", chatID),
		zap.String("inviter", userID),
		zap.String("invitee", req.UserID),
		zap.String("role", string(out.Role)),
	)
	return out, nil
}

// Join consumes the invitation and creates the caller's participant row in one unit.
func (s *Service) Join(ctx context.Context, userID, invitationID string, req JoinRequest) (JoinResponse, error) {
	if err := validateKeys(req.SigningPublicKey, req.EncryptionPublicKey); err != nil {
		return JoinResponse{}, err
	}
	var out JoinResponse
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		inv, err := s.ownInvitation(ctx, tx, userID, invitationID)
		if err != nil {
			return err
		}
		if err := tx.DeleteInvitation(ctx, inv.ID); err != nil {
			return err
		}
		out.Participant = chat.Participant{
			ID:                 uuid.NewString(),
			ChatID:             inv.ChatID,
			UserID:             userID,
			Role:               inv.Role,
			SigningPublicKey:   req.SigningPublicKey,
			AgreementPublicKey: req.EncryptionPublicKey,
			CreatedAt:          s.nowFn().UTC(),
		}
		if err := tx.InsertParticipant(ctx, out.Participant); err != nil {
			return err
		}
		out.Chat, err = tx.Chat(ctx, inv.ChatID)
		return err
	})
	if err != nil {
		return JoinResponse{}, err
	}
	s.log.Info("invitation joined",
		zap.String("invitation_id", invitationID),
		zap.String("chat_id", out.Chat.ID),
		zap.String("participant_id", out.Participant.ID),
	)
	return out, nil
}

// Decline deletes the invitation and its pre-key. No participant is created.
func (s *Service) Decline(ctx context.Context, userID, invitationID string) error {
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		inv, err := s.ownInvitation(ctx, tx, userID, invitationID)
		if err != nil {
			return err
		}
		return tx.DeleteInvitation(ctx, inv.ID)
	})
	if err != nil {
		return err
	}
	s.log.Info("invitation declined", zap.String("invitation_id", invitationID), zap.String("user_id", userID))
	return nil
}

// Leave removes the caller's participant row.
func (s *Service) Leave(ctx context.Context, userID, chatID string) error {
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		return tx.DeleteParticipant(ctx, chatID, userID)
	})
	if err != nil {
		return err
	}
	s.log.Info("participant left", zap.String("chat_id", chatID), zap.String("user_id", userID))
	return nil
}

// Pending lists the invitations addressed to userID.
func (s *Service) Pending(ctx context.Context, userID string) ([]chat.Invitation, error) {
	var out []chat.Invitation
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		var err error
		out, err = tx.InvitationsFor(ctx, userID)
		return err
	})
	return out, err
}

// Sent lists the invitations the caller issued in chatID that are still waiting for an answer.
func (s *Service) Sent(ctx context.Context, userID, chatID string) ([]chat.Invitation, error) {
	var out []chat.Invitation
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		me, err := tx.Participant(ctx, chatID, userID)
		if err != nil {
			return asNotAuthorized(err)
		}
		out, err = tx.InvitationsFrom(ctx, me.ID)
		return err
	})
	return out, err
}

// Chat returns the chat to one of its participants.
func (s *Service) Chat(ctx context.Context, userID, chatID string) (chat.Chat, error) {
	var out chat.Chat
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		if _, err := tx.Participant(ctx, chatID, userID); err != nil {
			return asNotAuthorized(err)
		}
		var err error
		out, err = tx.Chat(ctx, chatID)
		return err
	})
	return out, err
}

// Participants lists the chat's participants to one of them.
func (s *Service) Participants(ctx context.Context, userID, chatID string) ([]chat.Participant, error) {
	var out []chat.Participant
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		if _, err := tx.Participant(ctx, chatID, userID); err != nil {
			return asNotAuthorized(err)
		}
		var err error
		out, err = tx.Participants(ctx, chatID)
		return err
	})
	return out, err
}

// History returns the sealed messages addressed to the caller in chatID, oldest first. Returned
// messages count as delivered.
func (s *Service) History(ctx context.Context, userID, chatID string, limit int) ([]chat.SealedMessage, error) {
	var out []chat.SealedMessage
	err := s.store.Atomically(ctx, func(tx storage.Tx) error {
		me, err := tx.Participant(ctx, chatID, userID)
		if err != nil {
			return asNotAuthorized(err)
		}
		out, err = tx.MessagesFor(ctx, me.ID, limit)
		if err != nil {
			return err
		}
		now := s.nowFn().UTC()
		for i := range out {
			if out[i].DeliveredAt != nil {
				continue
			}
			if err := tx.MarkDelivered(ctx, out[i].ID, now); err != nil {
				return err
			}
			at := now
			out[i].DeliveredAt = &at
		}
		return nil
	})
	return out, err
}

func (s *Service) ownInvitation(ctx context.Context, tx storage.Tx, userID, invitationID string) (chat.Invitation, error) {
	inv, err := tx.Invitation(ctx, invitationID)
	if err != nil {
		return chat.Invitation{}, err
	}
	// someone else's invitation is indistinguishable from a missing one
	if inv.InvitedUserID != userID {
		return chat.Invitation{}, fmt.Errorf("invitation %s: %w", invitationID, chat.ErrNotFound)
	}
	return inv, nil
}

func (s *Service) newInvitation(inviter chat.Participant, invitedUserID string, role chat.Role, preKey *chat.PreKey, now time.Time) (chat.Invitation, error) {
	if invitedUserID == "" {
		return chat.Invitation{}, fmt.Errorf("invitee user id required: %w", chat.ErrInvalidRequest)
	}
	parsed, err := chat.ParseRole(string(role))
	if err != nil {
		return chat.Invitation{}, err
	}
	if preKey == nil {
		return chat.Invitation{}, fmt.Errorf("pre-key for %s required: %w", invitedUserID, chat.ErrInvalidRequest)
	}
	if err := seal.ValidatePublicKey(preKey.PublicKey); err != nil {
		return chat.Invitation{}, fmt.Errorf("pre-key for %s: %v: %w", invitedUserID, err, chat.ErrInvalidRequest)
	}
	payload := chat.PreKeySignaturePayload(inviter.ChatID, invitedUserID, preKey.PublicKey)
	if err := seal.VerifySignature(inviter.SigningPublicKey, payload, preKey.Signature); err != nil {
		return chat.Invitation{}, fmt.Errorf("pre-key signature for %s: %w", invitedUserID, chat.ErrInvalidRequest)
	}
	return chat.Invitation{
		ID:                        uuid.NewString(),
		ChatID:                    inviter.ChatID,
		InvitedUserID:             invitedUserID,
		InviterID:                 inviter.ID,
		Role:                      parsed,
		InviterSigningPublicKey:   inviter.SigningPublicKey,
		InviterAgreementPublicKey: inviter.AgreementPublicKey,
		PreKey:                    preKey,
		CreatedAt:                 now,
	}, nil
}

func validateKeys(signing, agreement []byte) error {
	if len(signing) != seal.KeySize {
		return fmt.Errorf("signing public key must be %d bytes: %w", seal.KeySize, chat.ErrInvalidRequest)
	}
	if err := seal.ValidatePublicKey(agreement); err != nil {
		return fmt.Errorf("encryption public key: %v: %w", err, chat.ErrInvalidRequest)
	}
	return nil
}

func asNotAuthorized(err error) error {
	if errors.Is(err, chat.ErrNotFound) {
		return fmt.Errorf("%v: %w", err, chat.ErrNotAuthorized)
	}
	return err
}
