package invitation

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/crypto/seal"
	"github.com/sealroom/sealroom/internal/keystore"
)

// Initiator is the client side of the key exchange: it generates and stores key material locally
// and submits only public halves to the Collaborator.
type Initiator struct {
	engine   *seal.Engine
	store    keystore.Store
	counters *keystore.Counters
	remote   Collaborator
	log      *zap.Logger
}

// NewInitiator wires an Initiator. store must be the same store engine writes to.
func NewInitiator(engine *seal.Engine, store keystore.Store, remote Collaborator, logger *zap.Logger) *Initiator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Initiator{
		engine:   engine,
		store:    store,
		counters: keystore.NewCounters(store),
		remote:   remote,
		log:      logger,
	}
}

// CreateChat creates a chat with the given invitees. Keys are stored before anything is sent.
func (i *Initiator) CreateChat(ctx context.Context, name string, invitees []Invitee) (CreateChatResponse, error) {
	if len(invitees) == 0 {
		return CreateChatResponse{}, chat.ErrNoOtherParticipants
	}

	chatID := uuid.NewString()
	salt, err := i.engine.GenerateSalt()
	if err != nil {
		return CreateChatResponse{}, err
	}
	keys, err := i.engine.EnsureChatKeys(ctx, chatID)
	if err != nil {
		return CreateChatResponse{}, err
	}

	req := CreateChatRequest{
		ChatID:              chatID,
		Name:                name,
		Salt:                salt,
		SigningPublicKey:    keys.SigningPublic,
		EncryptionPublicKey: keys.AgreementPublic,
	}
	for _, inv := range invitees {
		preKey, err := i.mintPreKey(ctx, chatID, inv.UserID)
		if err != nil {
			return CreateChatResponse{}, err
		}
		req.Invitees = append(req.Invitees, Invitee{UserID: inv.UserID, Role: inv.Role, PreKey: preKey})
	}

	resp, err := i.remote.CreateChat(ctx, req)
	if err != nil {
		return CreateChatResponse{}, fmt.Errorf("create chat: %w", err)
	}
	i.log.Info("chat created",
		zap.String("chat_id", chatID),
		zap.String("signing_key_id", seal.KeyIdentifier(keys.SigningPublic)),
		zap.Int("invitees", len(req.Invitees)),
	)
	return resp, nil
}

// Invite invites userID into an existing chat with a fresh signed pre-key. Pre-keys of invitations
// that were answered since the last call are dropped first.
func (i *Initiator) Invite(ctx context.Context, chatID, userID string, role chat.Role) (chat.Invitation, error) {
	if _, err := i.PrunePreKeys(ctx, chatID); err != nil {
		i.log.Warn("prune pre-keys", zap.String("chat_id", chatID), zap.Error(err))
	}
	preKey, err := i.mintPreKey(ctx, chatID, userID)
	if err != nil {
		return chat.Invitation{}, err
	}
	inv, err := i.remote.Invite(ctx, chatID, InviteRequest{UserID: userID, Role: role, PreKey: preKey})
	if err != nil {
		// the pre-key was never handed out
		_ = i.store.Delete(ctx, keystore.PreKeyScope(chatID, preKey.ID), keystore.KindSessionState)
		return chat.Invitation{}, fmt.Errorf("invite %s: %w", userID, err)
	}
	return inv, nil
}

// Join verifies the inviter's pre-key signature, pins the inviter's signing key, generates the
// local chat keys and submits them.
func (i *Initiator) Join(ctx context.Context, inv chat.Invitation) (JoinResponse, error) {
	if inv.PreKey == nil {
		return JoinResponse{}, fmt.Errorf("invitation %s carries no pre-key: %w", inv.ID, seal.ErrAuthenticationFailed)
	}
	payload := chat.PreKeySignaturePayload(inv.ChatID, inv.InvitedUserID, inv.PreKey.PublicKey)
	if err := seal.VerifySignature(inv.InviterSigningPublicKey, payload, inv.PreKey.Signature); err != nil {
		return JoinResponse{}, fmt.Errorf("invitation %s pre-key: %w", inv.ID, err)
	}

	if err := i.store.Put(ctx, keystore.RemoteScope(inv.ChatID, inv.InviterID), keystore.KindRemoteTrustedIdentity, inv.InviterSigningPublicKey); err != nil {
		return JoinResponse{}, fmt.Errorf("pin inviter identity: %w", err)
	}
	keys, err := i.engine.EnsureChatKeys(ctx, inv.ChatID)
	if err != nil {
		return JoinResponse{}, err
	}

	resp, err := i.remote.Join(ctx, inv.ID, JoinRequest{
		SigningPublicKey:    keys.SigningPublic,
		EncryptionPublicKey: keys.AgreementPublic,
	})
	if err != nil {
		return JoinResponse{}, fmt.Errorf("join %s: %w", inv.ID, err)
	}
	i.log.Info("joined chat",
		zap.String("chat_id", inv.ChatID),
		zap.String("participant_id", resp.Participant.ID),
		zap.String("inviter_key_id", seal.KeyIdentifier(inv.InviterSigningPublicKey)),
	)
	return resp, nil
}

// Decline rejects the invitation. Nothing is stored locally.
func (i *Initiator) Decline(ctx context.Context, inv chat.Invitation) error {
	if err := i.remote.Decline(ctx, inv.ID); err != nil {
		return fmt.Errorf("decline %s: %w", inv.ID, err)
	}
	return nil
}

// Leave leaves the chat and forgets every local secret for it.
func (i *Initiator) Leave(ctx context.Context, chatID string) error {
	if err := i.remote.Leave(ctx, chatID); err != nil {
		return fmt.Errorf("leave %s: %w", chatID, err)
	}
	return i.engine.Forget(ctx, chatID)
}

// PrunePreKeys deletes the private halves of this user's pre-keys in chatID whose invitation has
// been joined or declined, and returns how many were deleted. It must not race an Invite into the
// same chat.
func (i *Initiator) PrunePreKeys(ctx context.Context, chatID string) (int, error) {
	sent, err := i.remote.Sent(ctx, chatID)
	if err != nil {
		return 0, fmt.Errorf("list sent invitations: %w", err)
	}
	outstanding := make(map[uint64]bool, len(sent))
	for _, inv := range sent {
		if inv.PreKey != nil {
			outstanding[inv.PreKey.ID] = true
		}
	}

	scopes, err := i.store.AllScopes(ctx, keystore.KindSessionState)
	if err != nil {
		return 0, err
	}
	pruned := 0
	for _, scope := range scopes {
		owner, id, ok := keystore.ParsePreKeyScope(scope)
		if !ok || owner != chatID || outstanding[id] {
			continue
		}
		if err := i.store.Delete(ctx, scope, keystore.KindSessionState); err != nil {
			return pruned, fmt.Errorf("delete pre-key %s: %w", scope, err)
		}
		pruned++
	}
	if pruned > 0 {
		i.log.Debug("pruned answered pre-keys", zap.String("chat_id", chatID), zap.Int("count", pruned))
	}
	return pruned, nil
}

func (i *Initiator) mintPreKey(ctx context.Context, chatID, userID string) (*chat.PreKey, error) {
	id, err := i.counters.Next(ctx, keystore.ChatScope(chatID))
	if err != nil {
		return nil, err
	}
	pub, err := i.engine.GeneratePreKey(ctx, keystore.PreKeyScope(chatID, id))
	if err != nil {
		return nil, err
	}
	sig, err := i.engine.Sign(ctx, chatID, chat.PreKeySignaturePayload(chatID, userID, pub))
	if err != nil {
		return nil, err
	}
	return &chat.PreKey{ID: id, PublicKey: pub, Signature: sig}, nil
}
