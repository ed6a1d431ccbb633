package invitation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"os"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/crypto/seal"
	"github.com/sealroom/sealroom/internal/keystore"
	"github.com/sealroom/sealroom/internal/storage"
)

type testUser struct {
	id        string
	store     *keystore.MemoryBackend
	engine    *seal.Engine
	initiator *Initiator
}

func newWorld(t *testing.T) (*Service, func(userID string) *testUser) {
	t.Helper()
	svc := NewService(storage.NewMemoryStore(), zaptest.NewLogger(t))
	return svc, func(userID string) *testUser {
		store := keystore.NewMemoryBackend()
		engine := seal.NewEngine(store, nil, zaptest.NewLogger(t))
		return &testUser{
			id:        userID,
			store:     store,
			engine:    engine,
			initiator: NewInitiator(engine, store, Local{Service: svc, UserID: userID}, zaptest.NewLogger(t)),
		}
	}
}

func pendingFor(t *testing.T, svc *Service, userID string) []chat.Invitation {
	t.Helper()
	pending, err := svc.Pending(context.Background(), userID)
	if err != nil {
		t.Fatalf("pending for %s: %v", userID, err)
	}
	return pending
}

func TestCreateChatRequiresOtherParticipants(t *testing.T) {
	svc, user := newWorld(t)
	alice := user("alice")
	ctx := context.Background()

	if _, err := alice.initiator.CreateChat(ctx, "empty", nil); !errors.Is(err, chat.ErrNoOtherParticipants) {
		t.Fatalf("expected ErrNoOtherParticipants from initiator, got %v", err)
	}

	// inviting only yourself is the same as inviting nobody
	req := CreateChatRequest{Salt: make([]byte, chat.SaltSize), Invitees: []Invitee{{UserID: "alice"}}}
	if _, err := svc.CreateChat(ctx, "alice", req); !errors.Is(err, chat.ErrNoOtherParticipants) {
		t.Fatalf("expected ErrNoOtherParticipants from service, got %v", err)
	}
}

func TestCreateJoinFlow(t *testing.T) {
	svc, user := newWorld(t)
	alice, bob := user("alice"), user("bob")
	ctx := context.Background()

	created, err := alice.initiator.CreateChat(ctx, "lunch", []Invitee{{UserID: "bob"}})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if created.Participant.Role != chat.RoleAdmin {
		t.Fatalf("expected creator to be admin, got %s", created.Participant.Role)
	}
	if len(created.Chat.Salt) != chat.SaltSize {
		t.Fatalf("expected %d byte salt", chat.SaltSize)
	}
	if _, err := alice.store.Get(ctx, keystore.ChatScope(created.Chat.ID), keystore.KindSigningPrivate); err != nil {
		t.Fatalf("creator signing key not stored: %v", err)
	}

	pending := pendingFor(t, svc, "bob")
	if len(pending) != 1 {
		t.Fatalf("expected one invitation for bob, got %d", len(pending))
	}
	inv := pending[0]
	if inv.PreKey == nil || inv.PreKey.ID != 1 {
		t.Fatalf("expected pre-key with id 1, got %+v", inv.PreKey)
	}
	if _, err := alice.store.Get(ctx, keystore.PreKeyScope(inv.ChatID, inv.PreKey.ID), keystore.KindSessionState); err != nil {
		t.Fatalf("pre-key private not stored: %v", err)
	}

	joined, err := bob.initiator.Join(ctx, inv)
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if joined.Participant.Role != chat.RoleParticipant || joined.Chat.ID != created.Chat.ID {
		t.Fatalf("unexpected join response: %+v", joined)
	}
	if !bytes.Equal(joined.Chat.Salt, created.Chat.Salt) {
		t.Fatal("joiner received a different salt")
	}

	pinned, err := bob.store.Get(ctx, keystore.RemoteScope(inv.ChatID, inv.InviterID), keystore.KindRemoteTrustedIdentity)
	if err != nil {
		t.Fatalf("inviter identity not pinned: %v", err)
	}
	if !bytes.Equal(pinned, created.Participant.SigningPublicKey) {
		t.Fatal("pinned identity does not match inviter signing key")
	}

	participants, err := svc.Participants(ctx, "bob", created.Chat.ID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected two participants, got %d", len(participants))
	}
	if len(pendingFor(t, svc, "bob")) != 0 {
		t.Fatal("invitation not consumed by join")
	}
}

func TestInvitationTerminalState(t *testing.T) {
	svc, user := newWorld(t)
	alice, bob, carol := user("alice"), user("bob"), user("carol")
	ctx := context.Background()

	if _, err := alice.initiator.CreateChat(ctx, "", []Invitee{{UserID: "bob"}, {UserID: "carol"}}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	bobInv := pendingFor(t, svc, "bob")[0]
	carolInv := pendingFor(t, svc, "carol")[0]

	if _, err := bob.initiator.Join(ctx, bobInv); err != nil {
		t.Fatalf("join: %v", err)
	}
	if _, err := bob.initiator.Join(ctx, bobInv); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("second join: expected ErrNotFound, got %v", err)
	}
	if err := bob.initiator.Decline(ctx, bobInv); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("decline after join: expected ErrNotFound, got %v", err)
	}

	if err := carol.initiator.Decline(ctx, carolInv); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := carol.initiator.Decline(ctx, carolInv); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("second decline: expected ErrNotFound, got %v", err)
	}
	if _, err := carol.initiator.Join(ctx, carolInv); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("join after decline: expected ErrNotFound, got %v", err)
	}
	if _, err := svc.Participants(ctx, "carol", carolInv.ChatID); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Fatalf("declined user should not be a participant, got %v", err)
	}
}

func TestJoinSomeoneElsesInvitation(t *testing.T) {
	svc, user := newWorld(t)
	alice, mallory := user("alice"), user("mallory")
	ctx := context.Background()

	if _, err := alice.initiator.CreateChat(ctx, "", []Invitee{{UserID: "bob"}}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	inv := pendingFor(t, svc, "bob")[0]

	if _, err := mallory.initiator.Join(ctx, inv); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if len(pendingFor(t, svc, "bob")) != 1 {
		t.Fatal("invitation consumed by the wrong user")
	}
}

func TestJoinRejectsForgedPreKey(t *testing.T) {
	svc, user := newWorld(t)
	alice, bob := user("alice"), user("bob")
	ctx := context.Background()

	if _, err := alice.initiator.CreateChat(ctx, "", []Invitee{{UserID: "bob"}}); err != nil {
		t.Fatalf("create chat: %v", err)
	}
	inv := pendingFor(t, svc, "bob")[0]

	_, carolPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("carol key: %v", err)
	}
	forged := inv
	forged.PreKey = &chat.PreKey{
		ID:        inv.PreKey.ID,
		PublicKey: inv.PreKey.PublicKey,
		Signature: ed25519.Sign(carolPriv, chat.PreKeySignaturePayload(inv.ChatID, inv.InvitedUserID, inv.PreKey.PublicKey)),
	}
	if _, err := bob.initiator.Join(ctx, forged); !errors.Is(err, seal.ErrAuthenticationFailed) {
		t.Fatalf("expected ErrAuthenticationFailed, got %v", err)
	}
	if _, err := bob.store.Get(ctx, keystore.ChatScope(inv.ChatID), keystore.KindSigningPrivate); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("keys generated despite forged pre-key: %v", err)
	}
}

func TestInviteRequiresAdmin(t *testing.T) {
	svc, user := newWorld(t)
	alice, bob := user("alice"), user("bob")
	ctx := context.Background()

	created, err := alice.initiator.CreateChat(ctx, "", []Invitee{{UserID: "bob"}})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if _, err := bob.initiator.Join(ctx, pendingFor(t, svc, "bob")[0]); err != nil {
		t.Fatalf("join: %v", err)
	}

	if _, err := bob.initiator.Invite(ctx, created.Chat.ID, "dave", chat.RoleParticipant); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for non-admin, got %v", err)
	}
	if _, err := user("eve").initiator.Invite(ctx, created.Chat.ID, "dave", chat.RoleParticipant); err == nil {
		t.Fatal("expected outsider invite to fail")
	}

	inv, err := alice.initiator.Invite(ctx, created.Chat.ID, "dave", chat.RoleAdmin)
	if err != nil {
		t.Fatalf("admin invite: %v", err)
	}
	if inv.Role != chat.RoleAdmin || inv.PreKey.ID != 2 {
		t.Fatalf("unexpected invitation: role=%s prekey=%d", inv.Role, inv.PreKey.ID)
	}

	if _, err := alice.initiator.Invite(ctx, created.Chat.ID, "bob", chat.RoleParticipant); !errors.Is(err, chat.ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
}

func TestServiceValidatesRequests(t *testing.T) {
	svc, _ := newWorld(t)
	ctx := context.Background()

	signing, _, _ := ed25519.GenerateKey(nil)
	base := CreateChatRequest{
		Salt:                make([]byte, chat.SaltSize),
		SigningPublicKey:    signing,
		EncryptionPublicKey: make([]byte, seal.KeySize),
		Invitees:            []Invitee{{UserID: "bob"}},
	}

	short := base
	short.Salt = []byte{1, 2, 3}
	if _, err := svc.CreateChat(ctx, "alice", short); !errors.Is(err, chat.ErrInvalidRequest) {
		t.Fatalf("short salt: expected ErrInvalidRequest, got %v", err)
	}
	if _, err := svc.CreateChat(ctx, "alice", base); !errors.Is(err, chat.ErrInvalidRequest) {
		t.Fatalf("low-order agreement key: expected ErrInvalidRequest, got %v", err)
	}

	badID := base
	badID.ChatID = "not-a-uuid"
	if _, err := svc.CreateChat(ctx, "alice", badID); !errors.Is(err, chat.ErrInvalidRequest) {
		t.Fatalf("bad chat id: expected ErrInvalidRequest, got %v", err)
	}
}

func TestServiceRejectsUnsignedPreKey(t *testing.T) {
	svc, user := newWorld(t)
	alice := user("alice")
	ctx := context.Background()

	keys, err := alice.engine.EnsureChatKeys(ctx, "8d6b2f9e-3c1a-4e55-9a3b-2f1f0f4c9d10")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	preKey, err := alice.engine.GeneratePreKey(ctx, "pk")
	if err != nil {
		t.Fatalf("pre-key: %v", err)
	}
	req := CreateChatRequest{
		ChatID:              "8d6b2f9e-3c1a-4e55-9a3b-2f1f0f4c9d10",
		Salt:                make([]byte, chat.SaltSize),
		SigningPublicKey:    keys.SigningPublic,
		EncryptionPublicKey: keys.AgreementPublic,
		Invitees:            []Invitee{{UserID: "bob", PreKey: &chat.PreKey{ID: 1, PublicKey: preKey, Signature: make([]byte, seal.SignatureSize)}}},
	}
	if _, err := svc.CreateChat(ctx, "alice", req); !errors.Is(err, chat.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	req.Invitees[0].Role = "overlord"
	if _, err := svc.CreateChat(ctx, "alice", req); !errors.Is(err, chat.ErrInvalidRequest) {
		t.Fatalf("unknown role: expected ErrInvalidRequest, got %v", err)
	}
}

func TestLeaveForgetsKeys(t *testing.T) {
	svc, user := newWorld(t)
	alice, bob := user("alice"), user("bob")
	ctx := context.Background()

	created, err := alice.initiator.CreateChat(ctx, "", []Invitee{{UserID: "bob"}})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	if _, err := bob.initiator.Join(ctx, pendingFor(t, svc, "bob")[0]); err != nil {
		t.Fatalf("join: %v", err)
	}

	if err := bob.initiator.Leave(ctx, created.Chat.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := bob.store.Get(ctx, keystore.ChatScope(created.Chat.ID), keystore.KindAgreementPrivate); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("agreement key survived leave: %v", err)
	}
	if _, err := svc.Participants(ctx, "bob", created.Chat.ID); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized after leave, got %v", err)
	}
	if err := bob.initiator.Leave(ctx, created.Chat.ID); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("second leave: expected ErrNotFound, got %v", err)
	}
}

func TestAnsweredPreKeysArePruned(t *testing.T) {
	svc, user := newWorld(t)
	alice, bob, carol := user("alice"), user("bob"), user("carol")
	ctx := context.Background()

	created, err := alice.initiator.CreateChat(ctx, "", []Invitee{{UserID: "bob"}, {UserID: "carol"}, {UserID: "dave"}})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	chatID := created.Chat.ID
	if _, err := bob.initiator.Join(ctx, pendingFor(t, svc, "bob")[0]); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := carol.initiator.Decline(ctx, pendingFor(t, svc, "carol")[0]); err != nil {
		t.Fatalf("decline: %v", err)
	}
	daveKey := pendingFor(t, svc, "dave")[0].PreKey.ID

	sent, err := svc.Sent(ctx, "alice", chatID)
	if err != nil {
		t.Fatalf("sent: %v", err)
	}
	if len(sent) != 1 || sent[0].InvitedUserID != "dave" {
		t.Fatalf("expected only dave's invitation outstanding, got %+v", sent)
	}
	if _, err := svc.Sent(ctx, "mallory", chatID); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for an outsider, got %v", err)
	}

	pruned, err := alice.initiator.PrunePreKeys(ctx, chatID)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Fatalf("expected the joined and declined pre-keys pruned, got %d", pruned)
	}
	scopes, err := alice.store.AllScopes(ctx, keystore.KindSessionState)
	if err != nil {
		t.Fatalf("scopes: %v", err)
	}
	if len(scopes) != 1 || scopes[0] != keystore.PreKeyScope(chatID, daveKey) {
		t.Fatalf("expected only dave's pre-key kept, got %v", scopes)
	}

	// pruning again finds nothing, and inviting keeps the new key alongside dave's
	if pruned, err := alice.initiator.PrunePreKeys(ctx, chatID); err != nil || pruned != 0 {
		t.Fatalf("second prune: %d %v", pruned, err)
	}
	if _, err := alice.initiator.Invite(ctx, chatID, "erin", chat.RoleParticipant); err != nil {
		t.Fatalf("invite: %v", err)
	}
	scopes, err = alice.store.AllScopes(ctx, keystore.KindSessionState)
	if err != nil {
		t.Fatalf("scopes: %v", err)
	}
	if len(scopes) != 2 {
		t.Fatalf("expected dave's and erin's pre-keys, got %v", scopes)
	}
}
