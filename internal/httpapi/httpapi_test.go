package httpapi

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/sealroom/sealroom/internal/auth"
	"github.com/sealroom/sealroom/internal/chat"
	"github.com/sealroom/sealroom/internal/crypto/seal"
	"github.com/sealroom/sealroom/internal/invitation"
	"github.com/sealroom/sealroom/internal/keystore"
	"github.com/sealroom/sealroom/internal/storage"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

type node struct {
	t      *testing.T
	srv    *httptest.Server
	issuer *auth.Issuer
}

func newNode(t *testing.T) *node {
	t.Helper()
	logger := zaptest.NewLogger(t)
	validator, err := auth.NewJWT(testSecret, "")
	if err != nil {
		t.Fatalf("jwt: %v", err)
	}
	svc := invitation.NewService(storage.NewMemoryStore(), logger)
	srv := httptest.NewServer(NewRouter(svc, validator, nil, logger))
	t.Cleanup(srv.Close)
	return &node{t: t, srv: srv, issuer: auth.NewIssuer(testSecret, "", time.Hour)}
}

type user struct {
	client    *Client
	engine    *seal.Engine
	initiator *invitation.Initiator
}

func (n *node) user(id string) *user {
	n.t.Helper()
	token, err := n.issuer.Issue(id)
	if err != nil {
		n.t.Fatalf("issue: %v", err)
	}
	client, err := NewClient(n.srv.URL, token, n.srv.Client())
	if err != nil {
		n.t.Fatalf("client: %v", err)
	}
	store := keystore.NewMemoryBackend()
	engine := seal.NewEngine(store, nil, zaptest.NewLogger(n.t))
	return &user{
		client:    client,
		engine:    engine,
		initiator: invitation.NewInitiator(engine, store, client, zaptest.NewLogger(n.t)),
	}
}

func TestKeyExchangeOverHTTP(t *testing.T) {
	n := newNode(t)
	alice, bob, carol := n.user("alice"), n.user("bob"), n.user("carol")
	ctx := context.Background()

	created, err := alice.initiator.CreateChat(ctx, "standup", []invitation.Invitee{{UserID: "bob"}})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}

	pending, err := bob.client.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ChatID != created.Chat.ID {
		t.Fatalf("unexpected pending invitations: %+v", pending)
	}

	joined, err := bob.initiator.Join(ctx, pending[0])
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !bytes.Equal(joined.Chat.Salt, created.Chat.Salt) {
		t.Fatal("salt changed in transit")
	}

	got, err := bob.client.Chat(ctx, created.Chat.ID)
	if err != nil {
		t.Fatalf("get chat: %v", err)
	}
	if got.Name != "standup" || !bytes.Equal(got.Salt, created.Chat.Salt) {
		t.Fatalf("unexpected chat: %+v", got)
	}

	participants, err := alice.client.Participants(ctx, created.Chat.ID)
	if err != nil {
		t.Fatalf("participants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected two participants, got %d", len(participants))
	}

	// a second join of the consumed invitation is gone
	_, err = bob.client.Join(ctx, pending[0].ID, invitation.JoinRequest{
		SigningPublicKey:    joined.Participant.SigningPublicKey,
		EncryptionPublicKey: joined.Participant.AgreementPublicKey,
	})
	if !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second join, got %v", err)
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected a 404 APIError, got %v", err)
	}

	// carol is no participant
	if _, err := carol.client.Participants(ctx, created.Chat.ID); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for outsider, got %v", err)
	}
	// bob is no admin
	if _, err := bob.initiator.Invite(ctx, created.Chat.ID, "carol", chat.RoleParticipant); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for non-admin invite, got %v", err)
	}
	// bob is already in
	if _, err := alice.initiator.Invite(ctx, created.Chat.ID, "bob", chat.RoleParticipant); !errors.Is(err, chat.ErrAlreadyMember) {
		t.Fatalf("expected ErrAlreadyMember, got %v", err)
	}
}

func TestDeclineAndLeaveOverHTTP(t *testing.T) {
	n := newNode(t)
	alice, bob := n.user("alice"), n.user("bob")
	ctx := context.Background()

	created, err := alice.initiator.CreateChat(ctx, "", []invitation.Invitee{{UserID: "bob"}})
	if err != nil {
		t.Fatalf("create chat: %v", err)
	}
	pending, err := bob.client.Pending(ctx)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending: %v %+v", err, pending)
	}
	sent, err := alice.client.Sent(ctx, created.Chat.ID)
	if err != nil || len(sent) != 1 || sent[0].ID != pending[0].ID {
		t.Fatalf("sent before decline: %v %+v", err, sent)
	}
	if err := bob.initiator.Decline(ctx, pending[0]); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := bob.client.Decline(ctx, pending[0].ID); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second decline, got %v", err)
	}
	if sent, err := alice.client.Sent(ctx, created.Chat.ID); err != nil || len(sent) != 0 {
		t.Fatalf("sent after decline: %v %+v", err, sent)
	}
	if pruned, err := alice.initiator.PrunePreKeys(ctx, created.Chat.ID); err != nil || pruned != 1 {
		t.Fatalf("expected the declined pre-key pruned: %d %v", pruned, err)
	}
	if _, err := bob.client.Sent(ctx, created.Chat.ID); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized for a non-participant, got %v", err)
	}

	if err := alice.initiator.Leave(ctx, created.Chat.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if _, err := alice.client.Chat(ctx, created.Chat.ID); !errors.Is(err, chat.ErrNotAuthorized) {
		t.Fatalf("expected ErrNotAuthorized after leaving, got %v", err)
	}
}

func TestCreateChatWithoutInviteesIsBadRequest(t *testing.T) {
	n := newNode(t)
	alice := n.user("alice")
	keys, err := alice.engine.EnsureChatKeys(context.Background(), "scratch")
	if err != nil {
		t.Fatalf("keys: %v", err)
	}

	_, err = alice.client.CreateChat(context.Background(), invitation.CreateChatRequest{
		Salt:                make([]byte, chat.SaltSize),
		SigningPublicKey:    keys.SigningPublic,
		EncryptionPublicKey: keys.AgreementPublic,
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if !errors.Is(err, chat.ErrNoOtherParticipants) {
		t.Fatalf("expected ErrNoOtherParticipants, got %v", err)
	}
}

func TestRequestsRequireToken(t *testing.T) {
	n := newNode(t)
	client, err := NewClient(n.srv.URL, "not-a-token", n.srv.Client())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := client.Pending(context.Background()); !errors.Is(err, auth.ErrUnauthenticated) {
		t.Fatalf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestMalformedBodyAndLimit(t *testing.T) {
	n := newNode(t)
	token, err := n.issuer.Issue("alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	cases := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/api/chats", `{"salt": 12}`},
		{http.MethodPost, "/api/chats", `{"unknown": true}`},
		{http.MethodGet, "/api/chats/x/messages?limit=abc", ""},
	}
	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, n.srv.URL+tc.path, strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := n.srv.Client().Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s %s: expected 400, got %d", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{chat.ErrNotFound, http.StatusNotFound},
		{chat.ErrNotAuthorized, http.StatusForbidden},
		{chat.ErrNoOtherParticipants, http.StatusBadRequest},
		{chat.ErrInvalidRequest, http.StatusBadRequest},
		{chat.ErrAlreadyMember, http.StatusConflict},
		{auth.ErrUnauthenticated, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got, _ := statusFor(tc.err); got != tc.status {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.status, got)
		}
	}
}

func TestNewClientRejectsNonHTTP(t *testing.T) {
	if _, err := NewClient("ftp://example.com", "t", nil); err == nil {
		t.Fatal("expected error for non-http base url")
	}
}
