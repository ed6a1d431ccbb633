package keystore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind tags what a stored secret is. Each (scope, kind) pair holds at most one value.
type Kind string

const (
	KindSigningPrivate        Kind = "signing-private"
	KindAgreementPrivate      Kind = "agreement-private"
	KindRemoteTrustedIdentity Kind = "remote-trusted-identity"
	KindSessionState          Kind = "session-state"
	KindLastUsedCounter       Kind = "last-used-counter"
)

const (
	ed25519PrivateSize = 64
	x25519KeySize      = 32
	counterSize        = 8
	maxSecretBytes     = 16 * 1024
	maxScopeBytes      = 512
	scopeSeparator     = "/"
)

var (
	ErrInvalidScope  = errors.New("scope is required")
	ErrInvalidKind   = errors.New("unknown secret kind")
	ErrInvalidSecret = errors.New("invalid secret")
	ErrSecretTooBig  = errors.New("secret exceeds size limit")
)

// Store is the secure key store contract. Get returns os.ErrNotExist when nothing is stored.
// Implementations serialize writes and allow concurrent reads.
type Store interface {
	Put(ctx context.Context, scope string, kind Kind, secret []byte) error
	Get(ctx context.Context, scope string, kind Kind) ([]byte, error)
	Delete(ctx context.Context, scope string, kind Kind) error
	AllScopes(ctx context.Context, kind Kind) ([]string, error)
}

var knownKinds = map[Kind]int{
	KindSigningPrivate:        ed25519PrivateSize,
	KindAgreementPrivate:      x25519KeySize,
	KindRemoteTrustedIdentity: x25519KeySize,
	KindSessionState:          0,
	KindLastUsedCounter:       counterSize,
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	_, ok := knownKinds[k]
	return ok
}

// ChatScope is the scope of the local user's own key material for a chat.
func ChatScope(chatID string) string {
	return chatID
}

// RemoteScope is the scope of trust material about another participant of a chat.
func RemoteScope(chatID, participantID string) string {
	return chatID + scopeSeparator + participantID
}

// PreKeyScope is the scope of a one-time pre-key private half.
func PreKeyScope(chatID string, id uint64) string {
	return chatID + scopeSeparator + "prekey" + scopeSeparator + strconv.FormatUint(id, 10)
}

// ParsePreKeyScope reverses PreKeyScope. ok is false for any other scope.
func ParsePreKeyScope(scope string) (chatID string, id uint64, ok bool) {
	parts := strings.Split(scope, scopeSeparator)
	if len(parts) != 3 || parts[1] != "prekey" {
		return "", 0, false
	}
	id, err := strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], id, true
}

// ScopeChat returns the chat id a scope belongs to.
func ScopeChat(scope string) string {
	if i := strings.Index(scope, scopeSeparator); i >= 0 {
		return scope[:i]
	}
	return scope
}

func validateEntry(scope string, kind Kind, secret []byte) error {
	if err := validateKey(scope, kind); err != nil {
		return err
	}
	if len(secret) == 0 {
		return fmt.Errorf("secret cannot be empty: %w", ErrInvalidSecret)
	}
	if len(secret) > maxSecretBytes {
		return fmt.Errorf("%s secret for %s exceeds %d bytes: %w", kind, scope, maxSecretBytes, ErrSecretTooBig)
	}
	if want := knownKinds[kind]; want > 0 && len(secret) != want {
		return fmt.Errorf("%s must be %d bytes (got %d): %w", kind, want, len(secret), ErrInvalidSecret)
	}
	return nil
}

func validateKey(scope string, kind Kind) error {
	if scope == "" || len(scope) > maxScopeBytes {
		return ErrInvalidScope
	}
	if !kind.Valid() {
		return fmt.Errorf("%q: %w", kind, ErrInvalidKind)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}

func zeroBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}
