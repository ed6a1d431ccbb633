package seal

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/sealroom/sealroom/internal/keystore"
)

// ChatKeys are the local user's public keys for one chat.
type ChatKeys struct {
	SigningPublic   ed25519.PublicKey
	AgreementPublic []byte
}

// Engine binds the pure sealing functions to a key store. Private keys never leave the store
// except transiently while a message is sealed or opened.
type Engine struct {
	store keystore.Store
	rand  io.Reader
	log   *zap.Logger

	// serializes lazy key creation so two callers never generate competing pairs
	ensureMu sync.Mutex
}

// NewEngine wires an engine to store. A nil random source means crypto/rand.
func NewEngine(store keystore.Store, random io.Reader, logger *zap.Logger) *Engine {
	if random == nil {
		random = rand.Reader
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, rand: random, log: logger}
}

// GenerateSigningKeyPair creates the chat's signing pair. The private half is stored before the
// public half is returned.
func (e *Engine) GenerateSigningKeyPair(ctx context.Context, chatID string) (ed25519.PublicKey, error) {
	priv, err := newSigningKey(e.rand)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(priv)
	if err := e.store.Put(ctx, keystore.ChatScope(chatID), keystore.KindSigningPrivate, priv); err != nil {
		return nil, fmt.Errorf("store signing key for %s: %w", chatID, err)
	}
	pub := append(ed25519.PublicKey(nil), priv.Public().(ed25519.PublicKey)...)
	e.log.Debug("generated signing key", zap.String("chat_id", chatID), zap.String("key_id", KeyIdentifier(pub)))
	return pub, nil
}

// GenerateKeyAgreementKeyPair creates the chat's X25519 pair, storing the private half first.
func (e *Engine) GenerateKeyAgreementKeyPair(ctx context.Context, chatID string) ([]byte, error) {
	priv, err := newAgreementKey(e.rand)
	if err != nil {
		return nil, err
	}
	raw := priv.Bytes()
	defer zeroBytes(raw)
	if err := e.store.Put(ctx, keystore.ChatScope(chatID), keystore.KindAgreementPrivate, raw); err != nil {
		return nil, fmt.Errorf("store agreement key for %s: %w", chatID, err)
	}
	pub := priv.PublicKey().Bytes()
	e.log.Debug("generated agreement key", zap.String("chat_id", chatID), zap.String("key_id", KeyIdentifier(pub)))
	return pub, nil
}

// EnsureChatKeys returns the chat's public keys, generating whichever pair is missing.
func (e *Engine) EnsureChatKeys(ctx context.Context, chatID string) (ChatKeys, error) {
	e.ensureMu.Lock()
	defer e.ensureMu.Unlock()

	var keys ChatKeys
	signing, err := e.signingKey(ctx, chatID)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if keys.SigningPublic, err = e.GenerateSigningKeyPair(ctx, chatID); err != nil {
			return ChatKeys{}, err
		}
	case err != nil:
		return ChatKeys{}, err
	default:
		keys.SigningPublic = append(ed25519.PublicKey(nil), signing.Public().(ed25519.PublicKey)...)
		zeroBytes(signing)
	}

	agreement, err := e.store.Get(ctx, keystore.ChatScope(chatID), keystore.KindAgreementPrivate)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if keys.AgreementPublic, err = e.GenerateKeyAgreementKeyPair(ctx, chatID); err != nil {
			return ChatKeys{}, err
		}
	case err != nil:
		return ChatKeys{}, fmt.Errorf("load agreement key for %s: %w", chatID, err)
	default:
		priv, err := curve.NewPrivateKey(agreement)
		zeroBytes(agreement)
		if err != nil {
			return ChatKeys{}, fmt.Errorf("parse agreement key for %s: %w", chatID, err)
		}
		keys.AgreementPublic = priv.PublicKey().Bytes()
	}
	return keys, nil
}

// GenerateSalt returns a fresh chat salt.
func (e *Engine) GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(e.rand, salt); err != nil {
		return nil, fmt.Errorf("read salt: %w", ErrKeyGenerationFailed)
	}
	return salt, nil
}

// GeneratePreKey creates a one-time X25519 pre-key and stores its private half under scope.
func (e *Engine) GeneratePreKey(ctx context.Context, scope string) ([]byte, error) {
	priv, err := newAgreementKey(e.rand)
	if err != nil {
		return nil, err
	}
	raw := priv.Bytes()
	defer zeroBytes(raw)
	if err := e.store.Put(ctx, scope, keystore.KindSessionState, raw); err != nil {
		return nil, fmt.Errorf("store pre-key %s: %w", scope, err)
	}
	return priv.PublicKey().Bytes(), nil
}

// Sign signs message with the chat's signing key.
func (e *Engine) Sign(ctx context.Context, chatID string, message []byte) ([]byte, error) {
	priv, err := e.signingKey(ctx, chatID)
	if err != nil {
		return nil, err
	}
	defer zeroBytes(priv)
	return ed25519.Sign(priv, message), nil
}

// SealFor seals plaintext for one recipient of chatID using the chat's stored signing key.
func (e *Engine) SealFor(ctx context.Context, chatID string, plaintext, salt, recipientPublic []byte) (Sealed, error) {
	priv, err := e.signingKey(ctx, chatID)
	if err != nil {
		return Sealed{}, err
	}
	defer zeroBytes(priv)
	return Seal(e.rand, plaintext, salt, recipientPublic, priv)
}

// OpenFrom unseals a message addressed to the local user in chatID.
func (e *Engine) OpenFrom(ctx context.Context, chatID string, sealed Sealed, salt []byte, senderSigningPublic ed25519.PublicKey) ([]byte, error) {
	priv, err := e.store.Get(ctx, keystore.ChatScope(chatID), keystore.KindAgreementPrivate)
	if err != nil {
		return nil, fmt.Errorf("load agreement key for %s: %w", chatID, err)
	}
	defer zeroBytes(priv)
	return Unseal(sealed, salt, priv, senderSigningPublic)
}

// Forget removes every secret scoped to chatID: own key pairs, trusted peer identities, pre-keys
// and counters.
func (e *Engine) Forget(ctx context.Context, chatID string) error {
	scope := keystore.ChatScope(chatID)
	for _, kind := range []keystore.Kind{keystore.KindSigningPrivate, keystore.KindAgreementPrivate} {
		if err := e.store.Delete(ctx, scope, kind); err != nil {
			return fmt.Errorf("forget %s for %s: %w", kind, chatID, err)
		}
	}
	for _, kind := range []keystore.Kind{keystore.KindRemoteTrustedIdentity, keystore.KindSessionState, keystore.KindLastUsedCounter} {
		scopes, err := e.store.AllScopes(ctx, kind)
		if err != nil {
			return fmt.Errorf("list %s scopes: %w", kind, err)
		}
		for _, s := range scopes {
			if keystore.ScopeChat(s) != chatID {
				continue
			}
			if err := e.store.Delete(ctx, s, kind); err != nil {
				return fmt.Errorf("forget %s %s: %w", kind, s, err)
			}
		}
	}
	e.log.Info("forgot chat keys", zap.String("chat_id", chatID))
	return nil
}

func (e *Engine) signingKey(ctx context.Context, chatID string) (ed25519.PrivateKey, error) {
	raw, err := e.store.Get(ctx, keystore.ChatScope(chatID), keystore.KindSigningPrivate)
	if err != nil {
		return nil, fmt.Errorf("load signing key for %s: %w", chatID, err)
	}
	return ed25519.PrivateKey(raw), nil
}
