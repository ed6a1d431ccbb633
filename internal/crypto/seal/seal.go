package seal

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of X25519 public/private keys, Ed25519 public keys and the derived message key.
	KeySize = 32
	// SaltSize is the length of a chat salt.
	SaltSize = 32
	// SignatureSize is the length of an Ed25519 signature.
	SignatureSize = ed25519.SignatureSize

	nonceSize = chacha20poly1305.NonceSize
	tagSize   = chacha20poly1305.Overhead
)

var (
	// ErrKeyGenerationFailed is returned when the entropy source cannot supply key material.
	ErrKeyGenerationFailed = errors.New("key generation failed")
	// ErrAuthenticationFailed covers every unseal failure: bad signature, bad tag, bad sizes.
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Sealed is one message sealed for one recipient.
type Sealed struct {
	EphemeralPublicKey []byte `json:"ephemeralPublicKeyData"`
	Ciphertext         []byte `json:"ciphertext"`
	Signature          []byte `json:"signature"`
}

var (
	curve          = ecdh.X25519()
	validationPriv *ecdh.PrivateKey
)

func init() {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Errorf("init validation key: %w", err))
	}
	validationPriv = priv
}

// Seal encrypts plaintext for the holder of recipientPublic and signs the result with senderSigning.
// A fresh ephemeral X25519 key is drawn from r for every call and discarded afterwards.
func Seal(r io.Reader, plaintext, salt, recipientPublic []byte, senderSigning ed25519.PrivateKey) (Sealed, error) {
	if r == nil {
		r = rand.Reader
	}
	if len(salt) != SaltSize {
		return Sealed{}, fmt.Errorf("salt must be %d bytes (got %d)", SaltSize, len(salt))
	}
	if len(senderSigning) != ed25519.PrivateKeySize {
		return Sealed{}, fmt.Errorf("signing key must be %d bytes (got %d)", ed25519.PrivateKeySize, len(senderSigning))
	}
	if err := ValidatePublicKey(recipientPublic); err != nil {
		return Sealed{}, fmt.Errorf("recipient key: %w", err)
	}

	ephemeral, err := newAgreementKey(r)
	if err != nil {
		return Sealed{}, err
	}
	ephemeralPublic := ephemeral.PublicKey().Bytes()

	senderSigningPublic := senderSigning.Public().(ed25519.PublicKey)
	key, err := messageKey(ephemeral, recipientPublic, salt, sharedInfo(ephemeralPublic, recipientPublic, senderSigningPublic))
	if err != nil {
		return Sealed{}, err
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return Sealed{}, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return Sealed{}, fmt.Errorf("generate nonce: %w", ErrKeyGenerationFailed)
	}
	ciphertext := aead.Seal(nonce, nonce, plaintext, nil)

	return Sealed{
		EphemeralPublicKey: ephemeralPublic,
		Ciphertext:         ciphertext,
		Signature:          ed25519.Sign(senderSigning, signedPayload(ciphertext, ephemeralPublic, recipientPublic)),
	}, nil
}

// Unseal verifies and decrypts a sealed message addressed to the holder of recipientPrivate.
// The signature is checked before any key agreement happens. Every failure is ErrAuthenticationFailed.
func Unseal(sealed Sealed, salt, recipientPrivate []byte, senderSigningPublic ed25519.PublicKey) ([]byte, error) {
	if len(sealed.EphemeralPublicKey) != KeySize ||
		len(sealed.Signature) != SignatureSize ||
		len(sealed.Ciphertext) < nonceSize+tagSize ||
		len(senderSigningPublic) != ed25519.PublicKeySize ||
		len(salt) != SaltSize {
		return nil, ErrAuthenticationFailed
	}
	recipient, err := curve.NewPrivateKey(recipientPrivate)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	recipientPublic := recipient.PublicKey().Bytes()

	if !ed25519.Verify(senderSigningPublic, signedPayload(sealed.Ciphertext, sealed.EphemeralPublicKey, recipientPublic), sealed.Signature) {
		return nil, ErrAuthenticationFailed
	}

	key, err := messageKey(recipient, sealed.EphemeralPublicKey, salt, sharedInfo(sealed.EphemeralPublicKey, recipientPublic, senderSigningPublic))
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	defer zeroBytes(key)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	nonce, box := sealed.Ciphertext[:nonceSize], sealed.Ciphertext[nonceSize:]
	plaintext, err := aead.Open(nil, nonce, box, nil)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}

// sharedInfo is the HKDF info for a message key. Both sides must build it here: the order is
// ephemeral public, recipient agreement public, sender signing public.
func sharedInfo(ephemeralPublic, recipientPublic, senderSigningPublic []byte) []byte {
	info := make([]byte, 0, len(ephemeralPublic)+len(recipientPublic)+len(senderSigningPublic))
	info = append(info, ephemeralPublic...)
	info = append(info, recipientPublic...)
	return append(info, senderSigningPublic...)
}

func signedPayload(ciphertext, ephemeralPublic, recipientPublic []byte) []byte {
	out := make([]byte, 0, len(ciphertext)+len(ephemeralPublic)+len(recipientPublic))
	out = append(out, ciphertext...)
	out = append(out, ephemeralPublic...)
	return append(out, recipientPublic...)
}

func messageKey(private *ecdh.PrivateKey, peerPublic, salt, info []byte) ([]byte, error) {
	peer, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	secret, err := private.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	defer zeroBytes(secret)
	if isZero(secret) {
		return nil, errors.New("shared secret is all zeros")
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), key); err != nil {
		return nil, fmt.Errorf("derive message key: %w", err)
	}
	return key, nil
}

// newAgreementKey reads the scalar straight from r so the entropy source is always honoured.
func newAgreementKey(r io.Reader) (*ecdh.PrivateKey, error) {
	scalar := make([]byte, KeySize)
	defer zeroBytes(scalar)
	if _, err := io.ReadFull(r, scalar); err != nil {
		return nil, fmt.Errorf("read x25519 scalar: %w", ErrKeyGenerationFailed)
	}
	priv, err := curve.NewPrivateKey(scalar)
	if err != nil {
		return nil, fmt.Errorf("x25519 key: %w", ErrKeyGenerationFailed)
	}
	return priv, nil
}

func newSigningKey(r io.Reader) (ed25519.PrivateKey, error) {
	seed := make([]byte, ed25519.SeedSize)
	defer zeroBytes(seed)
	if _, err := io.ReadFull(r, seed); err != nil {
		return nil, fmt.Errorf("read ed25519 seed: %w", ErrKeyGenerationFailed)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// ValidatePublicKey ensures the provided key has the expected size and does not yield a zero shared secret.
func ValidatePublicKey(pub []byte) error {
	if len(pub) != KeySize {
		return fmt.Errorf("public key must be %d bytes (got %d)", KeySize, len(pub))
	}
	parsed, err := curve.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	secret, err := validationPriv.ECDH(parsed)
	if err != nil {
		return fmt.Errorf("derive test shared secret: %w", err)
	}
	defer zeroBytes(secret)
	if isZero(secret) {
		return errors.New("public key yielded low-entropy shared secret")
	}
	return nil
}

// VerifySignature checks an Ed25519 signature made by a chat signing key.
func VerifySignature(signingPublic ed25519.PublicKey, message, signature []byte) error {
	if len(signingPublic) != ed25519.PublicKeySize || len(signature) != SignatureSize {
		return ErrAuthenticationFailed
	}
	if !ed25519.Verify(signingPublic, message, signature) {
		return ErrAuthenticationFailed
	}
	return nil
}

// KeyIdentifier returns a deterministic identifier derived from the SHA-256 hash of the public key.
// It is what gets logged in place of key material.
func KeyIdentifier(pub []byte) string {
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func isZero(b []byte) bool {
	acc := byte(0)
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
