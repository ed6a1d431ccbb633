package keystore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// FileBackend keeps every secret in one passphrase-protected file. The master key is derived with
// Argon2id and the entry set is sealed with XChaCha20-Poly1305, rewritten whole on each mutation.
type FileBackend struct {
	mu        sync.RWMutex
	path      string
	salt      []byte
	masterKey []byte
	entries   map[Kind]map[string][]byte
}

const (
	currentVersion = 1
	saltSize       = 16
	nonceSize      = chacha20poly1305.NonceSizeX

	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
)

var (
	ErrLocked         = errors.New("keystore is locked")
	ErrAlreadyExists  = errors.New("keystore already exists")
	ErrNotInitialized = errors.New("keystore not initialized")
	ErrInvalidPass    = errors.New("invalid passphrase")
	ErrCorruptFile    = errors.New("corrupted keystore")
)

// keystoreFile is the on-disk envelope. Binary fields are base64.
type keystoreFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealedPayload struct {
	Entries map[Kind]map[string][]byte `json:"entries,omitempty"`
}

func (f keystoreFile) fields() (salt, nonce, ciphertext []byte, err error) {
	if f.Version != currentVersion {
		return nil, nil, nil, fmt.Errorf("keystore version %d not supported: %w", f.Version, ErrCorruptFile)
	}
	dec := base64.StdEncoding
	if salt, err = dec.DecodeString(f.Salt); err != nil {
		return nil, nil, nil, fmt.Errorf("salt: %w", ErrCorruptFile)
	}
	if nonce, err = dec.DecodeString(f.Nonce); err != nil {
		return nil, nil, nil, fmt.Errorf("nonce: %w", ErrCorruptFile)
	}
	if ciphertext, err = dec.DecodeString(f.Ciphertext); err != nil {
		return nil, nil, nil, fmt.Errorf("ciphertext: %w", ErrCorruptFile)
	}
	return salt, nonce, ciphertext, nil
}

// NewFileBackend returns a locked keystore for path. Call Initialize or Unlock before use.
func NewFileBackend(path string) *FileBackend {
	return &FileBackend{
		path:    path,
		entries: make(map[Kind]map[string][]byte),
	}
}

// Path returns the backing file path.
func (b *FileBackend) Path() string {
	return b.path
}

// Initialize creates an empty keystore at the backend path and leaves it unlocked. It refuses to
// overwrite an existing file.
func (b *FileBackend) Initialize(ctx context.Context, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if _, err := os.Stat(b.path); err == nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("create keystore directory: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	b.replace(salt, deriveMasterKey(passphrase, salt), make(map[Kind]map[string][]byte))

	if err := b.persist(); err != nil {
		return fmt.Errorf("write new keystore: %w", err)
	}
	return nil
}

// Unlock reads the keystore file and opens it with passphrase. A wrong passphrase and a tampered
// file are indistinguishable and both report ErrInvalidPass.
func (b *FileBackend) Unlock(ctx context.Context, passphrase string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	raw, err := os.ReadFile(b.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return ErrNotInitialized
	case err != nil:
		return fmt.Errorf("read keystore: %w", err)
	}

	var file keystoreFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode keystore: %w", ErrCorruptFile)
	}
	salt, nonce, ciphertext, err := file.fields()
	if err != nil {
		return err
	}

	master := deriveMasterKey(passphrase, salt)
	entries, err := openPayload(master, nonce, ciphertext)
	if err != nil {
		zeroBytes(master)
		return err
	}
	b.replace(salt, master, entries)
	return nil
}

// Put stores secret under (scope, kind). The previous value is wiped only once the new one is on
// disk; a failed write leaves both memory and file as they were.
func (b *FileBackend) Put(ctx context.Context, scope string, kind Kind, secret []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	if err := validateEntry(scope, kind, secret); err != nil {
		return err
	}

	byScope := b.entries[kind]
	if byScope == nil {
		byScope = make(map[string][]byte)
		b.entries[kind] = byScope
	}
	previous, had := byScope[scope]
	next := cloneBytes(secret)
	byScope[scope] = next

	if err := b.persist(); err != nil {
		if had {
			byScope[scope] = previous
		} else {
			delete(byScope, scope)
		}
		zeroBytes(next)
		return fmt.Errorf("persist %s for %s: %w", kind, scope, err)
	}
	zeroBytes(previous)
	return nil
}

// Get returns a copy of the secret stored under (scope, kind).
func (b *FileBackend) Get(ctx context.Context, scope string, kind Kind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.ensureUnlocked(); err != nil {
		return nil, err
	}
	if err := validateKey(scope, kind); err != nil {
		return nil, err
	}
	secret, ok := b.entries[kind][scope]
	if !ok {
		return nil, os.ErrNotExist
	}
	return cloneBytes(secret), nil
}

// Delete wipes and removes the secret under (scope, kind). Nothing stored is not an error. The
// secret stays in place if the file cannot be rewritten.
func (b *FileBackend) Delete(ctx context.Context, scope string, kind Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureUnlocked(); err != nil {
		return err
	}
	if err := validateKey(scope, kind); err != nil {
		return err
	}
	secret, ok := b.entries[kind][scope]
	if !ok {
		return nil
	}
	delete(b.entries[kind], scope)

	if err := b.persist(); err != nil {
		b.entries[kind][scope] = secret
		return fmt.Errorf("persist removal of %s for %s: %w", kind, scope, err)
	}
	zeroBytes(secret)
	return nil
}

// AllScopes lists, sorted, the scopes holding a secret of kind.
func (b *FileBackend) AllScopes(ctx context.Context, kind Kind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%q: %w", kind, ErrInvalidKind)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if err := b.ensureUnlocked(); err != nil {
		return nil, err
	}

	scopes := make([]string, 0, len(b.entries[kind]))
	for scope := range b.entries[kind] {
		scopes = append(scopes, scope)
	}
	sort.Strings(scopes)
	return scopes, nil
}

// replace swaps in new key material, wiping what it held before. Callers hold mu.
func (b *FileBackend) replace(salt, master []byte, entries map[Kind]map[string][]byte) {
	zeroEntries(b.entries)
	zeroBytes(b.masterKey)
	b.salt = salt
	b.masterKey = master
	b.entries = entries
}

func (b *FileBackend) ensureUnlocked() error {
	if len(b.masterKey) == 0 || len(b.salt) == 0 {
		return ErrLocked
	}
	return nil
}

// persist seals the entry set and atomically replaces the keystore file. Callers hold mu.
func (b *FileBackend) persist() error {
	nonce, ciphertext, err := sealPayload(b.masterKey, sealedPayload{Entries: b.entries})
	if err != nil {
		return err
	}

	enc := base64.StdEncoding
	raw, err := json.MarshalIndent(keystoreFile{
		Version:    currentVersion,
		Salt:       enc.EncodeToString(b.salt),
		Nonce:      enc.EncodeToString(nonce),
		Ciphertext: enc.EncodeToString(ciphertext),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode keystore: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, b.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func sealPayload(masterKey []byte, payload sealedPayload) (nonce, ciphertext []byte, err error) {
	if len(masterKey) == 0 {
		return nil, nil, ErrLocked
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}

	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal secrets: %w", err)
	}
	defer zeroBytes(plaintext)

	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, plaintext, nil), nil
}

// openPayload decrypts and validates a sealed entry set. Authentication failures map to
// ErrInvalidPass; a file that decrypts but holds malformed entries is rejected as a whole.
func openPayload(masterKey, nonce, ciphertext []byte) (map[Kind]map[string][]byte, error) {
	if len(masterKey) == 0 {
		return nil, ErrLocked
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("nonce is %d bytes: %w", len(nonce), ErrInvalidPass)
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets: %w", ErrInvalidPass)
	}
	defer zeroBytes(plaintext)

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal secrets: %w", ErrCorruptFile)
	}
	for kind, byScope := range payload.Entries {
		for scope, secret := range byScope {
			if err := validateEntry(scope, kind, secret); err != nil {
				zeroEntries(payload.Entries)
				return nil, fmt.Errorf("stored %s for %s: %w", kind, scope, err)
			}
		}
	}
	if payload.Entries == nil {
		payload.Entries = make(map[Kind]map[string][]byte)
	}
	return payload.Entries, nil
}

func zeroEntries(m map[Kind]map[string][]byte) {
	for kind, byScope := range m {
		for scope, secret := range byScope {
			zeroBytes(secret)
			delete(byScope, scope)
		}
		delete(m, kind)
	}
}
