package keystore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

const badgerKeyPrefix = "ks/"

// BadgerBackend stores each (kind, scope) pair as one badger key. It relies on the host's disk
// encryption rather than a passphrase; badger transactions give atomic put/get per key.
type BadgerBackend struct {
	db *badger.DB
}

// BadgerOptions configures the badger keystore.
type BadgerOptions struct {
	// Path is the badger directory. Empty with InMemory set keeps everything in memory.
	Path     string
	InMemory bool
	Log      *zap.Logger
}

// OpenBadgerBackend opens (or creates) the badger directory.
func OpenBadgerBackend(opts BadgerOptions) (*BadgerBackend, error) {
	if opts.Path == "" && !opts.InMemory {
		return nil, errors.New("badger keystore path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).WithSyncWrites(true)
	if opts.InMemory {
		bopts = bopts.WithInMemory(true).WithDir("").WithValueDir("")
	}
	if opts.Log != nil {
		bopts = bopts.WithLogger(badgerLogger{opts.Log.Sugar()})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger keystore: %w", err)
	}
	return &BadgerBackend{db: db}, nil
}

// Close releases the underlying database.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}

func (b *BadgerBackend) Put(ctx context.Context, scope string, kind Kind, secret []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateEntry(scope, kind, secret); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(badgerKey(kind, scope), cloneBytes(secret))
	})
	if err != nil {
		return fmt.Errorf("store %s secret: %w", kind, err)
	}
	return nil
}

func (b *BadgerBackend) Get(ctx context.Context, scope string, kind Kind) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateKey(scope, kind); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(badgerKey(kind, scope))
		if err != nil {
			return err
		}
		out, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, os.ErrNotExist
	}
	if err != nil {
		return nil, fmt.Errorf("load %s secret: %w", kind, err)
	}
	return out, nil
}

func (b *BadgerBackend) Delete(ctx context.Context, scope string, kind Kind) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateKey(scope, kind); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(kind, scope))
	})
	if err != nil {
		return fmt.Errorf("delete %s secret: %w", kind, err)
	}
	return nil
}

func (b *BadgerBackend) AllScopes(ctx context.Context, kind Kind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, fmt.Errorf("%q: %w", kind, ErrInvalidKind)
	}
	prefix := []byte(badgerKeyPrefix + string(kind) + "/")
	var scopes []string
	err := b.db.View(func(txn *badger.Txn) error {
		itOpts := badger.DefaultIteratorOptions
		itOpts.PrefetchValues = false
		itOpts.Prefix = prefix
		it := txn.NewIterator(itOpts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			scopes = append(scopes, strings.TrimPrefix(key, string(prefix)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s scopes: %w", kind, err)
	}
	sort.Strings(scopes)
	return scopes, nil
}

func badgerKey(kind Kind, scope string) []byte {
	return []byte(badgerKeyPrefix + string(kind) + "/" + scope)
}

// badgerLogger routes badger's internal logging into zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l badgerLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
