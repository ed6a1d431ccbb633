package keystore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
)

// Counters hands out monotonically increasing values persisted under KindLastUsedCounter.
// The read-modify-write is serialized per Counters value.
type Counters struct {
	store Store
	mu    sync.Mutex
}

// NewCounters wraps a store.
func NewCounters(store Store) *Counters {
	return &Counters{store: store}
}

// Next returns the next value for scope, starting at 1.
func (c *Counters) Next(ctx context.Context, scope string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var last uint64
	raw, err := c.store.Get(ctx, scope, KindLastUsedCounter)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return 0, fmt.Errorf("load counter %s: %w", scope, err)
	default:
		last = binary.BigEndian.Uint64(raw)
	}

	next := last + 1
	buf := make([]byte, counterSize)
	binary.BigEndian.PutUint64(buf, next)
	if err := c.store.Put(ctx, scope, KindLastUsedCounter, buf); err != nil {
		return 0, fmt.Errorf("store counter %s: %w", scope, err)
	}
	return next, nil
}
