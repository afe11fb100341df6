// Package clock supplies ledger time in whole seconds.
package clock

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"
)

const monotonicPropertyKey = "CLOCK:MONOTONIC"

// PropertyStore persists the last issued timestamp.
type PropertyStore interface {
	ReadProperty(ctx context.Context, key string) ([]byte, error)
	WriteProperty(ctx context.Context, key string, val []byte) error
}

// Ledger is a persisted clock that never goes backwards, even across
// restarts with a skewed system clock.
type Ledger struct {
	mu    sync.Mutex
	store PropertyStore
	now   uint64
	wall  func() time.Time
}

func NewLedger(ctx context.Context, store PropertyStore) (*Ledger, error) {
	bs, err := store.ReadProperty(ctx, monotonicPropertyKey)
	if err != nil {
		return nil, fmt.Errorf("read clock: %w", err)
	}
	c := &Ledger{store: store, wall: time.Now}
	if len(bs) == 8 {
		c.now = binary.BigEndian.Uint64(bs)
	}
	return c, nil
}

// Now returns the current ledger second. The value is persisted outside any
// caller transaction so concurrent operations do not conflict on it.
func (c *Ledger) Now(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	wall := uint64(c.wall().Unix())
	if wall <= c.now {
		return c.now, nil
	}
	val := binary.BigEndian.AppendUint64(nil, wall)
	if err := c.store.WriteProperty(context.Background(), monotonicPropertyKey, val); err != nil {
		return 0, fmt.Errorf("persist clock: %w", err)
	}
	c.now = wall
	return c.now, nil
}

// Manual is a settable clock for tests and simulations.
type Manual struct {
	mu  sync.Mutex
	now uint64
}

func NewManual(start uint64) *Manual {
	return &Manual{now: start}
}

func (m *Manual) Now(context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now, nil
}

func (m *Manual) Set(ts uint64) {
	m.mu.Lock()
	m.now = ts
	m.mu.Unlock()
}

func (m *Manual) Advance(seconds uint64) {
	m.mu.Lock()
	m.now += seconds
	m.mu.Unlock()
}
