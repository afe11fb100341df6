package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/internal/storage"
)

func TestLedgerNeverGoesBackwards(t *testing.T) {
	store, err := storage.OpenInMemory(zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	c, err := NewLedger(ctx, store)
	require.NoError(t, err)
	wall := time.Unix(2000, 0)
	c.wall = func() time.Time { return wall }

	now, err := c.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), now)

	wall = time.Unix(1500, 0)
	now, err = c.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), now)

	// a restarted clock resumes from the persisted value
	restarted, err := NewLedger(ctx, store)
	require.NoError(t, err)
	restarted.wall = func() time.Time { return time.Unix(1000, 0) }
	now, err = restarted.Now(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2000), now)
}

func TestManual(t *testing.T) {
	m := NewManual(100)
	m.Advance(50)
	now, _ := m.Now(context.Background())
	assert.Equal(t, uint64(150), now)
	m.Set(10)
	now, _ = m.Now(context.Background())
	assert.Equal(t, uint64(10), now)
}
