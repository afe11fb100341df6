package consistency

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
)

func TestGuardRejectsNestedSameKey(t *testing.T) {
	markers := NewMemoryMarkers()
	g := NewReentrancyGuard(markers, zap.NewNop())
	ctx := context.Background()

	var inner error
	err := g.Execute(ctx, "alice", "execute_sale", func(ctx context.Context) error {
		assert.True(t, markers.Held(MarkerKey("alice", "execute_sale")))
		inner = g.Execute(ctx, "alice", "execute_sale", func(context.Context) error {
			t.Fatal("nested call must not run")
			return nil
		})
		// other keys are independent
		return g.Execute(ctx, "alice", "execute_swap", func(context.Context) error { return nil })
	})
	require.NoError(t, err)
	assert.ErrorIs(t, inner, apperrors.ErrReentrant)
	assert.False(t, markers.Held(MarkerKey("alice", "execute_sale")))
}

func TestGuardReleasesOnErrorAndPanic(t *testing.T) {
	markers := NewMemoryMarkers()
	g := NewReentrancyGuard(markers, zap.NewNop())
	ctx := context.Background()

	err := g.Execute(ctx, "bob", "create_sale", func(context.Context) error {
		return apperrors.InvalidAmount("bad price")
	})
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
	assert.False(t, markers.Held(MarkerKey("bob", "create_sale")))

	assert.Panics(t, func() {
		_ = g.Execute(ctx, "bob", "create_sale", func(context.Context) error { panic("boom") })
	})
	assert.False(t, markers.Held(MarkerKey("bob", "create_sale")))
}

func TestGuardReturnsValue(t *testing.T) {
	g := NewReentrancyGuard(nil, zap.NewNop())
	id, err := Guard(context.Background(), g, "carol", "create_trade", func(context.Context) (uint64, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), id)
}

func TestRedisMarkers(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	ctx := context.Background()

	markers := NewRedisMarkers(client, "test:guard:", 5*time.Second)
	token, ok, err := markers.Acquire(ctx, "alice:op")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = markers.Acquire(ctx, "alice:op")
	require.NoError(t, err)
	assert.False(t, ok)

	// a stale token does not release someone else's marker
	require.NoError(t, markers.Release(ctx, "alice:op", "stale"))
	_, ok, _ = markers.Acquire(ctx, "alice:op")
	assert.False(t, ok)

	require.NoError(t, markers.Release(ctx, "alice:op", token))
	token, ok, err = markers.Acquire(ctx, "alice:op")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, markers.Release(ctx, "alice:op", token))
}
