// Package consistency provides the reentrancy guard that admits at most one
// in-flight call per (caller, operation).
package consistency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/pkg/metrics"
)

// MarkerStore records in-flight markers. Acquire returns a release token, or
// ok=false when the key is already held.
type MarkerStore interface {
	Acquire(ctx context.Context, key string) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// MemoryMarkers keeps markers in process memory.
type MemoryMarkers struct {
	mu       sync.Mutex
	inFlight map[string]string
}

func NewMemoryMarkers() *MemoryMarkers {
	return &MemoryMarkers{inFlight: make(map[string]string)}
}

func (m *MemoryMarkers) Acquire(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, held := m.inFlight[key]; held {
		return "", false, nil
	}
	token := uuid.NewString()
	m.inFlight[key] = token
	return token, true, nil
}

func (m *MemoryMarkers) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inFlight[key] == token {
		delete(m.inFlight, key)
	}
	return nil
}

// Held reports whether key currently has a marker.
func (m *MemoryMarkers) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.inFlight[key]
	return held
}

// releaseScript deletes the marker only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisMarkers shares markers between engine replicas. The TTL bounds how
// long a crashed holder can block its key.
type RedisMarkers struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisMarkers(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisMarkers {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisMarkers{client: client, prefix: prefix, ttl: ttl}
}

func (r *RedisMarkers) Acquire(ctx context.Context, key string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, token, r.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire marker %s: %w", key, err)
	}
	return token, ok, nil
}

func (r *RedisMarkers) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release marker %s: %w", key, err)
	}
	return nil
}

// ReentrancyGuard wraps entry points. A second call with the same caller and
// operation fails with Reentrant until the first returns.
type ReentrancyGuard struct {
	markers MarkerStore
	logger  *zap.Logger
}

func NewReentrancyGuard(markers MarkerStore, logger *zap.Logger) *ReentrancyGuard {
	if markers == nil {
		markers = NewMemoryMarkers()
	}
	return &ReentrancyGuard{markers: markers, logger: logger}
}

// MarkerKey is the marker key for caller and operation.
func MarkerKey(caller model.Address, operation string) string {
	return string(caller) + ":" + operation
}

// Execute runs fn while holding the (caller, operation) marker.
func (g *ReentrancyGuard) Execute(ctx context.Context, caller model.Address, operation string, fn func(ctx context.Context) error) error {
	_, err := Guard(ctx, g, caller, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Guard runs fn while holding the (caller, operation) marker and returns its
// result. The marker is released on every exit path, panics included.
func Guard[T any](ctx context.Context, g *ReentrancyGuard, caller model.Address, operation string, fn func(ctx context.Context) (T, error)) (result T, err error) {
	ctx, span := otel.Tracer("nftsettle/consistency").Start(ctx, "guard."+operation)
	span.SetAttributes(attribute.String("caller", string(caller)))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	key := MarkerKey(caller, operation)
	token, ok, err := g.markers.Acquire(ctx, key)
	if err != nil {
		return result, err
	}
	if !ok {
		metrics.ReentrancyRejections.WithLabelValues(operation).Inc()
		g.logger.Warn("reentrant call rejected",
			zap.String("caller", string(caller)),
			zap.String("operation", operation))
		return result, apperrors.Reentrant("%s already in flight for %s", operation, caller)
	}
	defer func() {
		// release even if the caller's context was cancelled
		if rerr := g.markers.Release(context.WithoutCancel(ctx), key, token); rerr != nil {
			g.logger.Error("failed to release reentrancy marker", zap.String("key", key), zap.Error(rerr))
		}
	}()

	return fn(ctx)
}
