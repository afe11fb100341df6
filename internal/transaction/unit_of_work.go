// Package transaction coordinates one settlement entry point across the
// record store and the asset ledger so both commit or neither does.
package transaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// StateHeurMixed marks a unit whose inner resource committed while an outer
// one did not.
const StateHeurMixed = "HEUR_MIXED"

// Resource is a transactional participant. Atomic must join a transaction
// already present in ctx instead of starting a new one.
type Resource interface {
	Atomic(ctx context.Context, fn func(ctx context.Context) error) error
}

type unitKey struct{}

type unit struct {
	id        uuid.UUID
	operation string
	mu        sync.Mutex
	committed bool
	hooks     []func()
}

// UnitOfWork nests its resources' transactions. The first resource is the
// outermost and commits last.
type UnitOfWork struct {
	resources []Resource
	logger    *zap.Logger
}

func NewUnitOfWork(logger *zap.Logger, resources ...Resource) *UnitOfWork {
	return &UnitOfWork{resources: resources, logger: logger}
}

// Run executes fn as one unit of work. A nested Run joins the outer unit.
func (u *UnitOfWork) Run(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(unitKey{}).(*unit); ok {
		return fn(ctx)
	}

	w := &unit{id: uuid.New(), operation: operation}
	ctx = context.WithValue(ctx, unitKey{}, w)

	// set once the innermost resource has committed
	innerCommitted := false
	run := fn
	for i := len(u.resources) - 1; i >= 0; i-- {
		res, next, depth := u.resources[i], run, i
		run = func(ctx context.Context) error {
			err := res.Atomic(ctx, next)
			if err == nil && depth == len(u.resources)-1 {
				innerCommitted = true
			}
			return err
		}
	}

	if err := run(ctx); err != nil {
		if innerCommitted {
			u.logger.Error("unit of work partially committed",
				zap.String("unit_id", w.id.String()),
				zap.String("operation", operation),
				zap.String("state", StateHeurMixed),
				zap.Error(err))
			return fmt.Errorf("%s: outer commit failed after inner commit: %w", operation, err)
		}
		return err
	}

	w.mu.Lock()
	w.committed = true
	hooks := w.hooks
	w.hooks = nil
	w.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
	return nil
}

// OnCommit defers hook until the surrounding unit of work commits. It
// returns false when ctx carries no unit of work, in which case the hook
// was not registered.
func OnCommit(ctx context.Context, hook func()) bool {
	w, ok := ctx.Value(unitKey{}).(*unit)
	if !ok {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.committed {
		return false
	}
	w.hooks = append(w.hooks, hook)
	return true
}

// InProgress reports whether ctx belongs to an open unit of work.
func InProgress(ctx context.Context) bool {
	_, ok := ctx.Value(unitKey{}).(*unit)
	return ok
}
