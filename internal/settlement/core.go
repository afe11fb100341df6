// Package settlement is the entry point of the settlement engine. Every
// mutating operation authenticates its actor, holds the reentrancy marker
// for (actor, operation) and runs as one unit of work across the record
// store and the asset ledger.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/auction"
	"github.com/Aidin1998/nftsettle/internal/consistency"
	"github.com/Aidin1998/nftsettle/internal/dispute"
	"github.com/Aidin1998/nftsettle/internal/escrow"
	"github.com/Aidin1998/nftsettle/internal/fees"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/royalty"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/storage"
	"github.com/Aidin1998/nftsettle/internal/transaction"
	"github.com/Aidin1998/nftsettle/pkg/metrics"
)

const tracerName = "github.com/Aidin1998/nftsettle/internal/settlement"

// LedgerStore is an asset ledger whose transactions can join a unit of work.
type LedgerStore interface {
	model.Ledger
	transaction.Resource
}

// Deps are the collaborators of a Core. Guard and Events are optional.
type Deps struct {
	Logger  *zap.Logger
	Store   *storage.BadgerStore
	Ledger  LedgerStore
	Clock   model.Clock
	Auth    model.Authorizer
	Guard   *consistency.ReentrancyGuard
	Events  *messaging.Bus
	Custody model.Address
}

// Core coordinates escrow, royalties, fees, auctions and disputes.
type Core struct {
	logger  *zap.Logger
	store   *storage.BadgerStore
	uow     *transaction.UnitOfWork
	guard   *consistency.ReentrancyGuard
	clock   model.Clock
	ledger  model.Ledger
	auth    model.Authorizer
	events  *messaging.Bus
	tracer  trace.Tracer
	custody model.Address

	escrow    *escrow.Engine
	royalties *royalty.Distributor
	enforcer  *royalty.Enforcer
	fees      *fees.Manager
	auctions  *auction.House
	disputes  *dispute.Manager
}

func New(deps Deps) (*Core, error) {
	if deps.Store == nil || deps.Ledger == nil || deps.Clock == nil || deps.Auth == nil {
		return nil, errors.New("settlement core needs a store, a ledger, a clock and an authorizer")
	}
	if deps.Custody.IsZero() {
		return nil, errors.New("settlement core needs a custody address")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	guard := deps.Guard
	if guard == nil {
		guard = consistency.NewReentrancyGuard(nil, logger.Named("guard"))
	}
	events := deps.Events
	if events == nil {
		events = messaging.NewBus(nil, logger, "nftsettle")
	}
	uow := transaction.NewUnitOfWork(logger.Named("uow"), deps.Store, deps.Ledger)

	c := &Core{
		logger:  logger.Named("settlement"),
		store:   deps.Store,
		uow:     uow,
		guard:   guard,
		clock:   deps.Clock,
		ledger:  deps.Ledger,
		auth:    deps.Auth,
		events:  events,
		tracer:  otel.Tracer(tracerName),
		custody: deps.Custody,
	}
	c.escrow = escrow.NewEngine(logger, deps.Store, uow, deps.Ledger, deps.Clock, guard, events, deps.Custody)
	c.royalties = royalty.NewDistributor(logger, deps.Store, uow, c.escrow, deps.Clock, events)
	c.enforcer = royalty.NewEnforcer(c.royalties)
	c.fees = fees.NewManager(logger, deps.Store, uow, deps.Ledger, events, deps.Custody)
	c.auctions = auction.NewHouse(logger, deps.Store, uow, deps.Ledger, deps.Clock, events, deps.Custody)
	c.disputes = dispute.NewManager(logger, deps.Store, uow, deps.Clock, events)
	return c, nil
}

// Custody is the engine's escrow account.
func (c *Core) Custody() model.Address { return c.custody }

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return strings.ToLower(string(apperrors.KindOf(err)))
}

// run authenticates actor, then runs fn under the (actor, operation)
// marker as one unit of work.
func run[T any](ctx context.Context, c *Core, actor model.Address, operation string, fn func(ctx context.Context) (T, error)) (result T, err error) {
	started := time.Now()
	ctx, span := c.tracer.Start(ctx, "settlement."+operation,
		trace.WithAttributes(attribute.String("actor", string(actor))))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			c.logger.Debug("operation failed",
				zap.String("operation", operation),
				zap.String("actor", string(actor)),
				zap.Error(err))
		}
		span.End()
		metrics.Observe(operation, outcome(err), started)
	}()

	if err = c.auth.RequireAuth(ctx, actor); err != nil {
		return result, err
	}
	return consistency.Guard(ctx, c.guard, actor, operation, func(ctx context.Context) (T, error) {
		var out T
		err := c.uow.Run(ctx, operation, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx)
			return err
		})
		if err != nil {
			var zero T
			return zero, err
		}
		return out, nil
	})
}

// exec is run for operations without a result.
func exec(ctx context.Context, c *Core, actor model.Address, operation string, fn func(ctx context.Context) error) error {
	_, err := run(ctx, c, actor, operation, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (c *Core) now(ctx context.Context) (uint64, error) {
	return c.clock.Now(ctx)
}

func (c *Core) load(ctx context.Context, key string, v interface{}, what string) error {
	if err := c.store.Get(ctx, key, v); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.NotFound("%s not found", what)
		}
		return fmt.Errorf("load %s: %w", what, err)
	}
	return nil
}

func (c *Core) save(ctx context.Context, key string, v interface{}, what string) error {
	if err := c.store.Put(ctx, key, v); err != nil {
		return fmt.Errorf("save %s: %w", what, err)
	}
	return nil
}
