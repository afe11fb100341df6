// Package escrow implements the atomic swap engine: both legs of a
// transaction are deposited into engine custody and released together.
package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/consistency"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement/mathutil"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/storage"
	"github.com/Aidin1998/nftsettle/internal/transaction"
	"github.com/Aidin1998/nftsettle/pkg/metrics"
)

// SwapTerms describes both legs of a swap. A zero Buyer leaves the buyer
// leg unassigned until AssignCounterparty.
type SwapTerms struct {
	Seller    model.Address
	Buyer     model.Address
	SellerLeg []model.LegItem
	BuyerLeg  []model.LegItem
	// Retained is kept in custody from the buyer's first token item when
	// the swap executes.
	Retained decimal.Decimal
}

// Engine owns every AtomicSwap record and the custody account.
type Engine struct {
	logger  *zap.Logger
	store   *storage.BadgerStore
	uow     *transaction.UnitOfWork
	ledger  model.AssetTransfer
	clock   model.Clock
	guard   *consistency.ReentrancyGuard
	events  *messaging.Bus
	custody model.Address
}

func NewEngine(
	logger *zap.Logger,
	store *storage.BadgerStore,
	uow *transaction.UnitOfWork,
	ledger model.AssetTransfer,
	clock model.Clock,
	guard *consistency.ReentrancyGuard,
	events *messaging.Bus,
	custody model.Address,
) *Engine {
	return &Engine{
		logger:  logger.Named("escrow"),
		store:   store,
		uow:     uow,
		ledger:  ledger,
		clock:   clock,
		guard:   guard,
		events:  events,
		custody: custody,
	}
}

// Custody is the engine's escrow account.
func (e *Engine) Custody() model.Address { return e.custody }

func swapKey(txID uint64) string { return storage.ID(storage.PrefixSwap, txID) }

// GetSwap loads the swap of a transaction.
func (e *Engine) GetSwap(ctx context.Context, txID uint64) (*model.AtomicSwap, error) {
	var swap model.AtomicSwap
	if err := e.store.Get(ctx, swapKey(txID), &swap); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound("no swap for transaction %d", txID)
		}
		return nil, fmt.Errorf("load swap %d: %w", txID, err)
	}
	return &swap, nil
}

func (e *Engine) save(ctx context.Context, swap *model.AtomicSwap) error {
	if err := e.store.Put(ctx, swapKey(swap.TransactionID), swap); err != nil {
		return fmt.Errorf("save swap %d: %w", swap.TransactionID, err)
	}
	return nil
}

// InitializeSwap opens a single NFT against payment swap.
func (e *Engine) InitializeSwap(
	ctx context.Context,
	txID uint64,
	seller, buyer model.Address,
	nft model.Address,
	tokenID uint64,
	paymentAsset model.Asset,
	paymentAmount decimal.Decimal,
) (uint64, error) {
	return e.Open(ctx, txID, SwapTerms{
		Seller:    seller,
		Buyer:     buyer,
		SellerLeg: []model.LegItem{model.NFTLeg(nft, tokenID)},
		BuyerLeg:  []model.LegItem{model.TokenLeg(paymentAsset, paymentAmount)},
	})
}

// Open creates the swap for txID. Nothing is deposited yet.
func (e *Engine) Open(ctx context.Context, txID uint64, terms SwapTerms) (uint64, error) {
	if terms.Seller.IsZero() || len(terms.SellerLeg) == 0 {
		return 0, apperrors.InvalidAmount("swap %d needs a seller and at least one seller item", txID)
	}
	for _, item := range append(append([]model.LegItem(nil), terms.SellerLeg...), terms.BuyerLeg...) {
		if !item.IsNFT {
			if err := mathutil.ValidateNonNegative(item.Amount); err != nil {
				return 0, err
			}
		}
	}
	if err := e.checkRetention(terms.BuyerLeg, terms.Retained); err != nil {
		return 0, err
	}

	var swapID uint64
	err := e.uow.Run(ctx, "initialize_swap", func(ctx context.Context) error {
		exists, err := e.store.Has(ctx, swapKey(txID))
		if err != nil {
			return err
		}
		if exists {
			return apperrors.InvalidState("swap for transaction %d already exists", txID)
		}
		now, err := e.clock.Now(ctx)
		if err != nil {
			return err
		}
		swapID, err = e.store.NextID(ctx, storage.CounterSwap)
		if err != nil {
			return err
		}

		swap := &model.AtomicSwap{
			SwapID:        swapID,
			TransactionID: txID,
			SellerEscrow:  holdings(txID, terms.Seller, terms.SellerLeg),
			BuyerEscrow:   holdings(txID, terms.Buyer, terms.BuyerLeg),
			Retained:      terms.Retained,
			State:         model.SwapPending,
			CreatedAt:     now,
		}
		return e.save(ctx, swap)
	})
	if err != nil {
		return 0, err
	}
	e.logger.Debug("swap initialized", zap.Uint64("transaction_id", txID), zap.Uint64("swap_id", swapID))
	return swapID, nil
}

func holdings(txID uint64, holder model.Address, items []model.LegItem) []model.EscrowHolding {
	out := make([]model.EscrowHolding, 0, len(items))
	for _, item := range items {
		out = append(out, model.EscrowHolding{TransactionID: txID, Holder: holder, LegItem: item})
	}
	return out
}

func (e *Engine) checkRetention(buyerLeg []model.LegItem, retained decimal.Decimal) error {
	if retained.IsZero() {
		return nil
	}
	if err := mathutil.ValidateNonNegative(retained); err != nil {
		return err
	}
	for _, item := range buyerLeg {
		if !item.IsNFT {
			if retained.GreaterThan(item.Amount) {
				return apperrors.InvalidAmount("retained %s exceeds payment %s", retained, item.Amount)
			}
			return nil
		}
	}
	return apperrors.InvalidAmount("retention without a payment item")
}

// AssignCounterparty binds the buyer leg to buyer. The buyer leg must not
// have been funded yet.
func (e *Engine) AssignCounterparty(ctx context.Context, txID uint64, buyer model.Address) error {
	return e.uow.Run(ctx, "assign_counterparty", func(ctx context.Context) error {
		swap, err := e.GetSwap(ctx, txID)
		if err != nil {
			return err
		}
		if swap.State.Terminal() {
			return apperrors.InvalidState("swap %d is %s", txID, swap.State)
		}
		if buyer.IsZero() || buyer == swap.Seller() {
			return apperrors.InvalidState("swap %d cannot be bought by %q", txID, buyer)
		}
		for i := range swap.BuyerEscrow {
			if swap.BuyerEscrow[i].Deposited() {
				return apperrors.InvalidState("buyer leg of swap %d is already funded", txID)
			}
			swap.BuyerEscrow[i].Holder = buyer
		}
		return e.save(ctx, swap)
	})
}

// SetPaymentTerms fixes the payment amount and the retained part of it.
func (e *Engine) SetPaymentTerms(ctx context.Context, txID uint64, amount, retained decimal.Decimal) error {
	if err := mathutil.ValidateAmount(amount); err != nil {
		return err
	}
	return e.uow.Run(ctx, "set_payment_terms", func(ctx context.Context) error {
		swap, err := e.GetSwap(ctx, txID)
		if err != nil {
			return err
		}
		if swap.State.Terminal() {
			return apperrors.InvalidState("swap %d is %s", txID, swap.State)
		}
		for i := range swap.BuyerEscrow {
			h := &swap.BuyerEscrow[i]
			if h.IsNFT {
				continue
			}
			if h.Deposited() {
				return apperrors.InvalidState("payment of swap %d is already funded", txID)
			}
			h.Amount = amount
			items := make([]model.LegItem, 0, len(swap.BuyerEscrow))
			for _, bh := range swap.BuyerEscrow {
				items = append(items, bh.LegItem)
			}
			if err := e.checkRetention(items, retained); err != nil {
				return err
			}
			swap.Retained = retained
			return e.save(ctx, swap)
		}
		return apperrors.InvalidState("swap %d has no payment item", txID)
	})
}

// DepositToEscrow moves a depositor's item into custody and recomputes the
// swap state. Re-depositing a funded item only refreshes its timestamp.
func (e *Engine) DepositToEscrow(ctx context.Context, txID uint64, depositor model.Address, item model.LegItem) error {
	return e.uow.Run(ctx, "deposit_to_escrow", func(ctx context.Context) error {
		swap, err := e.GetSwap(ctx, txID)
		if err != nil {
			return err
		}
		if swap.State.Terminal() {
			return apperrors.InvalidState("swap %d is %s", txID, swap.State)
		}
		holding := findHolding(swap, depositor, item)
		if holding == nil {
			return apperrors.Unauthorized("%s owes no %s into swap %d", depositor, item.Asset.Contract, txID)
		}
		if !item.IsNFT && !item.Amount.Equal(holding.Amount) {
			return apperrors.InvalidAmount("deposit %s does not match escrowed amount %s", item.Amount, holding.Amount)
		}
		if holding.Released() {
			return apperrors.InvalidState("holding of swap %d was already released", txID)
		}

		now, err := e.clock.Now(ctx)
		if err != nil {
			return err
		}
		if !holding.Deposited() {
			if err := e.move(ctx, holding.LegItem, depositor, e.custody, holding.Amount); err != nil {
				return err
			}
		}
		holding.DepositedAt = now

		previous := swap.State
		swap.State = recompute(swap)
		if swap.State != previous {
			metrics.SwapTransitions.WithLabelValues(string(swap.State)).Inc()
		}
		return e.save(ctx, swap)
	})
}

func findHolding(swap *model.AtomicSwap, depositor model.Address, item model.LegItem) *model.EscrowHolding {
	for _, leg := range [][]model.EscrowHolding{swap.SellerEscrow, swap.BuyerEscrow} {
		for i := range leg {
			if leg[i].Holder == depositor && leg[i].Matches(item) {
				return &leg[i]
			}
		}
	}
	return nil
}

func allDeposited(leg []model.EscrowHolding) bool {
	for _, h := range leg {
		if !h.Deposited() {
			return false
		}
	}
	return true
}

// recompute derives the state from the deposit stamps alone, so the result
// does not depend on deposit order.
func recompute(swap *model.AtomicSwap) model.SwapState {
	seller, buyer := allDeposited(swap.SellerEscrow), allDeposited(swap.BuyerEscrow)
	switch {
	case seller && buyer:
		return model.SwapReady
	case seller:
		return model.SwapSellerFunded
	case buyer && len(swap.BuyerEscrow) > 0:
		return model.SwapBuyerFunded
	default:
		return model.SwapPending
	}
}

func (e *Engine) move(ctx context.Context, item model.LegItem, from, to model.Address, amount decimal.Decimal) error {
	if item.IsNFT {
		return e.ledger.TransferNFT(ctx, item.Asset.Contract, from, to, item.TokenID)
	}
	return e.ledger.TransferTokens(ctx, item.Asset, from, to, amount)
}

// ExecuteSwap releases both legs: seller items to the buyer and the payment
// less the retained amount to the seller. Any failing transfer aborts the
// whole swap.
func (e *Engine) ExecuteSwap(ctx context.Context, txID uint64, executor model.Address) (*model.ExecutionResult, error) {
	return consistency.Guard(ctx, e.guard, executor, "execute_swap", func(ctx context.Context) (*model.ExecutionResult, error) {
		var result *model.ExecutionResult
		err := e.uow.Run(ctx, "execute_swap", func(ctx context.Context) error {
			swap, err := e.GetSwap(ctx, txID)
			if err != nil {
				return err
			}
			if swap.State != model.SwapReady {
				return apperrors.InvalidState("swap %d is %s, not READY", txID, swap.State)
			}
			now, err := e.clock.Now(ctx)
			if err != nil {
				return err
			}

			result = &model.ExecutionResult{TransactionID: txID, Timestamp: now}
			buyer, seller := swap.Buyer(), swap.Seller()
			for i := range swap.SellerEscrow {
				h := &swap.SellerEscrow[i]
				if err := e.move(ctx, h.LegItem, e.custody, buyer, h.Amount); err != nil {
					return fmt.Errorf("release seller item to %s: %w", buyer, err)
				}
				h.ReleasedAt = now
				if h.IsNFT {
					result.TransferredNFT = true
				}
			}
			retained := swap.Retained
			for i := range swap.BuyerEscrow {
				h := &swap.BuyerEscrow[i]
				amount := h.Amount
				if !h.IsNFT && retained.IsPositive() {
					amount = amount.Sub(retained)
					retained = decimal.Zero
				}
				if h.IsNFT || amount.IsPositive() {
					if err := e.move(ctx, h.LegItem, e.custody, seller, amount); err != nil {
						return fmt.Errorf("release buyer item to %s: %w", seller, err)
					}
				}
				h.ReleasedAt = now
				if h.IsNFT {
					result.TransferredNFT = true
				} else {
					result.TransferredPayment = true
				}
			}

			swap.State = model.SwapExecuted
			swap.ExecutedAt = now
			result.Success = true
			return e.save(ctx, swap)
		})
		if err != nil {
			return nil, err
		}
		metrics.SwapTransitions.WithLabelValues(string(model.SwapExecuted)).Inc()
		e.logger.Info("swap executed", zap.Uint64("transaction_id", txID), zap.String("executor", string(executor)))
		return result, nil
	})
}

// ReleaseEscrow pays part of an executed swap's retained payment out of
// custody. Releasing to the custody account itself only books the amount.
func (e *Engine) ReleaseEscrow(ctx context.Context, txID uint64, asset model.Asset, recipient model.Address, amount decimal.Decimal) error {
	if err := mathutil.ValidateAmount(amount); err != nil {
		return err
	}
	if recipient.IsZero() {
		return apperrors.InvalidAmount("release of swap %d has no recipient", txID)
	}
	return e.uow.Run(ctx, "release_escrow", func(ctx context.Context) error {
		swap, err := e.GetSwap(ctx, txID)
		if err != nil {
			return err
		}
		if swap.State != model.SwapExecuted {
			return apperrors.InvalidState("swap %d is %s, not EXECUTED", txID, swap.State)
		}
		if !paysIn(swap, asset) {
			return apperrors.InvalidAmount("swap %d was not paid in %s", txID, asset.Symbol)
		}
		released, err := mathutil.SafeAdd(swap.RetainedReleased, amount)
		if err != nil {
			return err
		}
		if released.GreaterThan(swap.Retained) {
			return apperrors.InsufficientFunds("swap %d retains %s, %s already released",
				txID, swap.Retained, swap.RetainedReleased)
		}
		if recipient != e.custody {
			if err := e.ledger.TransferTokens(ctx, asset, e.custody, recipient, amount); err != nil {
				return err
			}
		}
		swap.RetainedReleased = released
		return e.save(ctx, swap)
	})
}

func paysIn(swap *model.AtomicSwap, asset model.Asset) bool {
	for _, h := range swap.BuyerEscrow {
		if !h.IsNFT && h.Asset.Contract == asset.Contract {
			return true
		}
	}
	return false
}

// refund returns every deposited, unreleased holding to its holder.
func (e *Engine) refund(ctx context.Context, swap *model.AtomicSwap) (int, error) {
	now, err := e.clock.Now(ctx)
	if err != nil {
		return 0, err
	}
	refunded := 0
	for _, leg := range [][]model.EscrowHolding{swap.SellerEscrow, swap.BuyerEscrow} {
		for i := range leg {
			h := &leg[i]
			if !h.Deposited() || h.Released() {
				continue
			}
			if err := e.move(ctx, h.LegItem, e.custody, h.Holder, h.Amount); err != nil {
				return refunded, fmt.Errorf("refund %s: %w", h.Holder, err)
			}
			h.ReleasedAt = now
			refunded++
		}
	}
	return refunded, nil
}

// CancelSwap refunds deposits and fails the swap. Only a party may cancel,
// and an executed swap cannot be cancelled.
func (e *Engine) CancelSwap(ctx context.Context, txID uint64, canceller model.Address) error {
	return e.uow.Run(ctx, "cancel_swap", func(ctx context.Context) error {
		swap, err := e.GetSwap(ctx, txID)
		if err != nil {
			return err
		}
		if !swap.IsParty(canceller) {
			return apperrors.Unauthorized("%s is not a party to swap %d", canceller, txID)
		}
		return e.fail(ctx, swap)
	})
}

func (e *Engine) fail(ctx context.Context, swap *model.AtomicSwap) error {
	if swap.State == model.SwapExecuted {
		return apperrors.InvalidState("swap %d already executed", swap.TransactionID)
	}
	if _, err := e.refund(ctx, swap); err != nil {
		return err
	}
	if swap.State != model.SwapFailed {
		swap.State = model.SwapFailed
		metrics.SwapTransitions.WithLabelValues(string(model.SwapFailed)).Inc()
	}
	return e.save(ctx, swap)
}

// Refund fails a swap on behalf of the engine itself, e.g. after an upheld
// dispute. The caller is responsible for authorization.
func (e *Engine) Refund(ctx context.Context, txID uint64) error {
	return e.uow.Run(ctx, "refund_swap", func(ctx context.Context) error {
		swap, err := e.GetSwap(ctx, txID)
		if err != nil {
			return err
		}
		return e.fail(ctx, swap)
	})
}

// EmergencyWithdraw returns all unreleased deposits regardless of state.
// Admin authorization is checked by the caller.
func (e *Engine) EmergencyWithdraw(ctx context.Context, txID uint64, admin model.Address, reason string) (int, error) {
	var refunded int
	err := e.uow.Run(ctx, "emergency_withdraw", func(ctx context.Context) error {
		swap, err := e.GetSwap(ctx, txID)
		if err != nil {
			return err
		}
		refunded, err = e.refund(ctx, swap)
		if err != nil {
			return err
		}
		if !swap.State.Terminal() {
			swap.State = model.SwapFailed
			metrics.SwapTransitions.WithLabelValues(string(model.SwapFailed)).Inc()
		}
		if err := e.save(ctx, swap); err != nil {
			return err
		}
		e.events.Emit(ctx, messaging.MsgEmergencyWithdrawal, txID, messaging.EmergencyWithdrawalEvent{
			Admin: string(admin), Reason: reason, Refunded: refunded,
		})
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.logger.Warn("emergency withdrawal",
		zap.Uint64("transaction_id", txID),
		zap.String("admin", string(admin)),
		zap.String("reason", reason),
		zap.Int("refunded", refunded))
	return refunded, nil
}

// GetEscrowHoldings lists seller then buyer holdings of a swap.
func (e *Engine) GetEscrowHoldings(ctx context.Context, txID uint64) ([]model.EscrowHolding, error) {
	swap, err := e.GetSwap(ctx, txID)
	if err != nil {
		return nil, err
	}
	return append(append([]model.EscrowHolding(nil), swap.SellerEscrow...), swap.BuyerEscrow...), nil
}

// CheckEscrowBalance sums the custody-held, unreleased amount of asset.
func (e *Engine) CheckEscrowBalance(ctx context.Context, txID uint64, asset model.Asset) (decimal.Decimal, error) {
	holdings, err := e.GetEscrowHoldings(ctx, txID)
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, h := range holdings {
		if h.IsNFT || h.Asset.Contract != asset.Contract || !h.Deposited() || h.Released() {
			continue
		}
		total = total.Add(h.Amount)
	}
	return total, nil
}
