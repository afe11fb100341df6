package settlement

import (
	"context"
	"slices"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/dispute"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

// InitiateDispute opens a dispute over a transaction. Only a party to the
// transaction may open one.
func (c *Core) InitiateDispute(ctx context.Context, txID uint64, reason, evidenceURI string, initiator model.Address) (*dispute.Dispute, error) {
	return run(ctx, c, initiator, "initiate_dispute", func(ctx context.Context) (*dispute.Dispute, error) {
		kind, err := c.kindOf(ctx, txID)
		if err != nil {
			return nil, err
		}
		parties, state, err := c.parties(ctx, kind, txID)
		if err != nil {
			return nil, err
		}
		if state == model.TransactionCancelled {
			return nil, apperrors.InvalidState("transaction %d is cancelled", txID)
		}
		if initiator.IsZero() || !slices.Contains(parties, initiator) {
			return nil, apperrors.Unauthorized("%s is not a party to transaction %d", initiator, txID)
		}
		return c.disputes.Open(ctx, txID, kind, initiator, reason, evidenceURI)
	})
}

// VoteOnDispute records an arbitrator's vote: dispute.VoteUphold or
// dispute.VoteReject.
func (c *Core) VoteOnDispute(ctx context.Context, id uint64, arbitrator model.Address, vote uint32) error {
	return exec(ctx, c, arbitrator, "vote_on_dispute", func(ctx context.Context) error {
		return c.disputes.Vote(ctx, id, arbitrator, vote)
	})
}

// ExecuteDisputeResolution closes a dispute that reached quorum. An upheld
// dispute over a transaction that has not executed refunds its escrow and
// cancels it.
func (c *Core) ExecuteDisputeResolution(ctx context.Context, id uint64, executor model.Address) (*dispute.Dispute, error) {
	return run(ctx, c, executor, "execute_dispute_resolution", func(ctx context.Context) (*dispute.Dispute, error) {
		return c.disputes.Resolve(ctx, id, executor, c.remedy)
	})
}

func (c *Core) remedy(ctx context.Context, d *dispute.Dispute) (bool, error) {
	swap, err := c.escrow.GetSwap(ctx, d.TransactionID)
	if err != nil {
		return false, err
	}
	if swap.State == model.SwapExecuted {
		return false, nil
	}
	if swap.State != model.SwapFailed {
		if err := c.escrow.Refund(ctx, d.TransactionID); err != nil {
			return false, err
		}
	}
	return c.void(ctx, d.Kind, d.TransactionID)
}
