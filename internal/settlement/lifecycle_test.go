package settlement

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/auction"
	"github.com/Aidin1998/nftsettle/internal/dispute"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

const day uint64 = 86400

var (
	punk7 = model.NFTItem{Contract: punks, TokenID: 7}
	ape1  = model.NFTItem{Contract: apes, TokenID: 1}
)

func (h *harness) proposeTrade(t *testing.T, duration uint64) uint64 {
	t.Helper()
	require.NoError(t, h.ledger.MintNFT(context.Background(), apes, 1, bob))
	id, err := h.core.CreateTrade(as(seller), seller, bob, []model.NFTItem{punk7}, []model.NFTItem{ape1}, duration)
	require.NoError(t, err)
	return id
}

func (h *harness) auctionPunk(t *testing.T, kind model.AuctionType, start, reserve int64) uint64 {
	t.Helper()
	id, err := h.core.CreateAuction(as(seller), auction.Params{
		Type:          kind,
		Seller:        seller,
		NFTContract:   punks,
		TokenID:       7,
		StartingPrice: dec(start),
		ReservePrice:  dec(reserve),
		Currency:      usdc,
		Duration:      hour,
	})
	require.NoError(t, err)
	return id
}

func TestCancelSale(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.listPunk(t, 100_000)

	err := h.core.CancelTransaction(as(buyer), id, model.KindSale, buyer)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	err = h.core.CancelTransaction(as(seller), id, model.TransactionKind("lease"), seller)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	err = h.core.CancelTransaction(as(seller), id, model.KindTrade, seller)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	require.NoError(t, h.core.CancelTransaction(as(seller), id, model.KindSale, seller))
	assert.Equal(t, seller, h.owner(t, punks, 7))
	sale, err := h.core.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionCancelled, sale.State)
	swap, err := h.core.GetSwap(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SwapFailed, swap.State)

	err = h.core.CancelTransaction(as(seller), id, model.KindSale, seller)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	_, err = h.core.ExecuteSale(as(buyer), id, buyer, dec(100_000))
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestCancelFundedSaleIsRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.listPunk(t, 100_000)

	sale, err := h.core.GetSale(ctx, id)
	require.NoError(t, err)
	sale.State = model.TransactionFunded
	require.NoError(t, h.core.save(ctx, saleKey(id), sale, "sale"))

	err = h.core.CancelTransaction(as(seller), id, model.KindSale, seller)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
	assert.Equal(t, custody, h.owner(t, punks, 7))
}

func TestTradeLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.proposeTrade(t, hour)
	assert.Equal(t, custody, h.owner(t, punks, 7))

	_, err := h.core.ExecuteTrade(as(seller), id, seller)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "pending trades cannot execute")

	err = h.core.AcceptTrade(as(seller), id, seller)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	err = h.core.AcceptTrade(as(stranger), id, stranger)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	require.NoError(t, h.core.AcceptTrade(as(bob), id, bob))
	trade, err := h.core.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionFunded, trade.State)
	assert.Equal(t, custody, h.owner(t, apes, 1))

	_, err = h.core.ExecuteTrade(as(stranger), id, stranger)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	result, err := h.core.ExecuteTrade(as(bob), id, bob)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, bob, h.owner(t, punks, 7))
	assert.Equal(t, seller, h.owner(t, apes, 1))

	trade, err = h.core.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionExecuted, trade.State)
}

func TestCreateTradeValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.core.CreateTrade(as(seller), seller, seller, []model.NFTItem{punk7}, []model.NFTItem{ape1}, hour)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = h.core.CreateTrade(as(seller), seller, bob, []model.NFTItem{punk7}, nil, hour)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = h.core.CreateTrade(as(seller), seller, bob, []model.NFTItem{punk7}, []model.NFTItem{punk7}, hour)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = h.core.CreateTrade(as(bob), bob, seller, []model.NFTItem{punk7}, []model.NFTItem{ape1}, hour)
	assert.Error(t, err, "bob does not own the offered NFT")
	assert.Equal(t, seller, h.owner(t, punks, 7))
}

func TestCancelTrade(t *testing.T) {
	t.Run("pending by initiator", func(t *testing.T) {
		h := newHarness(t)
		id := h.proposeTrade(t, hour)

		err := h.core.CancelTransaction(as(bob), id, model.KindTrade, bob)
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

		require.NoError(t, h.core.CancelTransaction(as(seller), id, model.KindTrade, seller))
		assert.Equal(t, seller, h.owner(t, punks, 7))
		assert.Equal(t, bob, h.owner(t, apes, 1))
	})

	t.Run("funded once expired", func(t *testing.T) {
		h := newHarness(t)
		id := h.proposeTrade(t, hour)
		require.NoError(t, h.core.AcceptTrade(as(bob), id, bob))

		err := h.core.CancelTransaction(as(bob), id, model.KindTrade, bob)
		assert.ErrorIs(t, err, apperrors.ErrInvalidState)

		h.clock.Advance(hour)
		_, err = h.core.ExecuteTrade(as(seller), id, seller)
		assert.ErrorIs(t, err, apperrors.ErrExpired, "expired trades can only be cancelled")

		err = h.core.CancelTransaction(as(stranger), id, model.KindTrade, stranger)
		assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

		require.NoError(t, h.core.CancelTransaction(as(bob), id, model.KindTrade, bob))
		assert.Equal(t, seller, h.owner(t, punks, 7))
		assert.Equal(t, bob, h.owner(t, apes, 1))

		trade, err := h.core.GetTrade(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, model.TransactionCancelled, trade.State)
	})
}

func TestBundleSplitsPaymentPerItem(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.MintNFT(ctx, punks, 8, seller))
	require.NoError(t, h.core.SetRoyaltyInfo(as(artist), punks, 8, artist, 1000, artist))
	items := []model.NFTItem{punk7, {Contract: punks, TokenID: 8}}

	id, err := h.core.CreateBundle(as(seller), seller, items, dec(30_000), usdc, hour)
	require.NoError(t, err)
	bundle, err := h.core.GetBundle(ctx, id)
	require.NoError(t, err)
	assertAmount(t, 1_387, bundle.PlatformFee)
	assert.Equal(t, custody, h.owner(t, punks, 8))

	_, err = h.core.ExecuteBundle(as(buyer), id, buyer, dec(29_999))
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	result, err := h.core.ExecuteBundle(as(buyer), id, buyer, dec(30_000))
	require.NoError(t, err)
	assert.True(t, result.DistributedRoyalties)
	assert.True(t, result.CollectedPlatformFee)

	assert.Equal(t, buyer, h.owner(t, punks, 7))
	assert.Equal(t, buyer, h.owner(t, punks, 8))
	assertAmount(t, 750, h.balance(t, creator))
	assertAmount(t, 1_500, h.balance(t, artist))
	assertAmount(t, 26_363, h.balance(t, seller))
	assertAmount(t, 1_387, h.balance(t, custody))
	fees, err := h.core.GetAccumulatedFees(ctx, usdc)
	require.NoError(t, err)
	assertAmount(t, 1_387, fees)

	paid, err := h.core.VerifyRoyaltyPayment(ctx, id)
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestEnglishAuction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.auctionPunk(t, model.AuctionEnglish, 10_000, 0)

	_, err := h.core.PlaceBid(as(seller), id, seller, dec(50_000))
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	_, err = h.core.PlaceBid(as(buyer), id, buyer, dec(9_999))
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = h.core.PlaceBid(as(buyer), id, buyer, dec(10_000))
	require.NoError(t, err)
	assertAmount(t, 990_000, h.balance(t, buyer))

	_, err = h.core.PlaceBid(as(bob), id, bob, dec(10_050))
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount, "below the minimum increment")
	_, err = h.core.PlaceBid(as(bob), id, bob, dec(20_000))
	require.NoError(t, err)
	assertAmount(t, 1_000_000, h.balance(t, buyer), "outbid bidder is refunded")

	err = h.core.CancelTransaction(as(seller), id, model.KindAuction, seller)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "bid auctions cannot be cancelled")
	_, err = h.core.EndAuction(as(stranger), id, stranger)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	h.clock.Advance(hour)
	out, err := h.core.EndAuction(as(stranger), id, stranger)
	require.NoError(t, err)
	require.NotNil(t, out.Execution)
	assert.Equal(t, model.TransactionExecuted, out.Auction.State)
	assert.Equal(t, bob, out.Auction.Winner)
	assertAmount(t, 1_000, out.Auction.PlatformFee)

	assert.Equal(t, bob, h.owner(t, punks, 7))
	assertAmount(t, 980_000, h.balance(t, bob))
	assertAmount(t, 18_000, h.balance(t, seller))
	assertAmount(t, 1_000, h.balance(t, creator))
	assertAmount(t, 1_000, h.balance(t, custody))

	paid, err := h.core.VerifyRoyaltyPayment(ctx, id)
	require.NoError(t, err)
	assert.True(t, paid)
}

func TestAuctionWithoutBidsReturnsNFT(t *testing.T) {
	h := newHarness(t)
	id := h.auctionPunk(t, model.AuctionEnglish, 10_000, 0)
	assert.Equal(t, custody, h.owner(t, punks, 7))

	h.clock.Advance(hour)
	out, err := h.core.EndAuction(as(seller), id, seller)
	require.NoError(t, err)
	assert.Nil(t, out.Execution)
	assert.Equal(t, model.TransactionCancelled, out.Auction.State)
	assert.Equal(t, seller, h.owner(t, punks, 7))
}

func TestCancelAuctionBeforeBids(t *testing.T) {
	h := newHarness(t)
	id := h.auctionPunk(t, model.AuctionEnglish, 10_000, 0)

	err := h.core.CancelTransaction(as(buyer), id, model.KindAuction, buyer)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	require.NoError(t, h.core.CancelTransaction(as(seller), id, model.KindAuction, seller))
	assert.Equal(t, seller, h.owner(t, punks, 7))
	a, err := h.core.GetAuction(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionCancelled, a.State)
}

func TestDutchAuctionSettlesOnBid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.auctionPunk(t, model.AuctionDutch, 20_000, 10_000)

	h.clock.Advance(hour / 2)
	price, err := h.core.GetDutchAuctionPrice(ctx, id)
	require.NoError(t, err)
	assertAmount(t, 15_000, price)

	_, err = h.core.PlaceBid(as(buyer), id, buyer, dec(14_999))
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	out, err := h.core.PlaceBid(as(buyer), id, buyer, dec(15_000))
	require.NoError(t, err)
	require.NotNil(t, out.Execution)
	assert.Equal(t, model.TransactionExecuted, out.Auction.State)
	assert.Equal(t, buyer, h.owner(t, punks, 7))
	assertAmount(t, 985_000, h.balance(t, buyer))
	assertAmount(t, 750, h.balance(t, creator))
	assertAmount(t, 13_250, h.balance(t, seller))
}

func TestSealedBidAuction(t *testing.T) {
	h := newHarness(t)
	id := h.auctionPunk(t, model.AuctionSealedBid, 5_000, 0)
	salt := []byte("pepper")

	commit := func(who model.Address, amount, deposit int64) {
		hash, err := auction.CommitmentHash(who, dec(amount), salt)
		require.NoError(t, err)
		require.NoError(t, h.core.CommitBid(as(who), id, who, hash, dec(deposit)))
	}
	commit(buyer, 12_000, 15_000)
	commit(bob, 11_000, 11_000)
	assertAmount(t, 985_000, h.balance(t, buyer))

	err := h.core.RevealBid(as(buyer), id, buyer, dec(12_000), salt)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "bidding is still open")

	h.clock.Advance(hour)
	err = h.core.RevealBid(as(buyer), id, buyer, dec(13_000), salt)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	require.NoError(t, h.core.RevealBid(as(buyer), id, buyer, dec(12_000), salt))
	require.NoError(t, h.core.RevealBid(as(bob), id, bob, dec(11_000), salt))

	_, err = h.core.EndAuction(as(stranger), id, stranger)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "reveal phase is open")

	h.clock.Advance(day)
	out, err := h.core.EndAuction(as(stranger), id, stranger)
	require.NoError(t, err)
	assert.Equal(t, buyer, out.Auction.Winner)
	assertAmount(t, 12_000, out.Auction.FinalPrice)

	assert.Equal(t, buyer, h.owner(t, punks, 7))
	assertAmount(t, 988_000, h.balance(t, buyer))
	assertAmount(t, 1_000_000, h.balance(t, bob))
	assertAmount(t, 600, h.balance(t, creator))
	assertAmount(t, 10_400, h.balance(t, seller))
}

func TestCleanupExpiredCommitments(t *testing.T) {
	h := newHarness(t)
	id := h.auctionPunk(t, model.AuctionSealedBid, 5_000, 0)
	hash, err := auction.CommitmentHash(bob, dec(8_000), []byte("salt"))
	require.NoError(t, err)
	require.NoError(t, h.core.CommitBid(as(bob), id, bob, hash, dec(8_000)))

	_, err = h.core.CleanupExpiredCommitments(as(stranger), id, stranger)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	h.clock.Advance(hour + day)
	refunded, err := h.core.CleanupExpiredCommitments(as(stranger), id, stranger)
	require.NoError(t, err)
	assert.Equal(t, 1, refunded)
	assertAmount(t, 1_000_000, h.balance(t, bob))
}

func TestDisputeRefundsFundedTrade(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.proposeTrade(t, 7*day)
	require.NoError(t, h.core.AcceptTrade(as(bob), id, bob))

	_, err := h.core.InitiateDispute(as(stranger), id, "fraud", "", stranger)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	d, err := h.core.InitiateDispute(as(bob), id, "counterfeit <b>ape</b>", "ipfs://evidence", bob)
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusOpen, d.Status)
	assert.NotContains(t, d.Reason, "<b>")

	_, err = h.core.InitiateDispute(as(seller), id, "again", "", seller)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "one open dispute per transaction")

	err = h.core.VoteOnDispute(as("arb1"), d.ID, "arb1", dispute.VoteUphold)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "cooling period")

	h.clock.Advance(day)
	err = h.core.VoteOnDispute(as(stranger), d.ID, stranger, dispute.VoteUphold)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	require.NoError(t, h.core.VoteOnDispute(as("arb1"), d.ID, "arb1", dispute.VoteUphold))
	err = h.core.VoteOnDispute(as("arb1"), d.ID, "arb1", dispute.VoteUphold)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	_, err = h.core.ExecuteDisputeResolution(as("arb1"), d.ID, "arb1")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "quorum not reached")

	require.NoError(t, h.core.VoteOnDispute(as("arb2"), d.ID, "arb2", dispute.VoteUphold))
	require.NoError(t, h.core.VoteOnDispute(as("arb3"), d.ID, "arb3", dispute.VoteReject))

	resolved, err := h.core.ExecuteDisputeResolution(as("arb3"), d.ID, "arb3")
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusUpheld, resolved.Status)
	assert.True(t, resolved.Remedied)

	assert.Equal(t, seller, h.owner(t, punks, 7))
	assert.Equal(t, bob, h.owner(t, apes, 1))
	trade, err := h.core.GetTrade(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionCancelled, trade.State)

	_, err = h.core.InitiateDispute(as(bob), id, "again", "", bob)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "cancelled transactions cannot be disputed")
}

func TestDisputeOverExecutedSaleIsNotRemedied(t *testing.T) {
	h := newHarness(t)
	id := h.listPunk(t, 100_000)
	_, err := h.core.ExecuteSale(as(buyer), id, buyer, dec(100_000))
	require.NoError(t, err)

	d, err := h.core.InitiateDispute(as(buyer), id, "not as described", "", buyer)
	require.NoError(t, err)
	h.clock.Advance(day)
	for _, arb := range arbitrators {
		require.NoError(t, h.core.VoteOnDispute(as(arb), d.ID, arb, dispute.VoteUphold))
	}

	resolved, err := h.core.ExecuteDisputeResolution(as("arb2"), d.ID, "arb2")
	require.NoError(t, err)
	assert.Equal(t, dispute.StatusUpheld, resolved.Status)
	assert.False(t, resolved.Remedied)
	assert.Equal(t, buyer, h.owner(t, punks, 7))
}

func TestEmergencyWithdraw(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.listPunk(t, 100_000)

	_, err := h.core.EmergencyWithdraw(as(bob), id, bob, "stuck")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	cfg, err := h.core.GetAdminConfig(ctx)
	require.NoError(t, err)
	cfg.EmergencyWithdrawalEnabled = false
	require.NoError(t, h.core.UpdateAdminConfig(as(admin), cfg, admin))
	_, err = h.core.EmergencyWithdraw(as(admin), id, admin, "stuck")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	cfg.EmergencyWithdrawalEnabled = true
	require.NoError(t, h.core.UpdateAdminConfig(as(admin), cfg, admin))
	refunded, err := h.core.EmergencyWithdraw(as(admin), id, admin, "stuck")
	require.NoError(t, err)
	assert.Equal(t, 1, refunded)
	assert.Equal(t, seller, h.owner(t, punks, 7))

	sale, err := h.core.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionCancelled, sale.State)
}

func TestPlatformFeeAdministration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.listPunk(t, 100_000)
	_, err := h.core.ExecuteSale(as(buyer), id, buyer, dec(100_000))
	require.NoError(t, err)

	cfg, err := h.core.GetFeeConfig(ctx)
	require.NoError(t, err)
	cfg.PlatformFeeBps = 100
	err = h.core.UpdateFeeConfig(as(bob), cfg, bob)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	require.NoError(t, h.core.UpdateFeeConfig(as(admin), cfg, admin))

	fee, err := h.core.CalculateFee(ctx, dec(200_000), stranger)
	require.NoError(t, err)
	assertAmount(t, 2_000, fee)

	_, err = h.core.WithdrawPlatformFees(as(bob), usdc, bob, bob)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	withdrawn, err := h.core.WithdrawPlatformFees(as(admin), usdc, treasury, admin)
	require.NoError(t, err)
	assertAmount(t, 2_500, withdrawn)
	assertAmount(t, 2_500, h.balance(t, treasury))
	assertAmount(t, 0, h.balance(t, custody))

	fees, err := h.core.GetAccumulatedFees(ctx, usdc)
	require.NoError(t, err)
	assert.True(t, fees.IsZero())
}

func TestRoyaltySetterRules(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	err := h.core.SetRoyaltyInfo(as(stranger), punks, 7, creator, 500, stranger)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	require.NoError(t, h.core.SetRoyaltyInfo(as(seller), punks, 7, creator, 600, seller), "the owner may configure")

	cfg, err := h.core.GetAdminConfig(ctx)
	require.NoError(t, err)
	cfg.MaxRoyaltyPercentage = 1000
	require.NoError(t, h.core.UpdateAdminConfig(as(admin), cfg, admin))
	err = h.core.UpdateRoyaltyPercentage(as(creator), punks, 7, 1500, creator)
	assert.ErrorIs(t, err, apperrors.ErrInvalidRoyaltyPercentage)
	err = h.core.UpdateRoyaltyPercentage(as(seller), punks, 7, 800, seller)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized, "only the creator adjusts the rate")

	require.NoError(t, h.core.UpdateRoyaltyPercentage(as(creator), punks, 7, 800, creator))
	info, err := h.core.GetRoyaltyInfo(ctx, punks, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(800), info.RoyaltyPercentage)

	history, err := h.core.GetRoyaltyHistory(ctx, punks, 7)
	require.NoError(t, err)
	assert.NotEmpty(t, history)
}
