package settlement

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/common/auth"
	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/bookkeeper"
	"github.com/Aidin1998/nftsettle/internal/clock"
	"github.com/Aidin1998/nftsettle/internal/consistency"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/testutil"
)

const (
	custody  model.Address = "escrow"
	admin    model.Address = "admin"
	treasury model.Address = "treasury"
	seller   model.Address = "seller"
	buyer    model.Address = "buyer"
	bob      model.Address = "bob"
	creator  model.Address = "creator"
	artist   model.Address = "artist"
	stranger model.Address = "stranger"
	punks    model.Address = "PUNKS"
	apes     model.Address = "APES"

	genesis uint64 = 1_700_000_000
	hour    uint64 = 3600
)

var (
	usdc        = model.Asset{Contract: "USDC-ISSUER", Symbol: "USDC"}
	arbitrators = []model.Address{"arb1", "arb2", "arb3"}
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func as(who model.Address) context.Context {
	return auth.WithCaller(context.Background(), who)
}

// hookedLedger lets a test observe every token transfer before it happens,
// or refuse it.
type hookedLedger struct {
	*bookkeeper.Service
	beforeTransfer func(ctx context.Context, from, to model.Address)
	failTransfer   func(to model.Address) error
}

func (l *hookedLedger) TransferTokens(ctx context.Context, asset model.Asset, from, to model.Address, amount decimal.Decimal) error {
	if l.beforeTransfer != nil {
		l.beforeTransfer(ctx, from, to)
	}
	if l.failTransfer != nil {
		if err := l.failTransfer(to); err != nil {
			return err
		}
	}
	return l.Service.TransferTokens(ctx, asset, from, to, amount)
}

type harness struct {
	core     *Core
	ledger   *hookedLedger
	clock    *clock.Manual
	markers  *consistency.MemoryMarkers
	producer *messaging.MemoryProducer
}

func newUninitialized(t *testing.T) *harness {
	t.Helper()
	store := testutil.OpenStore(t)
	producer := messaging.NewMemoryProducer()
	bus := messaging.NewBus(producer, zap.NewNop(), "test")
	service, err := bookkeeper.NewService(zap.NewNop(), testutil.OpenLedgerDB(t), bus)
	require.NoError(t, err)
	ledger := &hookedLedger{Service: service}
	markers := consistency.NewMemoryMarkers()
	clk := clock.NewManual(genesis)

	core, err := New(Deps{
		Logger:  zap.NewNop(),
		Store:   store,
		Ledger:  ledger,
		Clock:   clk,
		Auth:    auth.ContextAuthorizer{},
		Guard:   consistency.NewReentrancyGuard(markers, zap.NewNop()),
		Events:  bus,
		Custody: custody,
	})
	require.NoError(t, err)
	return &harness{core: core, ledger: ledger, clock: clk, markers: markers, producer: producer}
}

// newHarness initializes the engine, gives the seller PUNKS #7 with a 5%
// creator royalty and funds the buyer and bob.
func newHarness(t *testing.T) *harness {
	t.Helper()
	h := newUninitialized(t)
	ctx := context.Background()
	require.NoError(t, h.core.Initialize(as(admin), admin, InitOptions{FeeRecipient: treasury, Arbitrators: arbitrators}))
	require.NoError(t, h.ledger.MintNFT(ctx, punks, 7, seller))
	require.NoError(t, h.core.SetRoyaltyInfo(as(creator), punks, 7, creator, 500, creator))
	for _, who := range []model.Address{buyer, bob} {
		require.NoError(t, h.ledger.Credit(ctx, usdc, who, dec(1_000_000), "seed"))
	}
	return h
}

func (h *harness) balance(t *testing.T, who model.Address) decimal.Decimal {
	t.Helper()
	b, err := h.ledger.BalanceOf(context.Background(), usdc, who)
	require.NoError(t, err)
	return b
}

func (h *harness) owner(t *testing.T, nft model.Address, tokenID uint64) model.Address {
	t.Helper()
	owner, err := h.ledger.OwnerOf(context.Background(), nft, tokenID)
	require.NoError(t, err)
	return owner
}

func (h *harness) listPunk(t *testing.T, price int64) uint64 {
	t.Helper()
	id, err := h.core.CreateSale(as(seller), seller, punks, 7, dec(price), usdc, hour)
	require.NoError(t, err)
	return id
}

func assertAmount(t *testing.T, expected int64, actual decimal.Decimal, msgAndArgs ...interface{}) {
	t.Helper()
	assert.True(t, dec(expected).Equal(actual), append([]interface{}{"expected %d, got %s", expected, actual}, msgAndArgs...)...)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.Error(t, err)
}

func TestInitializeOnce(t *testing.T) {
	h := newHarness(t)

	cfg, err := h.core.GetAdminConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, admin, cfg.Admin)
	assert.Equal(t, uint64(5000), cfg.MaxRoyaltyPercentage)

	fees, err := h.core.GetFeeConfig(context.Background())
	require.NoError(t, err)
	assert.Equal(t, treasury, fees.FeeRecipient)

	err = h.core.Initialize(as(stranger), stranger, InitOptions{})
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)
}

func TestAdminOperationsFailClosed(t *testing.T) {
	h := newUninitialized(t)
	cfg := model.DefaultFeeConfig(treasury)

	err := h.core.UpdateFeeConfig(as(admin), &cfg, admin)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = h.core.EmergencyWithdraw(as(admin), 1, admin, "test")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestCallerMustMatchActor(t *testing.T) {
	h := newHarness(t)

	_, err := h.core.CreateSale(as(stranger), seller, punks, 7, dec(100_000), usdc, hour)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = h.core.CreateSale(context.Background(), seller, punks, 7, dec(100_000), usdc, hour)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestCreateSaleRecordsPendingListing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.listPunk(t, 100_000)

	sale, err := h.core.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionPending, sale.State)
	assert.Equal(t, genesis, sale.CreatedAt)
	assert.Equal(t, sale.CreatedAt+hour, sale.ExpiresAt)
	assert.Equal(t, custody, sale.EscrowAddress)
	assertAmount(t, 2_500, sale.PlatformFee)
	assertAmount(t, 5_000, sale.Royalty.Amounts[creator])

	assert.Equal(t, custody, h.owner(t, punks, 7), "listed NFT is held in escrow")
	swap, err := h.core.GetSwap(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SwapSellerFunded, swap.State)
	assertAmount(t, 7_500, swap.Retained)

	assert.Contains(t, h.producer.Types(), messaging.MsgSaleCreated)
}

func TestCreateSaleValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ledger.MintNFT(ctx, punks, 8, seller))

	tests := []struct {
		name     string
		tokenID  uint64
		price    int64
		duration uint64
		expected error
	}{
		{"zero duration", 7, 100_000, 0, apperrors.ErrInvalidAmount},
		{"duration above maximum", 7, 100_000, 2592001, apperrors.ErrInvalidAmount},
		{"zero price", 7, 0, hour, apperrors.ErrInvalidAmount},
		{"fee and royalty exceed price", 7, 1_000, hour, apperrors.ErrInvalidAmount},
		{"royalty not configured", 8, 100_000, hour, apperrors.ErrNotFound},
		{"unknown token", 9, 100_000, hour, apperrors.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.core.CreateSale(as(seller), seller, punks, tt.tokenID, dec(tt.price), usdc, tt.duration)
			assert.ErrorIs(t, err, tt.expected)
		})
	}

	_, err := h.core.CreateSale(as(bob), bob, punks, 7, dec(100_000), usdc, hour)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Equal(t, seller, h.owner(t, punks, 7), "failed listings leave the NFT with its owner")
}

func TestExecuteSaleSettlesEveryParty(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.listPunk(t, 100_000)

	result, err := h.core.ExecuteSale(as(buyer), id, buyer, dec(100_000))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.TransferredNFT)
	assert.True(t, result.TransferredPayment)
	assert.True(t, result.DistributedRoyalties)
	assert.True(t, result.CollectedPlatformFee)

	assert.Equal(t, buyer, h.owner(t, punks, 7))
	assertAmount(t, 900_000, h.balance(t, buyer))
	assertAmount(t, 92_500, h.balance(t, seller))
	assertAmount(t, 5_000, h.balance(t, creator))
	assertAmount(t, 2_500, h.balance(t, custody), "only the fee stays in custody")

	fees, err := h.core.GetAccumulatedFees(ctx, usdc)
	require.NoError(t, err)
	assertAmount(t, 2_500, fees)

	sale, err := h.core.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionExecuted, sale.State)
	assert.Equal(t, buyer, sale.Buyer)

	for _, who := range []model.Address{buyer, seller} {
		volume, err := h.core.GetUserVolume(ctx, who)
		require.NoError(t, err)
		assertAmount(t, 100_000, volume)
	}

	paid, err := h.core.VerifyRoyaltyPayment(ctx, id)
	require.NoError(t, err)
	assert.True(t, paid)
	assert.Subset(t, h.producer.Types(), []messaging.MessageType{
		messaging.MsgSaleExecuted, messaging.MsgRoyaltiesDistributed,
	})
}

func TestExecuteSaleValidation(t *testing.T) {
	h := newHarness(t)
	id := h.listPunk(t, 100_000)

	_, err := h.core.ExecuteSale(as(buyer), id, buyer, dec(99_999))
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	_, err = h.core.ExecuteSale(as(seller), id, seller, dec(100_000))
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	_, err = h.core.ExecuteSale(as(buyer), id+100, buyer, dec(100_000))
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	h.clock.Advance(hour)
	_, err = h.core.ExecuteSale(as(buyer), id, buyer, dec(100_000))
	assert.ErrorIs(t, err, apperrors.ErrExpired)

	assertAmount(t, 1_000_000, h.balance(t, buyer), "failed purchases move nothing")
}

func TestExecuteSaleInsufficientFundsRollsBack(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := h.listPunk(t, 100_000)
	require.NoError(t, h.ledger.Credit(ctx, usdc, stranger, dec(50_000), "seed"))

	_, err := h.core.ExecuteSale(as(stranger), id, stranger, dec(100_000))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	sale, err := h.core.GetSale(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.TransactionPending, sale.State)
	assert.True(t, sale.Buyer.IsZero())
	swap, err := h.core.GetSwap(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.SwapSellerFunded, swap.State)

	_, err = h.core.ExecuteSale(as(buyer), id, buyer, dec(100_000))
	require.NoError(t, err, "the listing is still purchasable")
}

func TestReentrantCallbackIsRejected(t *testing.T) {
	h := newHarness(t)
	id := h.listPunk(t, 100_000)

	var reentrant error
	calls := 0
	h.ledger.beforeTransfer = func(ctx context.Context, from, to model.Address) {
		if from == custody && to == seller {
			calls++
			_, reentrant = h.core.ExecuteSale(ctx, id, buyer, dec(100_000))
		}
	}

	_, err := h.core.ExecuteSale(as(buyer), id, buyer, dec(100_000))
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, reentrant, apperrors.ErrReentrant)
	assert.False(t, h.markers.Held(consistency.MarkerKey(buyer, "execute_sale")), "marker is released")
	assertAmount(t, 92_500, h.balance(t, seller), "seller is paid once")
}
