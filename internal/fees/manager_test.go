package fees

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/bookkeeper"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/transaction"
	"github.com/Aidin1998/nftsettle/testutil"
)

const (
	custody  model.Address = "escrow"
	treasury model.Address = "treasury"
	admin    model.Address = "admin"
	alice    model.Address = "alice"
)

var usdc = model.Asset{Contract: "USDC-ISSUER", Symbol: "USDC"}

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func newManager(t *testing.T, configured bool) (*Manager, *bookkeeper.Service, *messaging.MemoryProducer) {
	t.Helper()
	store := testutil.OpenStore(t)
	producer := messaging.NewMemoryProducer()
	bus := messaging.NewBus(producer, zap.NewNop(), "test")
	ledger, err := bookkeeper.NewService(zap.NewNop(), testutil.OpenLedgerDB(t), bus)
	require.NoError(t, err)
	m := NewManager(zap.NewNop(), store, transaction.NewUnitOfWork(zap.NewNop(), store, ledger), ledger, bus, custody)
	if configured {
		cfg := model.DefaultFeeConfig(treasury)
		require.NoError(t, m.UpdateFeeConfig(context.Background(), &cfg, admin))
	}
	return m, ledger, producer
}

func TestCalculateFee(t *testing.T) {
	m, _, _ := newManager(t, true)
	ctx := context.Background()

	tests := []struct {
		name  string
		price int64
		fee   int64
	}{
		{"base rate", 100_000, 2_500},
		{"minimum fee", 10_000, 1_000},
		{"maximum fee", 100_000_000, 1_000_000},
		{"capped at price", 500, 500},
		{"free listing", 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fee, err := m.CalculateFee(ctx, dec(tt.price), alice)
			require.NoError(t, err)
			assert.True(t, dec(tt.fee).Equal(fee), fee.String())
		})
	}

	_, err := m.CalculateFee(ctx, dec(-1), alice)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
}

func TestVolumeDiscounts(t *testing.T) {
	m, _, _ := newManager(t, true)
	ctx := context.Background()

	require.NoError(t, m.RecordVolume(ctx, alice, dec(1_000_000)))
	calc, err := m.Explain(ctx, dec(100_000), alice)
	require.NoError(t, err)
	assert.Equal(t, uint64(50), calc.DiscountBps)
	assert.True(t, dec(2_000).Equal(calc.Fee))

	require.NoError(t, m.RecordVolume(ctx, alice, dec(9_000_000)))
	volume, err := m.GetUserVolume(ctx, alice)
	require.NoError(t, err)
	assert.True(t, dec(10_000_000).Equal(volume))

	fee, err := m.CalculateFee(ctx, dec(100_000), alice)
	require.NoError(t, err)
	assert.True(t, dec(1_500).Equal(fee))

	cfg, err := m.GetFeeConfig(ctx)
	require.NoError(t, err)
	cfg.DynamicFeeEnabled = false
	require.NoError(t, m.UpdateFeeConfig(ctx, cfg, admin))
	fee, err = m.CalculateFee(ctx, dec(100_000), alice)
	require.NoError(t, err)
	assert.True(t, dec(2_500).Equal(fee))
}

func TestVIPExemption(t *testing.T) {
	m, _, _ := newManager(t, true)
	ctx := context.Background()
	cfg, err := m.GetFeeConfig(ctx)
	require.NoError(t, err)
	cfg.VIPExemptions = []model.Address{alice}
	require.NoError(t, m.UpdateFeeConfig(ctx, cfg, admin))

	calc, err := m.Explain(ctx, dec(100_000), alice)
	require.NoError(t, err)
	assert.True(t, calc.Exempt)
	assert.True(t, calc.Fee.IsZero())
}

func TestFeeConfigValidation(t *testing.T) {
	m, _, _ := newManager(t, false)
	ctx := context.Background()

	_, err := m.CalculateFee(ctx, dec(100), alice)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	bad := []func(c *model.FeeConfig){
		func(c *model.FeeConfig) { c.PlatformFeeBps = 10_001 },
		func(c *model.FeeConfig) { c.FeeRecipient = "" },
		func(c *model.FeeConfig) { c.MinimumFee = dec(2_000_000) },
		func(c *model.FeeConfig) { c.VolumeDiscounts[0].FeeDiscountBps = 20_000 },
	}
	for i, mutate := range bad {
		cfg := model.DefaultFeeConfig(treasury)
		mutate(&cfg)
		assert.ErrorIs(t, m.UpdateFeeConfig(ctx, &cfg, admin), apperrors.ErrInvalidAmount, "case %d", i)
	}

	cfg := model.DefaultFeeConfig(treasury)
	cfg.MaximumFee = decimal.Zero
	require.NoError(t, m.UpdateFeeConfig(ctx, &cfg, admin), "a zero maximum means uncapped")
	fee, err := m.CalculateFee(ctx, dec(100_000_000), alice)
	require.NoError(t, err)
	assert.True(t, dec(2_500_000).Equal(fee))
}

func TestCollectAndWithdraw(t *testing.T) {
	m, ledger, producer := newManager(t, true)
	ctx := context.Background()
	require.NoError(t, ledger.Credit(ctx, usdc, custody, dec(3_000), "sale proceeds"))

	require.NoError(t, m.CollectPlatformFee(ctx, dec(1_000), usdc, alice))
	require.NoError(t, m.CollectPlatformFee(ctx, dec(2_000), usdc, alice))
	acc, err := m.GetAccumulatedFees(ctx, usdc)
	require.NoError(t, err)
	assert.True(t, dec(3_000).Equal(acc))

	_, err = m.WithdrawPlatformFees(ctx, usdc, custody, admin)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)

	amount, err := m.WithdrawPlatformFees(ctx, usdc, "", admin)
	require.NoError(t, err)
	assert.True(t, dec(3_000).Equal(amount))

	balance, err := ledger.BalanceOf(ctx, usdc, treasury)
	require.NoError(t, err)
	assert.True(t, dec(3_000).Equal(balance))
	acc, err = m.GetAccumulatedFees(ctx, usdc)
	require.NoError(t, err)
	assert.True(t, acc.IsZero())
	assert.Contains(t, producer.Types(), messaging.MsgFeesWithdrawn)

	_, err = m.WithdrawPlatformFees(ctx, usdc, treasury, admin)
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
}

func TestChargePlatformFee(t *testing.T) {
	m, ledger, _ := newManager(t, true)
	ctx := context.Background()
	require.NoError(t, ledger.Credit(ctx, usdc, alice, dec(500), "deposit"))

	require.NoError(t, m.ChargePlatformFee(ctx, dec(200), usdc, alice))
	err := m.ChargePlatformFee(ctx, dec(400), usdc, alice)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientFunds)

	balance, err := ledger.BalanceOf(ctx, usdc, alice)
	require.NoError(t, err)
	assert.True(t, dec(300).Equal(balance))
	acc, err := m.GetAccumulatedFees(ctx, usdc)
	require.NoError(t, err)
	assert.True(t, dec(200).Equal(acc), "failed charge must not be booked")
}
