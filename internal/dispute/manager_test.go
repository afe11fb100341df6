package dispute

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/clock"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/transaction"
	"github.com/Aidin1998/nftsettle/testutil"
)

const cooling uint64 = 86400

var arbitrators = []model.Address{"arb1", "arb2", "arb3", "arb4"}

func newManager(t *testing.T) (*Manager, *clock.Manual, *messaging.MemoryProducer) {
	t.Helper()
	store := testutil.OpenStore(t)
	producer := messaging.NewMemoryProducer()
	clk := clock.NewManual(10_000)
	m := NewManager(zap.NewNop(), store, transaction.NewUnitOfWork(zap.NewNop(), store), clk,
		messaging.NewBus(producer, zap.NewNop(), "test"))
	cfg := DefaultConfig(cooling, 3)
	cfg.Arbitrators = arbitrators
	require.NoError(t, m.UpdateConfig(context.Background(), &cfg))
	return m, clk, producer
}

func TestOpenSanitizesAndLimits(t *testing.T) {
	m, _, producer := newManager(t)
	ctx := context.Background()

	d, err := m.Open(ctx, 5, model.KindSale, "buyer", "  <script>alert(1)</script>Item <b>never</b> arrived ", "ipfs://proof")
	require.NoError(t, err)
	assert.Equal(t, "Item never arrived", d.Reason)
	assert.Equal(t, StatusOpen, d.Status)
	assert.Equal(t, uint64(10_000+cooling), d.VotingOpensAt)
	assert.Contains(t, producer.Types(), messaging.MsgDisputeOpened)

	_, err = m.Open(ctx, 5, model.KindSale, "seller", "counter claim", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "one open dispute per transaction")

	_, err = m.Open(ctx, 6, model.KindSale, "buyer", "<img src=x>", "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount, "reason is empty once markup is stripped")

	_, err = m.Open(ctx, 6, model.KindSale, "buyer", strings.Repeat("x", 1001), "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidAmount)
}

func TestVotingRules(t *testing.T) {
	m, clk, _ := newManager(t)
	ctx := context.Background()
	d, err := m.Open(ctx, 5, model.KindSale, "buyer", "not delivered", "")
	require.NoError(t, err)

	assert.ErrorIs(t, m.Vote(ctx, d.ID, "arb1", VoteUphold), apperrors.ErrInvalidState, "cooling period")
	clk.Advance(cooling)

	assert.ErrorIs(t, m.Vote(ctx, d.ID, "mallory", VoteUphold), apperrors.ErrUnauthorized)
	assert.ErrorIs(t, m.Vote(ctx, d.ID, "arb1", 2), apperrors.ErrInvalidAmount)
	require.NoError(t, m.Vote(ctx, d.ID, "arb1", VoteUphold))
	assert.ErrorIs(t, m.Vote(ctx, d.ID, "arb1", VoteReject), apperrors.ErrInvalidState)
	assert.ErrorIs(t, m.Vote(ctx, 99, "arb2", VoteReject), apperrors.ErrNotFound)

	stored, err := m.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	uphold, reject := stored.Tally()
	assert.Equal(t, uint64(1), uphold)
	assert.Zero(t, reject)
}

func TestResolveUpheldRunsRemedy(t *testing.T) {
	m, clk, _ := newManager(t)
	ctx := context.Background()
	d, err := m.Open(ctx, 5, model.KindSale, "buyer", "not delivered", "")
	require.NoError(t, err)
	clk.Advance(cooling)

	remedied := 0
	remedy := func(ctx context.Context, d *Dispute) (bool, error) {
		remedied++
		return true, nil
	}

	require.NoError(t, m.Vote(ctx, d.ID, "arb1", VoteUphold))
	require.NoError(t, m.Vote(ctx, d.ID, "arb2", VoteUphold))
	_, err = m.Resolve(ctx, d.ID, "arb1", remedy)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState, "quorum not reached")

	require.NoError(t, m.Vote(ctx, d.ID, "arb3", VoteReject))
	_, err = m.Resolve(ctx, d.ID, "buyer", remedy)
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)

	resolved, err := m.Resolve(ctx, d.ID, "arb4", remedy)
	require.NoError(t, err)
	assert.Equal(t, StatusUpheld, resolved.Status)
	assert.True(t, resolved.Remedied)
	assert.Equal(t, 1, remedied)

	_, err = m.Resolve(ctx, d.ID, "arb1", remedy)
	assert.ErrorIs(t, err, apperrors.ErrInvalidState)

	// resolution frees the transaction for a new dispute
	_, err = m.Open(ctx, 5, model.KindSale, "seller", "appeal", "")
	require.NoError(t, err)
}

func TestResolveTieRejects(t *testing.T) {
	m, clk, _ := newManager(t)
	ctx := context.Background()
	cfg, err := m.GetConfig(ctx)
	require.NoError(t, err)
	cfg.Quorum = 2
	require.NoError(t, m.UpdateConfig(ctx, cfg))

	d, err := m.Open(ctx, 5, model.KindTrade, "alice", "wrong token", "")
	require.NoError(t, err)
	clk.Advance(cooling)
	require.NoError(t, m.Vote(ctx, d.ID, "arb1", VoteUphold))
	require.NoError(t, m.Vote(ctx, d.ID, "arb2", VoteReject))

	resolved, err := m.Resolve(ctx, d.ID, "arb3", func(context.Context, *Dispute) (bool, error) {
		t.Fatal("remedy must not run for a rejected dispute")
		return false, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, resolved.Status)
	assert.False(t, resolved.Remedied)
}

func TestFailedRemedyKeepsDisputeOpen(t *testing.T) {
	m, clk, _ := newManager(t)
	ctx := context.Background()
	d, err := m.Open(ctx, 5, model.KindSale, "buyer", "not delivered", "")
	require.NoError(t, err)
	clk.Advance(cooling)
	for _, a := range arbitrators[:3] {
		require.NoError(t, m.Vote(ctx, d.ID, a, VoteUphold))
	}

	_, err = m.Resolve(ctx, d.ID, "arb1", func(context.Context, *Dispute) (bool, error) {
		return false, fmt.Errorf("ledger offline")
	})
	require.Error(t, err)

	stored, err := m.GetDispute(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, stored.Status)
}

func TestConfigValidation(t *testing.T) {
	m, _, _ := newManager(t)
	cfg := DefaultConfig(cooling, 0)
	assert.ErrorIs(t, m.UpdateConfig(context.Background(), &cfg), apperrors.ErrInvalidAmount)

	cfg = DefaultConfig(cooling, 1)
	cfg.Arbitrators = []model.Address{"arb1", "arb1"}
	assert.ErrorIs(t, m.UpdateConfig(context.Background(), &cfg), apperrors.ErrInvalidAmount)
}
