package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/nftsettle/internal/transaction"
)

type noopResource struct{}

func (noopResource) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func TestEmitOutsideUnitPublishesImmediately(t *testing.T) {
	producer := NewMemoryProducer()
	bus := NewBus(producer, zap.NewNop(), "test")

	bus.Emit(context.Background(), MsgSaleCreated, 7, StateChangeEvent{Kind: "sale"})

	msgs := producer.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, TopicSettlementEvents, msgs[0].Topic)
	assert.Equal(t, "7", msgs[0].Key)
	assert.Equal(t, MsgSaleCreated, msgs[0].Event.Type)
	assert.NotEmpty(t, msgs[0].Event.MessageID)
}

func TestEmitWaitsForCommit(t *testing.T) {
	producer := NewMemoryProducer()
	bus := NewBus(producer, zap.NewNop(), "test")
	uow := transaction.NewUnitOfWork(zap.NewNop(), noopResource{})

	err := uow.Run(context.Background(), "op", func(ctx context.Context) error {
		bus.Emit(ctx, MsgRoyaltiesDistributed, 1, nil)
		assert.Empty(t, producer.Messages())
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []MessageType{MsgRoyaltiesDistributed}, producer.Types())

	_ = uow.Run(context.Background(), "op", func(ctx context.Context) error {
		bus.Emit(ctx, MsgSaleExecuted, 2, nil)
		return errors.New("rolled back")
	})
	assert.Len(t, producer.Messages(), 1)
}

func TestGetTopic(t *testing.T) {
	assert.Equal(t, TopicCollectionEvents, GetTopic(MsgCollectionMint))
	assert.Equal(t, TopicAuctionEvents, GetTopic(MsgBidPlaced))
	assert.Equal(t, TopicAdminEvents, GetTopic(MsgEmergencyWithdrawal))
	assert.Equal(t, TopicDisputeEvents, GetTopic(MsgDisputeResolved))
	assert.Equal(t, TopicSettlementEvents, GetTopic(MsgTradeExecuted))
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.Emit(context.Background(), MsgSaleCreated, 1, nil)
}

type failingProducer struct{ closed bool }

func (p *failingProducer) Publish(context.Context, Topic, string, interface{}) error {
	return errors.New("broker down")
}

func (p *failingProducer) Close() error {
	p.closed = true
	return nil
}

func TestFanoutReachesEveryProducer(t *testing.T) {
	memory := NewMemoryProducer()
	failing := &failingProducer{}
	bus := NewBus(Fanout{failing, memory}, zap.NewNop(), "test")

	bus.Emit(context.Background(), MsgFeesWithdrawn, 3, nil)
	assert.Equal(t, []MessageType{MsgFeesWithdrawn}, memory.Types())

	require.NoError(t, bus.Close())
	assert.True(t, failing.closed)

	err := Fanout{failing, memory}.Publish(context.Background(), TopicAdminEvents, "1", nil)
	assert.ErrorContains(t, err, "broker down")
}
