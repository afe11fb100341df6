package messaging

import (
	"time"

	"github.com/shopspring/decimal"
)

// MessageType defines the type of event being sent
type MessageType string

const (
	// Collection events
	MsgCollectionMint     MessageType = "collection.mint"
	MsgCollectionTransfer MessageType = "collection.transfer"
	MsgCollectionBurn     MessageType = "collection.burn"

	// Sale events
	MsgSaleCreated  MessageType = "sale.created"
	MsgSaleExecuted MessageType = "sale.executed"

	// Auction events
	MsgAuctionCreated MessageType = "auction.created"
	MsgBidPlaced      MessageType = "auction.bid_placed"
	MsgBidRevealed    MessageType = "auction.bid_revealed"
	MsgAuctionEnded   MessageType = "auction.ended"

	// Trade and bundle events
	MsgTradeCreated    MessageType = "trade.created"
	MsgTradeAccepted   MessageType = "trade.accepted"
	MsgTradeExecuted   MessageType = "trade.executed"
	MsgBundleCreated   MessageType = "bundle.created"
	MsgBundleExecuted  MessageType = "bundle.executed"
	MsgTransactionVoid MessageType = "transaction.cancelled"

	// Settlement events
	MsgRoyaltiesDistributed MessageType = "royalty.distributed"
	MsgEmergencyWithdrawal  MessageType = "escrow.emergency_withdrawal"
	MsgFeesWithdrawn        MessageType = "fees.withdrawn"

	// Dispute events
	MsgDisputeOpened   MessageType = "dispute.opened"
	MsgDisputeVoted    MessageType = "dispute.voted"
	MsgDisputeResolved MessageType = "dispute.resolved"
)

// Topic defines Kafka topics for different message types
type Topic string

const (
	TopicCollectionEvents Topic = "collection-events"
	TopicSettlementEvents Topic = "settlement-events"
	TopicAuctionEvents    Topic = "auction-events"
	TopicRoyaltyEvents    Topic = "royalty-events"
	TopicAdminEvents      Topic = "admin-events"
	TopicDisputeEvents    Topic = "dispute-events"
)

// GetTopic returns the appropriate topic for a message type
func GetTopic(msgType MessageType) Topic {
	switch msgType {
	case MsgCollectionMint, MsgCollectionTransfer, MsgCollectionBurn:
		return TopicCollectionEvents
	case MsgAuctionCreated, MsgBidPlaced, MsgBidRevealed, MsgAuctionEnded:
		return TopicAuctionEvents
	case MsgRoyaltiesDistributed:
		return TopicRoyaltyEvents
	case MsgEmergencyWithdrawal, MsgFeesWithdrawn:
		return TopicAdminEvents
	case MsgDisputeOpened, MsgDisputeVoted, MsgDisputeResolved:
		return TopicDisputeEvents
	default:
		return TopicSettlementEvents
	}
}

// BaseMessage contains common fields for all messages
type BaseMessage struct {
	MessageID string      `json:"message_id"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Version   string      `json:"version"`
	Source    string      `json:"source"`
}

// Event is the envelope published for every settlement event.
type Event struct {
	BaseMessage
	TransactionID uint64      `json:"transaction_id,omitempty"`
	Payload       interface{} `json:"payload,omitempty"`
}

// CollectionEvent mirrors the collection contract's Mint/Transfer/Burn records.
type CollectionEvent struct {
	Contract string `json:"contract"`
	TokenID  uint64 `json:"token_id"`
	From     string `json:"from,omitempty"`
	To       string `json:"to,omitempty"`
}

// RoyaltiesDistributedEvent reports a finished royalty distribution.
type RoyaltiesDistributedEvent struct {
	NFTContract      string          `json:"nft_contract"`
	TokenID          uint64          `json:"token_id"`
	TotalDistributed decimal.Decimal `json:"total_distributed"`
	Success          bool            `json:"success"`
	Recipients       int             `json:"recipients"`
}

// EmergencyWithdrawalEvent reports an admin refund of escrowed assets.
type EmergencyWithdrawalEvent struct {
	Admin    string `json:"admin"`
	Reason   string `json:"reason"`
	Refunded int    `json:"refunded"`
}

// StateChangeEvent is the generic payload for transaction lifecycle events.
type StateChangeEvent struct {
	Kind   string `json:"kind"`
	Actor  string `json:"actor"`
	State  string `json:"state"`
	Detail string `json:"detail,omitempty"`
}

// FeesWithdrawnEvent reports a platform fee withdrawal.
type FeesWithdrawnEvent struct {
	Asset     string          `json:"asset"`
	Amount    decimal.Decimal `json:"amount"`
	Recipient string          `json:"recipient"`
	Admin     string          `json:"admin"`
}
