// Package model holds the settlement records shared by the escrow, royalty,
// fee, auction and dispute components. Ledger timestamps are whole seconds;
// zero means "not set".
package model

import (
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// Address identifies an account, contract or issuer on the ledger.
type Address string

func (a Address) IsZero() bool { return a == "" }

func (a Address) String() string { return string(a) }

// Asset identifies a fungible payment token or an NFT contract.
type Asset struct {
	Contract Address `json:"contract"`
	Symbol   string  `json:"symbol"`
}

// NFTSymbol is the symbol used for escrow holdings of non-fungible tokens.
const NFTSymbol = "NFT"

// NFTAsset describes the collection contract of an NFT holding.
func NFTAsset(contract Address) Asset {
	return Asset{Contract: contract, Symbol: NFTSymbol}
}

// NFTItem references a single token of a collection.
type NFTItem struct {
	Contract Address `json:"contract"`
	TokenID  uint64  `json:"token_id"`
}

// Transaction states
type TransactionState string

const (
	TransactionPending   TransactionState = "PENDING"
	TransactionFunded    TransactionState = "FUNDED"
	TransactionExecuted  TransactionState = "EXECUTED"
	TransactionCancelled TransactionState = "CANCELLED"
)

// Transaction kinds, as accepted by cancellation and disputes
type TransactionKind string

const (
	KindSale    TransactionKind = "sale"
	KindTrade   TransactionKind = "trade"
	KindBundle  TransactionKind = "bundle"
	KindAuction TransactionKind = "auction"
)

// Swap states
type SwapState string

const (
	SwapPending      SwapState = "PENDING"
	SwapSellerFunded SwapState = "SELLER_FUNDED"
	SwapBuyerFunded  SwapState = "BUYER_FUNDED"
	SwapReady        SwapState = "READY"
	SwapExecuted     SwapState = "EXECUTED"
	SwapFailed       SwapState = "FAILED"
)

// Terminal reports whether no further transition is possible.
func (s SwapState) Terminal() bool {
	return s == SwapExecuted || s == SwapFailed
}

// LegItem is one asset a swap leg is expected to move.
type LegItem struct {
	Asset   Asset           `json:"asset"`
	Amount  decimal.Decimal `json:"amount"`
	TokenID uint64          `json:"token_id"`
	IsNFT   bool            `json:"is_nft"`
}

// Matches reports whether a deposit of item satisfies this leg item.
func (l LegItem) Matches(item LegItem) bool {
	if l.IsNFT != item.IsNFT || l.Asset.Contract != item.Asset.Contract {
		return false
	}
	if l.IsNFT {
		return l.TokenID == item.TokenID
	}
	return true
}

// NFTLeg builds the leg item for a single NFT.
func NFTLeg(nft Address, tokenID uint64) LegItem {
	return LegItem{Asset: NFTAsset(nft), Amount: decimal.NewFromInt(1), TokenID: tokenID, IsNFT: true}
}

// TokenLeg builds the leg item for a payment amount.
func TokenLeg(asset Asset, amount decimal.Decimal) LegItem {
	return LegItem{Asset: asset, Amount: amount}
}

// EscrowHolding is one asset a party owes into (or has placed in) escrow.
type EscrowHolding struct {
	TransactionID uint64  `json:"transaction_id"`
	Holder        Address `json:"holder"`
	LegItem
	DepositedAt uint64 `json:"deposited_at,omitempty"`
	ReleasedAt  uint64 `json:"released_at,omitempty"`
}

func (h EscrowHolding) Deposited() bool { return h.DepositedAt != 0 }

func (h EscrowHolding) Released() bool { return h.ReleasedAt != 0 }

// AtomicSwap couples the seller and buyer legs of one transaction.
type AtomicSwap struct {
	SwapID        uint64          `json:"swap_id"`
	TransactionID uint64          `json:"transaction_id"`
	SellerEscrow  []EscrowHolding `json:"seller_escrow"`
	BuyerEscrow   []EscrowHolding `json:"buyer_escrow"`
	// Retained is the part of the buyer's payment kept in custody on
	// execution for royalties and platform fees.
	Retained         decimal.Decimal `json:"retained"`
	RetainedReleased decimal.Decimal `json:"retained_released"`
	State            SwapState       `json:"state"`
	CreatedAt        uint64          `json:"created_at"`
	ExecutedAt       uint64          `json:"executed_at,omitempty"`
}

// Seller is the holder of the first seller-side item.
func (s *AtomicSwap) Seller() Address {
	if len(s.SellerEscrow) == 0 {
		return ""
	}
	return s.SellerEscrow[0].Holder
}

// Buyer is the holder of the first buyer-side item.
func (s *AtomicSwap) Buyer() Address {
	if len(s.BuyerEscrow) == 0 {
		return ""
	}
	return s.BuyerEscrow[0].Holder
}

// IsParty reports whether addr holds any item on either leg.
func (s *AtomicSwap) IsParty(addr Address) bool {
	if addr.IsZero() {
		return false
	}
	for _, h := range s.SellerEscrow {
		if h.Holder == addr {
			return true
		}
	}
	for _, h := range s.BuyerEscrow {
		if h.Holder == addr {
			return true
		}
	}
	return false
}

// RoyaltyInfo is the royalty configuration of one token.
type RoyaltyInfo struct {
	NFTContract       Address `json:"nft_contract"`
	TokenID           uint64  `json:"token_id"`
	Creator           Address `json:"creator"`
	RoyaltyPercentage uint64  `json:"royalty_percentage"`
	LastUpdated       uint64  `json:"last_updated"`
}

// RoyaltyDistribution is a computed split of a sale price.
type RoyaltyDistribution struct {
	NFTContract        Address                     `json:"nft_contract,omitempty"`
	TokenID            uint64                      `json:"token_id,omitempty"`
	CreatorAddress     Address                     `json:"creator_address,omitempty"`
	SellerAddress      Address                     `json:"seller_address,omitempty"`
	PlatformAddress    Address                     `json:"platform_address,omitempty"`
	CreatorPercentage  uint64                      `json:"creator_percentage"`
	SellerPercentage   uint64                      `json:"seller_percentage"`
	PlatformPercentage uint64                      `json:"platform_percentage"`
	TotalAmount        decimal.Decimal             `json:"total_amount"`
	Amounts            map[Address]decimal.Decimal `json:"amounts"`
}

// CreatorTotal adds every amount not owed to the seller or the platform.
func (d *RoyaltyDistribution) CreatorTotal() decimal.Decimal {
	total := decimal.Zero
	for recipient, amount := range d.Amounts {
		if recipient == d.SellerAddress || recipient == d.PlatformAddress {
			continue
		}
		total = total.Add(amount)
	}
	return total
}

// Sum adds every recipient amount.
func (d *RoyaltyDistribution) Sum() decimal.Decimal {
	total := decimal.Zero
	for _, amount := range d.Amounts {
		total = total.Add(amount)
	}
	return total
}

// DistributionLeg is the outcome of paying one recipient.
type DistributionLeg struct {
	Recipient Address         `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
}

// DistributionResult reports a royalty distribution leg by leg.
type DistributionResult struct {
	TransactionID       uint64            `json:"transaction_id"`
	TotalAmount         decimal.Decimal   `json:"total_amount"`
	CreatorAmount       decimal.Decimal   `json:"creator_amount"`
	SellerAmount        decimal.Decimal   `json:"seller_amount"`
	PlatformAmount      decimal.Decimal   `json:"platform_amount"`
	TotalDistributed    decimal.Decimal   `json:"total_distributed"`
	DistributionSuccess bool              `json:"distribution_success"`
	Legs                []DistributionLeg `json:"legs"`
	Timestamp           uint64            `json:"timestamp"`
}

// ExecutionResult is returned by every operation that settles a swap.
type ExecutionResult struct {
	TransactionID        uint64              `json:"transaction_id"`
	Success              bool                `json:"success"`
	TransferredNFT       bool                `json:"transferred_nft"`
	TransferredPayment   bool                `json:"transferred_payment"`
	DistributedRoyalties bool                `json:"distributed_royalties"`
	CollectedPlatformFee bool                `json:"collected_platform_fee"`
	Distribution         *DistributionResult `json:"distribution,omitempty"`
	Timestamp            uint64              `json:"timestamp"`
}

// SaleTransaction is a fixed-price listing.
type SaleTransaction struct {
	ID            uint64               `json:"id"`
	Seller        Address              `json:"seller"`
	Buyer         Address              `json:"buyer,omitempty"`
	NFTContract   Address              `json:"nft_contract"`
	TokenID       uint64               `json:"token_id"`
	Price         decimal.Decimal      `json:"price"`
	Currency      Asset                `json:"currency"`
	State         TransactionState     `json:"state"`
	CreatedAt     uint64               `json:"created_at"`
	ExpiresAt     uint64               `json:"expires_at"`
	EscrowAddress Address              `json:"escrow_address"`
	Royalty       *RoyaltyDistribution `json:"royalty"`
	PlatformFee   decimal.Decimal      `json:"platform_fee"`
}

// TradeTransaction exchanges NFTs between two parties.
type TradeTransaction struct {
	ID               uint64           `json:"id"`
	Initiator        Address          `json:"initiator"`
	Counterparty     Address          `json:"counterparty,omitempty"`
	InitiatorNFTs    []NFTItem        `json:"initiator_nfts"`
	CounterpartyNFTs []NFTItem        `json:"counterparty_nfts"`
	State            TransactionState `json:"state"`
	CreatedAt        uint64           `json:"created_at"`
	ExpiresAt        uint64           `json:"expires_at"`
	PlatformFee      decimal.Decimal  `json:"platform_fee"`
}

// BundleTransaction sells several NFTs for one price.
type BundleTransaction struct {
	ID          uint64               `json:"id"`
	Seller      Address              `json:"seller"`
	Buyer       Address              `json:"buyer,omitempty"`
	Items       []NFTItem            `json:"items"`
	TotalPrice  decimal.Decimal      `json:"total_price"`
	Currency    Asset                `json:"currency"`
	State       TransactionState     `json:"state"`
	CreatedAt   uint64               `json:"created_at"`
	ExpiresAt   uint64               `json:"expires_at"`
	Royalty     *RoyaltyDistribution `json:"royalty"`
	PlatformFee decimal.Decimal      `json:"platform_fee"`
}

// Auction types
type AuctionType string

const (
	AuctionEnglish   AuctionType = "english"
	AuctionDutch     AuctionType = "dutch"
	AuctionSealedBid AuctionType = "sealed_bid"
)

// Bid is a locked, open bid.
type Bid struct {
	Bidder    Address         `json:"bidder"`
	Amount    decimal.Decimal `json:"amount"`
	Timestamp uint64          `json:"timestamp"`
	Refunded  bool            `json:"refunded"`
}

// BidCommitment is a sealed bid with its collateral deposit.
type BidCommitment struct {
	Bidder         Address         `json:"bidder"`
	CommitmentHash hexutil.Bytes   `json:"commitment_hash"`
	Deposit        decimal.Decimal `json:"deposit"`
	Timestamp      uint64          `json:"timestamp"`
	Revealed       bool            `json:"revealed"`
	RevealedAmount decimal.Decimal `json:"revealed_amount"`
	Refunded       bool            `json:"refunded"`
}

// AuctionTransaction is an English, Dutch or sealed-bid auction.
type AuctionTransaction struct {
	ID             uint64           `json:"id"`
	Type           AuctionType      `json:"type"`
	Seller         Address          `json:"seller"`
	NFTContract    Address          `json:"nft_contract"`
	TokenID        uint64           `json:"token_id"`
	StartingPrice  decimal.Decimal  `json:"starting_price"`
	ReservePrice   decimal.Decimal  `json:"reserve_price"`
	BidIncrement   decimal.Decimal  `json:"bid_increment"`
	Currency       Asset            `json:"currency"`
	State          TransactionState `json:"state"`
	CreatedAt      uint64           `json:"created_at"`
	StartTime      uint64           `json:"start_time"`
	EndTime        uint64           `json:"end_time"`
	RevealDeadline uint64           `json:"reveal_deadline,omitempty"`
	HighestBid     decimal.Decimal  `json:"highest_bid"`
	HighestBidder  Address          `json:"highest_bidder,omitempty"`
	Bids           []Bid            `json:"bids,omitempty"`
	Commitments    []BidCommitment  `json:"commitments,omitempty"`
	Winner         Address          `json:"winner,omitempty"`
	FinalPrice     decimal.Decimal  `json:"final_price"`
	// Royalty is the split the auction settled under.
	Royalty     *RoyaltyDistribution `json:"royalty,omitempty"`
	PlatformFee decimal.Decimal      `json:"platform_fee"`
}

// Duration returns the bidding window length in seconds.
func (a *AuctionTransaction) Duration() uint64 {
	return a.EndTime - a.StartTime
}

// AdminConfig holds the admin identity and global bounds.
type AdminConfig struct {
	Admin                      Address `json:"admin"`
	EmergencyWithdrawalEnabled bool    `json:"emergency_withdrawal_enabled"`
	MaxTransactionDuration     uint64  `json:"max_transaction_duration"`
	MaxAuctionDuration         uint64  `json:"max_auction_duration"`
	MinBidIncrementBps         uint64  `json:"min_bid_increment_bps"`
	MaxRoyaltyPercentage       uint64  `json:"max_royalty_percentage"`
	DisputeCoolingPeriod       uint64  `json:"dispute_cooling_period"`
	ArbitrationQuorum          uint64  `json:"arbitration_quorum"`
}

// DefaultAdminConfig returns the configuration written by initialization.
func DefaultAdminConfig(admin Address) AdminConfig {
	return AdminConfig{
		Admin:                      admin,
		EmergencyWithdrawalEnabled: true,
		MaxTransactionDuration:     2592000,
		MaxAuctionDuration:         604800,
		MinBidIncrementBps:         100,
		MaxRoyaltyPercentage:       5000,
		DisputeCoolingPeriod:       86400,
		ArbitrationQuorum:          3,
	}
}

// VolumeTier discounts the platform fee once a user's volume reaches MinVolume.
type VolumeTier struct {
	MinVolume      decimal.Decimal `json:"min_volume"`
	FeeDiscountBps uint64          `json:"fee_discount_bps"`
}

// FeeConfig holds platform fee parameters.
type FeeConfig struct {
	PlatformFeeBps    uint64          `json:"platform_fee_bps"`
	MinimumFee        decimal.Decimal `json:"minimum_fee"`
	MaximumFee        decimal.Decimal `json:"maximum_fee"`
	FeeRecipient      Address         `json:"fee_recipient"`
	DynamicFeeEnabled bool            `json:"dynamic_fee_enabled"`
	VolumeDiscounts   []VolumeTier    `json:"volume_discounts"`
	VIPExemptions     []Address       `json:"vip_exemptions"`
}

// DefaultFeeConfig returns the fee configuration written by initialization.
func DefaultFeeConfig(recipient Address) FeeConfig {
	return FeeConfig{
		PlatformFeeBps:    250,
		MinimumFee:        decimal.NewFromInt(1000),
		MaximumFee:        decimal.NewFromInt(1000000),
		FeeRecipient:      recipient,
		DynamicFeeEnabled: true,
		VolumeDiscounts: []VolumeTier{
			{MinVolume: decimal.NewFromInt(1000000), FeeDiscountBps: 50},
			{MinVolume: decimal.NewFromInt(10000000), FeeDiscountBps: 100},
		},
		VIPExemptions: []Address{},
	}
}

// IsVIP reports whether addr is exempt from platform fees.
func (c *FeeConfig) IsVIP(addr Address) bool {
	for _, vip := range c.VIPExemptions {
		if vip == addr {
			return true
		}
	}
	return false
}
