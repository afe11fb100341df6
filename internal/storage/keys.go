package storage

import "fmt"

// Record key layout. Numeric ids are zero padded so iteration follows id order.
const (
	PrefixSwap           = "SWAP:TX:"
	PrefixSale           = "SALE:"
	PrefixTrade          = "TRADE:"
	PrefixBundle         = "BUNDLE:"
	PrefixAuction        = "AUCTION:"
	PrefixDispute        = "DISPUTE:"
	PrefixOpenDispute    = "DISPUTE_OPEN:TX:"
	PrefixRoyalty        = "ROYALTY:INFO:"
	PrefixRoyaltyHistory = "ROYALTY:HISTORY:"
	PrefixRoyaltyReceipt = "ROYALTY:RECEIPT:"
	PrefixFees           = "FEES:ACCUMULATED:"
	PrefixVolume         = "FEES:VOLUME:"

	KeyAdminConfig   = "CONFIG:ADMIN"
	KeyFeeConfig     = "CONFIG:FEE"
	KeyAuctionConfig = "CONFIG:AUCTION"
	KeyDisputeConfig = "CONFIG:DISPUTE"

	CounterTransaction = "TRANSACTION"
	CounterSwap        = "SWAP"
	CounterDispute     = "DISPUTE"
	CounterRoyaltyRev  = "ROYALTY_REVISION"
)

func ID(prefix string, id uint64) string {
	return fmt.Sprintf("%s%020d", prefix, id)
}

func TokenKey(prefix, contract string, tokenID uint64) string {
	return fmt.Sprintf("%s%s:%020d", prefix, contract, tokenID)
}

func AddressKey(prefix, addr string) string {
	return prefix + addr
}
