package auction

import (
	"github.com/shopspring/decimal"
	"github.com/tidwall/btree"

	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

type rankedBid struct {
	bid   model.BidCommitment
	order int
}

// bidBook ranks revealed sealed bids: highest amount first, then earliest
// commitment.
type bidBook struct {
	tree *btree.BTreeG[rankedBid]
}

func newBidBook() *bidBook {
	return &bidBook{tree: btree.NewBTreeG(func(a, b rankedBid) bool {
		if cmp := a.bid.RevealedAmount.Cmp(b.bid.RevealedAmount); cmp != 0 {
			return cmp > 0
		}
		return a.order < b.order
	})}
}

// rankSealedBids builds the book from the revealed commitments at or above
// both the starting price and the reserve.
func rankSealedBids(a *model.AuctionTransaction) *bidBook {
	floor := decimal.Max(a.StartingPrice, a.ReservePrice)
	book := newBidBook()
	for i, c := range a.Commitments {
		if !c.Revealed || c.RevealedAmount.LessThan(floor) {
			continue
		}
		book.tree.Set(rankedBid{bid: c, order: i})
	}
	return book
}

func (b *bidBook) best() (model.BidCommitment, bool) {
	top, ok := b.tree.Min()
	return top.bid, ok
}

// Standings returns the qualifying revealed bids of a sealed auction in
// winning order.
func Standings(a *model.AuctionTransaction) []model.BidCommitment {
	book := rankSealedBids(a)
	out := make([]model.BidCommitment, 0, book.tree.Len())
	book.tree.Scan(func(r rankedBid) bool {
		out = append(out, r.bid)
		return true
	})
	return out
}
