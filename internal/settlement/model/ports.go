package model

import (
	"context"

	"github.com/shopspring/decimal"
)

// AssetTransfer moves assets on the underlying ledger. Each call is
// all-or-nothing.
type AssetTransfer interface {
	TransferNFT(ctx context.Context, nft Address, from, to Address, tokenID uint64) error
	TransferTokens(ctx context.Context, asset Asset, from, to Address, amount decimal.Decimal) error
}

// OwnershipChecker verifies NFT ownership before anything is escrowed.
type OwnershipChecker interface {
	CheckNFTOwnership(ctx context.Context, nft Address, tokenID uint64, owner Address) error
}

// Ledger is the full asset capability the engine needs.
type Ledger interface {
	AssetTransfer
	OwnershipChecker
}

// Clock returns the current ledger time in seconds.
type Clock interface {
	Now(ctx context.Context) (uint64, error)
}

// Authorizer confirms that the current caller speaks for addr.
type Authorizer interface {
	RequireAuth(ctx context.Context, addr Address) error
}
