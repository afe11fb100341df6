package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger entry kinds
const (
	EntryTokenTransfer = "token_transfer"
	EntryNFTTransfer   = "nft_transfer"
	EntryCredit        = "credit"
	EntryMint          = "mint"
	EntryBurn          = "burn"
)

// TokenAccount is a holder's balance of one fungible payment asset
type TokenAccount struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Holder        string          `json:"holder" gorm:"uniqueIndex:idx_holder_asset;not null"`
	AssetContract string          `json:"asset_contract" gorm:"uniqueIndex:idx_holder_asset;not null"`
	AssetSymbol   string          `json:"asset_symbol"`
	Balance       decimal.Decimal `json:"balance" gorm:"type:text;not null"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Collectible records the current owner of one non-fungible token
type Collectible struct {
	ID        uuid.UUID `json:"id" gorm:"primaryKey;type:uuid"`
	Contract  string    `json:"contract" gorm:"uniqueIndex:idx_contract_token;not null"`
	TokenID   uint64    `json:"token_id" gorm:"uniqueIndex:idx_contract_token;not null"`
	Owner     string    `json:"owner" gorm:"index;not null"`
	Burned    bool      `json:"burned"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// LedgerEntry is an append-only journal line for every asset movement
type LedgerEntry struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Kind          string          `json:"kind" gorm:"index"`
	AssetContract string          `json:"asset_contract" gorm:"index"`
	FromAddress   string          `json:"from" gorm:"index"`
	ToAddress     string          `json:"to" gorm:"index"`
	Amount        decimal.Decimal `json:"amount" gorm:"type:text"`
	TokenID       uint64          `json:"token_id"`
	Reference     string          `json:"reference"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AllModels lists every table the asset ledger migrates.
func AllModels() []interface{} {
	return []interface{}{&TokenAccount{}, &Collectible{}, &LedgerEntry{}}
}
