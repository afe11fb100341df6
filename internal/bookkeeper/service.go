// Package bookkeeper is the asset ledger behind the settlement engine: token
// balances, NFT ownership and an append-only journal of every movement.
package bookkeeper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement/mathutil"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/pkg/models"
)

type txKey struct{}

// Service implements model.Ledger on top of gorm.
type Service struct {
	logger *zap.Logger
	db     *gorm.DB
	events *messaging.Bus
}

var _ model.Ledger = (*Service)(nil)

// NewService migrates the ledger tables and returns the service.
func NewService(logger *zap.Logger, db *gorm.DB, events *messaging.Bus) (*Service, error) {
	if err := db.AutoMigrate(models.AllModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate ledger: %w", err)
	}
	return &Service{logger: logger, db: db, events: events}, nil
}

func (s *Service) conn(ctx context.Context) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx
	}
	return s.db.WithContext(ctx)
}

// Atomic runs fn in a database transaction. Inside an existing transaction
// it opens a savepoint, so a failed nested call rolls back only its own
// writes.
func (s *Service) Atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.conn(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

func (s *Service) lockAccount(tx *gorm.DB, holder model.Address, asset model.Asset) (*models.TokenAccount, error) {
	var account models.TokenAccount
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("holder = ? AND asset_contract = ?", string(holder), string(asset.Contract)).
		First(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func (s *Service) accountFor(tx *gorm.DB, holder model.Address, asset model.Asset) (*models.TokenAccount, error) {
	account, err := s.lockAccount(tx, holder, asset)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	now := time.Now()
	account = &models.TokenAccount{
		ID:            uuid.New(),
		Holder:        string(holder),
		AssetContract: string(asset.Contract),
		AssetSymbol:   asset.Symbol,
		Balance:       decimal.Zero,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := tx.Create(account).Error; err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}
	return account, nil
}

func journal(tx *gorm.DB, entry *models.LedgerEntry) error {
	entry.ID = uuid.New()
	entry.CreatedAt = time.Now()
	if err := tx.Create(entry).Error; err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}
	return nil
}

// TransferTokens moves amount of asset from one holder to another.
func (s *Service) TransferTokens(ctx context.Context, asset model.Asset, from, to model.Address, amount decimal.Decimal) error {
	if err := mathutil.ValidateAmount(amount); err != nil {
		return err
	}
	if from == to {
		return apperrors.InvalidAmount("transfer from %s to itself", from)
	}
	return s.Atomic(ctx, func(ctx context.Context) error {
		tx := s.conn(ctx)

		source, err := s.lockAccount(tx, from, asset)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperrors.InsufficientFunds("%s holds no %s", from, asset.Symbol)
		} else if err != nil {
			return fmt.Errorf("failed to find source account: %w", err)
		}
		if source.Balance.LessThan(amount) {
			return apperrors.InsufficientFunds("%s holds %s %s, needs %s", from, source.Balance, asset.Symbol, amount)
		}
		target, err := s.accountFor(tx, to, asset)
		if err != nil {
			return err
		}

		source.Balance = source.Balance.Sub(amount)
		source.UpdatedAt = time.Now()
		if err := tx.Save(source).Error; err != nil {
			return fmt.Errorf("failed to save source account: %w", err)
		}
		credited, err := mathutil.SafeAdd(target.Balance, amount)
		if err != nil {
			return err
		}
		target.Balance = credited
		target.UpdatedAt = time.Now()
		if err := tx.Save(target).Error; err != nil {
			return fmt.Errorf("failed to save target account: %w", err)
		}

		return journal(tx, &models.LedgerEntry{
			Kind:          models.EntryTokenTransfer,
			AssetContract: string(asset.Contract),
			FromAddress:   string(from),
			ToAddress:     string(to),
			Amount:        amount,
		})
	})
}

func (s *Service) collectible(tx *gorm.DB, nft model.Address, tokenID uint64, lock bool) (*models.Collectible, error) {
	var c models.Collectible
	q := tx
	if lock {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	err := q.Where("contract = ? AND token_id = ? AND burned = ?", string(nft), tokenID, false).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound("token %s#%d does not exist", nft, tokenID)
	} else if err != nil {
		return nil, fmt.Errorf("failed to find collectible: %w", err)
	}
	return &c, nil
}

// TransferNFT moves ownership of one token.
func (s *Service) TransferNFT(ctx context.Context, nft model.Address, from, to model.Address, tokenID uint64) error {
	if to.IsZero() {
		return apperrors.InvalidAmount("transfer of %s#%d to empty address", nft, tokenID)
	}
	err := s.Atomic(ctx, func(ctx context.Context) error {
		tx := s.conn(ctx)
		c, err := s.collectible(tx, nft, tokenID, true)
		if err != nil {
			return err
		}
		if c.Owner != string(from) {
			return apperrors.Unauthorized("%s does not own %s#%d", from, nft, tokenID)
		}
		c.Owner = string(to)
		c.UpdatedAt = time.Now()
		if err := tx.Save(c).Error; err != nil {
			return fmt.Errorf("failed to save collectible: %w", err)
		}
		return journal(tx, &models.LedgerEntry{
			Kind:          models.EntryNFTTransfer,
			AssetContract: string(nft),
			FromAddress:   string(from),
			ToAddress:     string(to),
			Amount:        decimal.NewFromInt(1),
			TokenID:       tokenID,
		})
	})
	if err != nil {
		return err
	}
	s.events.Emit(ctx, messaging.MsgCollectionTransfer, 0, messaging.CollectionEvent{
		Contract: string(nft), TokenID: tokenID, From: string(from), To: string(to),
	})
	return nil
}

// OwnerOf returns the current owner of a token.
func (s *Service) OwnerOf(ctx context.Context, nft model.Address, tokenID uint64) (model.Address, error) {
	c, err := s.collectible(s.conn(ctx), nft, tokenID, false)
	if err != nil {
		return "", err
	}
	return model.Address(c.Owner), nil
}

// CheckNFTOwnership fails with Unauthorized unless owner holds the token.
func (s *Service) CheckNFTOwnership(ctx context.Context, nft model.Address, tokenID uint64, owner model.Address) error {
	current, err := s.OwnerOf(ctx, nft, tokenID)
	if err != nil {
		return err
	}
	if current != owner {
		return apperrors.Unauthorized("%s does not own %s#%d", owner, nft, tokenID)
	}
	return nil
}

// BalanceOf returns a holder's balance, zero when no account exists.
func (s *Service) BalanceOf(ctx context.Context, asset model.Asset, holder model.Address) (decimal.Decimal, error) {
	var account models.TokenAccount
	err := s.conn(ctx).Where("holder = ? AND asset_contract = ?", string(holder), string(asset.Contract)).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, nil
	} else if err != nil {
		return decimal.Zero, fmt.Errorf("failed to find account: %w", err)
	}
	return account.Balance, nil
}

// Credit issues new units of a payment asset to holder.
func (s *Service) Credit(ctx context.Context, asset model.Asset, holder model.Address, amount decimal.Decimal, reference string) error {
	if err := mathutil.ValidateAmount(amount); err != nil {
		return err
	}
	return s.Atomic(ctx, func(ctx context.Context) error {
		tx := s.conn(ctx)
		account, err := s.accountFor(tx, holder, asset)
		if err != nil {
			return err
		}
		balance, err := mathutil.SafeAdd(account.Balance, amount)
		if err != nil {
			return err
		}
		account.Balance = balance
		account.UpdatedAt = time.Now()
		if err := tx.Save(account).Error; err != nil {
			return fmt.Errorf("failed to save account: %w", err)
		}
		return journal(tx, &models.LedgerEntry{
			Kind:          models.EntryCredit,
			AssetContract: string(asset.Contract),
			ToAddress:     string(holder),
			Amount:        amount,
			Reference:     reference,
		})
	})
}

// MintNFT issues a new token to owner.
func (s *Service) MintNFT(ctx context.Context, nft model.Address, tokenID uint64, owner model.Address) error {
	if owner.IsZero() {
		return apperrors.InvalidAmount("mint of %s#%d to empty address", nft, tokenID)
	}
	err := s.Atomic(ctx, func(ctx context.Context) error {
		tx := s.conn(ctx)
		var count int64
		if err := tx.Model(&models.Collectible{}).Where("contract = ? AND token_id = ?", string(nft), tokenID).Count(&count).Error; err != nil {
			return fmt.Errorf("failed to check collectible: %w", err)
		}
		if count > 0 {
			return apperrors.InvalidState("token %s#%d already minted", nft, tokenID)
		}
		now := time.Now()
		if err := tx.Create(&models.Collectible{
			ID:        uuid.New(),
			Contract:  string(nft),
			TokenID:   tokenID,
			Owner:     string(owner),
			CreatedAt: now,
			UpdatedAt: now,
		}).Error; err != nil {
			return fmt.Errorf("failed to create collectible: %w", err)
		}
		return journal(tx, &models.LedgerEntry{
			Kind:          models.EntryMint,
			AssetContract: string(nft),
			ToAddress:     string(owner),
			Amount:        decimal.NewFromInt(1),
			TokenID:       tokenID,
		})
	})
	if err != nil {
		return err
	}
	s.events.Emit(ctx, messaging.MsgCollectionMint, 0, messaging.CollectionEvent{
		Contract: string(nft), TokenID: tokenID, To: string(owner),
	})
	return nil
}

// BurnNFT destroys a token held by owner.
func (s *Service) BurnNFT(ctx context.Context, nft model.Address, tokenID uint64, owner model.Address) error {
	err := s.Atomic(ctx, func(ctx context.Context) error {
		tx := s.conn(ctx)
		c, err := s.collectible(tx, nft, tokenID, true)
		if err != nil {
			return err
		}
		if c.Owner != string(owner) {
			return apperrors.Unauthorized("%s does not own %s#%d", owner, nft, tokenID)
		}
		c.Burned = true
		c.UpdatedAt = time.Now()
		if err := tx.Save(c).Error; err != nil {
			return fmt.Errorf("failed to save collectible: %w", err)
		}
		return journal(tx, &models.LedgerEntry{
			Kind:          models.EntryBurn,
			AssetContract: string(nft),
			FromAddress:   string(owner),
			Amount:        decimal.NewFromInt(1),
			TokenID:       tokenID,
		})
	})
	if err != nil {
		return err
	}
	s.events.Emit(ctx, messaging.MsgCollectionBurn, 0, messaging.CollectionEvent{
		Contract: string(nft), TokenID: tokenID, From: string(owner),
	})
	return nil
}

// History returns the most recent journal entries touching holder.
func (s *Service) History(ctx context.Context, holder model.Address, limit int) ([]*models.LedgerEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var entries []*models.LedgerEntry
	err := s.conn(ctx).
		Where("from_address = ? OR to_address = ?", string(holder), string(holder)).
		Order("created_at DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("failed to find ledger entries: %w", err)
	}
	return entries, nil
}
