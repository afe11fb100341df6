package dispute

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/messaging"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
	"github.com/Aidin1998/nftsettle/internal/storage"
	"github.com/Aidin1998/nftsettle/internal/transaction"
)

// Remedy reverses a transaction after an upheld dispute. It reports
// whether anything was reversed.
type Remedy func(ctx context.Context, d *Dispute) (bool, error)

// Manager owns dispute records and the dispute config.
type Manager struct {
	logger *zap.Logger
	store  *storage.BadgerStore
	uow    *transaction.UnitOfWork
	clock  model.Clock
	events *messaging.Bus
	policy *bluemonday.Policy
}

func NewManager(logger *zap.Logger, store *storage.BadgerStore, uow *transaction.UnitOfWork, clock model.Clock, events *messaging.Bus) *Manager {
	return &Manager{
		logger: logger.Named("dispute"),
		store:  store,
		uow:    uow,
		clock:  clock,
		events: events,
		policy: bluemonday.StrictPolicy(),
	}
}

func disputeKey(id uint64) string { return storage.ID(storage.PrefixDispute, id) }

func openKey(txID uint64) string { return storage.ID(storage.PrefixOpenDispute, txID) }

// GetConfig loads the dispute config.
func (m *Manager) GetConfig(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := m.store.Get(ctx, storage.KeyDisputeConfig, &cfg); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound("dispute config is not initialized")
		}
		return nil, fmt.Errorf("load dispute config: %w", err)
	}
	return &cfg, nil
}

// UpdateConfig replaces the dispute config. Admin authorization is the
// caller's job.
func (m *Manager) UpdateConfig(ctx context.Context, cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return m.uow.Run(ctx, "update_dispute_config", func(ctx context.Context) error {
		return m.store.Put(ctx, storage.KeyDisputeConfig, cfg)
	})
}

// GetDispute loads a dispute.
func (m *Manager) GetDispute(ctx context.Context, id uint64) (*Dispute, error) {
	var d Dispute
	if err := m.store.Get(ctx, disputeKey(id), &d); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperrors.NotFound("dispute %d not found", id)
		}
		return nil, fmt.Errorf("load dispute %d: %w", id, err)
	}
	return &d, nil
}

func (m *Manager) save(ctx context.Context, d *Dispute) error {
	if err := m.store.Put(ctx, disputeKey(d.ID), d); err != nil {
		return fmt.Errorf("save dispute %d: %w", d.ID, err)
	}
	return nil
}

// sanitize strips markup and surrounding space and enforces a rune limit.
func (m *Manager) sanitize(field, text string, limit int) (string, error) {
	clean := strings.TrimSpace(m.policy.Sanitize(text))
	if utf8.RuneCountInString(clean) > limit {
		return "", apperrors.InvalidAmount("%s exceeds %d characters", field, limit)
	}
	return clean, nil
}

// Open files a dispute over txID. The caller has already checked that
// initiator is a party to the transaction.
func (m *Manager) Open(ctx context.Context, txID uint64, kind model.TransactionKind, initiator model.Address, reason, evidenceURI string) (*Dispute, error) {
	var d *Dispute
	err := m.uow.Run(ctx, "initiate_dispute", func(ctx context.Context) error {
		cfg, err := m.GetConfig(ctx)
		if err != nil {
			return err
		}
		cleanReason, err := m.sanitize("reason", reason, cfg.MaxReasonLength)
		if err != nil {
			return err
		}
		if cleanReason == "" {
			return apperrors.InvalidAmount("a dispute needs a reason")
		}
		cleanEvidence, err := m.sanitize("evidence", evidenceURI, cfg.MaxEvidenceLength)
		if err != nil {
			return err
		}

		open, err := m.store.Has(ctx, openKey(txID))
		if err != nil {
			return err
		}
		if open {
			return apperrors.InvalidState("transaction %d already has an open dispute", txID)
		}
		now, err := m.clock.Now(ctx)
		if err != nil {
			return err
		}
		id, err := m.store.NextID(ctx, storage.CounterDispute)
		if err != nil {
			return err
		}
		d = &Dispute{
			ID:            id,
			TransactionID: txID,
			Kind:          kind,
			Initiator:     initiator,
			Reason:        cleanReason,
			EvidenceURI:   cleanEvidence,
			Status:        StatusOpen,
			Votes:         []Vote{},
			CreatedAt:     now,
			VotingOpensAt: now + cfg.CoolingPeriod,
		}
		if err := m.save(ctx, d); err != nil {
			return err
		}
		if err := m.store.Put(ctx, openKey(txID), id); err != nil {
			return err
		}
		m.events.Emit(ctx, messaging.MsgDisputeOpened, txID, messaging.StateChangeEvent{
			Kind: string(kind), Actor: string(initiator), State: string(StatusOpen), Detail: fmt.Sprintf("dispute %d", id),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Dispute opened", zap.Uint64("dispute_id", d.ID), zap.Uint64("transaction_id", txID),
		zap.String("initiator", string(initiator)))
	return d, nil
}

// Vote records one arbitrator's vote: VoteUphold or VoteReject.
func (m *Manager) Vote(ctx context.Context, id uint64, arbitrator model.Address, vote uint32) error {
	if vote != VoteReject && vote != VoteUphold {
		return apperrors.InvalidAmount("vote must be %d or %d", VoteReject, VoteUphold)
	}
	return m.uow.Run(ctx, "vote_on_dispute", func(ctx context.Context) error {
		cfg, err := m.GetConfig(ctx)
		if err != nil {
			return err
		}
		if !cfg.IsArbitrator(arbitrator) {
			return apperrors.Unauthorized("%s is not an arbitrator", arbitrator)
		}
		d, err := m.GetDispute(ctx, id)
		if err != nil {
			return err
		}
		if d.Status != StatusOpen {
			return apperrors.InvalidState("dispute %d is %s", id, d.Status)
		}
		now, err := m.clock.Now(ctx)
		if err != nil {
			return err
		}
		if now < d.VotingOpensAt {
			return apperrors.InvalidState("voting on dispute %d opens at %d", id, d.VotingOpensAt)
		}
		if d.hasVoted(arbitrator) {
			return apperrors.InvalidState("%s already voted on dispute %d", arbitrator, id)
		}
		d.Votes = append(d.Votes, Vote{Arbitrator: arbitrator, Uphold: vote == VoteUphold, Timestamp: now})
		if err := m.save(ctx, d); err != nil {
			return err
		}
		m.events.Emit(ctx, messaging.MsgDisputeVoted, d.TransactionID, messaging.StateChangeEvent{
			Kind: string(d.Kind), Actor: string(arbitrator), State: string(d.Status), Detail: fmt.Sprintf("vote %d", vote),
		})
		return nil
	})
}

// Resolve closes a dispute once quorum is reached. A strict majority of
// uphold votes upholds it and runs remedy; anything else rejects it.
func (m *Manager) Resolve(ctx context.Context, id uint64, executor model.Address, remedy Remedy) (*Dispute, error) {
	var d *Dispute
	err := m.uow.Run(ctx, "execute_dispute_resolution", func(ctx context.Context) error {
		cfg, err := m.GetConfig(ctx)
		if err != nil {
			return err
		}
		if !cfg.IsArbitrator(executor) {
			return apperrors.Unauthorized("%s is not an arbitrator", executor)
		}
		if d, err = m.GetDispute(ctx, id); err != nil {
			return err
		}
		if d.Status != StatusOpen {
			return apperrors.InvalidState("dispute %d is %s", id, d.Status)
		}
		if uint64(len(d.Votes)) < cfg.Quorum {
			return apperrors.InvalidState("dispute %d has %d of %d votes", id, len(d.Votes), cfg.Quorum)
		}
		now, err := m.clock.Now(ctx)
		if err != nil {
			return err
		}

		uphold, reject := d.Tally()
		d.Status = StatusRejected
		if uphold > reject {
			d.Status = StatusUpheld
			if remedy != nil {
				if d.Remedied, err = remedy(ctx, d); err != nil {
					return fmt.Errorf("remedy for dispute %d: %w", id, err)
				}
			}
		}
		d.ResolvedAt = now
		if err := m.save(ctx, d); err != nil {
			return err
		}
		if err := m.store.Delete(ctx, openKey(d.TransactionID)); err != nil {
			return err
		}
		m.events.Emit(ctx, messaging.MsgDisputeResolved, d.TransactionID, messaging.StateChangeEvent{
			Kind: string(d.Kind), Actor: string(executor), State: string(d.Status),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("Dispute resolved", zap.Uint64("dispute_id", id), zap.String("status", string(d.Status)),
		zap.Bool("remedied", d.Remedied))
	return d, nil
}
