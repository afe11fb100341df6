// Package dispute lets a party contest a transaction and a panel of
// arbitrators vote on it.
package dispute

import (
	"slices"

	"github.com/shopspring/decimal"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusUpheld   Status = "UPHELD"
	StatusRejected Status = "REJECTED"
)

// Vote values
const (
	VoteReject uint32 = 0
	VoteUphold uint32 = 1
)

type Vote struct {
	Arbitrator model.Address `json:"arbitrator"`
	Uphold     bool          `json:"uphold"`
	Timestamp  uint64        `json:"timestamp"`
}

// Dispute is a contested transaction and its votes.
type Dispute struct {
	ID            uint64                `json:"id"`
	TransactionID uint64                `json:"transaction_id"`
	Kind          model.TransactionKind `json:"kind"`
	Initiator     model.Address         `json:"initiator"`
	Reason        string                `json:"reason"`
	EvidenceURI   string                `json:"evidence_uri,omitempty"`
	Status        Status                `json:"status"`
	Votes         []Vote                `json:"votes"`
	CreatedAt     uint64                `json:"created_at"`
	VotingOpensAt uint64                `json:"voting_opens_at"`
	ResolvedAt    uint64                `json:"resolved_at,omitempty"`
	// Remedied is set when an upheld dispute refunded the escrow.
	Remedied bool `json:"remedied"`
}

// Tally counts uphold and reject votes.
func (d *Dispute) Tally() (uphold, reject uint64) {
	for _, v := range d.Votes {
		if v.Uphold {
			uphold++
		} else {
			reject++
		}
	}
	return uphold, reject
}

func (d *Dispute) hasVoted(arbitrator model.Address) bool {
	return slices.ContainsFunc(d.Votes, func(v Vote) bool { return v.Arbitrator == arbitrator })
}

// Config governs who arbitrates and when.
type Config struct {
	CoolingPeriod uint64          `json:"cooling_period"`
	Quorum        uint64          `json:"quorum"`
	Arbitrators   []model.Address `json:"arbitrators"`
	// DisputeBond is informational; bonds are not collected.
	DisputeBond       decimal.Decimal `json:"dispute_bond"`
	MaxReasonLength   int             `json:"max_reason_length"`
	MaxEvidenceLength int             `json:"max_evidence_length"`
}

func DefaultConfig(cooling, quorum uint64) Config {
	return Config{
		CoolingPeriod:     cooling,
		Quorum:            quorum,
		Arbitrators:       []model.Address{},
		DisputeBond:       decimal.Zero,
		MaxReasonLength:   1000,
		MaxEvidenceLength: 2048,
	}
}

func (c *Config) Validate() error {
	if c.Quorum == 0 {
		return apperrors.InvalidAmount("arbitration quorum must be positive")
	}
	if c.MaxReasonLength <= 0 || c.MaxEvidenceLength <= 0 {
		return apperrors.InvalidAmount("reason and evidence limits must be positive")
	}
	seen := make(map[model.Address]bool, len(c.Arbitrators))
	for _, a := range c.Arbitrators {
		if a.IsZero() || seen[a] {
			return apperrors.InvalidAmount("arbitrator list has an empty or duplicate entry")
		}
		seen[a] = true
	}
	return nil
}

func (c *Config) IsArbitrator(addr model.Address) bool {
	return slices.Contains(c.Arbitrators, addr)
}
