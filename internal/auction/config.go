package auction

import (
	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/settlement/mathutil"
)

// Config bounds auction timing and bidding.
type Config struct {
	MinDuration        uint64 `json:"min_duration"`
	MaxDuration        uint64 `json:"max_duration"`
	MinBidIncrementBps uint64 `json:"min_bid_increment_bps"`
	RevealPeriod       uint64 `json:"reveal_period"`
	// A bid placed within ExtensionWindow of the end pushes the end to
	// ExtensionWindow after the bid.
	ExtensionWindow uint64 `json:"extension_window"`
}

func DefaultConfig() Config {
	return Config{
		MinDuration:        3600,
		MaxDuration:        604800,
		MinBidIncrementBps: 100,
		RevealPeriod:       86400,
		ExtensionWindow:    600,
	}
}

func (c *Config) Validate() error {
	if c.MinDuration == 0 || c.MaxDuration < c.MinDuration {
		return apperrors.InvalidAmount("auction duration bounds [%d, %d] are invalid", c.MinDuration, c.MaxDuration)
	}
	if c.MinBidIncrementBps > mathutil.BasisPoints {
		return apperrors.InvalidAmount("bid increment %d bps exceeds 100%%", c.MinBidIncrementBps)
	}
	if c.RevealPeriod == 0 {
		return apperrors.InvalidAmount("reveal period must be positive")
	}
	return nil
}
