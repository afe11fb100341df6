package auction

import (
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"

	apperrors "github.com/Aidin1998/nftsettle/common/errors"
	"github.com/Aidin1998/nftsettle/internal/settlement/mathutil"
	"github.com/Aidin1998/nftsettle/internal/settlement/model"
)

// CommitmentHash is keccak256(bidder ‖ amount ‖ salt) with the amount as a
// 16 byte big-endian integer.
func CommitmentHash(bidder model.Address, amount decimal.Decimal, salt []byte) ([]byte, error) {
	if err := mathutil.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if len(salt) == 0 {
		return nil, apperrors.InvalidAmount("commitment salt is empty")
	}
	var encoded [16]byte
	amount.BigInt().FillBytes(encoded[:])

	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(bidder))
	h.Write(encoded[:])
	h.Write(salt)
	return h.Sum(nil), nil
}
