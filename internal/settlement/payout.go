package settlement

import (
	"fmt"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/holiman/uint256"
)

// SplitPayout divides total into n shares. Every share is floor(total/n) and
// the first share also carries the remainder, so the shares always sum to
// total exactly.
func SplitPayout(total *uint256.Int, n int) ([]*uint256.Int, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: cannot split among %d claimants", common.ErrInvalidAmount, n)
	}
	if total == nil {
		return nil, fmt.Errorf("%w: nil total", common.ErrInvalidAmount)
	}

	count := uint256.NewInt(uint64(n))
	share := new(uint256.Int).Div(total, count)
	remainder := new(uint256.Int).Mod(total, count)

	shares := make([]*uint256.Int, n)
	for i := range shares {
		shares[i] = new(uint256.Int).Set(share)
	}
	shares[0].Add(shares[0], remainder)
	return shares, nil
}
