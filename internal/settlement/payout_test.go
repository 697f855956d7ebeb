package settlement

import (
	"testing"

	"github.com/Veraticus/grouptip/internal/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitPayout(t *testing.T) {
	tests := []struct {
		name  string
		want  []string
		total uint64
		n     int
	}{
		{name: "single claimant", total: 100, n: 1, want: []string{"100"}},
		{name: "remainder to first", total: 100, n: 3, want: []string{"34", "33", "33"}},
		{name: "even split", total: 90, n: 3, want: []string{"30", "30", "30"}},
		{name: "more claimants than units", total: 2, n: 5, want: []string{"2", "0", "0", "0", "0"}},
		{name: "zero total", total: 0, n: 2, want: []string{"0", "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shares, err := SplitPayout(uint256.NewInt(tt.total), tt.n)
			require.NoError(t, err)
			got := make([]string, len(shares))
			for i, s := range shares {
				got[i] = s.Dec()
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitPayout_Conserves(t *testing.T) {
	totals := []string{
		"1",
		"1000000",
		"999999999999999999999999999999",
		"115792089237316195423570985008687907853269984665640564039457584007913129639935",
	}
	for _, raw := range totals {
		total := uint256.MustFromDecimal(raw)
		for _, n := range []int{1, 2, 3, 7, 13, 97, 1000} {
			shares, err := SplitPayout(total, n)
			require.NoError(t, err)
			require.Len(t, shares, n)

			sum := new(uint256.Int)
			for i, s := range shares {
				sum.Add(sum, s)
				if i > 0 {
					assert.True(t, s.Eq(shares[1]), "non-first shares are equal")
				}
			}
			assert.True(t, sum.Eq(total), "total %s split %d ways sums to %s", raw, n, sum.Dec())
		}
	}
}

func TestSplitPayout_Invalid(t *testing.T) {
	_, err := SplitPayout(uint256.NewInt(10), 0)
	assert.ErrorIs(t, err, common.ErrInvalidAmount)

	_, err = SplitPayout(nil, 2)
	assert.ErrorIs(t, err, common.ErrInvalidAmount)
}
