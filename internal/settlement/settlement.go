// Package settlement holds the fee and payout arithmetic used by Resolve and
// Claim. All products are computed in 256-bit space and checked back into
// 64 bits; nothing here wraps silently.
package settlement

import (
	"errors"
	"math/big"
	"math/bits"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

const (
	// MaxFeeBps caps the protocol fee at 10%.
	MaxFeeBps      = 1000
	BpsDenominator = 10_000

	// AmountDecimals is the number of decimal places of one display unit.
	AmountDecimals = 9
)

var (
	ErrOverflow       = errors.New("arithmetic overflow")
	ErrNothingToClaim = errors.New("no stake on the winning side")
)

// Add returns a+b or ErrOverflow.
func Add(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, ErrOverflow
	}
	return sum, nil
}

// Sub returns a-b or ErrOverflow when b > a.
func Sub(a, b uint64) (uint64, error) {
	diff, borrow := bits.Sub64(a, b, 0)
	if borrow != 0 {
		return 0, ErrOverflow
	}
	return diff, nil
}

// MulDiv returns floor(a*b/d) with a wide intermediate.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrOverflow
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	q := new(uint256.Int).Div(prod, uint256.NewInt(d))
	if !q.IsUint64() {
		return 0, ErrOverflow
	}
	return q.Uint64(), nil
}

// Fee is floor(totalPot * feeBps / 10000).
func Fee(totalPot uint64, feeBps uint16) (uint64, error) {
	return MulDiv(totalPot, uint64(feeBps), BpsDenominator)
}

// ResolvePlan is the set of pool movements Resolve performs. The fee is
// funded from the losing pool first and only the shortfall comes out of the
// winning pool; whatever the loser pool still holds is swept to the winner.
type ResolvePlan struct {
	TotalPot      uint64 `json:"total_pot"`
	Fee           uint64 `json:"fee"`
	FeeFromLoser  uint64 `json:"fee_from_loser"`
	FeeFromWinner uint64 `json:"fee_from_winner"`
	Sweep         uint64 `json:"sweep"`
	Distributable uint64 `json:"distributable"`
}

func PlanResolve(winnerBal, loserBal uint64, feeBps uint16) (ResolvePlan, error) {
	pot, err := Add(winnerBal, loserBal)
	if err != nil {
		return ResolvePlan{}, err
	}
	fee, err := Fee(pot, feeBps)
	if err != nil {
		return ResolvePlan{}, err
	}
	if fee > pot {
		return ResolvePlan{}, ErrOverflow
	}
	fromLoser := min(fee, loserBal)
	p := ResolvePlan{
		TotalPot:      pot,
		Fee:           fee,
		FeeFromLoser:  fromLoser,
		FeeFromWinner: fee - fromLoser,
		Sweep:         loserBal - fromLoser,
		Distributable: pot - fee,
	}
	return p, nil
}

// WinnerPoolAfter is the winning pool balance once the plan is applied.
func (p ResolvePlan) WinnerPoolAfter(winnerBal uint64) uint64 {
	return winnerBal - p.FeeFromWinner + p.Sweep
}

// Distributable is the pot net of fee, computed from the recorded totals.
func Distributable(yesTotal, noTotal uint64, feeBps uint16) (uint64, error) {
	pot, err := Add(yesTotal, noTotal)
	if err != nil {
		return 0, err
	}
	fee, err := Fee(pot, feeBps)
	if err != nil {
		return 0, err
	}
	return Sub(pot, fee)
}

// Payout is floor(distributable * stake / winnersTotal).
func Payout(yesTotal, noTotal, winnersTotal, stake uint64, feeBps uint16) (uint64, error) {
	dist, err := Distributable(yesTotal, noTotal, feeBps)
	if err != nil {
		return 0, err
	}
	if winnersTotal == 0 {
		return 0, ErrNothingToClaim
	}
	return MulDiv(dist, stake, winnersTotal)
}

// FormatAmount renders base units as a fixed-point display string.
func FormatAmount(v uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -AmountDecimals).StringFixed(AmountDecimals)
}
