package db

import (
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// Amounts are u64 and stored as NUMERIC(20,0), which BIGINT cannot hold.

func toNumeric(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

func fromNumeric(d decimal.Decimal) (uint64, error) {
	if d.IsNegative() || !d.Truncate(0).Equal(d) {
		return 0, fmt.Errorf("amount %s is not a whole non-negative number", d)
	}
	b := d.BigInt()
	if !b.IsUint64() {
		return 0, fmt.Errorf("amount %s exceeds u64", d)
	}
	return b.Uint64(), nil
}

// decoder collects the first conversion error while scanning a row.
type decoder struct{ err error }

func (d *decoder) key(s string) solana.PublicKey {
	if d.err != nil {
		return solana.PublicKey{}
	}
	k, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		d.err = fmt.Errorf("decode key %q: %w", s, err)
	}
	return k
}

func (d *decoder) amount(v decimal.Decimal) uint64 {
	if d.err != nil {
		return 0
	}
	n, err := fromNumeric(v)
	if err != nil {
		d.err = err
	}
	return n
}
