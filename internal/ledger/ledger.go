// Package ledger describes the custodial transfer primitive the escrow
// engine moves value through, and the Authority capability a transfer must
// present for its source account.
package ledger

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrUnauthorizedTransfer = errors.New("transfer not authorized for source account")
	ErrBalanceOverflow      = errors.New("balance overflow")
)

// Ledger moves value between custodial accounts.
type Ledger interface {
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	Transfer(ctx context.Context, from, to solana.PublicKey, amount uint64, auth Authority) error
}

// Authority authorizes outgoing transfers from exactly one account. A user
// authority is the verified caller key itself and must be a real ed25519
// point; a program authority is the seed set of a program-derived account
// and can only be built by code that knows those seeds.
type Authority struct {
	signer  solana.PublicKey
	program solana.PublicKey
	seeds   [][]byte
}

func UserAuthority(user solana.PublicKey) Authority {
	return Authority{signer: user}
}

func ProgramAuthority(programID solana.PublicKey, seeds [][]byte, bump uint8) Authority {
	signed := make([][]byte, 0, len(seeds)+1)
	signed = append(signed, seeds...)
	signed = append(signed, []byte{bump})
	return Authority{program: programID, seeds: signed}
}

// Authorizes reports whether a may debit account from.
func (a Authority) Authorizes(from solana.PublicKey) bool {
	if len(a.seeds) == 0 {
		return IsUserKey(a.signer) && a.signer.Equals(from)
	}
	addr, err := solana.CreateProgramAddress(a.seeds, a.program)
	if err != nil {
		return false
	}
	return addr.Equals(from)
}

// IsUserKey reports whether k can belong to a keypair holder. Program-derived
// addresses are off the curve, so no user identity can alias a pool or the
// fee vault.
func IsUserKey(k solana.PublicKey) bool {
	return !k.IsZero() && k.IsOnCurve()
}

// Check validates a transfer request before any balance is touched.
func Check(from solana.PublicKey, auth Authority) error {
	if !auth.Authorizes(from) {
		return ErrUnauthorizedTransfer
	}
	return nil
}
