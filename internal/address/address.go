// Package address derives the deterministic accounts of a market: the
// market record, its two escrow pools, per-user bet entries and the
// protocol fee vault. Every address is a program-derived address, so any
// party holding the program id can locate them without a side channel.
package address

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"

	"escrow-market/internal/model"
)

var (
	marketTag   = []byte("market")
	poolTag     = []byte("pool")
	betTag      = []byte("bet")
	feeVaultTag = []byte("fee_vault")
)

type Deriver struct {
	programID solana.PublicKey
}

func New(programID solana.PublicKey) *Deriver {
	return &Deriver{programID: programID}
}

func (d *Deriver) ProgramID() solana.PublicKey { return d.programID }

func MarketSeeds(creator solana.PublicKey, id uint64) [][]byte {
	idBytes := make([]byte, 8)
	binary.LittleEndian.PutUint64(idBytes, id)
	return [][]byte{marketTag, creator.Bytes(), idBytes}
}

func PoolSeeds(market solana.PublicKey, side model.Side) [][]byte {
	return [][]byte{poolTag, market.Bytes(), side.Seed()}
}

func BetSeeds(market, user solana.PublicKey, side model.Side) [][]byte {
	return [][]byte{betTag, market.Bytes(), user.Bytes(), side.Seed()}
}

func FeeVaultSeeds() [][]byte { return [][]byte{feeVaultTag} }

// Market derives the market account for (creator, id).
func (d *Deriver) Market(creator solana.PublicKey, id uint64) (solana.PublicKey, uint8, error) {
	return d.find("market", MarketSeeds(creator, id))
}

// Pool derives the escrow pool for one side of a market.
func (d *Deriver) Pool(market solana.PublicKey, side model.Side) (solana.PublicKey, uint8, error) {
	return d.find("pool", PoolSeeds(market, side))
}

func (d *Deriver) Bet(market, user solana.PublicKey, side model.Side) (solana.PublicKey, uint8, error) {
	return d.find("bet", BetSeeds(market, user, side))
}

func (d *Deriver) FeeVault() (solana.PublicKey, uint8, error) {
	return d.find("fee vault", FeeVaultSeeds())
}

func (d *Deriver) find(kind string, seeds [][]byte) (solana.PublicKey, uint8, error) {
	pda, bump, err := solana.FindProgramAddress(seeds, d.programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("derive %s address: %w", kind, err)
	}
	return pda, bump, nil
}
