package engine

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"

	"escrow-market/internal/ledger"
	"escrow-market/internal/model"
)

// Store runs units of work atomically. If fn returns an error nothing it
// did, including ledger transfers, is persisted.
type Store interface {
	InTx(ctx context.Context, fn func(Tx) error) error
	ListMarkets(ctx context.Context) ([]model.Market, error)
}

// Tx is the durable keyed storage plus custodial ledger, as seen from
// inside one unit of work. Getters return (nil, nil) when the record is
// absent; returned records are copies.
type Tx interface {
	ledger.Ledger

	// OpenAccount allocates a zero-balance account if it does not exist.
	OpenAccount(ctx context.Context, account solana.PublicKey) error

	NextMarketID(ctx context.Context, creator solana.PublicKey) (uint64, error)
	GetMarket(ctx context.Context, addr solana.PublicKey) (*model.Market, error)
	InsertMarket(ctx context.Context, m *model.Market) error
	UpdateMarket(ctx context.Context, m *model.Market) error

	GetBet(ctx context.Context, addr solana.PublicKey) (*model.Bet, error)
	PutBet(ctx context.Context, b *model.Bet) error

	AppendEvent(ctx context.Context, ev *model.Event) error
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// PublishFunc broadcasts a committed market event.
type PublishFunc func(marketID, msgType string, data any)
