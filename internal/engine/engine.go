package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"escrow-market/internal/address"
	"escrow-market/internal/ledger"
	"escrow-market/internal/model"
	"escrow-market/internal/settlement"
)

// Engine applies the market lifecycle operations. Each call is one atomic
// unit of work against the Store; callers that need per-market ordering go
// through a Manager.
type Engine struct {
	store   Store
	addrs   *address.Deriver
	clock   Clock
	publish PublishFunc
}

type Option func(*Engine)

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithPublisher(p PublishFunc) Option { return func(e *Engine) { e.publish = p } }

func New(store Store, addrs *address.Deriver, opts ...Option) *Engine {
	e := &Engine{store: store, addrs: addrs, clock: SystemClock{}}
	for _, o := range opts {
		o(e)
	}
	return e
}

type CreateParams struct {
	// MarketID of 0 asks the store for the creator's next free id.
	MarketID uint64
	Resolver solana.PublicKey
	FeeBps   uint16
	CloseTs  int64
}

// ── Create ───────────────────────────────────────────

func (e *Engine) CreateMarket(ctx context.Context, creator solana.PublicKey, p CreateParams) (*model.Market, error) {
	if p.FeeBps > settlement.MaxFeeBps {
		return nil, ErrFeeTooHigh
	}

	var mkt *model.Market
	var events []*model.Event
	err := e.store.InTx(ctx, func(tx Tx) error {
		id := p.MarketID
		if id == 0 {
			next, err := tx.NextMarketID(ctx, creator)
			if err != nil {
				return err
			}
			id = next
		}
		addr, bump, err := e.addrs.Market(creator, id)
		if err != nil {
			return err
		}
		existing, err := tx.GetMarket(ctx, addr)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrMarketExists
		}

		yesPool, yesBump, err := e.addrs.Pool(addr, model.SideYes)
		if err != nil {
			return err
		}
		noPool, noBump, err := e.addrs.Pool(addr, model.SideNo)
		if err != nil {
			return err
		}
		for _, pool := range []solana.PublicKey{yesPool, noPool} {
			if err := tx.OpenAccount(ctx, pool); err != nil {
				return fmt.Errorf("open pool %s: %w", pool, err)
			}
		}

		mkt = &model.Market{
			Key:         model.MarketKey{Creator: creator, ID: id},
			Address:     addr,
			Resolver:    p.Resolver,
			FeeBps:      p.FeeBps,
			Status:      model.StatusOpen,
			CloseTs:     p.CloseTs,
			Outcome:     model.Unresolved(),
			Bump:        bump,
			YesPoolBump: yesBump,
			NoPoolBump:  noBump,
			CreatedAt:   e.clock.Now().UTC(),
		}
		if err := tx.InsertMarket(ctx, mkt); err != nil {
			return err
		}
		return e.record(ctx, tx, &events, mkt.Address, model.EventMarketCreated, map[string]any{
			"creator": creator, "id": id, "resolver": p.Resolver,
			"fee_bps": p.FeeBps, "close_ts": p.CloseTs,
			"yes_pool": yesPool, "no_pool": noPool,
		})
	})
	if err != nil {
		return nil, err
	}
	e.flush(events)
	return mkt, nil
}

// ── Close ────────────────────────────────────────────

func (e *Engine) Close(ctx context.Context, caller solana.PublicKey, key model.MarketKey) error {
	var events []*model.Event
	err := e.store.InTx(ctx, func(tx Tx) error {
		mkt, err := e.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if !caller.Equals(mkt.Creator()) {
			return ErrUnauthorized
		}
		if mkt.Status != model.StatusOpen {
			return ErrInvalidState
		}
		if e.clock.Now().Unix() < mkt.CloseTs {
			return ErrTooEarly
		}
		mkt.Status = model.StatusClosed
		if err := tx.UpdateMarket(ctx, mkt); err != nil {
			return err
		}
		return e.record(ctx, tx, &events, mkt.Address, model.EventMarketClosed, map[string]any{
			"yes_total": mkt.YesTotal, "no_total": mkt.NoTotal,
		})
	})
	if err != nil {
		return err
	}
	e.flush(events)
	return nil
}

// ── Place Bet ────────────────────────────────────────

func (e *Engine) PlaceBet(ctx context.Context, user solana.PublicKey, key model.MarketKey, side model.Side, amount uint64) error {
	if !side.Valid() {
		return ErrInvalidBet
	}
	var events []*model.Event
	err := e.store.InTx(ctx, func(tx Tx) error {
		mkt, err := e.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if mkt.Status != model.StatusOpen {
			return ErrInvalidState
		}
		if e.clock.Now().Unix() >= mkt.CloseTs {
			return ErrMarketClosed
		}
		if amount == 0 {
			return ErrZeroAmount
		}

		total, err := settlement.Add(mkt.Total(side), amount)
		if err != nil {
			return ErrOverflow
		}
		mkt.SetTotal(side, total)

		betAddr, _, err := e.addrs.Bet(mkt.Address, user, side)
		if err != nil {
			return err
		}
		bet, err := tx.GetBet(ctx, betAddr)
		if err != nil {
			return err
		}
		bet, err = accumulate(bet, betAddr, user, mkt.Address, side, amount)
		if err != nil {
			return err
		}

		pool, _, err := e.addrs.Pool(mkt.Address, side)
		if err != nil {
			return err
		}
		if err := e.transfer(ctx, tx, user, pool, amount, ledger.UserAuthority(user)); err != nil {
			return err
		}
		if err := tx.UpdateMarket(ctx, mkt); err != nil {
			return err
		}
		if err := tx.PutBet(ctx, bet); err != nil {
			return err
		}
		return e.record(ctx, tx, &events, mkt.Address, model.EventBetPlaced, map[string]any{
			"user": user, "side": side, "amount": amount,
			"entry_amount": bet.Amount, "side_total": total,
		})
	})
	if err != nil {
		return err
	}
	e.flush(events)
	return nil
}

// accumulate creates the entry with fresh defaults when absent, otherwise
// checks the stored side and merges the stake.
func accumulate(existing *model.Bet, addr, user, market solana.PublicKey, side model.Side, amount uint64) (*model.Bet, error) {
	if existing == nil {
		return &model.Bet{
			Address: addr,
			User:    user,
			Market:  market,
			Side:    side,
			Amount:  amount,
			Claimed: false,
		}, nil
	}
	if existing.Side != side {
		return nil, ErrWrongSide
	}
	sum, err := settlement.Add(existing.Amount, amount)
	if err != nil {
		return nil, ErrOverflow
	}
	existing.Amount = sum
	return existing, nil
}

// ── Resolve ──────────────────────────────────────────

func (e *Engine) Resolve(ctx context.Context, resolver solana.PublicKey, key model.MarketKey, outcome model.Side) error {
	if !outcome.Valid() {
		return ErrInvalidBet
	}
	var events []*model.Event
	err := e.store.InTx(ctx, func(tx Tx) error {
		mkt, err := e.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if mkt.Status != model.StatusClosed {
			return ErrInvalidState
		}
		if !resolver.Equals(mkt.Resolver) {
			return ErrUnauthorized
		}
		mkt.Status = model.StatusResolved
		mkt.Outcome = model.Decided(outcome)

		winner, loser := outcome, outcome.Opposite()
		winnerPool, _, err := e.addrs.Pool(mkt.Address, winner)
		if err != nil {
			return err
		}
		loserPool, _, err := e.addrs.Pool(mkt.Address, loser)
		if err != nil {
			return err
		}
		vault, _, err := e.addrs.FeeVault()
		if err != nil {
			return err
		}
		winnerBal, err := tx.Balance(ctx, winnerPool)
		if err != nil {
			return err
		}
		loserBal, err := tx.Balance(ctx, loserPool)
		if err != nil {
			return err
		}

		plan, err := settlement.PlanResolve(winnerBal, loserBal, mkt.FeeBps)
		if err != nil {
			return fromSettlement(err)
		}
		if err := e.transfer(ctx, tx, loserPool, vault, plan.FeeFromLoser, e.poolAuthority(mkt, loser)); err != nil {
			return err
		}
		if err := e.transfer(ctx, tx, winnerPool, vault, plan.FeeFromWinner, e.poolAuthority(mkt, winner)); err != nil {
			return err
		}
		if err := e.transfer(ctx, tx, loserPool, winnerPool, plan.Sweep, e.poolAuthority(mkt, loser)); err != nil {
			return err
		}

		if err := tx.UpdateMarket(ctx, mkt); err != nil {
			return err
		}
		return e.record(ctx, tx, &events, mkt.Address, model.EventMarketResolved, map[string]any{
			"outcome": outcome, "resolver": resolver, "plan": plan,
		})
	})
	if err != nil {
		return err
	}
	e.flush(events)
	return nil
}

// ── Claim ────────────────────────────────────────────

func (e *Engine) Claim(ctx context.Context, user solana.PublicKey, key model.MarketKey) (uint64, error) {
	var payout uint64
	var events []*model.Event
	err := e.store.InTx(ctx, func(tx Tx) error {
		mkt, err := e.load(ctx, tx, key)
		if err != nil {
			return err
		}
		if mkt.Status != model.StatusResolved {
			return ErrInvalidState
		}
		out, ok := mkt.Outcome.Side()
		if !ok {
			return ErrInvalidState
		}

		bet, err := e.claimableEntry(ctx, tx, mkt, user, out)
		if err != nil {
			return err
		}
		if bet.Claimed {
			return ErrAlreadyClaimed
		}
		if !bet.Market.Equals(mkt.Address) {
			return ErrInvalidBet
		}
		if !bet.User.Equals(user) {
			return ErrUnauthorized
		}
		if bet.Side != out {
			return ErrLoserCannotClaim
		}

		payout, err = settlement.Payout(mkt.YesTotal, mkt.NoTotal, mkt.Total(out), bet.Amount, mkt.FeeBps)
		if err != nil {
			return fromSettlement(err)
		}
		pool, _, err := e.addrs.Pool(mkt.Address, out)
		if err != nil {
			return err
		}
		if err := e.transfer(ctx, tx, pool, user, payout, e.poolAuthority(mkt, out)); err != nil {
			return err
		}
		bet.Claimed = true
		if err := tx.PutBet(ctx, bet); err != nil {
			return err
		}
		return e.record(ctx, tx, &events, mkt.Address, model.EventClaimed, map[string]any{
			"user": user, "stake": bet.Amount, "payout": payout,
		})
	})
	if err != nil {
		return 0, err
	}
	e.flush(events)
	return payout, nil
}

// claimableEntry loads the caller's entry on the winning side. A caller
// holding only a losing entry gets ErrLoserCannotClaim; one holding
// nothing gets ErrInvalidBet.
func (e *Engine) claimableEntry(ctx context.Context, tx Tx, mkt *model.Market, user solana.PublicKey, out model.Side) (*model.Bet, error) {
	addr, _, err := e.addrs.Bet(mkt.Address, user, out)
	if err != nil {
		return nil, err
	}
	bet, err := tx.GetBet(ctx, addr)
	if err != nil {
		return nil, err
	}
	if bet != nil {
		return bet, nil
	}
	loserAddr, _, err := e.addrs.Bet(mkt.Address, user, out.Opposite())
	if err != nil {
		return nil, err
	}
	lost, err := tx.GetBet(ctx, loserAddr)
	if err != nil {
		return nil, err
	}
	if lost != nil {
		return nil, ErrLoserCannotClaim
	}
	return nil, ErrInvalidBet
}

// ── Reads ────────────────────────────────────────────

func (e *Engine) Market(ctx context.Context, key model.MarketKey) (*model.Market, error) {
	var mkt *model.Market
	err := e.store.InTx(ctx, func(tx Tx) error {
		var err error
		mkt, err = e.load(ctx, tx, key)
		return err
	})
	return mkt, err
}

// Bet returns the user's entry on one side, or nil if there is none.
func (e *Engine) Bet(ctx context.Context, key model.MarketKey, user solana.PublicKey, side model.Side) (*model.Bet, error) {
	var bet *model.Bet
	err := e.store.InTx(ctx, func(tx Tx) error {
		mkt, err := e.load(ctx, tx, key)
		if err != nil {
			return err
		}
		addr, _, err := e.addrs.Bet(mkt.Address, user, side)
		if err != nil {
			return err
		}
		bet, err = tx.GetBet(ctx, addr)
		return err
	})
	return bet, err
}

func (e *Engine) Pools(ctx context.Context, key model.MarketKey) (model.PoolBalances, error) {
	var out model.PoolBalances
	err := e.store.InTx(ctx, func(tx Tx) error {
		mkt, err := e.load(ctx, tx, key)
		if err != nil {
			return err
		}
		for _, side := range []model.Side{model.SideYes, model.SideNo} {
			pool, _, err := e.addrs.Pool(mkt.Address, side)
			if err != nil {
				return err
			}
			bal, err := tx.Balance(ctx, pool)
			if err != nil {
				return err
			}
			if side == model.SideYes {
				out.Yes = bal
			} else {
				out.No = bal
			}
		}
		return nil
	})
	return out, err
}

func (e *Engine) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return e.store.ListMarkets(ctx)
}

// ── Helpers ──────────────────────────────────────────

func (e *Engine) load(ctx context.Context, tx Tx, key model.MarketKey) (*model.Market, error) {
	addr, _, err := e.addrs.Market(key.Creator, key.ID)
	if err != nil {
		return nil, err
	}
	mkt, err := tx.GetMarket(ctx, addr)
	if err != nil {
		return nil, err
	}
	if mkt == nil {
		return nil, ErrMarketNotFound
	}
	return mkt, nil
}

// poolAuthority is the signing capability for a pool the program owns.
// It is built from the market's own seeds and never leaves this package.
func (e *Engine) poolAuthority(mkt *model.Market, side model.Side) ledger.Authority {
	return ledger.ProgramAuthority(e.addrs.ProgramID(), address.PoolSeeds(mkt.Address, side), mkt.PoolBump(side))
}

func (e *Engine) transfer(ctx context.Context, tx Tx, from, to solana.PublicKey, amount uint64, auth ledger.Authority) error {
	if amount == 0 {
		return nil
	}
	err := tx.Transfer(ctx, from, to, amount, auth)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return ErrInsufficientFunds
	case errors.Is(err, ledger.ErrBalanceOverflow):
		return ErrOverflow
	case errors.Is(err, ledger.ErrUnauthorizedTransfer):
		return ErrUnauthorized
	}
	return fmt.Errorf("transfer %s -> %s: %w", from, to, err)
}

func fromSettlement(err error) error {
	switch {
	case errors.Is(err, settlement.ErrOverflow):
		return ErrOverflow
	case errors.Is(err, settlement.ErrNothingToClaim):
		return ErrNothingToClaim
	}
	return err
}

func (e *Engine) record(ctx context.Context, tx Tx, events *[]*model.Event, market solana.PublicKey, typ model.EventType, payload map[string]any) error {
	ev := &model.Event{
		ID:        uuid.New().String(),
		Market:    market,
		Type:      typ,
		Payload:   payload,
		CreatedAt: e.clock.Now().UTC(),
	}
	if err := tx.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append %s event: %w", typ, err)
	}
	*events = append(*events, ev)
	return nil
}

// flush publishes events of a committed unit of work.
func (e *Engine) flush(events []*model.Event) {
	if e.publish == nil {
		return
	}
	for _, ev := range events {
		e.publish(ev.Market.String(), string(ev.Type), ev)
	}
}
