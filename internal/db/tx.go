package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"escrow-market/internal/engine"
	"escrow-market/internal/ledger"
	"escrow-market/internal/model"
	"escrow-market/internal/settlement"
)

// Tx is the engine's view of one database transaction.
type Tx struct {
	tx *sql.Tx
}

var _ engine.Tx = (*Tx)(nil)

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ── Ledger ───────────────────────────────────────────

func balance(ctx context.Context, q queryer, account solana.PublicKey, lock bool) (uint64, error) {
	query := `SELECT balance FROM accounts WHERE account=$1`
	if lock {
		query += ` FOR UPDATE`
	}
	var bal decimal.Decimal
	err := q.QueryRowContext(ctx, query, account.String()).Scan(&bal)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return fromNumeric(bal)
}

func (t *Tx) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return balance(ctx, t.tx, account, false)
}

func (t *Tx) Transfer(ctx context.Context, from, to solana.PublicKey, amount uint64, auth ledger.Authority) error {
	if err := ledger.Check(from, auth); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	for _, acct := range []solana.PublicKey{from, to} {
		if err := t.OpenAccount(ctx, acct); err != nil {
			return err
		}
	}
	bals, err := t.lockBalances(ctx, from, to)
	if err != nil {
		return err
	}
	fromBal := bals[from]
	if fromBal < amount {
		return ledger.ErrInsufficientFunds
	}
	if from.Equals(to) {
		return t.journal(ctx, &from, to, amount)
	}
	toBal, err := settlement.Add(bals[to], amount)
	if err != nil {
		return ledger.ErrBalanceOverflow
	}
	if err := t.setBalance(ctx, from, fromBal-amount); err != nil {
		return err
	}
	if err := t.setBalance(ctx, to, toBal); err != nil {
		return err
	}
	return t.journal(ctx, &from, to, amount)
}

// lockBalances locks the given accounts in address order so concurrent
// transfers between the same pair cannot deadlock.
func (t *Tx) lockBalances(ctx context.Context, accounts ...solana.PublicKey) (map[solana.PublicKey]uint64, error) {
	keys := make([]string, 0, len(accounts))
	for _, a := range accounts {
		keys = append(keys, a.String())
	}
	sort.Strings(keys)
	rows, err := t.tx.QueryContext(ctx,
		`SELECT account, balance FROM accounts WHERE account = ANY($1) ORDER BY account FOR UPDATE`,
		pq.Array(keys))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[solana.PublicKey]uint64, len(accounts))
	for rows.Next() {
		var (
			acct string
			bal  decimal.Decimal
		)
		if err := rows.Scan(&acct, &bal); err != nil {
			return nil, err
		}
		var d decoder
		k := d.key(acct)
		out[k] = d.amount(bal)
		if d.err != nil {
			return nil, d.err
		}
	}
	return out, rows.Err()
}

func (t *Tx) setBalance(ctx context.Context, account solana.PublicKey, bal uint64) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE accounts SET balance=$1, updated_at=now() WHERE account=$2`, toNumeric(bal), account.String())
	return err
}

func (t *Tx) journal(ctx context.Context, from *solana.PublicKey, to solana.PublicKey, amount uint64) error {
	var src sql.NullString
	if from != nil {
		src = sql.NullString{String: from.String(), Valid: true}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO transfers (id, from_account, to_account, amount) VALUES ($1,$2,$3,$4)`,
		uuid.New(), src, to.String(), toNumeric(amount))
	return err
}

func (t *Tx) OpenAccount(ctx context.Context, account solana.PublicKey) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO accounts (account) VALUES ($1) ON CONFLICT (account) DO NOTHING`, account.String())
	return err
}

// ── Markets ──────────────────────────────────────────

const marketCols = `address, creator, market_id, resolver, fee_bps, status, close_ts,
	yes_total, no_total, outcome, bump, yes_pool_bump, no_pool_bump, created_at`

func scanMarket(row rowScanner) (*model.Market, error) {
	var (
		m                       model.Market
		addr, creator, resolver string
		status                  string
		id, yes, no             decimal.Decimal
		outcome                 sql.NullString
		fee                     int
		bump, yesBump, noBump   int16
	)
	if err := row.Scan(&addr, &creator, &id, &resolver, &fee, &status, &m.CloseTs,
		&yes, &no, &outcome, &bump, &yesBump, &noBump, &m.CreatedAt); err != nil {
		return nil, err
	}
	var d decoder
	m.Address = d.key(addr)
	m.Key = model.MarketKey{Creator: d.key(creator), ID: d.amount(id)}
	m.Resolver = d.key(resolver)
	m.YesTotal = d.amount(yes)
	m.NoTotal = d.amount(no)
	if d.err != nil {
		return nil, d.err
	}
	st, err := model.ParseStatus(status)
	if err != nil {
		return nil, err
	}
	m.Status = st
	m.Outcome = model.Unresolved()
	if outcome.Valid {
		side, err := model.ParseSide(outcome.String)
		if err != nil {
			return nil, err
		}
		m.Outcome = model.Decided(side)
	}
	m.FeeBps = uint16(fee)
	m.Bump, m.YesPoolBump, m.NoPoolBump = uint8(bump), uint8(yesBump), uint8(noBump)
	return &m, nil
}

func outcomeColumn(o model.Outcome) sql.NullString {
	side, ok := o.Side()
	if !ok {
		return sql.NullString{}
	}
	return sql.NullString{String: side.String(), Valid: true}
}

func (t *Tx) NextMarketID(ctx context.Context, creator solana.PublicKey) (uint64, error) {
	var highest decimal.Decimal
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(market_id),0) FROM markets WHERE creator=$1`, creator.String(),
	).Scan(&highest)
	if err != nil {
		return 0, err
	}
	cur, err := fromNumeric(highest)
	if err != nil {
		return 0, err
	}
	next, err := settlement.Add(cur, 1)
	if err != nil {
		return 0, engine.ErrOverflow
	}
	return next, nil
}

// GetMarket locks the market row for the rest of the transaction.
func (t *Tx) GetMarket(ctx context.Context, addr solana.PublicKey) (*model.Market, error) {
	m, err := scanMarket(t.tx.QueryRowContext(ctx,
		`SELECT `+marketCols+` FROM markets WHERE address=$1 FOR UPDATE`, addr.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return m, err
}

func (t *Tx) InsertMarket(ctx context.Context, m *model.Market) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO markets (`+marketCols+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		m.Address.String(), m.Key.Creator.String(), toNumeric(m.Key.ID), m.Resolver.String(),
		int(m.FeeBps), m.Status.String(), m.CloseTs, toNumeric(m.YesTotal), toNumeric(m.NoTotal),
		outcomeColumn(m.Outcome), int16(m.Bump), int16(m.YesPoolBump), int16(m.NoPoolBump), m.CreatedAt,
	)
	if isUniqueViolation(err) {
		return engine.ErrMarketExists
	}
	return err
}

func (t *Tx) UpdateMarket(ctx context.Context, m *model.Market) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE markets SET status=$1, yes_total=$2, no_total=$3, outcome=$4 WHERE address=$5`,
		m.Status.String(), toNumeric(m.YesTotal), toNumeric(m.NoTotal), outcomeColumn(m.Outcome), m.Address.String(),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return fmt.Errorf("market %s not stored", m.Address)
	}
	return nil
}

// ── Bets ─────────────────────────────────────────────

func (t *Tx) GetBet(ctx context.Context, addr solana.PublicKey) (*model.Bet, error) {
	var (
		b                  model.Bet
		address, mkt, user string
		side               string
		amount             decimal.Decimal
	)
	err := t.tx.QueryRowContext(ctx,
		`SELECT address, market, user_key, side, amount, claimed FROM bets WHERE address=$1 FOR UPDATE`,
		addr.String(),
	).Scan(&address, &mkt, &user, &side, &amount, &b.Claimed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d decoder
	b.Address = d.key(address)
	b.Market = d.key(mkt)
	b.User = d.key(user)
	b.Amount = d.amount(amount)
	if d.err != nil {
		return nil, d.err
	}
	if b.Side, err = model.ParseSide(side); err != nil {
		return nil, err
	}
	return &b, nil
}

func (t *Tx) PutBet(ctx context.Context, b *model.Bet) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO bets (address, market, user_key, side, amount, claimed) VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (address) DO UPDATE SET amount=EXCLUDED.amount, claimed=EXCLUDED.claimed`,
		b.Address.String(), b.Market.String(), b.User.String(), b.Side.String(), toNumeric(b.Amount), b.Claimed,
	)
	return err
}

// ── Event Log ────────────────────────────────────────

func (t *Tx) AppendEvent(ctx context.Context, ev *model.Event) error {
	b, err := json.Marshal(ev.Payload)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO event_log (id, market, type, payload_json, created_at) VALUES ($1,$2,$3,$4,$5)`,
		ev.ID, ev.Market.String(), string(ev.Type), b, ev.CreatedAt,
	)
	return err
}
