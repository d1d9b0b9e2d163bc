// Package memstore is an in-process Store and ledger. Each unit of work runs
// against a staged copy of the state that replaces the committed state only
// when the work succeeds.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"escrow-market/internal/engine"
	"escrow-market/internal/ledger"
	"escrow-market/internal/model"
	"escrow-market/internal/settlement"
)

type state struct {
	markets  map[solana.PublicKey]model.Market
	bets     map[solana.PublicKey]model.Bet
	balances map[solana.PublicKey]uint64
	nextID   map[solana.PublicKey]uint64
}

func newState() *state {
	return &state{
		markets:  make(map[solana.PublicKey]model.Market),
		bets:     make(map[solana.PublicKey]model.Bet),
		balances: make(map[solana.PublicKey]uint64),
		nextID:   make(map[solana.PublicKey]uint64),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.markets {
		c.markets[k] = v
	}
	for k, v := range s.bets {
		c.bets[k] = v
	}
	for k, v := range s.balances {
		c.balances[k] = v
	}
	for k, v := range s.nextID {
		c.nextID[k] = v
	}
	return c
}

type Store struct {
	mu     sync.Mutex
	state  *state
	events []model.Event
	users  map[string]model.User // by email
}

func New() *Store {
	return &Store{state: newState(), users: make(map[string]model.User)}
}

// InTx runs fn under the store lock against a staged copy of the state.
func (s *Store) InTx(ctx context.Context, fn func(engine.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{st: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.st
	s.events = append(s.events, tx.events...)
	return nil
}

func (s *Store) ListMarkets(ctx context.Context) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Market, 0, len(s.state.markets))
	for _, m := range s.state.markets {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// ── Ledger (outside a unit of work) ──────────────────

func (s *Store) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.balances[account], nil
}

// Deposit credits an account from outside the system.
func (s *Store) Deposit(ctx context.Context, account solana.PublicKey, amount uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, err := settlement.Add(s.state.balances[account], amount)
	if err != nil {
		return 0, ledger.ErrBalanceOverflow
	}
	s.state.balances[account] = bal
	return bal, nil
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, wallet solana.PublicKey, role model.Role) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(email)
	if _, ok := s.users[key]; ok {
		return nil, model.ErrDuplicateUser
	}
	for _, u := range s.users {
		if u.Wallet.Equals(wallet) {
			return nil, model.ErrDuplicateUser
		}
	}
	u := model.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: hash,
		Wallet:       wallet,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[key] = u
	return &u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[strings.ToLower(email)]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// ── Event Log ────────────────────────────────────────

func (s *Store) ListEvents(ctx context.Context, market *solana.PublicKey, limit int) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.events[i]
		if market != nil && !ev.Market.Equals(*market) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

// ── Tx ───────────────────────────────────────────────

type Tx struct {
	st     *state
	events []model.Event
}

var _ engine.Tx = (*Tx)(nil)

func (t *Tx) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return t.st.balances[account], nil
}

func (t *Tx) Transfer(ctx context.Context, from, to solana.PublicKey, amount uint64, auth ledger.Authority) error {
	if err := ledger.Check(from, auth); err != nil {
		return err
	}
	if amount == 0 {
		return nil
	}
	fromBal := t.st.balances[from]
	if fromBal < amount {
		return ledger.ErrInsufficientFunds
	}
	t.st.balances[from] = fromBal - amount
	toBal, err := settlement.Add(t.st.balances[to], amount)
	if err != nil {
		return ledger.ErrBalanceOverflow
	}
	t.st.balances[to] = toBal
	return nil
}

func (t *Tx) OpenAccount(ctx context.Context, account solana.PublicKey) error {
	if _, ok := t.st.balances[account]; !ok {
		t.st.balances[account] = 0
	}
	return nil
}

func (t *Tx) NextMarketID(ctx context.Context, creator solana.PublicKey) (uint64, error) {
	id, err := settlement.Add(t.st.nextID[creator], 1)
	if err != nil {
		return 0, engine.ErrOverflow
	}
	t.st.nextID[creator] = id
	return id, nil
}

func (t *Tx) GetMarket(ctx context.Context, addr solana.PublicKey) (*model.Market, error) {
	m, ok := t.st.markets[addr]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (t *Tx) InsertMarket(ctx context.Context, m *model.Market) error {
	if _, ok := t.st.markets[m.Address]; ok {
		return fmt.Errorf("market %s already stored", m.Address)
	}
	t.st.markets[m.Address] = *m
	if m.Key.ID > t.st.nextID[m.Key.Creator] {
		t.st.nextID[m.Key.Creator] = m.Key.ID
	}
	return nil
}

func (t *Tx) UpdateMarket(ctx context.Context, m *model.Market) error {
	if _, ok := t.st.markets[m.Address]; !ok {
		return fmt.Errorf("market %s not stored", m.Address)
	}
	t.st.markets[m.Address] = *m
	return nil
}

func (t *Tx) GetBet(ctx context.Context, addr solana.PublicKey) (*model.Bet, error) {
	b, ok := t.st.bets[addr]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (t *Tx) PutBet(ctx context.Context, b *model.Bet) error {
	t.st.bets[b.Address] = *b
	return nil
}

func (t *Tx) AppendEvent(ctx context.Context, ev *model.Event) error {
	t.events = append(t.events, *ev)
	return nil
}
