package engine_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"

	"escrow-market/internal/address"
	"escrow-market/internal/engine"
	"escrow-market/internal/memstore"
	"escrow-market/internal/model"
	"escrow-market/internal/settlement"
)

var (
	programID = pk(200)
	creator   = pk(1)
	resolver  = pk(2)
	alice     = pk(10)
	bob       = pk(11)
	carol     = pk(12)
)

const start = int64(1_700_000_000)

// pk returns the public half of a keypair seeded with b.
func pk(b byte) solana.PublicKey {
	seed := bytes.Repeat([]byte{b}, ed25519.SeedSize)
	return solana.PrivateKey(ed25519.NewKeyFromSeed(seed)).PublicKey()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(unix int64) {
	c.mu.Lock()
	c.now = time.Unix(unix, 0)
	c.mu.Unlock()
}

type fixture struct {
	t      *testing.T
	ctx    context.Context
	store  *memstore.Store
	addrs  *address.Deriver
	clock  *fakeClock
	eng    *engine.Engine
	mu     sync.Mutex
	events []string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		store: memstore.New(),
		addrs: address.New(programID),
		clock: &fakeClock{now: time.Unix(start, 0)},
	}
	f.eng = engine.New(f.store, f.addrs,
		engine.WithClock(f.clock),
		engine.WithPublisher(func(marketID, msgType string, data any) {
			f.mu.Lock()
			f.events = append(f.events, msgType)
			f.mu.Unlock()
		}),
	)
	return f
}

func (f *fixture) fund(user solana.PublicKey, amount uint64) {
	f.t.Helper()
	if _, err := f.store.Deposit(f.ctx, user, amount); err != nil {
		f.t.Fatalf("deposit: %v", err)
	}
}

func (f *fixture) create(feeBps uint16) model.MarketKey {
	f.t.Helper()
	mkt, err := f.eng.CreateMarket(f.ctx, creator, engine.CreateParams{
		Resolver: resolver, FeeBps: feeBps, CloseTs: start + 3600,
	})
	if err != nil {
		f.t.Fatalf("create market: %v", err)
	}
	return mkt.Key
}

func (f *fixture) bet(user solana.PublicKey, key model.MarketKey, side model.Side, amount uint64) {
	f.t.Helper()
	if err := f.eng.PlaceBet(f.ctx, user, key, side, amount); err != nil {
		f.t.Fatalf("place bet %s %d: %v", side, amount, err)
	}
}

func (f *fixture) closeMarket(key model.MarketKey) {
	f.t.Helper()
	f.clock.Set(start + 3600)
	if err := f.eng.Close(f.ctx, creator, key); err != nil {
		f.t.Fatalf("close: %v", err)
	}
}

func (f *fixture) market(key model.MarketKey) *model.Market {
	f.t.Helper()
	m, err := f.eng.Market(f.ctx, key)
	if err != nil {
		f.t.Fatalf("load market: %v", err)
	}
	return m
}

func (f *fixture) pools(key model.MarketKey) model.PoolBalances {
	f.t.Helper()
	p, err := f.eng.Pools(f.ctx, key)
	if err != nil {
		f.t.Fatalf("pools: %v", err)
	}
	return p
}

func (f *fixture) balance(acct solana.PublicKey) uint64 {
	f.t.Helper()
	b, err := f.store.Balance(f.ctx, acct)
	if err != nil {
		f.t.Fatal(err)
	}
	return b
}

func (f *fixture) feeVault() solana.PublicKey {
	v, _, err := f.addrs.FeeVault()
	if err != nil {
		f.t.Fatal(err)
	}
	return v
}

func expectErr(t *testing.T, err, want error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
}

// ── Scenarios ────────────────────────────────────────

func TestScenarioFeeTakenFromLoser(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 1000)
	f.fund(bob, 3000)
	key := f.create(500)

	f.bet(alice, key, model.SideYes, 1000)
	f.bet(bob, key, model.SideNo, 3000)
	f.closeMarket(key)

	if err := f.eng.Resolve(f.ctx, resolver, key, model.SideNo); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p := f.pools(key)
	if p.Yes != 0 || p.No != 3800 {
		t.Fatalf("pools after resolve = %+v, want yes=0 no=3800", p)
	}
	if got := f.balance(f.feeVault()); got != 200 {
		t.Fatalf("fee vault = %d, want 200", got)
	}

	payout, err := f.eng.Claim(f.ctx, bob, key)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if payout != 3800 {
		t.Fatalf("payout = %d, want 3800", payout)
	}
	if got := f.balance(bob); got != 3800 {
		t.Fatalf("bob balance = %d, want 3800", got)
	}

	_, err = f.eng.Claim(f.ctx, alice, key)
	expectErr(t, err, engine.ErrLoserCannotClaim)
	_, err = f.eng.Claim(f.ctx, bob, key)
	expectErr(t, err, engine.ErrAlreadyClaimed)
}

func TestScenarioFeeExceedsLoserPool(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 100)
	f.fund(bob, 4000)
	f.fund(carol, 6000)
	key := f.create(1000)

	f.bet(alice, key, model.SideYes, 100)
	f.bet(bob, key, model.SideNo, 4000)
	f.bet(carol, key, model.SideNo, 6000)
	f.closeMarket(key)

	if err := f.eng.Resolve(f.ctx, resolver, key, model.SideNo); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	p := f.pools(key)
	if p.Yes != 0 || p.No != 9090 {
		t.Fatalf("pools after resolve = %+v, want yes=0 no=9090", p)
	}
	if got := f.balance(f.feeVault()); got != 1010 {
		t.Fatalf("fee vault = %d, want 1010", got)
	}

	bobPay, err := f.eng.Claim(f.ctx, bob, key)
	if err != nil {
		t.Fatal(err)
	}
	carolPay, err := f.eng.Claim(f.ctx, carol, key)
	if err != nil {
		t.Fatal(err)
	}
	if bobPay != 3636 || carolPay != 5454 {
		t.Fatalf("payouts = %d/%d, want 3636/5454", bobPay, carolPay)
	}
	if got := f.pools(key).No; got != 9090-3636-5454 {
		t.Fatalf("residual = %d, want %d", got, 9090-3636-5454)
	}
}

func TestUnanimousLossLeavesPotForNoOne(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 500)
	key := f.create(100)
	f.bet(alice, key, model.SideYes, 500)
	f.closeMarket(key)

	if err := f.eng.Resolve(f.ctx, resolver, key, model.SideNo); err != nil {
		t.Fatal(err)
	}
	p := f.pools(key)
	if p.Yes != 0 || p.No != 495 {
		t.Fatalf("pools = %+v, want yes=0 no=495", p)
	}
	_, err := f.eng.Claim(f.ctx, alice, key)
	expectErr(t, err, engine.ErrLoserCannotClaim)
}

// ── Create / Close ───────────────────────────────────

func TestCreateMarketFeeBound(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.CreateMarket(f.ctx, creator, engine.CreateParams{Resolver: resolver, FeeBps: 1001, CloseTs: start + 10})
	expectErr(t, err, engine.ErrFeeTooHigh)

	markets, _ := f.eng.ListMarkets(f.ctx)
	if len(markets) != 0 {
		t.Fatalf("rejected market was stored: %d markets", len(markets))
	}

	mkt, err := f.eng.CreateMarket(f.ctx, creator, engine.CreateParams{Resolver: resolver, FeeBps: 1000, CloseTs: start + 10})
	if err != nil {
		t.Fatalf("fee at bound rejected: %v", err)
	}
	if mkt.Status != model.StatusOpen || mkt.Outcome.IsDecided() || mkt.YesTotal != 0 || mkt.NoTotal != 0 {
		t.Fatalf("unexpected fresh market: %+v", mkt)
	}
	if mkt.Key.ID != 1 {
		t.Fatalf("expected auto id 1, got %d", mkt.Key.ID)
	}
}

func TestCreateMarketIDs(t *testing.T) {
	f := newFixture(t)
	first := f.create(0)
	second := f.create(0)
	if first.ID == second.ID {
		t.Fatalf("auto ids collide: %d", first.ID)
	}

	_, err := f.eng.CreateMarket(f.ctx, creator, engine.CreateParams{MarketID: first.ID, Resolver: resolver, CloseTs: start + 10})
	expectErr(t, err, engine.ErrMarketExists)

	// Same id under a different creator is a different market.
	if _, err := f.eng.CreateMarket(f.ctx, alice, engine.CreateParams{MarketID: first.ID, Resolver: resolver, CloseTs: start + 10}); err != nil {
		t.Fatalf("create under other creator: %v", err)
	}

	if _, err := f.eng.CreateMarket(f.ctx, bob, engine.CreateParams{MarketID: math.MaxUint64, Resolver: resolver, CloseTs: start + 10}); err != nil {
		t.Fatalf("create with highest id: %v", err)
	}
	_, err = f.eng.CreateMarket(f.ctx, bob, engine.CreateParams{Resolver: resolver, CloseTs: start + 10})
	expectErr(t, err, engine.ErrOverflow)
}

func TestCloseRules(t *testing.T) {
	f := newFixture(t)
	key := f.create(0)

	expectErr(t, f.eng.Close(f.ctx, creator, key), engine.ErrTooEarly)

	f.clock.Set(start + 3600)
	expectErr(t, f.eng.Close(f.ctx, alice, key), engine.ErrUnauthorized)

	if err := f.eng.Close(f.ctx, creator, key); err != nil {
		t.Fatalf("close at deadline: %v", err)
	}
	if f.market(key).Status != model.StatusClosed {
		t.Fatal("expected CLOSED")
	}
	expectErr(t, f.eng.Close(f.ctx, creator, key), engine.ErrInvalidState)

	missing := model.MarketKey{Creator: creator, ID: 99}
	expectErr(t, f.eng.Close(f.ctx, creator, missing), engine.ErrMarketNotFound)
}

// ── Place Bet ────────────────────────────────────────

func TestPlaceBetRules(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 100)
	key := f.create(0)

	expectErr(t, f.eng.PlaceBet(f.ctx, alice, key, model.SideYes, 0), engine.ErrZeroAmount)
	expectErr(t, f.eng.PlaceBet(f.ctx, alice, key, model.SideYes, 101), engine.ErrInsufficientFunds)

	m := f.market(key)
	if m.YesTotal != 0 {
		t.Fatalf("failed bet changed totals: %d", m.YesTotal)
	}
	if bet, _ := f.eng.Bet(f.ctx, key, alice, model.SideYes); bet != nil {
		t.Fatalf("failed bet created entry: %+v", bet)
	}

	f.clock.Set(start + 3600)
	expectErr(t, f.eng.PlaceBet(f.ctx, alice, key, model.SideYes, 10), engine.ErrMarketClosed)

	if err := f.eng.Close(f.ctx, creator, key); err != nil {
		t.Fatal(err)
	}
	expectErr(t, f.eng.PlaceBet(f.ctx, alice, key, model.SideYes, 10), engine.ErrInvalidState)
	if got := f.balance(alice); got != 100 {
		t.Fatalf("alice balance = %d, want 100", got)
	}
}

func TestPlaceBetOverflow(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, math.MaxUint64)
	f.fund(bob, 10)
	key := f.create(0)

	f.bet(alice, key, model.SideYes, math.MaxUint64)
	expectErr(t, f.eng.PlaceBet(f.ctx, bob, key, model.SideYes, 1), engine.ErrOverflow)
	if got := f.balance(bob); got != 10 {
		t.Fatalf("overflowing bet moved funds: bob=%d", got)
	}
}

func TestProgramAccountsCannotBet(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 1000)
	a := f.create(0)
	b := f.create(0)
	f.bet(alice, a, model.SideYes, 1000)

	mktA := f.market(a)
	yesPoolA, _, err := f.addrs.Pool(mktA.Address, model.SideYes)
	if err != nil {
		t.Fatal(err)
	}
	vault := f.feeVault()
	f.fund(vault, 500)

	expectErr(t, f.eng.PlaceBet(f.ctx, yesPoolA, b, model.SideNo, 1000), engine.ErrUnauthorized)
	expectErr(t, f.eng.PlaceBet(f.ctx, vault, b, model.SideNo, 500), engine.ErrUnauthorized)

	if p := f.pools(a); p.Yes != 1000 || f.market(a).YesTotal != 1000 {
		t.Fatalf("market A pool = %d, total = %d, want 1000", p.Yes, f.market(a).YesTotal)
	}
	if p := f.pools(b); p.Yes != 0 || p.No != 0 {
		t.Fatalf("market B pools moved: %+v", p)
	}
	if got := f.balance(vault); got != 500 {
		t.Fatalf("fee vault = %d, want 500", got)
	}
	if bet, _ := f.eng.Bet(f.ctx, b, yesPoolA, model.SideNo); bet != nil {
		t.Fatalf("rejected bet left an entry: %+v", bet)
	}
}

func TestAccumulationMatchesSingleBet(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 1000)
	f.fund(bob, 1000)
	key := f.create(0)

	f.bet(alice, key, model.SideYes, 120)
	f.bet(alice, key, model.SideYes, 80)
	f.bet(bob, key, model.SideYes, 200)

	a, err := f.eng.Bet(f.ctx, key, alice, model.SideYes)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.eng.Bet(f.ctx, key, bob, model.SideYes)
	if err != nil {
		t.Fatal(err)
	}
	if a.Amount != b.Amount || a.Side != b.Side || a.Claimed != b.Claimed {
		t.Fatalf("split bets %+v differ from single bet %+v", a, b)
	}
}

func TestBothSidesAreIndependentEntries(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 1000)
	f.fund(bob, 300)
	key := f.create(0)

	f.bet(alice, key, model.SideYes, 300)
	f.bet(alice, key, model.SideNo, 100)
	f.bet(bob, key, model.SideNo, 300)

	yes, _ := f.eng.Bet(f.ctx, key, alice, model.SideYes)
	no, _ := f.eng.Bet(f.ctx, key, alice, model.SideNo)
	if yes == nil || no == nil || yes.Address.Equals(no.Address) {
		t.Fatalf("expected two distinct entries, got %+v / %+v", yes, no)
	}
	if yes.Side != model.SideYes || yes.Amount != 300 || no.Side != model.SideNo || no.Amount != 100 {
		t.Fatalf("entries overwritten: %+v / %+v", yes, no)
	}

	f.closeMarket(key)
	if err := f.eng.Resolve(f.ctx, resolver, key, model.SideNo); err != nil {
		t.Fatal(err)
	}
	// pot 700, no fee, winners 400: alice gets 700*100/400 = 175.
	payout, err := f.eng.Claim(f.ctx, alice, key)
	if err != nil {
		t.Fatalf("claim winning entry: %v", err)
	}
	if payout != 175 {
		t.Fatalf("payout = %d, want 175", payout)
	}
}

// ── Resolve / Claim ──────────────────────────────────

func TestResolveRules(t *testing.T) {
	f := newFixture(t)
	key := f.create(0)

	expectErr(t, f.eng.Resolve(f.ctx, resolver, key, model.SideYes), engine.ErrInvalidState)

	f.closeMarket(key)
	expectErr(t, f.eng.Resolve(f.ctx, creator, key, model.SideYes), engine.ErrUnauthorized)
	if f.market(key).Status != model.StatusClosed {
		t.Fatal("unauthorized resolve changed status")
	}

	if err := f.eng.Resolve(f.ctx, resolver, key, model.SideYes); err != nil {
		t.Fatal(err)
	}
	m := f.market(key)
	if out, ok := m.Outcome.Side(); !ok || out != model.SideYes || m.Status != model.StatusResolved {
		t.Fatalf("unexpected resolved market: %+v", m)
	}
	expectErr(t, f.eng.Resolve(f.ctx, resolver, key, model.SideNo), engine.ErrInvalidState)
	if out, _ := f.market(key).Outcome.Side(); out != model.SideYes {
		t.Fatal("outcome changed after resolution")
	}
}

func TestClaimRules(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 100)
	f.fund(bob, 100)
	key := f.create(0)
	f.bet(alice, key, model.SideYes, 100)
	f.bet(bob, key, model.SideNo, 100)

	_, err := f.eng.Claim(f.ctx, alice, key)
	expectErr(t, err, engine.ErrInvalidState)

	f.closeMarket(key)
	_, err = f.eng.Claim(f.ctx, alice, key)
	expectErr(t, err, engine.ErrInvalidState)

	if err := f.eng.Resolve(f.ctx, resolver, key, model.SideYes); err != nil {
		t.Fatal(err)
	}
	_, err = f.eng.Claim(f.ctx, carol, key)
	expectErr(t, err, engine.ErrInvalidBet)
	_, err = f.eng.Claim(f.ctx, bob, key)
	expectErr(t, err, engine.ErrLoserCannotClaim)

	payout, err := f.eng.Claim(f.ctx, alice, key)
	if err != nil || payout != 200 {
		t.Fatalf("claim = %d, %v; want 200", payout, err)
	}
	bet, _ := f.eng.Bet(f.ctx, key, alice, model.SideYes)
	if !bet.Claimed {
		t.Fatal("entry not marked claimed")
	}
}

func TestEventsPublishedOnlyOnCommit(t *testing.T) {
	f := newFixture(t)
	f.fund(alice, 10)
	key := f.create(0)
	f.bet(alice, key, model.SideYes, 10)
	_ = f.eng.PlaceBet(f.ctx, alice, key, model.SideYes, 10) // insufficient funds

	want := []string{"MarketCreated", "BetPlaced"}
	if len(f.events) != len(want) {
		t.Fatalf("events = %v, want %v", f.events, want)
	}
	for i := range want {
		if f.events[i] != want[i] {
			t.Fatalf("events = %v, want %v", f.events, want)
		}
	}

	logged, _ := f.store.ListEvents(f.ctx, nil, 10)
	if len(logged) != 2 {
		t.Fatalf("event log has %d entries, want 2", len(logged))
	}
}

// ── Properties ───────────────────────────────────────

func TestConservationAndProportionality(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 25; round++ {
		f := newFixture(t)
		fee := uint16(rng.Intn(settlement.MaxFeeBps + 1))
		key := f.create(fee)

		users := make([]solana.PublicKey, 2+rng.Intn(8))
		for i := range users {
			users[i] = pk(byte(20 + i))
			f.fund(users[i], 1_000_000)
		}
		stakes := map[model.Side]map[solana.PublicKey]uint64{
			model.SideYes: {}, model.SideNo: {},
		}
		for n := 0; n < 30; n++ {
			u := users[rng.Intn(len(users))]
			side := model.Side(rng.Intn(2))
			amt := 1 + uint64(rng.Intn(10_000))
			f.bet(u, key, side, amt)
			stakes[side][u] += amt

			m := f.market(key)
			p := f.pools(key)
			if p.Yes != m.YesTotal || p.No != m.NoTotal {
				t.Fatalf("round %d: pools %+v != totals %d/%d", round, p, m.YesTotal, m.NoTotal)
			}
			for _, side := range []model.Side{model.SideYes, model.SideNo} {
				var sum uint64
				for _, v := range stakes[side] {
					sum += v
				}
				if sum != m.Total(side) {
					t.Fatalf("round %d: entries %d != %s total %d", round, sum, side, m.Total(side))
				}
			}
		}

		f.closeMarket(key)
		outcome := model.Side(rng.Intn(2))
		if err := f.eng.Resolve(f.ctx, resolver, key, outcome); err != nil {
			t.Fatal(err)
		}
		m := f.market(key)
		dist, err := settlement.Distributable(m.YesTotal, m.NoTotal, fee)
		if err != nil {
			t.Fatal(err)
		}
		p := f.pools(key)
		if p.Total(outcome.Opposite()) != 0 || p.Total(outcome) != dist {
			t.Fatalf("round %d: pools after resolve %+v, distributable %d", round, p, dist)
		}

		var paid uint64
		for u := range stakes[outcome] {
			got, err := f.eng.Claim(f.ctx, u, key)
			if err != nil {
				t.Fatalf("round %d: claim: %v", round, err)
			}
			paid += got
		}
		if winners := m.Total(outcome); winners > 0 {
			if paid > dist || dist-paid >= winners {
				t.Fatalf("round %d: paid %d of %d (winners %d)", round, paid, dist, winners)
			}
		}
		if got := f.pools(key).Total(outcome); got != dist-paid {
			t.Fatalf("round %d: residual pool %d, want %d", round, got, dist-paid)
		}
	}
}
