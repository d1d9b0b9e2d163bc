package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"escrow-market/internal/model"
)

// ── Manager ──────────────────────────────────────────

// Manager serializes operations per market: every market gets one loop
// goroutine consuming a command channel, so two operations on the same
// market never interleave while distinct markets proceed in parallel.
type Manager struct {
	engine *Engine
	loops  map[model.MarketKey]*marketLoop
	mu     sync.RWMutex
	idle   time.Duration
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// DefaultLoopIdle is how long a market loop waits for work before exiting.
const DefaultLoopIdle = 15 * time.Minute

type ManagerOption func(*Manager)

// WithLoopIdle sets the idle period after which a market loop exits. The
// next operation on that market starts a fresh loop.
func WithLoopIdle(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.idle = d
		}
	}
}

func NewManager(eng *Engine, opts ...ManagerOption) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engine: eng,
		loops:  make(map[model.MarketKey]*marketLoop),
		idle:   DefaultLoopIdle,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Engine() *Engine { return m.engine }

// ActiveLoops reports how many market loops are running.
func (m *Manager) ActiveLoops() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.loops)
}

// Boot starts loops for every market that can still change state.
func (m *Manager) Boot(ctx context.Context) error {
	markets, err := m.engine.ListMarkets(ctx)
	if err != nil {
		return err
	}
	started := 0
	for _, mkt := range markets {
		if mkt.Status == model.StatusResolved {
			continue
		}
		m.loop(mkt.Key)
		started++
	}
	log.Printf("[engine] booted %d market loops (%d markets total)", started, len(markets))
	return nil
}

// Shutdown stops all loops and waits for in-flight commands to finish.
func (m *Manager) Shutdown() {
	m.cancel()
	m.wg.Wait()
}

func (m *Manager) loop(key model.MarketKey) *marketLoop {
	m.mu.RLock()
	l, ok := m.loops[key]
	m.mu.RUnlock()
	if ok {
		return l
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.loops[key]; ok {
		return l
	}
	l = &marketLoop{key: key, cmdCh: make(chan command, 64)}
	m.loops[key] = l
	m.wg.Add(1)
	// Loops outlive the request that started them.
	go func() {
		defer m.wg.Done()
		m.run(l)
	}()
	return l
}

// retire removes l if nothing is queued for it. Submitters reserve a slot
// under l.mu before sending, so a retired loop never has commands left.
func (m *Manager) retire(l *marketLoop) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pending > 0 {
		return false
	}
	l.stopped = true
	if m.loops[l.key] == l {
		delete(m.loops, l.key)
	}
	return true
}

// loopFor returns the loop of an existing market, starting it on demand.
func (m *Manager) loopFor(ctx context.Context, key model.MarketKey) (*marketLoop, error) {
	m.mu.RLock()
	l, ok := m.loops[key]
	m.mu.RUnlock()
	if ok {
		return l, nil
	}
	if _, err := m.engine.Market(ctx, key); err != nil {
		return nil, err
	}
	return m.loop(key), nil
}

// ── Operations ───────────────────────────────────────

func (m *Manager) CreateMarket(ctx context.Context, creator solana.PublicKey, p CreateParams) (*model.Market, error) {
	mkt, err := m.engine.CreateMarket(ctx, creator, p)
	if err != nil {
		return nil, err
	}
	m.loop(mkt.Key)
	return mkt, nil
}

func (m *Manager) Close(ctx context.Context, caller solana.PublicKey, key model.MarketKey) error {
	ch := make(chan error, 1)
	if err := m.submit(ctx, key, closeCmd{ctx: ctx, caller: caller, key: key, ch: ch}); err != nil {
		return err
	}
	return wait(ctx, ch)
}

func (m *Manager) PlaceBet(ctx context.Context, user solana.PublicKey, key model.MarketKey, side model.Side, amount uint64) error {
	ch := make(chan error, 1)
	if err := m.submit(ctx, key, betCmd{ctx: ctx, user: user, key: key, side: side, amount: amount, ch: ch}); err != nil {
		return err
	}
	return wait(ctx, ch)
}

func (m *Manager) Resolve(ctx context.Context, resolver solana.PublicKey, key model.MarketKey, outcome model.Side) error {
	ch := make(chan error, 1)
	if err := m.submit(ctx, key, resolveCmd{ctx: ctx, resolver: resolver, key: key, outcome: outcome, ch: ch}); err != nil {
		return err
	}
	return wait(ctx, ch)
}

func (m *Manager) Claim(ctx context.Context, user solana.PublicKey, key model.MarketKey) (uint64, error) {
	ch := make(chan claimResult, 1)
	if err := m.submit(ctx, key, claimCmd{ctx: ctx, user: user, key: key, ch: ch}); err != nil {
		return 0, err
	}
	select {
	case res := <-ch:
		return res.payout, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (m *Manager) submit(ctx context.Context, key model.MarketKey, cmd command) error {
	for {
		l, err := m.loopFor(ctx, key)
		if err != nil {
			return err
		}
		if !l.reserve() {
			// Retired between lookup and reservation.
			continue
		}
		select {
		case l.cmdCh <- cmd:
			return nil
		case <-ctx.Done():
			l.release()
			return ctx.Err()
		case <-m.ctx.Done():
			l.release()
			return fmt.Errorf("market %s: manager stopped", key)
		}
	}
}

func wait(ctx context.Context, ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ── Market loop ──────────────────────────────────────

type marketLoop struct {
	key   model.MarketKey
	cmdCh chan command

	mu      sync.Mutex
	pending int
	stopped bool
}

func (l *marketLoop) reserve() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped {
		return false
	}
	l.pending++
	return true
}

func (l *marketLoop) release() {
	l.mu.Lock()
	l.pending--
	l.mu.Unlock()
}

func (m *Manager) run(l *marketLoop) {
	idle := time.NewTimer(m.idle)
	defer idle.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case cmd := <-l.cmdCh:
			cmd.exec(m.engine)
			l.release()
		case <-idle.C:
			if m.retire(l) {
				return
			}
		}
		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(m.idle)
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *Engine) }

type closeCmd struct {
	ctx    context.Context
	caller solana.PublicKey
	key    model.MarketKey
	ch     chan<- error
}

type betCmd struct {
	ctx    context.Context
	user   solana.PublicKey
	key    model.MarketKey
	side   model.Side
	amount uint64
	ch     chan<- error
}

type resolveCmd struct {
	ctx      context.Context
	resolver solana.PublicKey
	key      model.MarketKey
	outcome  model.Side
	ch       chan<- error
}

type claimResult struct {
	payout uint64
	err    error
}

type claimCmd struct {
	ctx  context.Context
	user solana.PublicKey
	key  model.MarketKey
	ch   chan<- claimResult
}

func (c closeCmd) exec(e *Engine) { c.ch <- e.Close(c.ctx, c.caller, c.key) }

func (c betCmd) exec(e *Engine) { c.ch <- e.PlaceBet(c.ctx, c.user, c.key, c.side, c.amount) }

func (c resolveCmd) exec(e *Engine) { c.ch <- e.Resolve(c.ctx, c.resolver, c.key, c.outcome) }

func (c claimCmd) exec(e *Engine) {
	payout, err := e.Claim(c.ctx, c.user, c.key)
	c.ch <- claimResult{payout: payout, err: err}
}
