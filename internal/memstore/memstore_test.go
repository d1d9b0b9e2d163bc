package memstore

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"errors"
	"math"
	"testing"

	"github.com/gagliardetto/solana-go"

	"escrow-market/internal/engine"
	"escrow-market/internal/ledger"
	"escrow-market/internal/model"
)

// key returns the public half of a keypair seeded with b.
func key(b byte) solana.PublicKey {
	seed := bytes.Repeat([]byte{b}, ed25519.SeedSize)
	return solana.PrivateKey(ed25519.NewKeyFromSeed(seed)).PublicKey()
}

func TestTransferRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, b := key(1), key(2)
	if _, err := s.Deposit(ctx, a, 100); err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err := s.InTx(ctx, func(tx engine.Tx) error {
		if err := tx.Transfer(ctx, a, b, 60, ledger.UserAuthority(a)); err != nil {
			return err
		}
		if err := tx.PutBet(ctx, &model.Bet{Address: key(3), Amount: 60}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if bal, _ := s.Balance(ctx, a); bal != 100 {
		t.Fatalf("a = %d after rollback, want 100", bal)
	}
	if bal, _ := s.Balance(ctx, b); bal != 0 {
		t.Fatalf("b = %d after rollback, want 0", bal)
	}
	_ = s.InTx(ctx, func(tx engine.Tx) error {
		if bet, _ := tx.GetBet(ctx, key(3)); bet != nil {
			t.Fatal("bet survived rollback")
		}
		return nil
	})
}

func TestTransferChecks(t *testing.T) {
	ctx := context.Background()
	s := New()
	a, b := key(1), key(2)
	s.Deposit(ctx, a, 50)
	s.Deposit(ctx, b, math.MaxUint64)

	tests := []struct {
		name   string
		from   solana.PublicKey
		to     solana.PublicKey
		amount uint64
		auth   ledger.Authority
		want   error
	}{
		{"wrong signer", a, b, 1, ledger.UserAuthority(b), ledger.ErrUnauthorizedTransfer},
		{"insufficient", a, key(3), 51, ledger.UserAuthority(a), ledger.ErrInsufficientFunds},
		{"credit overflow", a, b, 1, ledger.UserAuthority(a), ledger.ErrBalanceOverflow},
		{"ok", a, key(3), 50, ledger.UserAuthority(a), nil},
	}
	for _, tc := range tests {
		err := s.InTx(ctx, func(tx engine.Tx) error {
			return tx.Transfer(ctx, tc.from, tc.to, tc.amount, tc.auth)
		})
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if bal, _ := s.Balance(ctx, key(3)); bal != 50 {
		t.Fatalf("recipient = %d, want 50", bal)
	}
}

func TestNextMarketIDTracksExplicitIDs(t *testing.T) {
	ctx := context.Background()
	s := New()
	creator := key(1)
	err := s.InTx(ctx, func(tx engine.Tx) error {
		m := &model.Market{Key: model.MarketKey{Creator: creator, ID: 5}, Address: key(7)}
		if err := tx.InsertMarket(ctx, m); err != nil {
			return err
		}
		id, err := tx.NextMarketID(ctx, creator)
		if err != nil {
			return err
		}
		if id != 6 {
			t.Fatalf("next id = %d, want 6", id)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestNextMarketIDOverflow(t *testing.T) {
	ctx := context.Background()
	s := New()
	creator := key(1)
	err := s.InTx(ctx, func(tx engine.Tx) error {
		m := &model.Market{Key: model.MarketKey{Creator: creator, ID: math.MaxUint64}, Address: key(7)}
		return tx.InsertMarket(ctx, m)
	})
	if err != nil {
		t.Fatal(err)
	}
	err = s.InTx(ctx, func(tx engine.Tx) error {
		_, err := tx.NextMarketID(ctx, creator)
		return err
	})
	if !errors.Is(err, engine.ErrOverflow) {
		t.Fatalf("next id after MaxUint64: %v, want %v", err, engine.ErrOverflow)
	}
}

func TestUsersAndEvents(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.CreateUser(ctx, "Ann@Example.com", "h", key(1), model.RoleUser); err != nil {
		t.Fatal(err)
	}
	if _, err := s.CreateUser(ctx, "ann@example.com", "h", key(2), model.RoleUser); err == nil {
		t.Fatal("duplicate email accepted")
	}
	u, _ := s.GetUserByEmail(ctx, "ANN@example.com")
	if u == nil || !u.Wallet.Equals(key(1)) {
		t.Fatalf("lookup failed: %+v", u)
	}

	m1, m2 := key(10), key(11)
	_ = s.InTx(ctx, func(tx engine.Tx) error {
		tx.AppendEvent(ctx, &model.Event{ID: "1", Market: m1, Type: model.EventMarketCreated})
		tx.AppendEvent(ctx, &model.Event{ID: "2", Market: m2, Type: model.EventMarketCreated})
		tx.AppendEvent(ctx, &model.Event{ID: "3", Market: m1, Type: model.EventBetPlaced})
		return nil
	})
	evs, _ := s.ListEvents(ctx, &m1, 10)
	if len(evs) != 2 || evs[0].ID != "3" || evs[1].ID != "1" {
		t.Fatalf("unexpected events %+v", evs)
	}
	all, _ := s.ListEvents(ctx, nil, 2)
	if len(all) != 2 || all[0].ID != "3" {
		t.Fatalf("limit/order wrong: %+v", all)
	}
}
