package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"escrow-market/internal/engine"
	"escrow-market/internal/ledger"
	"escrow-market/internal/model"
	"escrow-market/internal/settlement"
)

type Store struct{ DB *sql.DB }

var _ engine.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error { return s.DB.Close() }

func (s *Store) Migrate(dir string) error {
	driver, err := postgres.WithInstance(s.DB, &postgres.Config{})
	if err != nil {
		return err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+dir, "postgres", driver)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return err
	}
	return nil
}

// InTx runs fn inside one database transaction. Rows read through the Tx
// are locked until commit, which serializes writers across processes.
func (s *Store) InTx(ctx context.Context, fn func(engine.Tx) error) error {
	sqlTx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(&Tx{tx: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	return sqlTx.Commit()
}

// ── Markets ──────────────────────────────────────────

func (s *Store) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT `+marketCols+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ── Accounts ─────────────────────────────────────────

func (s *Store) Balance(ctx context.Context, account solana.PublicKey) (uint64, error) {
	return balance(ctx, s.DB, account, false)
}

// Deposit credits an account from outside the system and journals it as a
// transfer with no source.
func (s *Store) Deposit(ctx context.Context, account solana.PublicKey, amount uint64) (uint64, error) {
	var bal uint64
	err := s.InTx(ctx, func(etx engine.Tx) error {
		tx := etx.(*Tx)
		if err := tx.OpenAccount(ctx, account); err != nil {
			return err
		}
		cur, err := balance(ctx, tx.tx, account, true)
		if err != nil {
			return err
		}
		bal, err = settlement.Add(cur, amount)
		if err != nil {
			return ledger.ErrBalanceOverflow
		}
		if err := tx.setBalance(ctx, account, bal); err != nil {
			return err
		}
		return tx.journal(ctx, nil, account, amount)
	})
	return bal, err
}

// ── Users ────────────────────────────────────────────

func (s *Store) CreateUser(ctx context.Context, email, hash string, wallet solana.PublicKey, role model.Role) (*model.User, error) {
	u := &model.User{}
	var w string
	err := s.DB.QueryRowContext(ctx,
		`INSERT INTO users (id, email, password_hash, wallet, role) VALUES ($1,lower($2),$3,$4,$5)
		 RETURNING id, email, password_hash, wallet, role, created_at`,
		uuid.New(), email, hash, wallet.String(), role,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &w, &u.Role, &u.CreatedAt)
	if isUniqueViolation(err) {
		return nil, model.ErrDuplicateUser
	}
	if err != nil {
		return nil, err
	}
	u.Wallet = wallet
	return u, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	u := &model.User{}
	var w string
	err := s.DB.QueryRowContext(ctx,
		`SELECT id, email, password_hash, wallet, role, created_at FROM users WHERE email=lower($1)`, email,
	).Scan(&u.ID, &u.Email, &u.PasswordHash, &w, &u.Role, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d decoder
	u.Wallet = d.key(w)
	return u, d.err
}

// ── Event Log ────────────────────────────────────────

func (s *Store) ListEvents(ctx context.Context, market *solana.PublicKey, limit int) ([]model.Event, error) {
	q := `SELECT id, market, type, payload_json, created_at FROM event_log`
	args := []any{}
	if market != nil {
		q += ` WHERE market=$1`
		args = append(args, market.String())
	}
	args = append(args, limit)
	q += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, len(args))

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Event
	for rows.Next() {
		var (
			ev  model.Event
			mkt sql.NullString
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &mkt, &ev.Type, &raw, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if mkt.Valid {
			var d decoder
			ev.Market = d.key(mkt.String)
			if d.err != nil {
				return nil, d.err
			}
		}
		if err := json.Unmarshal(raw, &ev.Payload); err != nil {
			return nil, fmt.Errorf("event %s payload: %w", ev.ID, err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
