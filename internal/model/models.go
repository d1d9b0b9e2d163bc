package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Side is one of the two outcomes a stake can back.
type Side uint8

const (
	SideYes Side = iota
	SideNo
)

func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

func (s Side) Valid() bool { return s == SideYes || s == SideNo }

func (s Side) String() string {
	switch s {
	case SideYes:
		return "YES"
	case SideNo:
		return "NO"
	}
	return fmt.Sprintf("Side(%d)", uint8(s))
}

// Seed is the side tag used when deriving pool and bet accounts.
func (s Side) Seed() []byte { return []byte(s.String()) }

func ParseSide(v string) (Side, error) {
	switch v {
	case "YES", "yes", "Yes":
		return SideYes, nil
	case "NO", "no", "No":
		return SideNo, nil
	}
	return 0, fmt.Errorf("side must be YES or NO, got %q", v)
}

func (s Side) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid side %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(b []byte) error {
	v, err := ParseSide(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// MarketStatus only ever moves Open -> Closed -> Resolved.
type MarketStatus uint8

const (
	StatusOpen MarketStatus = iota
	StatusClosed
	StatusResolved
)

func (s MarketStatus) String() string {
	switch s {
	case StatusOpen:
		return "OPEN"
	case StatusClosed:
		return "CLOSED"
	case StatusResolved:
		return "RESOLVED"
	}
	return fmt.Sprintf("MarketStatus(%d)", uint8(s))
}

func ParseStatus(v string) (MarketStatus, error) {
	switch v {
	case "OPEN":
		return StatusOpen, nil
	case "CLOSED":
		return StatusClosed, nil
	case "RESOLVED":
		return StatusResolved, nil
	}
	return 0, fmt.Errorf("unknown market status %q", v)
}

func (s MarketStatus) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *MarketStatus) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Outcome is either unresolved or decided for exactly one side. The zero
// value is Unresolved.
type Outcome struct {
	side    Side
	decided bool
}

func Unresolved() Outcome { return Outcome{} }

func Decided(s Side) Outcome { return Outcome{side: s, decided: true} }

func (o Outcome) Side() (Side, bool) { return o.side, o.decided }

func (o Outcome) IsDecided() bool { return o.decided }

func (o Outcome) String() string {
	if !o.decided {
		return "UNRESOLVED"
	}
	return o.side.String()
}

func (o Outcome) MarshalJSON() ([]byte, error) {
	if !o.decided {
		return []byte("null"), nil
	}
	return json.Marshal(o.side)
}

func (o *Outcome) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*o = Unresolved()
		return nil
	}
	var s Side
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*o = Decided(s)
	return nil
}

// ── Domain Objects ───────────────────────────────────

// ErrDuplicateUser is returned when an email or wallet is already registered.
var ErrDuplicateUser = errors.New("user already exists")

type User struct {
	ID           string           `json:"id"`
	Email        string           `json:"email"`
	PasswordHash string           `json:"-"`
	Wallet       solana.PublicKey `json:"wallet"`
	Role         Role             `json:"role"`
	CreatedAt    time.Time        `json:"created_at"`
}

// MarketKey is the composite arena key of a market.
type MarketKey struct {
	Creator solana.PublicKey `json:"creator"`
	ID      uint64           `json:"id"`
}

func (k MarketKey) String() string { return fmt.Sprintf("%s/%d", k.Creator, k.ID) }

type Market struct {
	Key         MarketKey        `json:"key"`
	Address     solana.PublicKey `json:"address"`
	Resolver    solana.PublicKey `json:"resolver"`
	FeeBps      uint16           `json:"fee_bps"`
	Status      MarketStatus     `json:"status"`
	CloseTs     int64            `json:"close_ts"`
	YesTotal    uint64           `json:"yes_total"`
	NoTotal     uint64           `json:"no_total"`
	Outcome     Outcome          `json:"outcome"`
	Bump        uint8            `json:"bump"`
	YesPoolBump uint8            `json:"yes_pool_bump"`
	NoPoolBump  uint8            `json:"no_pool_bump"`
	CreatedAt   time.Time        `json:"created_at"`
}

func (m *Market) Creator() solana.PublicKey { return m.Key.Creator }

// Total returns the recorded stake for one side.
func (m *Market) Total(s Side) uint64 {
	if s == SideYes {
		return m.YesTotal
	}
	return m.NoTotal
}

func (m *Market) SetTotal(s Side, v uint64) {
	if s == SideYes {
		m.YesTotal = v
	} else {
		m.NoTotal = v
	}
}

func (m *Market) PoolBump(s Side) uint8 {
	if s == SideYes {
		return m.YesPoolBump
	}
	return m.NoPoolBump
}

// Bet is a user's cumulative stake on one side of one market.
type Bet struct {
	Address solana.PublicKey `json:"address"`
	User    solana.PublicKey `json:"user"`
	Market  solana.PublicKey `json:"market"`
	Side    Side             `json:"side"`
	Amount  uint64           `json:"amount"`
	Claimed bool             `json:"claimed"`
}

type EventType string

const (
	EventMarketCreated  EventType = "MarketCreated"
	EventMarketClosed   EventType = "MarketClosed"
	EventBetPlaced      EventType = "BetPlaced"
	EventMarketResolved EventType = "MarketResolved"
	EventClaimed        EventType = "Claimed"
)

type Event struct {
	ID        string           `json:"id"`
	Market    solana.PublicKey `json:"market"`
	Type      EventType        `json:"type"`
	Payload   map[string]any   `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type CreateMarketReq struct {
	MarketID uint64           `json:"market_id"`
	Resolver solana.PublicKey `json:"resolver"`
	FeeBps   uint16           `json:"fee_bps"`
	CloseTs  int64            `json:"close_ts"`
}

// Side fields are pointers so an omitted side is rejected rather than
// read as YES.

type PlaceBetReq struct {
	Side   *Side  `json:"side"`
	Amount uint64 `json:"amount"`
}

type ResolveReq struct {
	Outcome *Side `json:"outcome"`
}

type ClaimResult struct {
	Payout        uint64 `json:"payout"`
	PayoutDisplay string `json:"payout_display"`
}

type PoolBalances struct {
	Yes uint64 `json:"yes"`
	No  uint64 `json:"no"`
}

func (p PoolBalances) Total(s Side) uint64 {
	if s == SideYes {
		return p.Yes
	}
	return p.No
}
