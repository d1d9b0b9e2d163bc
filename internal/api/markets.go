package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"

	"escrow-market/internal/engine"
	"escrow-market/internal/ledger"
	"escrow-market/internal/model"
	"escrow-market/internal/settlement"
)

func marketKey(w http.ResponseWriter, r *http.Request) (model.MarketKey, bool) {
	creator, err := solana.PublicKeyFromBase58(chi.URLParam(r, "creator"))
	if err != nil {
		jsonErr(w, 400, "creator must be a base58 public key")
		return model.MarketKey{}, false
	}
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		jsonErr(w, 400, "market id must be an unsigned integer")
		return model.MarketKey{}, false
	}
	return model.MarketKey{Creator: creator, ID: id}, true
}

// ── Markets ──────────────────────────────────────────

func (s *Server) listMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := s.manager.Engine().ListMarkets(r.Context())
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		want, err := model.ParseStatus(status)
		if err != nil {
			jsonErr(w, 400, err.Error())
			return
		}
		filtered := markets[:0]
		for _, m := range markets {
			if m.Status == want {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	if markets == nil {
		markets = []model.Market{}
	}
	json200(w, markets)
}

type marketView struct {
	*model.Market
	Pools model.PoolBalances `json:"pools"`
}

func (s *Server) getMarket(w http.ResponseWriter, r *http.Request) {
	key, ok := marketKey(w, r)
	if !ok {
		return
	}
	eng := s.manager.Engine()
	mkt, err := eng.Market(r.Context(), key)
	if err != nil {
		engineErr(w, err)
		return
	}
	pools, err := eng.Pools(r.Context(), key)
	if err != nil {
		engineErr(w, err)
		return
	}
	json200(w, marketView{Market: mkt, Pools: pools})
}

func (s *Server) createMarket(w http.ResponseWriter, r *http.Request) {
	var req model.CreateMarketReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	creator := caller(r)
	if req.Resolver.IsZero() {
		req.Resolver = creator
	}
	mkt, err := s.manager.CreateMarket(r.Context(), creator, engine.CreateParams{
		MarketID: req.MarketID,
		Resolver: req.Resolver,
		FeeBps:   req.FeeBps,
		CloseTs:  req.CloseTs,
	})
	if err != nil {
		engineErr(w, err)
		return
	}
	jsonStatus(w, 201, mkt)
}

func (s *Server) closeMarket(w http.ResponseWriter, r *http.Request) {
	key, ok := marketKey(w, r)
	if !ok {
		return
	}
	if err := s.manager.Close(r.Context(), caller(r), key); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": model.StatusClosed.String()})
}

// ── Bets ─────────────────────────────────────────────

func (s *Server) placeBet(w http.ResponseWriter, r *http.Request) {
	key, ok := marketKey(w, r)
	if !ok {
		return
	}
	var req model.PlaceBetReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Side == nil {
		jsonErr(w, 400, "side required")
		return
	}
	user := caller(r)
	if err := s.manager.PlaceBet(r.Context(), user, key, *req.Side, req.Amount); err != nil {
		engineErr(w, err)
		return
	}
	bet, err := s.manager.Engine().Bet(r.Context(), key, user, *req.Side)
	if err != nil {
		engineErr(w, err)
		return
	}
	json200(w, bet)
}

func (s *Server) getBet(w http.ResponseWriter, r *http.Request) {
	key, ok := marketKey(w, r)
	if !ok {
		return
	}
	side, err := model.ParseSide(chi.URLParam(r, "side"))
	if err != nil {
		jsonErr(w, 400, err.Error())
		return
	}
	user, err := solana.PublicKeyFromBase58(r.URL.Query().Get("user"))
	if err != nil {
		jsonErr(w, 400, "user query parameter must be a base58 public key")
		return
	}
	bet, err := s.manager.Engine().Bet(r.Context(), key, user, side)
	if err != nil {
		engineErr(w, err)
		return
	}
	if bet == nil {
		jsonErr(w, 404, "bet not found")
		return
	}
	json200(w, bet)
}

// ── Settlement ───────────────────────────────────────

func (s *Server) resolveMarket(w http.ResponseWriter, r *http.Request) {
	key, ok := marketKey(w, r)
	if !ok {
		return
	}
	var req model.ResolveReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Outcome == nil {
		jsonErr(w, 400, "outcome required")
		return
	}
	if err := s.manager.Resolve(r.Context(), caller(r), key, *req.Outcome); err != nil {
		engineErr(w, err)
		return
	}
	json200(w, map[string]string{"status": model.StatusResolved.String(), "outcome": req.Outcome.String()})
}

func (s *Server) claim(w http.ResponseWriter, r *http.Request) {
	key, ok := marketKey(w, r)
	if !ok {
		return
	}
	payout, err := s.manager.Claim(r.Context(), caller(r), key)
	if err != nil {
		engineErr(w, err)
		return
	}
	json200(w, model.ClaimResult{Payout: payout, PayoutDisplay: settlement.FormatAmount(payout)})
}

// ── Accounts ─────────────────────────────────────────

type accountView struct {
	Wallet         solana.PublicKey `json:"wallet"`
	Balance        uint64           `json:"balance"`
	BalanceDisplay string           `json:"balance_display"`
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	wallet := caller(r)
	bal, err := s.store.Balance(r.Context(), wallet)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	json200(w, accountView{Wallet: wallet, Balance: bal, BalanceDisplay: settlement.FormatAmount(bal)})
}

// ── Admin ────────────────────────────────────────────

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Wallet solana.PublicKey `json:"wallet"`
		Amount uint64           `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if !ledger.IsUserKey(req.Wallet) || req.Amount == 0 {
		jsonErr(w, 400, "user wallet and amount > 0 required")
		return
	}
	bal, err := s.store.Deposit(r.Context(), req.Wallet, req.Amount)
	if err != nil {
		jsonErr(w, 422, err.Error())
		return
	}
	json200(w, accountView{Wallet: req.Wallet, Balance: bal, BalanceDisplay: settlement.FormatAmount(bal)})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	var market *solana.PublicKey
	if m := r.URL.Query().Get("market"); m != "" {
		k, err := solana.PublicKeyFromBase58(m)
		if err != nil {
			jsonErr(w, 400, "market must be a market address")
			return
		}
		market = &k
	}
	events, err := s.store.ListEvents(r.Context(), market, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	json200(w, events)
}
