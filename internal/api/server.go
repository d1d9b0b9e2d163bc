package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"escrow-market/internal/config"
	"escrow-market/internal/engine"
	"escrow-market/internal/ledger"
	"escrow-market/internal/model"
	"escrow-market/internal/ws"
)

// Store is what the HTTP layer needs besides the engine: accounts for
// login, the faucet, balances and the event log. Both the postgres and the
// in-memory stores implement it.
type Store interface {
	CreateUser(ctx context.Context, email, hash string, wallet solana.PublicKey, role model.Role) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	Balance(ctx context.Context, account solana.PublicKey) (uint64, error)
	Deposit(ctx context.Context, account solana.PublicKey, amount uint64) (uint64, error)
	ListEvents(ctx context.Context, market *solana.PublicKey, limit int) ([]model.Event, error)
}

type Server struct {
	store   Store
	manager *engine.Manager
	hub     *ws.Hub
	cfg     *config.Config
	secret  []byte
}

func NewServer(store Store, mgr *engine.Manager, hub *ws.Hub, cfg *config.Config) *Server {
	return &Server{store: store, manager: mgr, hub: hub, cfg: cfg, secret: []byte(cfg.Auth.JWTSecret)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout()))
	r.Use(s.corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json200(w, map[string]string{"status": "ok"})
	})

	r.Post("/api/register", s.register)
	r.Post("/api/login", s.login)

	r.Get("/ws", s.hub.HandleWS)

	// Reads are public: every address and total is derivable anyway.
	r.Get("/api/markets", s.listMarkets)
	r.Get("/api/markets/{creator}/{id}", s.getMarket)
	r.Get("/api/markets/{creator}/{id}/bets/{side}", s.getBet)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Get("/api/accounts/me", s.getAccount)

		r.Post("/api/markets", s.createMarket)
		r.Post("/api/markets/{creator}/{id}/close", s.closeMarket)
		r.Post("/api/markets/{creator}/{id}/bets", s.placeBet)
		r.Post("/api/markets/{creator}/{id}/resolve", s.resolveMarket)
		r.Post("/api/markets/{creator}/{id}/claim", s.claim)

		r.Group(func(r chi.Router) {
			r.Use(s.adminOnly)
			r.Post("/api/admin/deposit", s.adminDeposit)
			r.Get("/api/admin/events", s.listEvents)
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Wallet   string `json:"wallet"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}
	wallet, err := solana.PublicKeyFromBase58(req.Wallet)
	if err != nil || !ledger.IsUserKey(wallet) {
		jsonErr(w, 400, "wallet must be a base58 ed25519 public key")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}
	role := model.RoleUser
	if s.cfg.IsAdmin(req.Email) {
		role = model.RoleAdmin
	}

	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), wallet, role)
	if errors.Is(err, model.ErrDuplicateUser) {
		jsonErr(w, 409, "email or wallet already registered")
		return
	}
	if err != nil {
		jsonErr(w, 500, "create user failed: "+err.Error())
		return
	}
	log.Printf("[api] registered %s (%s)", user.Email, user.Role)

	jsonStatus(w, 201, map[string]any{"user": user, "token": s.makeToken(user)})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), req.Email)
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	json200(w, map[string]any{"user": user, "token": s.makeToken(user)})
}

func (s *Server) makeToken(u *model.User) string {
	claims := jwt.MapClaims{
		"sub":   u.Wallet.String(),
		"email": u.Email,
		"role":  string(u.Role),
		"exp":   time.Now().Add(s.cfg.TokenTTL()).Unix(),
	}
	t, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	return t
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxWallet ctxKey = "wallet"
	ctxRole   ctxKey = "role"
)

// authMiddleware verifies the bearer token. The wallet in its subject is
// the only caller identity the engine ever sees.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		token, err := jwt.Parse(strings.TrimPrefix(auth, "Bearer "), func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		sub, _ := claims["sub"].(string)
		wallet, err := solana.PublicKeyFromBase58(sub)
		if err != nil {
			jsonErr(w, 401, "invalid subject")
			return
		}
		role, _ := claims["role"].(string)
		ctx := context.WithValue(r.Context(), ctxWallet, wallet)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := s.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(204)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) allowedOrigin(origin string) string {
	for _, o := range s.cfg.Server.CORSOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

func caller(r *http.Request) solana.PublicKey {
	k, _ := r.Context().Value(ctxWallet).(solana.PublicKey)
	return k
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	jsonStatus(w, 200, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// engineErr writes err with the status its engine class maps to.
func engineErr(w http.ResponseWriter, err error) {
	code := engine.CodeOf(err)
	status := 500
	switch code.Class() {
	case engine.ClassAuthorization:
		status = 403
	case engine.ClassNotFound:
		status = 404
	case engine.ClassLifecycle, engine.ClassConflict:
		status = 409
	case engine.ClassInput, engine.ClassConfiguration, engine.ClassClaim:
		status = 400
	case engine.ClassArithmetic:
		status = 422
	}
	if status == 500 {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			status = 503
		}
		log.Printf("[api] internal error: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": string(code)})
}
