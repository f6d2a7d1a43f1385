// Package server exposes the credit engine and vaults over JSON HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ghostcredit/config"
	"ghostcredit/native/bank"
	"ghostcredit/native/credit"
	"ghostcredit/native/vault"
	"ghostcredit/observability"
	"ghostcredit/services/creditd/history"
	"ghostcredit/services/creditd/node"
)

const maxBodyBytes = 1 << 20

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress    string
	Auth             AuthConfig
	RateLimit        RateLimit
	DisableAdminAPIs bool
}

// Server routes requests onto a node.
type Server struct {
	cfg     Config
	node    *node.Node
	history *history.Sink
	auth    *Authenticator
	limiter *RateLimiter
	logger  *slog.Logger
}

// New constructs a server. history may be nil, which disables /v1/events.
func New(cfg Config, n *node.Node, sink *history.Sink, logger *slog.Logger) (*Server, error) {
	if n == nil {
		return nil, fmt.Errorf("node required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		node:    n,
		history: sink,
		auth:    NewAuthenticator(cfg.Auth, logger),
		limiter: NewRateLimiter(cfg.RateLimit),
		logger:  logger,
	}, nil
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer, s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.auth.Middleware(), s.limiter.Middleware)

		r.Get("/accounts", s.listAccounts)
		r.Post("/accounts", s.openAccount)
		r.Get("/accounts/{addr}", s.getAccount)
		r.Post("/accounts/{addr}/deposit", s.depositCollateral)
		r.Post("/accounts/{addr}/execute", s.executeAccount)
		r.Post("/accounts/{addr}/liquidate", s.liquidate)
		r.Get("/accounts/{addr}/liquidations", s.listSessions)
		r.Get("/liquidations/{id}", s.getSession)

		r.Get("/vaults", s.listVaults)
		r.Get("/vaults/{denom}", s.getVault)
		r.Get("/vaults/{denom}/borrowers/{addr}", s.getBorrower)
		r.Post("/vaults/{denom}/deposit", s.vaultDeposit)
		r.Post("/vaults/{denom}/withdraw", s.vaultWithdraw)

		r.Get("/balances/{addr}/{denom}", s.getBalance)
		r.Get("/events", s.listEvents)

		if !s.cfg.DisableAdminAPIs {
			r.Route("/admin", func(r chi.Router) {
				r.Use(s.auth.Middleware(ScopeAdmin))
				r.Put("/config", s.putConfig)
				r.Put("/prices/{denom}", s.putPrice)
				r.Put("/vaults/{denom}/borrowers/{addr}", s.putBorrower)
				r.Put("/pauses/{module}", s.putPause)
				r.Post("/mint", s.mint)
				r.Post("/liquidations/{id}/continue", s.continueLiquidation)
			})
		}
	})
	return otelhttp.NewHandler(r, "creditd")
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.logger.Info("creditd listening", "addr", s.cfg.ListenAddress)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.Method
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if pattern := rc.RoutePattern(); pattern != "" {
				route = r.Method + " " + pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.ModuleMetrics().Observe("creditd", route, status, time.Since(start))
	})
}

func decodeBody(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func caller(r *http.Request) common.Address {
	p, _ := PrincipalFrom(r.Context())
	return p.Address
}

func pathAddress(r *http.Request, name string) (common.Address, error) {
	return parseAddress(chi.URLParam(r, name))
}

// --- accounts ---

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	owner := caller(r)
	if raw := r.URL.Query().Get("owner"); raw != "" {
		parsed, err := parseAddress(raw)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		owner = parsed
	}
	recs, err := s.node.Credit.Accounts(owner)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]accountJSON, 0, len(recs))
	for _, rec := range recs {
		out = append(out, toRecordJSON(rec))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) openAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tag string `json:"tag"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	var rec credit.AccountRecord
	err := s.node.Do(func() (err error) {
		rec, err = s.node.Credit.OpenAccount(caller(r), req.Tag)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecordJSON(rec))
}

func (s *Server) writeAccount(w http.ResponseWriter, r *http.Request, status int, acct credit.CreditAccount) {
	cfg, err := s.node.Credit.Config()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, status, toAccountJSON(acct, cfg))
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	acct, err := s.node.Credit.Account(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAccount(w, r, http.StatusOK, acct)
}

func (s *Server) depositCollateral(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Coins []coinJSON `json:"coins"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	coins, err := parseCoins(req.Coins)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.node.Do(func() error { return s.node.Credit.Deposit(caller(r), addr, coins) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.getAccount(w, r)
}

func (s *Server) executeAccount(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Msgs []msgJSON `json:"msgs"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	msgs := make([]credit.AccountMsg, 0, len(req.Msgs))
	for i, m := range req.Msgs {
		msg, err := m.msg()
		if err != nil {
			s.writeError(w, r, fmt.Errorf("msg %d: %w", i, err))
			return
		}
		msgs = append(msgs, msg)
	}
	var acct credit.CreditAccount
	err = s.node.Do(func() (err error) {
		acct, err = s.node.Credit.Execute(r.Context(), caller(r), addr, msgs)
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeAccount(w, r, http.StatusOK, acct)
}

type sessionResponse struct {
	Session sessionJSON `json:"session"`
	Error   string      `json:"error,omitempty"`
}

// writeSession reports a session with the status code of its terminal
// error, so a failed liquidation still returns what happened.
func (s *Server) writeSession(w http.ResponseWriter, r *http.Request, sess *credit.Session, err error) {
	if sess == nil {
		s.writeError(w, r, err)
		return
	}
	status := statusFor(err)
	if status == http.StatusInternalServerError && err != nil {
		s.logger.Error("liquidation failed", "session", sess.ID, "error", err)
	}
	resp := sessionResponse{Session: toSessionJSON(sess)}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, status, resp)
}

func (s *Server) liquidate(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Steps []actionJSON `json:"steps"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	steps, err := parseActions(req.Steps)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var sess *credit.Session
	err = s.node.Do(func() (err error) {
		sess, err = s.node.Credit.Liquidate(r.Context(), caller(r), addr, steps)
		return err
	})
	s.writeSession(w, r, sess, err)
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	sessions, err := s.node.Credit.Sessions(addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, toSessionJSON(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.node.Credit.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionJSON(sess))
}

// --- vaults ---

func (s *Server) listVaults(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"vaults":       s.node.VaultDenoms(),
		"creditVaults": s.node.Credit.Vaults(),
	})
}

func (s *Server) vault(r *http.Request) (*vault.Vault, error) {
	denom := chi.URLParam(r, "denom")
	v, ok := s.node.Vault(denom)
	if !ok {
		return nil, fmt.Errorf("%w: %s", credit.ErrVaultNotFound, denom)
	}
	return v, nil
}

func (s *Server) getVault(w http.ResponseWriter, r *http.Request) {
	v, err := s.vault(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := v.Status()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) getBorrower(w http.ResponseWriter, r *http.Request) {
	v, err := s.vault(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status, err := v.BorrowerStatus(r.Context(), addr)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) vaultDeposit(w http.ResponseWriter, r *http.Request) {
	v, err := s.vault(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Amount string `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var shares string
	err = s.node.Do(func() error {
		out, err := v.Deposit(caller(r), amount)
		if err == nil {
			shares = out.Dec()
		}
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"shares": shares})
}

func (s *Server) vaultWithdraw(w http.ResponseWriter, r *http.Request) {
	v, err := s.vault(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Shares string `json:"shares"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	shares, err := parseAmount(req.Shares)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var amount string
	err = s.node.Do(func() error {
		out, err := v.Withdraw(caller(r), shares)
		if err == nil {
			amount = out.Dec()
		}
		return err
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"amount": amount})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	denom := bank.NormalizeDenom(chi.URLParam(r, "denom"))
	bal, err := s.node.Bank.Balance(addr, denom)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coinJSON{Denom: denom, Amount: bal.Dec()})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeJSONError(w, http.StatusNotFound, "event history disabled")
		return
	}
	q := history.Query{Type: r.URL.Query().Get("type"), Account: r.URL.Query().Get("account")}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("%w: limit", errBadRequest))
			return
		}
		q.Limit = limit
	}
	if q.Account != "" {
		addr, err := parseAddress(q.Account)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		q.Account = strings.ToLower(addr.Hex())
	}
	entries, err := s.history.List(r.Context(), q)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- admin ---

func (s *Server) putConfig(w http.ResponseWriter, r *http.Request) {
	var req config.CreditConfig
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	params, err := req.Params()
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", credit.ErrInvalidConfig, err))
		return
	}
	if err := s.node.Do(func() error { return s.node.Credit.SetConfig(params) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putPrice(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Price string `json:"price"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.node.Prices.SetString(chi.URLParam(r, "denom"), req.Price); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putBorrower(w http.ResponseWriter, r *http.Request) {
	v, err := s.vault(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := pathAddress(r, "addr")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var req struct {
		Limit string `json:"limit"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, err := decimal.NewFromString(req.Limit)
	if err != nil {
		s.writeError(w, r, fmt.Errorf("%w: limit: %v", errBadRequest, err))
		return
	}
	err = s.node.Do(func() error {
		if err := v.SetBorrower(addr, limit); err != nil {
			return err
		}
		if addr == s.node.Credit.Address() {
			return s.node.Credit.RegisterVault(v)
		}
		return nil
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) putPause(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Paused bool `json:"paused"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	module := chi.URLParam(r, "module")
	s.node.Pauses.Set(module, req.Paused)
	s.logger.Info("module pause updated", "module", module, "paused", req.Paused, "by", caller(r).Hex())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) mint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string   `json:"address"`
		Coin    coinJSON `json:"coin"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	addr, err := parseAddress(req.Address)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	coin, err := req.Coin.coin()
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.node.Do(func() error { return s.node.Bank.Mint(addr, coin) }); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) continueLiquidation(w http.ResponseWriter, r *http.Request) {
	var sess *credit.Session
	err := s.node.Do(func() (err error) {
		sess, err = s.node.Credit.ContinueLiquidation(r.Context(), s.node.Credit.Address(), chi.URLParam(r, "id"))
		return err
	})
	s.writeSession(w, r, sess, err)
}
