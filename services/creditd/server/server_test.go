package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"ghostcredit/config"
	"ghostcredit/core/events"
	"ghostcredit/native/credit"
	"ghostcredit/services/creditd/history"
	"ghostcredit/services/creditd/node"
	"ghostcredit/storage"
)

const secret = "test-secret"

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	owner      = common.HexToAddress("0x0000000000000000000000000000000000000001")
	lender     = common.HexToAddress("0x0000000000000000000000000000000000000002")
	liquidator = common.HexToAddress("0x0000000000000000000000000000000000000003")
)

type harness struct {
	t       *testing.T
	handler http.Handler
	node    *node.Node
}

func newHarness(t *testing.T, withHistory bool, limit RateLimit) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.HMACSecret = secret
	cfg.Credit.CollateralRatios = map[string]string{"atom": "0.5"}
	cfg.Vaults = []config.VaultConfig{{Denom: "usdc", CreditLimit: "1000000"}}
	cfg.Prices = map[string]string{"atom": "1", "usdc": "1"}
	cfg.SwapDesk = config.SwapDeskConfig{Name: "desk", Spread: "0.1"}

	var sink *history.Sink
	var emitter events.Emitter
	if withHistory {
		var err error
		sink, err = history.Open("sqlite", filepath.Join(t.TempDir(), "history.db"), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = sink.Close() })
		emitter = sink
	}
	n, err := node.New(cfg, storage.NewMemDB(), nil, emitter)
	require.NoError(t, err)
	t.Cleanup(n.Close)

	srv, err := New(Config{Auth: AuthConfig{HMACSecret: secret}, RateLimit: limit}, n, sink, nil)
	require.NoError(t, err)
	return &harness{t: t, handler: srv.Handler(), node: n}
}

func token(t *testing.T, sub common.Address, scopes ...string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": sub.Hex(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	if len(scopes) > 0 {
		claims["scope"] = strings.Join(scopes, " ")
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func (h *harness) do(as common.Address, method, path string, body interface{}, scopes ...string) *httptest.ResponseRecorder {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+token(h.t, as, scopes...))
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (h *harness) mint(to common.Address, denom, amount string) {
	h.t.Helper()
	rec := h.do(admin, http.MethodPost, "/v1/admin/mint", map[string]interface{}{
		"address": to.Hex(),
		"coin":    coinJSON{Denom: denom, Amount: amount},
	}, ScopeAdmin)
	require.Equal(h.t, http.StatusNoContent, rec.Code, rec.Body.String())
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, false, RateLimit{})

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/vaults", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/vaults", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": owner.Hex(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("other"))
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/vaults", nil)
	req.Header.Set("Authorization", "Bearer "+wrongKey)
	rec = httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	require.Equal(t, http.StatusOK, h.do(owner, http.MethodGet, "/v1/vaults", nil).Code)
	require.Equal(t, http.StatusForbidden, h.do(owner, http.MethodPost, "/v1/admin/mint", map[string]string{}).Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, false, RateLimit{RequestsPerMinute: 1, Burst: 2})
	require.Equal(t, http.StatusOK, h.do(owner, http.MethodGet, "/v1/vaults", nil).Code)
	require.Equal(t, http.StatusOK, h.do(owner, http.MethodGet, "/v1/vaults", nil).Code)
	require.Equal(t, http.StatusTooManyRequests, h.do(owner, http.MethodGet, "/v1/vaults", nil).Code)
	require.Equal(t, http.StatusOK, h.do(lender, http.MethodGet, "/v1/vaults", nil).Code)
}

func TestAccountLifecycleAndLiquidation(t *testing.T) {
	h := newHarness(t, true, RateLimit{})
	h.mint(owner, "atom", "2000")
	h.mint(lender, "usdc", "5000")
	h.mint(credit.TargetAddress("desk"), "usdc", "10000")

	rec := h.do(lender, http.MethodPost, "/v1/vaults/usdc/deposit", map[string]string{"amount": "5000"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(owner, http.MethodPost, "/v1/accounts", map[string]string{"tag": "main"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	opened := decode[accountJSON](t, rec)
	acct := opened.Address
	require.Equal(t, credit.AccountAddress(owner, "main").Hex(), acct)

	rec = h.do(owner, http.MethodPost, "/v1/accounts", map[string]string{"tag": "main"})
	require.Equal(t, http.StatusConflict, rec.Code)

	rec = h.do(owner, http.MethodPost, "/v1/accounts/"+acct+"/deposit", map[string]interface{}{
		"coins": []coinJSON{{Denom: "atom", Amount: "2000"}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.do(owner, http.MethodPost, "/v1/accounts/"+acct+"/execute", map[string]interface{}{
		"msgs": []map[string]interface{}{{"type": "borrow", "coin": coinJSON{Denom: "usdc", Amount: "900"}}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = h.do(stranger(), http.MethodPost, "/v1/accounts/"+acct+"/execute", map[string]interface{}{
		"msgs": []map[string]interface{}{{"type": "borrow", "coin": coinJSON{Denom: "usdc", Amount: "1"}}},
	})
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())

	rec = h.do(owner, http.MethodPost, "/v1/accounts/"+acct+"/execute", map[string]interface{}{
		"msgs": []map[string]interface{}{
			{"type": "borrow", "coin": coinJSON{Denom: "usdc", Amount: "750"}},
			{"type": "send", "to": owner.Hex(), "coins": []coinJSON{{Denom: "usdc", Amount: "750"}}},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	view := decode[accountJSON](t, rec)
	require.Equal(t, "safe", view.State)
	require.Equal(t, "0.750000", view.LTV)

	rec = h.do(liquidator, http.MethodPost, "/v1/accounts/"+acct+"/liquidate", map[string]interface{}{"steps": []actionJSON{}})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = h.do(admin, http.MethodPut, "/v1/admin/prices/atom", map[string]string{"price": "0.8"}, ScopeAdmin)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	view = decode[accountJSON](t, h.do(owner, http.MethodGet, "/v1/accounts/"+acct, nil))
	require.Equal(t, "liquidatable", view.State)

	rec = h.do(liquidator, http.MethodPost, "/v1/accounts/"+acct+"/liquidate", map[string]interface{}{
		"steps": []actionJSON{
			{Kind: "execute", Target: "desk", Payload: json.RawMessage(`{"denom":"usdc"}`), Funds: []coinJSON{{Denom: "atom", Amount: "1000"}}},
			{Kind: "repay", Denom: "usdc"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp := decode[sessionResponse](t, rec)
	require.Equal(t, "completed", resp.Session.Status)
	require.Equal(t, "800", resp.Session.SpentUSD)
	require.Equal(t, "720", resp.Session.RepaidUSD)

	got := decode[sessionJSON](t, h.do(owner, http.MethodGet, "/v1/liquidations/"+resp.Session.ID, nil))
	require.Equal(t, "completed", got.Status)
	require.Equal(t, uint32(2), got.Executed)

	sessions := decode[[]sessionJSON](t, h.do(owner, http.MethodGet, "/v1/accounts/"+acct+"/liquidations", nil))
	require.Len(t, sessions, 1)

	balance := decode[coinJSON](t, h.do(owner, http.MethodGet, "/v1/balances/"+acct+"/atom", nil))
	require.Equal(t, "1000", balance.Amount)

	rec = h.do(owner, http.MethodGet, "/v1/events?type="+events.TypeCreditLiquidationCompleted, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	entries := decode[[]history.Entry](t, rec)
	require.Len(t, entries, 1)
	require.Equal(t, strings.ToLower(acct), entries[0].Account)

	rec = h.do(admin, http.MethodPost, "/v1/admin/liquidations/"+resp.Session.ID+"/continue", nil, ScopeAdmin)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestAdminRoutes(t *testing.T) {
	h := newHarness(t, false, RateLimit{})

	rec := h.do(admin, http.MethodPut, "/v1/admin/config", map[string]interface{}{
		"AdjustmentThreshold":  "0.95",
		"LiquidationThreshold": "0.9",
	}, ScopeAdmin)
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

	rec = h.do(admin, http.MethodPut, "/v1/admin/config", map[string]interface{}{
		"AdjustmentThreshold": "0.7",
		"CollateralRatios":    map[string]string{"atom": "0.4"},
	}, ScopeAdmin)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	cfg, err := h.node.Credit.Config()
	require.NoError(t, err)
	require.Equal(t, "0.7", cfg.AdjustmentThreshold.String())

	rec = h.do(admin, http.MethodPut, "/v1/admin/vaults/usdc/borrowers/"+lender.Hex(), map[string]string{"limit": "100"}, ScopeAdmin)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	status := decode[map[string]interface{}](t, h.do(owner, http.MethodGet, "/v1/vaults/usdc/borrowers/"+lender.Hex(), nil))
	require.Equal(t, "100", status["limit"])

	rec = h.do(admin, http.MethodGet, "/v1/vaults/dai", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(admin, http.MethodPut, "/v1/admin/pauses/credit", map[string]bool{"paused": true}, ScopeAdmin)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = h.do(owner, http.MethodPost, "/v1/accounts", map[string]string{"tag": "x"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code, rec.Body.String())
}

func TestBadRequests(t *testing.T) {
	h := newHarness(t, false, RateLimit{})
	require.Equal(t, http.StatusBadRequest, h.do(owner, http.MethodGet, "/v1/accounts/nope", nil).Code)
	require.Equal(t, http.StatusNotFound, h.do(owner, http.MethodGet, "/v1/accounts/"+lender.Hex(), nil).Code)
	require.Equal(t, http.StatusBadRequest, h.do(owner, http.MethodPost, "/v1/accounts", map[string]string{"bogus": "x"}).Code)
	require.Equal(t, http.StatusBadRequest, h.do(owner, http.MethodPost, "/v1/vaults/usdc/deposit", map[string]string{"amount": "-1"}).Code)
	require.Equal(t, http.StatusNotFound, h.do(owner, http.MethodGet, "/v1/events", nil).Code)
}

func stranger() common.Address {
	return common.HexToAddress("0x0000000000000000000000000000000000000bad")
}
