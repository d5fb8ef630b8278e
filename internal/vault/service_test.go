package vault_test

import (
	"bytes"
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/vault-engine/internal/engine"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/registry"
	"github.com/atmx/vault-engine/internal/store"
	"github.com/atmx/vault-engine/internal/token"
	"github.com/atmx/vault-engine/internal/vault"
)

const custody = "vault"

func wad(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

type testEnv struct {
	svc      *vault.Service
	eng      *engine.Engine
	store    *store.MemoryStore
	weth     *token.LedgerToken
	debt     *token.LedgerToken
	wethFeed *oracle.StaticFeed
	router   chi.Router
}

// newTestEnv creates a test Service with in-memory store and chi router.
// One collateral asset: WETH at $2000 on an 8-decimal feed.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		store:    store.NewMemoryStore(),
		weth:     token.NewLedgerToken("WETH"),
		debt:     token.NewLedgerToken("VUSD"),
		wethFeed: oracle.NewStaticFeed(big.NewInt(2000e8), 8),
	}
	reg, err := registry.New([]string{"WETH"}, []oracle.PriceFeed{env.wethFeed})
	if err != nil {
		t.Fatal(err)
	}
	env.eng, err = engine.New(reg, map[string]token.Token{"WETH": env.weth}, env.debt, env.store, custody)
	if err != nil {
		t.Fatal(err)
	}
	env.svc = vault.NewService(env.eng, env.store, nil)

	r := chi.NewRouter()
	r.Get("/api/v1/assets", env.svc.ListAssets)
	r.Get("/api/v1/assets/{asset}/price", env.svc.GetAssetPrice)
	r.Get("/api/v1/params", env.svc.GetParams)
	r.Post("/api/v1/accounts/{userID}/deposit", env.svc.Deposit)
	r.Post("/api/v1/accounts/{userID}/redeem", env.svc.Redeem)
	r.Post("/api/v1/accounts/{userID}/mint", env.svc.Mint)
	r.Post("/api/v1/accounts/{userID}/burn", env.svc.Burn)
	r.Post("/api/v1/accounts/{userID}/deposit-and-mint", env.svc.OpenPosition)
	r.Post("/api/v1/accounts/{userID}/redeem-and-burn", env.svc.ClosePosition)
	r.Get("/api/v1/accounts/{userID}", env.svc.GetAccount)
	r.Get("/api/v1/accounts/{userID}/history", env.svc.GetHistory)
	r.Get("/api/v1/events", env.svc.ListEvents)
	r.Post("/api/v1/liquidations", env.svc.Liquidate)
	r.Get("/api/v1/positions/at-risk", env.svc.ListAtRisk)
	env.router = r
	return env
}

func (env *testEnv) fundWETH(t *testing.T, user string, amount *big.Int) {
	t.Helper()
	if err := env.weth.Mint(context.Background(), user, amount); err != nil {
		t.Fatal(err)
	}
	env.weth.Approve(user, custody, amount)
}

func doPost(t *testing.T, router chi.Router, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doGet(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(w.Body).Decode(&out); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	return out
}

// --- Operation endpoints ---

func TestDepositEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.fundWETH(t, "alice", wad(10))

	w := doPost(t, env.router, "/api/v1/accounts/alice/deposit", vault.OperationRequest{
		Asset:  "WETH",
		Amount: wad(10).String(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	resp := decode[vault.OperationResponse](t, w)
	if resp.Op != model.OpDeposit || resp.HealthFactor != "max" {
		t.Errorf("response = %+v", resp)
	}

	acct := decode[vault.AccountResponse](t, doGet(t, env.router, "/api/v1/accounts/alice"))
	if acct.Collateral["WETH"] != wad(10).String() {
		t.Errorf("collateral = %s", acct.Collateral["WETH"])
	}
	if acct.CollateralValueUSD != "20000" {
		t.Errorf("collateral value = %s, want 20000", acct.CollateralValueUSD)
	}
}

func TestMintEndpointHealthGate(t *testing.T) {
	env := newTestEnv(t)
	env.fundWETH(t, "alice", wad(10))
	doPost(t, env.router, "/api/v1/accounts/alice/deposit", vault.OperationRequest{
		Asset: "WETH", Amount: wad(10).String(),
	})

	// $10000 adjusted: minting 10001 breaks the minimum.
	w := doPost(t, env.router, "/api/v1/accounts/alice/mint", vault.OperationRequest{
		Amount: wad(10001).String(),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}

	w = doPost(t, env.router, "/api/v1/accounts/alice/mint", vault.OperationRequest{
		Amount: wad(100).String(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	resp := decode[vault.OperationResponse](t, w)
	if resp.HealthFactor != "100" {
		t.Errorf("health factor = %s, want 100", resp.HealthFactor)
	}
}

func TestOpenAndClosePositionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.fundWETH(t, "alice", wad(10))

	w := doPost(t, env.router, "/api/v1/accounts/alice/deposit-and-mint", vault.OpenPositionRequest{
		Asset:            "WETH",
		CollateralAmount: wad(10).String(),
		DebtAmount:       wad(5000).String(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("open status = %d, body = %s", w.Code, w.Body)
	}
	resp := decode[vault.OperationResponse](t, w)
	if resp.HealthFactor != "2" {
		t.Errorf("health factor = %s, want 2", resp.HealthFactor)
	}

	env.debt.Approve("alice", custody, wad(5000))
	w = doPost(t, env.router, "/api/v1/accounts/alice/redeem-and-burn", vault.OpenPositionRequest{
		Asset:            "WETH",
		CollateralAmount: wad(10).String(),
		DebtAmount:       wad(5000).String(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("close status = %d, body = %s", w.Code, w.Body)
	}

	acct := decode[vault.AccountResponse](t, doGet(t, env.router, "/api/v1/accounts/alice"))
	if acct.Debt != "0" || acct.HealthFactor != "max" {
		t.Errorf("account after close = %+v", acct)
	}
}

func TestLiquidationEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.fundWETH(t, "alice", wad(10))
	doPost(t, env.router, "/api/v1/accounts/alice/deposit-and-mint", vault.OpenPositionRequest{
		Asset:            "WETH",
		CollateralAmount: wad(10).String(),
		DebtAmount:       wad(10000).String(),
	})

	env.wethFeed.SetAnswer(big.NewInt(1800e8))

	// Alice shows up on the at-risk scan.
	atRisk := decode[[]vault.AccountResponse](t, doGet(t, env.router, "/api/v1/positions/at-risk"))
	if len(atRisk) != 1 || atRisk[0].UserID != "alice" {
		t.Fatalf("at-risk = %+v", atRisk)
	}

	env.debt.Mint(context.Background(), "liq", wad(5000))
	env.debt.Approve("liq", custody, wad(5000))

	w := doPost(t, env.router, "/api/v1/liquidations", vault.LiquidationRequest{
		LiquidatorID: "liq",
		UserID:       "alice",
		Asset:        "WETH",
		DebtToCover:  wad(5000).String(),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	resp := decode[vault.LiquidationResponse](t, w)
	if resp.CollateralSeized != "3055555555555555554" {
		t.Errorf("seized = %s", resp.CollateralSeized)
	}

	// Healthy again, off the at-risk list.
	atRisk = decode[[]vault.AccountResponse](t, doGet(t, env.router, "/api/v1/positions/at-risk"))
	if len(atRisk) != 0 {
		t.Errorf("at-risk after liquidation = %+v", atRisk)
	}
}

func TestLiquidateHealthyReturnsConflict(t *testing.T) {
	env := newTestEnv(t)
	env.fundWETH(t, "alice", wad(10))
	doPost(t, env.router, "/api/v1/accounts/alice/deposit-and-mint", vault.OpenPositionRequest{
		Asset:            "WETH",
		CollateralAmount: wad(10).String(),
		DebtAmount:       wad(100).String(),
	})
	env.debt.Mint(context.Background(), "liq", wad(100))
	env.debt.Approve("liq", custody, wad(100))

	w := doPost(t, env.router, "/api/v1/liquidations", vault.LiquidationRequest{
		LiquidatorID: "liq", UserID: "alice", Asset: "WETH", DebtToCover: wad(50).String(),
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

// --- Query endpoints ---

func TestHistoryEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.fundWETH(t, "alice", wad(10))
	doPost(t, env.router, "/api/v1/accounts/alice/deposit-and-mint", vault.OpenPositionRequest{
		Asset:            "WETH",
		CollateralAmount: wad(10).String(),
		DebtAmount:       wad(100).String(),
	})

	w := doGet(t, env.router, "/api/v1/accounts/alice/history")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	events := decode[[]model.Event](t, w)
	if len(events) != 2 {
		t.Fatalf("len(events) = %d, want 2", len(events))
	}
	if events[0].Op != model.OpDeposit || events[1].Op != model.OpMint {
		t.Errorf("ops = %s, %s", events[0].Op, events[1].Op)
	}
}

func TestRecentEventsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.fundWETH(t, "alice", wad(10))
	doPost(t, env.router, "/api/v1/accounts/alice/deposit", vault.OperationRequest{
		Asset: "WETH", Amount: wad(4).String(),
	})
	doPost(t, env.router, "/api/v1/accounts/alice/deposit", vault.OperationRequest{
		Asset: "WETH", Amount: wad(6).String(),
	})

	events := decode[[]model.Event](t, doGet(t, env.router, "/api/v1/events?limit=1"))
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	// Newest first: the second deposit.
	if events[0].Amount.Cmp(wad(6)) != 0 {
		t.Errorf("latest event amount = %s, want 6", events[0].Amount)
	}

	if w := doGet(t, env.router, "/api/v1/events?limit=0"); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0 status = %d, want 400", w.Code)
	}
}

func TestHistoryEmptyForUnknownUser(t *testing.T) {
	env := newTestEnv(t)
	w := doGet(t, env.router, "/api/v1/accounts/nobody/history")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Body.String(); got != "[]\n" {
		t.Errorf("body = %q, want empty array", got)
	}
}

func TestAssetEndpoints(t *testing.T) {
	env := newTestEnv(t)

	assets := decode[[]vault.AssetInfo](t, doGet(t, env.router, "/api/v1/assets"))
	if len(assets) != 1 || assets[0].Asset != "WETH" || assets[0].PriceUSD != "2000" {
		t.Errorf("assets = %+v", assets)
	}

	w := doGet(t, env.router, "/api/v1/assets/WETH/price")
	info := decode[vault.AssetInfo](t, w)
	if info.PriceUSD != "2000" || info.FeedDecimals != 8 {
		t.Errorf("price info = %+v", info)
	}

	if w := doGet(t, env.router, "/api/v1/assets/DOGE/price"); w.Code != http.StatusNotFound {
		t.Errorf("unknown asset status = %d, want 404", w.Code)
	}
}

func TestParamsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	params := decode[vault.ParamsResponse](t, doGet(t, env.router, "/api/v1/params"))
	if params.LiquidationThresholdPct != 50 || params.LiquidationBonusPct != 10 {
		t.Errorf("params = %+v", params)
	}
	if params.MinHealthFactor != "1" {
		t.Errorf("min health factor = %s, want 1", params.MinHealthFactor)
	}
}

// --- Input validation ---

func TestMalformedRequests(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest("POST", "/api/v1/accounts/alice/deposit", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", w.Code)
	}

	w = doPost(t, env.router, "/api/v1/accounts/alice/deposit", vault.OperationRequest{
		Asset: "WETH", Amount: "ten",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad amount status = %d, want 400", w.Code)
	}

	w = doPost(t, env.router, "/api/v1/accounts/alice/deposit", vault.OperationRequest{
		Asset: "DOGE", Amount: wad(1).String(),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown asset status = %d, want 400", w.Code)
	}

	w = doPost(t, env.router, "/api/v1/accounts/alice/deposit", vault.OperationRequest{
		Asset: "WETH", Amount: "0",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("zero amount status = %d, want 400", w.Code)
	}
}
