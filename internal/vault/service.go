// Package vault provides the HTTP handlers and business logic for
// depositing collateral, minting and burning the debt unit, and running
// liquidations against undercollateralized positions.
//
// All amounts on the wire are decimal strings of 18-decimal base units —
// never float64 for money.
package vault

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/engine"
	"github.com/atmx/vault-engine/internal/fixedpoint"
	"github.com/atmx/vault-engine/internal/metrics"
	"github.com/atmx/vault-engine/internal/model"
	"github.com/atmx/vault-engine/internal/registry"
	"github.com/atmx/vault-engine/internal/store"
)

// Service handles vault operations. Uses a mutex for serialized operation
// execution (single-instance), so the engine's reentrancy rejection is
// never surfaced to well-behaved HTTP callers. For horizontal scaling,
// replace with distributed locking or database-level optimistic
// concurrency.
type Service struct {
	engine *engine.Engine
	store  store.Store
	mu     sync.Mutex
	wsHub  *WSHub // optional WebSocket hub for real-time broadcasts
}

// NewService creates a new vault service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(eng *engine.Engine, st store.Store, hub *WSHub) *Service {
	return &Service{
		engine: eng,
		store:  st,
		wsHub:  hub,
	}
}

// --- Request/Response types ---

// OperationRequest is the JSON body for single-step deposit, redeem, mint,
// and burn calls. Asset is ignored by mint and burn.
type OperationRequest struct {
	Asset  string `json:"asset,omitempty"`
	Amount string `json:"amount"`
}

// OpenPositionRequest is the JSON body for POST .../deposit-and-mint.
type OpenPositionRequest struct {
	Asset            string `json:"asset"`
	CollateralAmount string `json:"collateral_amount"`
	DebtAmount       string `json:"debt_amount"`
}

// LiquidationRequest is the JSON body for POST /api/v1/liquidations.
type LiquidationRequest struct {
	LiquidatorID string `json:"liquidator_id"`
	UserID       string `json:"user_id"`
	Asset        string `json:"asset"`
	DebtToCover  string `json:"debt_to_cover"`
}

// OperationResponse is returned from every successful mutating call.
type OperationResponse struct {
	UserID       string `json:"user_id"`
	Op           string `json:"op"`
	Asset        string `json:"asset,omitempty"`
	Amount       string `json:"amount"`
	HealthFactor string `json:"health_factor"`
}

// LiquidationResponse is returned from a successful liquidation.
type LiquidationResponse struct {
	LiquidatorID      string `json:"liquidator_id"`
	UserID            string `json:"user_id"`
	Asset             string `json:"asset"`
	DebtCovered       string `json:"debt_covered"`
	CollateralSeized  string `json:"collateral_seized"`
	UserHealthFactor  string `json:"user_health_factor"`
}

// AccountResponse is the position snapshot returned from account queries.
type AccountResponse struct {
	UserID             string            `json:"user_id"`
	Debt               string            `json:"debt"`
	CollateralValueUSD string            `json:"collateral_value_usd"`
	HealthFactor       string            `json:"health_factor"`
	Collateral         map[string]string `json:"collateral"`
}

// AssetInfo describes one registered collateral asset.
type AssetInfo struct {
	Asset        string `json:"asset"`
	PriceUSD     string `json:"price_usd"`
	FeedDecimals uint8  `json:"feed_decimals"`
}

// ParamsResponse reports the engine's fixed risk parameters.
type ParamsResponse struct {
	LiquidationThresholdPct int64  `json:"liquidation_threshold_pct"`
	LiquidationBonusPct     int64  `json:"liquidation_bonus_pct"`
	MinHealthFactor         string `json:"min_health_factor"`
}

// --- Helpers ---

func parseAmount(raw string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, errors.New("amount must be a base-10 integer string")
	}
	return v, nil
}

// wad renders an 18-decimal fixed-point value as a human decimal string.
func wad(v *big.Int) string {
	return decimal.NewFromBigInt(v, -fixedpoint.Decimals).String()
}

// healthString renders a health factor, collapsing the debt-free sentinel.
func healthString(factor *big.Int) string {
	if factor.Cmp(engine.MaxHealthFactor) == 0 {
		return "max"
	}
	return wad(factor)
}

// statusFor maps engine errors to HTTP status codes: caller faults are
// 400, business-rule rejections 409, everything else 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrAmountMustBePositive):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrHealthFactorTooLow),
		errors.Is(err, engine.ErrInsufficientCollateral),
		errors.Is(err, engine.ErrInsufficientDebt),
		errors.Is(err, engine.ErrPositionHealthy),
		errors.Is(err, engine.ErrHealthFactorNotImproved),
		errors.Is(err, engine.ErrTransferFailed),
		errors.Is(err, engine.ErrMintFailed),
		errors.Is(err, engine.ErrBurnFailed),
		errors.Is(err, engine.ErrReentrantCall):
		return http.StatusConflict
	case errors.Is(err, registry.ErrAssetNotAllowed):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeEngineError records metrics for solvency rejections and writes the
// JSON error body.
func writeEngineError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrHealthFactorTooLow) {
		metrics.HealthCheckRejections.Inc()
	}
	writeError(w, err.Error(), statusFor(err))
}

func approxFloat(v *big.Int) float64 {
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}

func (s *Service) recordOp(op, asset string, amount *big.Int, start time.Time) {
	metrics.OperationsTotal.WithLabelValues(op).Inc()
	metrics.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if asset != "" {
		metrics.CollateralVolume.WithLabelValues(asset, op).Add(approxFloat(amount))
	}
}

func (s *Service) broadcastOp(op, userID, asset string, amount, factor *big.Int, counterparty string) {
	if s.wsHub == nil {
		return
	}
	s.wsHub.Broadcast(WSMessage{
		Type:         "operation",
		UserID:       userID,
		Op:           op,
		Asset:        asset,
		Amount:       amount.String(),
		Counterparty: counterparty,
		HealthFactor: healthString(factor),
	})
}

// --- HTTP Handlers: mutating operations ---

// Deposit handles POST /api/v1/accounts/{userID}/deposit
func (s *Service) Deposit(w http.ResponseWriter, r *http.Request) {
	s.handleOp(w, r, model.OpDeposit)
}

// Redeem handles POST /api/v1/accounts/{userID}/redeem
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	s.handleOp(w, r, model.OpRedeem)
}

// Mint handles POST /api/v1/accounts/{userID}/mint
func (s *Service) Mint(w http.ResponseWriter, r *http.Request) {
	s.handleOp(w, r, model.OpMint)
}

// Burn handles POST /api/v1/accounts/{userID}/burn
func (s *Service) Burn(w http.ResponseWriter, r *http.Request) {
	s.handleOp(w, r, model.OpBurn)
}

func (s *Service) handleOp(w http.ResponseWriter, r *http.Request, op string) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, "user id is required", http.StatusBadRequest)
		return
	}

	var req OperationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	// Serialize operation execution.
	s.mu.Lock()
	var factor *big.Int
	switch op {
	case model.OpDeposit:
		factor, err = s.engine.Deposit(ctx, userID, req.Asset, amount)
	case model.OpRedeem:
		factor, err = s.engine.Redeem(ctx, userID, req.Asset, amount)
	case model.OpMint:
		factor, err = s.engine.Mint(ctx, userID, amount)
	case model.OpBurn:
		factor, err = s.engine.Burn(ctx, userID, amount)
	}
	s.mu.Unlock()

	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.recordOp(op, req.Asset, amount, start)
	s.broadcastOp(op, userID, req.Asset, amount, factor, "")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(OperationResponse{
		UserID:       userID,
		Op:           op,
		Asset:        req.Asset,
		Amount:       amount.String(),
		HealthFactor: healthString(factor),
	})
}

// OpenPosition handles POST /api/v1/accounts/{userID}/deposit-and-mint
func (s *Service) OpenPosition(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	collateralAmount, err := parseAmount(req.CollateralAmount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	debtAmount, err := parseAmount(req.DebtAmount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	s.mu.Lock()
	factor, err := s.engine.DepositAndMint(r.Context(), userID, req.Asset, collateralAmount, debtAmount)
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.recordOp(model.OpDeposit, req.Asset, collateralAmount, start)
	s.recordOp(model.OpMint, "", debtAmount, start)
	s.broadcastOp(model.OpMint, userID, req.Asset, debtAmount, factor, "")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(OperationResponse{
		UserID:       userID,
		Op:           model.OpMint,
		Asset:        req.Asset,
		Amount:       debtAmount.String(),
		HealthFactor: healthString(factor),
	})
}

// ClosePosition handles POST /api/v1/accounts/{userID}/redeem-and-burn
func (s *Service) ClosePosition(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req OpenPositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	collateralAmount, err := parseAmount(req.CollateralAmount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	debtAmount, err := parseAmount(req.DebtAmount)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	s.mu.Lock()
	factor, err := s.engine.RedeemAndBurn(r.Context(), userID, req.Asset, collateralAmount, debtAmount)
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}

	s.recordOp(model.OpRedeem, req.Asset, collateralAmount, start)
	s.recordOp(model.OpBurn, "", debtAmount, start)
	s.broadcastOp(model.OpBurn, userID, req.Asset, debtAmount, factor, "")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(OperationResponse{
		UserID:       userID,
		Op:           model.OpBurn,
		Asset:        req.Asset,
		Amount:       debtAmount.String(),
		HealthFactor: healthString(factor),
	})
}

// Liquidate handles POST /api/v1/liquidations
func (s *Service) Liquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.LiquidatorID == "" || req.UserID == "" {
		writeError(w, "liquidator_id and user_id are required", http.StatusBadRequest)
		return
	}
	debtToCover, err := parseAmount(req.DebtToCover)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()

	s.mu.Lock()
	seized, err := s.engine.Liquidate(ctx, req.LiquidatorID, req.UserID, req.Asset, debtToCover)
	s.mu.Unlock()
	if err != nil {
		writeEngineError(w, err)
		return
	}

	metrics.LiquidationsTotal.Inc()
	s.recordOp(model.OpLiquidate, req.Asset, seized, start)

	factor, err := s.engine.UserHealthFactor(ctx, req.UserID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.broadcastOp(model.OpLiquidate, req.UserID, req.Asset, seized, factor, req.LiquidatorID)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(LiquidationResponse{
		LiquidatorID:     req.LiquidatorID,
		UserID:           req.UserID,
		Asset:            req.Asset,
		DebtCovered:      debtToCover.String(),
		CollateralSeized: seized.String(),
		UserHealthFactor: healthString(factor),
	})
}

// --- HTTP Handlers: queries ---

// GetAccount handles GET /api/v1/accounts/{userID}
func (s *Service) GetAccount(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	snap, err := s.engine.Snapshot(r.Context(), userID)
	if err != nil {
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	collateral := make(map[string]string, len(snap.Collateral))
	for asset, amount := range snap.Collateral {
		collateral[asset] = amount.String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AccountResponse{
		UserID:             userID,
		Debt:               snap.Debt.String(),
		CollateralValueUSD: wad(snap.CollateralValue),
		HealthFactor:       healthString(snap.HealthFactor),
		Collateral:         collateral,
	})
}

// GetHistory handles GET /api/v1/accounts/{userID}/history
// Returns the user's operation events, oldest first.
func (s *Service) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	events, err := s.store.GetEventsByUser(r.Context(), userID)
	if err != nil {
		writeError(w, "failed to get account history", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// ListEvents handles GET /api/v1/events
// Returns the most recent operations across all accounts, newest first.
// Accepts ?limit=<n>, default 50.
func (s *Service) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := s.store.ListEvents(r.Context(), limit)
	if err != nil {
		writeError(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []model.Event{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(events)
}

// ListAtRisk handles GET /api/v1/positions/at-risk
// Returns snapshots of every position below the minimum health factor,
// for liquidation bots.
func (s *Service) ListAtRisk(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.engine.AtRisk(r.Context())
	if err != nil {
		writeError(w, "failed to scan positions", http.StatusInternalServerError)
		return
	}

	out := make([]AccountResponse, 0, len(snaps))
	for _, snap := range snaps {
		collateral := make(map[string]string, len(snap.Collateral))
		for asset, amount := range snap.Collateral {
			collateral[asset] = amount.String()
		}
		out = append(out, AccountResponse{
			UserID:             snap.UserID,
			Debt:               snap.Debt.String(),
			CollateralValueUSD: wad(snap.CollateralValue),
			HealthFactor:       healthString(snap.HealthFactor),
			Collateral:         collateral,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// ListAssets handles GET /api/v1/assets
func (s *Service) ListAssets(w http.ResponseWriter, r *http.Request) {
	reg := s.engine.Registry()
	out := make([]AssetInfo, 0, len(reg.Assets()))
	for _, asset := range reg.Assets() {
		feed, err := reg.Feed(asset)
		if err != nil {
			writeError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		answer, err := feed.LatestAnswer()
		if err != nil {
			writeError(w, "price feed unavailable for "+asset, http.StatusServiceUnavailable)
			return
		}
		out = append(out, AssetInfo{
			Asset:        asset,
			PriceUSD:     decimal.NewFromBigInt(answer, -int32(feed.Decimals())).String(),
			FeedDecimals: feed.Decimals(),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// GetAssetPrice handles GET /api/v1/assets/{asset}/price
func (s *Service) GetAssetPrice(w http.ResponseWriter, r *http.Request) {
	asset := chi.URLParam(r, "asset")

	feed, err := s.engine.Registry().Feed(asset)
	if err != nil {
		writeError(w, "asset not registered: "+asset, http.StatusNotFound)
		return
	}
	answer, err := feed.LatestAnswer()
	if err != nil {
		writeError(w, "price feed unavailable for "+asset, http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(AssetInfo{
		Asset:        asset,
		PriceUSD:     decimal.NewFromBigInt(answer, -int32(feed.Decimals())).String(),
		FeedDecimals: feed.Decimals(),
	})
}

// GetParams handles GET /api/v1/params
func (s *Service) GetParams(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ParamsResponse{
		LiquidationThresholdPct: engine.LiquidationThresholdPct,
		LiquidationBonusPct:     engine.LiquidationBonusPct,
		MinHealthFactor:         wad(engine.MinHealthFactor),
	})
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
