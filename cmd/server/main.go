package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/vault-engine/internal/engine"
	"github.com/atmx/vault-engine/internal/metrics"
	"github.com/atmx/vault-engine/internal/oracle"
	"github.com/atmx/vault-engine/internal/registry"
	"github.com/atmx/vault-engine/internal/store"
	"github.com/atmx/vault-engine/internal/token"
	"github.com/atmx/vault-engine/internal/vault"
)

// collateralConfig is one entry of the COLLATERAL_CONFIG JSON array.
// PriceUSD seeds the static feed; in production each entry would point at
// a live oracle instead.
type collateralConfig struct {
	Asset        string          `json:"asset"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	FeedDecimals uint8           `json:"feed_decimals"`
}

func defaultCollateralConfig() []collateralConfig {
	return []collateralConfig{
		{Asset: "WETH", PriceUSD: decimal.NewFromInt(2000), FeedDecimals: 8},
		{Asset: "WBTC", PriceUSD: decimal.NewFromInt(30000), FeedDecimals: 8},
	}
}

func loadCollateralConfig() ([]collateralConfig, error) {
	raw := os.Getenv("COLLATERAL_CONFIG")
	if raw == "" {
		return defaultCollateralConfig(), nil
	}
	var cfg []collateralConfig
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("invalid COLLATERAL_CONFIG: %w", err)
	}
	if len(cfg) == 0 {
		return nil, fmt.Errorf("COLLATERAL_CONFIG must list at least one asset")
	}
	return cfg, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Collateral registry and token collaborators ---
	cfg, err := loadCollateralConfig()
	if err != nil {
		slog.Error("collateral config failed", "err", err)
		os.Exit(1)
	}

	assets := make([]string, 0, len(cfg))
	feeds := make([]oracle.PriceFeed, 0, len(cfg))
	collateral := make(map[string]token.Token, len(cfg))
	for _, c := range cfg {
		// Feed answers carry the feed's own precision, e.g. 2000e8 for a
		// $2000 asset on an 8-decimal feed.
		answer := c.PriceUSD.Shift(int32(c.FeedDecimals)).BigInt()
		if answer.Sign() <= 0 {
			slog.Error("collateral price must be positive", "asset", c.Asset)
			os.Exit(1)
		}
		assets = append(assets, c.Asset)
		feeds = append(feeds, oracle.NewStaticFeed(answer, c.FeedDecimals))
		collateral[c.Asset] = token.NewLedgerToken(c.Asset)
		slog.Info("collateral registered", "asset", c.Asset,
			"price_usd", c.PriceUSD.String(), "feed_decimals", c.FeedDecimals)
	}

	reg, err := registry.New(assets, feeds)
	if err != nil {
		slog.Error("registry construction failed", "err", err)
		os.Exit(1)
	}
	debtToken := token.NewLedgerToken("VUSD")

	// --- Engine ---
	eng, err := engine.New(reg, collateral, debtToken, st, "vault-engine")
	if err != nil {
		slog.Error("engine construction failed", "err", err)
		os.Exit(1)
	}

	// --- WebSocket hub ---
	wsHub := vault.NewWSHub()
	go wsHub.Run()

	// --- Vault service ---
	vaultSvc := vault.NewService(eng, st, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"vault-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time operation updates.
		r.Get("/ws", wsHub.HandleWS)

		// Collateral registry.
		r.Get("/assets", vaultSvc.ListAssets)
		r.Get("/assets/{asset}/price", vaultSvc.GetAssetPrice)
		r.Get("/params", vaultSvc.GetParams)

		// Account operations.
		r.Post("/accounts/{userID}/deposit", vaultSvc.Deposit)
		r.Post("/accounts/{userID}/redeem", vaultSvc.Redeem)
		r.Post("/accounts/{userID}/mint", vaultSvc.Mint)
		r.Post("/accounts/{userID}/burn", vaultSvc.Burn)
		r.Post("/accounts/{userID}/deposit-and-mint", vaultSvc.OpenPosition)
		r.Post("/accounts/{userID}/redeem-and-burn", vaultSvc.ClosePosition)

		// Account queries.
		r.Get("/accounts/{userID}", vaultSvc.GetAccount)
		r.Get("/accounts/{userID}/history", vaultSvc.GetHistory)
		r.Get("/events", vaultSvc.ListEvents)

		// Liquidations.
		r.Post("/liquidations", vaultSvc.Liquidate)
		r.Get("/positions/at-risk", vaultSvc.ListAtRisk)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("vault-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down vault-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("vault-engine stopped")
}
