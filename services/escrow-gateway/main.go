package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"credify/gateway/middleware"
	"credify/observability/logging"
	telemetry "credify/observability/otel"
	"credify/sdk/client"
	"credify/services/checkout"
	"credify/services/identity"
	"credify/services/orders"
	"credify/services/pricing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "path to gateway configuration (YAML)")
	flag.Parse()

	cfg, err := LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := logging.Setup("escrow-gateway", cfg.Environment)

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.ConfigFromEnv("escrow-gateway", cfg.Environment))
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	store, err := orders.Open(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("open order store: %v", err)
	}
	defer store.Close()

	proofs, err := identity.NewStore(cfg.Identity.Path, nil)
	if err != nil {
		log.Fatalf("open identity store: %v", err)
	}
	defer proofs.Close()

	httpClient := &http.Client{Timeout: 15 * time.Second, Transport: telemetry.Transport(nil)}
	node := client.New(cfg.Node.URL,
		client.WithAuthToken(cfg.Node.AuthToken),
		client.WithHTTPClient(httpClient))

	quotes, closeQuotes := buildQuoteCache(cfg.Quotes, logger)
	defer closeQuotes()

	var settler Settler
	signer, err := loadOperatorSigner(cfg.Operator)
	switch {
	case errors.Is(err, errOperatorDisabled):
		logger.Warn("admin release/refund disabled", slog.String("reason", err.Error()))
	case err != nil:
		log.Fatalf("load operator: %v", err)
	default:
		orchestrator, err := checkout.NewOrchestrator(node, signer,
			checkout.WithLogger(logger),
			checkout.WithPollInterval(cfg.Node.PollInterval.Duration),
			checkout.WithConfirmTimeout(cfg.Node.ConfirmTimeout.Duration))
		if err != nil {
			log.Fatalf("init orchestrator: %v", err)
		}
		settler = orchestrator
		logger.Info("operator signer loaded", logging.MaskField("address", signer.Address().Hex()))
	}

	hub := NewStatusHub(0)
	server, err := NewServer(ServerDeps{
		Store:         store,
		Identity:      proofs,
		Quotes:        quotes,
		Ledger:        node,
		Settler:       settler,
		Hub:           hub,
		Auth:          newAuthenticator(cfg.Auth, logger),
		Limiter:       middleware.NewRateLimiter(map[string]middleware.RateLimit{rateKeyWrites: {RequestsPerMinute: cfg.RateLimit.RequestsPerMinute, Burst: cfg.RateLimit.Burst}}, logger),
		Observability: middleware.NewObservability("escrow-gateway", cfg.LogRequests, logger),
		CORS:          middleware.CORSConfig{AllowedOrigins: cfg.CORS.AllowedOrigins},
		Logger:        logger,
		MinimumAge:    cfg.Identity.MinimumAge,
	})
	if err != nil {
		log.Fatalf("init server: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	watcher := NewEventWatcher(node, store, hub, logger)
	watcher.pollInterval = cfg.Watcher.PollInterval.Duration
	watcher.batchSize = cfg.Watcher.BatchSize
	go watcher.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           telemetry.Handler(server.Handler(), "escrow-gateway"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("escrow gateway listening", slog.String("addr", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("listen failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down escrow gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.String("error", err.Error()))
	}
}

// buildQuoteCache prices native coins from CoinGecko, sharing the cache
// through redis when an address is configured.
func buildQuoteCache(cfg QuotesConfig, logger *slog.Logger) (*pricing.Cache, func()) {
	httpClient := &http.Client{Timeout: cfg.RequestTimeout.Duration, Transport: telemetry.Transport(nil)}
	source := pricing.NewCoinGeckoSource(httpClient, cfg.Endpoint, nil)
	opts := []pricing.Option{pricing.WithTTL(cfg.TTL.Duration), pricing.WithLogger(logger)}
	closeFn := func() {}
	if cfg.RedisAddr != "" {
		redisStore, err := pricing.NewRedisStore(context.Background(), pricing.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warn("redis quote store unavailable; using memory", slog.String("error", err.Error()))
		} else {
			opts = append(opts, pricing.WithStore(redisStore))
			closeFn = func() { _ = redisStore.Close() }
		}
	}
	return pricing.NewCache(source, opts...), closeFn
}
