package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/rs/zerolog"

	"eduvault-payments/internal/config"
	"eduvault-payments/internal/domain/ports/adapter"
	payAdapters "eduvault-payments/internal/infra/adapters/payment"
	pg "eduvault-payments/internal/infra/db/postgres"
	"eduvault-payments/internal/infra/logging"
	red "eduvault-payments/internal/infra/redis"
	"eduvault-payments/internal/usecase"
)

// app holds everything the subcommands share.
type app struct {
	cfg   *config.Config
	log   *zerolog.Logger
	pool  *pgxpool.Pool
	redis *red.Client

	payUC usecase.PaymentUseCase
	subUC usecase.SubscriptionUseCase
}

func loadConfig(flags *globalFlags) (*config.Config, *zerolog.Logger, error) {
	cfg, err := config.LoadConfig(flags.configPath, flags.dev)
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Warn().Msg("[DEV MODE] Enabled")
	}
	return cfg, logger, nil
}

func bootstrap(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, logger, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}

	// ---- Postgres ----
	pool, err := pg.NewPgxPool(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}

	// ---- Redis ----
	redisClient, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("redis: %w", err)
	}
	locker := red.NewLocker(redisClient)
	limiter := red.NewRateLimiter(redisClient)

	// ---- Repositories ----
	subRepo := pg.NewSubscriptionRepo(pool)
	eventRepo := pg.NewPaymentEventRepo(pool)
	catalogRepo := pg.NewCatalogRepoCacheDecorator(pg.NewCatalogRepo(pool), redisClient, cfg.Redis.TTL, logger)
	tm := pg.NewTxManager(pool)

	// ---- Payment gateway ----
	gateway, err := newGateway(cfg, logger)
	if err != nil {
		redisClient.Close()
		pool.Close()
		return nil, err
	}

	// ---- Use cases ----
	policy := usecase.PaymentPolicy{
		Amount:         cfg.Subscription.Amount,
		Currency:       cfg.Subscription.Currency,
		Duration:       cfg.Subscription.Duration(),
		ExpiryAnchor:   cfg.Subscription.ExpiryAnchor,
		InitiateLimit:  cfg.RateLimit.InitiateLimit,
		InitiateWindow: cfg.RateLimit.InitiateWindow,
		LockTTL:        cfg.RateLimit.LockTTL,
		Dev:            cfg.Runtime.Dev,
	}
	payUC := usecase.NewPaymentUseCase(subRepo, eventRepo, catalogRepo, gateway, locker, limiter, tm, policy, logger)
	subUC := usecase.NewSubscriptionUseCase(subRepo, nil, logger)

	return &app{
		cfg:   cfg,
		log:   logger,
		pool:  pool,
		redis: redisClient,
		payUC: payUC,
		subUC: subUC,
	}, nil
}

func newGateway(cfg *config.Config, logger *zerolog.Logger) (adapter.PaymentGateway, error) {
	if cfg.Runtime.Dev && !cfg.Mpesa.Configured() {
		logger.Warn().Msg("mpesa not configured; using in-memory payment gateway")
		return payAdapters.NewNoopPaymentGateway(), nil
	}
	baseURL := cfg.Mpesa.BaseURL
	if baseURL == "" {
		baseURL = payAdapters.SandboxBaseURL
		if strings.EqualFold(cfg.Mpesa.Environment, "production") {
			baseURL = payAdapters.ProductionBaseURL
		}
	}
	gw, err := payAdapters.NewMpesaGateway(payAdapters.MpesaConfig{
		BaseURL:         baseURL,
		ConsumerKey:     cfg.Mpesa.ConsumerKey,
		ConsumerSecret:  cfg.Mpesa.ConsumerSecret,
		ShortCode:       cfg.Mpesa.ShortCode,
		PartyB:          cfg.Mpesa.PartyB,
		Passkey:         cfg.Mpesa.Passkey,
		CallbackURL:     cfg.Mpesa.CallbackURL,
		TransactionType: cfg.Mpesa.TransactionType,
		Timeout:         cfg.Mpesa.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("mpesa gateway: %w", err)
	}
	logger.Info().Str("base_url", baseURL).Str("shortcode", cfg.Mpesa.ShortCode).Msg("mpesa gateway configured")
	return gw, nil
}

func (a *app) Close() {
	if err := a.redis.Close(); err != nil {
		a.log.Warn().Err(err).Msg("redis close")
	}
	a.pool.Close()
}
