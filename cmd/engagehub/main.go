package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/engagehub/engagehub/api"
	"github.com/engagehub/engagehub/internal/campaigns"
	"github.com/engagehub/engagehub/internal/config"
	"github.com/engagehub/engagehub/internal/database"
	"github.com/engagehub/engagehub/internal/identities"
	"github.com/engagehub/engagehub/internal/ledger"
	"github.com/engagehub/engagehub/internal/verification"
	"github.com/engagehub/engagehub/internal/wallet"
	"github.com/engagehub/engagehub/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "engagehub: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	// .env is optional, used in local development.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.NewLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	log.Info("Starting engagehub",
		zap.String("environment", cfg.Environment),
		zap.String("addr", cfg.Server.Addr))

	db, err := database.NewPostgresDB(cfg.Database.DSN,
		cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(context.Background()).Err(); err != nil {
			log.Warn("Redis unreachable, balance caching disabled", zap.Error(err))
			cache = nil
		}
	}

	ledgerSvc, err := ledger.NewService(log, db, cache)
	if err != nil {
		return fmt.Errorf("init ledger: %w", err)
	}
	identitySvc, err := identities.NewService(log, db, ledgerSvc, cfg.Platform.KYCRequiredThreshold)
	if err != nil {
		return fmt.Errorf("init identities: %w", err)
	}
	walletSvc, err := wallet.NewService(log, db, ledgerSvc, identitySvc, cfg.Platform.WithdrawalFeeRate)
	if err != nil {
		return fmt.Errorf("init wallet: %w", err)
	}

	scoring := verification.NewHTTPScoringClient(log, cfg.MLService.URL, cfg.MLService.Timeout)
	registry := verification.NewRegistry(log, db)
	review := verification.NewReviewQueue(log, db, ledgerSvc)
	fraud := verification.NewFraudService(log, db, cfg.Platform.FraudAlertThreshold)
	verificationSvc, err := verification.NewService(log, db, ledgerSvc, registry, review, fraud,
		identitySvc, scoring, cfg.Platform.VerificationWorkers, cfg.Platform.VerificationQueueSize)
	if err != nil {
		return fmt.Errorf("init verification: %w", err)
	}
	if err := verificationSvc.Start(); err != nil {
		return fmt.Errorf("start verification workers: %w", err)
	}
	defer verificationSvc.Stop()

	campaignSvc, err := campaigns.NewService(log, db, ledgerSvc, verificationSvc, cfg.Platform.CommissionRate)
	if err != nil {
		return fmt.Errorf("init campaigns: %w", err)
	}

	server := api.NewServer(log, ledgerSvc, walletSvc, verificationSvc, review, fraud, registry, campaignSvc)
	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: server.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
