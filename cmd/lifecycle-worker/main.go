package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/medibook/hospital-booking/internal/booking"
	"github.com/medibook/hospital-booking/internal/clock"
	"github.com/medibook/hospital-booking/internal/config"
	"github.com/medibook/hospital-booking/internal/db"
	"github.com/medibook/hospital-booking/internal/notify"
	"github.com/medibook/hospital-booking/internal/payment"
	redisclient "github.com/medibook/hospital-booking/internal/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := zerolog.New(os.Stderr).With().Timestamp().Logger()
		boot.Fatal().Err(err).Msg("config load error")
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Str("component", "lifecycle-worker").Logger()
	logger.Info().Dur("interval", cfg.SweepInterval).Msg("lifecycle worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres connection error")
	}
	defer pgPool.Close()

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection error")
	}
	defer rdb.Close()

	clk := clock.NewSystem()

	var gateway payment.Gateway
	if cfg.GatewayBaseURL != "" {
		gateway = payment.NewRemoteGateway(cfg.GatewayBaseURL)
	} else {
		gateway = payment.NewSimulator(clk)
	}

	store := booking.NewPgStore(pgPool)
	locker := redisclient.NewRedisSlotLocker(rdb, cfg.LockTTL)
	notifier := notify.NewLogNotifier(logger)
	svc := booking.NewService(store, locker, gateway, notifier, clk, cfg, logger)

	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	runSweep(rootCtx, svc, logger)

	for {
		select {
		case <-rootCtx.Done():
			logger.Info().Msg("lifecycle worker shutting down")
			return
		case <-ticker.C:
			runSweep(rootCtx, svc, logger)
		}
	}
}

func runSweep(ctx context.Context, svc *booking.Service, logger zerolog.Logger) {
	sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	if err := svc.RunSweep(sweepCtx); err != nil {
		logger.Error().Err(err).Msg("sweep run failed")
		return
	}
	logger.Info().Dur("took", time.Since(start)).Msg("sweep run complete")
}
