// Package main запускает оркестратор киоска умной тележки.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/smartcart/internal/alert"
	"github.com/mmeshcher/smartcart/internal/backend"
	"github.com/mmeshcher/smartcart/internal/cache"
	"github.com/mmeshcher/smartcart/internal/config"
	"github.com/mmeshcher/smartcart/internal/handler"
	"github.com/mmeshcher/smartcart/internal/middleware"
	"github.com/mmeshcher/smartcart/internal/payment"
	"github.com/mmeshcher/smartcart/internal/repository"
	"github.com/mmeshcher/smartcart/internal/service"
	"github.com/mmeshcher/smartcart/internal/transport"
	"github.com/mmeshcher/smartcart/internal/weighing"
)

func main() {
	cfg, err := config.Parse()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	if cfg.Debug {
		logger, _ = zap.NewDevelopment()
	}
	defer logger.Sync()

	sugar := logger.Sugar()

	var deps service.Deps
	deps.Backend = backend.NewClient(cfg.BackendAddress, logger)
	if cfg.BackendAddress == "" {
		sugar.Warn("backend address not set, manual scan and QR payment disabled")
	}

	if cfg.DatabaseURI != "" {
		repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		defer repo.Close()
		deps.Journal = repo
	}

	if cfg.RedisAddress != "" {
		rc := cache.NewRedisCache(redis.NewClient(&redis.Options{Addr: cfg.RedisAddress}))
		pingCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := rc.Ping(pingCtx)
		cancel()
		if err != nil {
			sugar.Warnw("redis unavailable, cart snapshots disabled", "addr", cfg.RedisAddress, "error", err.Error())
			_ = rc.Close()
		} else {
			defer rc.Close()
			deps.Cache = rc
		}
	}

	if cfg.MQTTBroker != "" {
		n, err := alert.NewMQTTNotifier(cfg.MQTTBroker, cfg.CartID, logger)
		if err != nil {
			sugar.Warnw("mqtt unavailable, staff alerts disabled", "broker", cfg.MQTTBroker, "error", err.Error())
		} else {
			deps.Notifier = n
		}
	}

	dial := transport.ProcessDialer(cfg.HardwareCommand, logger)
	if cfg.SerialDevice != "" {
		dial = transport.SerialDialer(cfg.SerialDevice, cfg.SerialBaud, logger)
	}

	orch, err := service.New(service.Config{
		CartID:            cfg.CartID,
		ReconnectMaxDelay: cfg.ReconnectMaxDelay,
		Weighing: weighing.Config{
			PollInterval: cfg.WeighPollInterval,
			Settle:       cfg.WeighSettle,
			Debounce:     cfg.WeighDebounce,
			Timeout:      cfg.WeighTimeout,
			IdleIsStill:  cfg.WeighIdleIsStill,
		},
		Payment: payment.Config{
			RetryBackoff: cfg.CardRetryBackoff,
			MaxRetries:   cfg.CardMaxRetries,
			PollInterval: cfg.OrderPollInterval,
		},
	}, dial, deps, logger)
	if err != nil {
		sugar.Fatalw("orchestrator initialization error", "error", err.Error())
	}
	defer orch.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AdminSecret, cfg.AdminPassword)
	if cfg.AdminPassword == "" {
		sugar.Warn("admin password not set, staff login disabled")
	}
	h := handler.NewHandler(orch, logger, authMiddleware)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Потоки событий закрываются вместе с ctx, иначе Shutdown ждёт их до таймаута.
	server := &http.Server{
		Addr:        cfg.RunAddress,
		Handler:     h.SetupRouter(),
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	// Связь с оборудованием
	g.Go(func() error {
		return orch.Run(ctx)
	})

	g.Go(func() error {
		sugar.Infow("starting smartcart kiosk", "addr", cfg.RunAddress, "cart", cfg.CartID)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
