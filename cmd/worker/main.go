package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixgeelhaar/premiumsync/internal/app"
	"github.com/felixgeelhaar/premiumsync/internal/billing/domain"
	"github.com/felixgeelhaar/premiumsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/premiumsync/pkg/config"
	"github.com/felixgeelhaar/premiumsync/pkg/observability"
)

func main() {
	logger := observability.LoggerFromEnv()
	logger.Info("starting premiumsync worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = observability.NewLogger(observability.LogConfigFor(cfg.AppEnv, cfg.LogLevel))

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer container.Close()

	if err := container.Premium.Start(ctx); err != nil {
		logger.Warn("premium service started degraded", "error", err)
	}

	consumers := container.NotificationConsumers()
	if cfg.RabbitMQURL != "" && len(consumers) > 0 {
		// A dropped purchase notification loses a paid purchase.
		consumer, err := eventbus.NewRabbitMQConsumer(eventbus.RabbitMQConfig{
			URL:        cfg.RabbitMQURL,
			Queue:      cfg.StoreNotificationsQueue,
			RetainKeys: []string{domain.RoutingKeyPurchaseUpdated},
		}, nil, logger)
		if err != nil {
			logger.Error("failed to connect to RabbitMQ", "error", err)
			os.Exit(1)
		}
		defer consumer.Close()

		for _, c := range consumers {
			consumer.RegisterConsumer(c)
		}
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("store notification consumer stopped", "error", err)
				cancel()
			}
		}()
	} else {
		logger.Info("no store notification broker configured", "store_mode", cfg.StoreMode)
	}

	go runAckSweeper(ctx, container, cfg.AckSweepInterval)

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler(container.Prometheus))
		mux.Handle("/health", container.Health.Handler())

		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}

		go func() {
			logger.Info("metrics server starting", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", "error", err)
			}
		}()

		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("metrics server shutdown error", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("worker stopped")
}

// runAckSweeper re-sends queued acknowledgments until ctx is cancelled.
func runAckSweeper(ctx context.Context, container *app.Container, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acked, err := container.Machine.RetryPendingAcknowledgments(ctx)
			if err != nil {
				container.Logger.Warn("pending acknowledgment sweep incomplete", "acknowledged", acked, "error", err)
				continue
			}
			if acked > 0 {
				container.Logger.Info("pending acknowledgments delivered", "acknowledged", acked)
			}
		}
	}
}
