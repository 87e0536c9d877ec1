package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/felixgeelhaar/premiumsync/adapter/cli"
	cliBilling "github.com/felixgeelhaar/premiumsync/adapter/cli/billing"
	"github.com/felixgeelhaar/premiumsync/internal/app"
	"github.com/felixgeelhaar/premiumsync/pkg/config"
	"github.com/felixgeelhaar/premiumsync/pkg/observability"
)

func main() {
	logger := observability.LoggerFromEnv()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger = observability.NewLogger(observability.LogConfigFor(cfg.AppEnv, cfg.LogLevel))
	cli.SetLogger(logger)

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to initialize container", "error", err)
		os.Exit(1)
	}
	defer container.Close()

	if err := container.Premium.Start(ctx); err != nil {
		logger.Warn("premium service started degraded", "error", err)
	}

	cli.SetApp(cli.NewApp(container.Premium))
	for _, cmd := range cliBilling.Commands() {
		cli.AddCommand(cmd)
	}

	cli.Execute(ctx)
}
