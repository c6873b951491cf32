package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/JakeFAU/learning-bits-crawler/internal/app"
	"github.com/JakeFAU/learning-bits-crawler/internal/config"
	"github.com/JakeFAU/learning-bits-crawler/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "bitcrawler: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config failed: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := app.Build(ctx, cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return err
	}
	logger.Info("learning-bits crawler starting",
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Store.Driver),
		zap.Int("max_concurrent_jobs", cfg.Jobs.MaxConcurrent),
	)
	return service.Run(ctx)
}
