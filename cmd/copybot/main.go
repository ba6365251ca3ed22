// cmd/copybot/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/rovshanmuradov/solana-copybot/internal/bot"
	"github.com/rovshanmuradov/solana-copybot/internal/config"
	"github.com/rovshanmuradov/solana-copybot/internal/logger"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	path := os.Getenv("COPYBOT_CONFIG")
	if path == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			path = defaultConfigPath
		}
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "💥 Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(&logger.Config{
		LogFile:     cfg.Log.File,
		MaxSize:     cfg.Log.MaxSizeMB,
		MaxAge:      cfg.Log.MaxAgeDays,
		MaxBackups:  cfg.Log.MaxBackups,
		Compress:    true,
		Development: cfg.Log.Development,
		Pretty:      cfg.Log.Pretty,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "💥 Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := log.Sync(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to sync logger: %v\n", err)
		}
	}()

	if err := run(cfg, log.Logger); err != nil {
		log.Error("💥 Copy bot stopped with error", zap.Error(err))
		_ = log.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdownCh)
	go func() {
		select {
		case sig := <-shutdownCh:
			log.Info("📡 Signal received: " + sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	log.Info("Starting copy bot", zap.Int("targets", len(cfg.Targets)))

	runner := bot.NewRunner(cfg, log)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer closeCancel()
		if err := runner.Close(closeCtx); err != nil {
			log.Warn("Shutdown completed with errors", zap.Error(err))
		}
	}()

	if err := runner.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	return runner.Run(ctx)
}
