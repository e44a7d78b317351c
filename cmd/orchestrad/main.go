package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"OpenLLM-Orchestra/internal/bootstrap"
	"OpenLLM-Orchestra/internal/config"
	"OpenLLM-Orchestra/pkg/logger"
)

// main 是编排守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("orchestrad 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("ORCHESTRA_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "orchestra.yaml")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	if err := logger.Init(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		OutputPaths: cfg.Logging.OutputPaths,
		Audit: logger.AuditConfig{
			Enabled:    cfg.Logging.Audit.Enabled,
			Path:       cfg.Logging.Audit.Path,
			MaxSizeMB:  cfg.Logging.Audit.MaxSizeMB,
			MaxBackups: cfg.Logging.Audit.MaxBackups,
			MaxAgeDays: cfg.Logging.Audit.MaxAgeDays,
		},
	}); err != nil {
		return err
	}
	defer logger.Sync()

	engine, err := bootstrap.Build(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	// 补投上次进程留下的未完成执行单元，再启动消费者。
	if err := engine.Orchestrator.Dispatcher().Recover(ctx); err != nil {
		return err
	}

	go func() {
		if err := engine.Worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("worker exited", "error", err)
		}
	}()
	go func() {
		if err := engine.Relay.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("outbox relay exited", "error", err)
		}
	}()

	logger.L().Info("orchestrad started",
		"storage", cfg.Storage.Driver,
		"queue", cfg.Dispatch.Queue.Driver,
		"services", len(cfg.Services),
	)

	<-ctx.Done()
	logger.L().Info("orchestrad shutting down")
	return nil
}
