package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linkflow-go/internal/coordination/coordinator"
	"github.com/linkflow-go/pkg/config"
	"github.com/linkflow-go/pkg/logger"
)

func main() {
	cfg, err := config.Load("coordinator")
	if err != nil {
		panic(err)
	}

	log := logger.New(cfg.Logger.ToLoggerConfig())

	mgr := coordinator.New(coordinator.Config{
		Coordination: cfg.Coordination,
		Redis:        cfg.Redis,
		Discovery:    cfg.Discovery,
		Kafka:        cfg.Kafka,
		Telemetry:    cfg.Telemetry,
	}, log)

	if err := mgr.Initialize(); err != nil {
		log.Fatal("failed to initialize coordination manager", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := mgr.Start(ctx); err != nil {
		log.Fatal("failed to start coordination manager", "error", err)
	}

	log.Info("coordination manager running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down coordination manager...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := mgr.Shutdown(shutdownCtx); err != nil {
		log.Error("coordination manager forced to shutdown", "error", err)
	}

	log.Info("coordination manager exited")
}
