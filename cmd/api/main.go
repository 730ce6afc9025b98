package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/pagepool/pagepool/internal/app"
	"github.com/pagepool/pagepool/internal/config"
)

// @title           PagePool API
// @version         1.0
// @description     PagePool runs browser automation tasks against a pool of headless Firefox processes.

// @host      localhost:8080
// @BasePath  /api/v1

func main() {
	cfg := config.Load()
	log.Printf("Starting PagePool API server on port %d", cfg.Port)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, cfg); err != nil {
		log.Fatalf("run: %v", err)
	}
}
