package main

import (
	"context"
	"flag"
	"os"

	"go.uber.org/zap"

	"github.com/multisender-app/multisender/internal/app"
	"github.com/multisender-app/multisender/internal/config"
	"github.com/multisender-app/multisender/internal/logger"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the configuration file")
	flag.Parse()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot, _ := zap.NewDevelopment()
		boot.Fatal("Failed to load configuration", zap.Error(err))
		os.Exit(1)
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		boot, _ := zap.NewDevelopment()
		boot.Fatal("Failed to initialize logger", zap.Error(err))
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("Starting multisender")

	runner := app.NewRunner(cfg, log)
	if err := runner.Initialize(ctx); err != nil {
		log.Fatal("Failed to initialize", zap.Error(err))
	}

	if err := runner.Run(ctx); err != nil {
		log.Fatal("Execution error", zap.Error(err))
	}
}
