package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/relaybot/router/internal/config"
	"github.com/relaybot/router/internal/logging"
	"github.com/relaybot/router/internal/router"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "configs/router.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("relaybot router %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	// Local .env files feed the ${VAR} references in the config file.
	// Missing files are fine; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("Configuration is valid")
		os.Exit(0)
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("Starting command router",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("routes", cfg.Routes.Type),
		zap.Int("modules", len(cfg.Modules)),
	)

	server, err := router.NewServer(cfg, router.Options{})
	if err != nil {
		logging.Error("Failed to create router", zap.Error(err))
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		logging.Error("Server error", zap.Error(err))
		os.Exit(1)
	}
}
