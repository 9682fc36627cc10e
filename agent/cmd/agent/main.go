// Command agent runs the DevopsMate telemetry agent.
//
// # Usage
//
//	agent --endpoint https://ingest.devopsmate.io/api/v1/ingest --api-key dm_xxx
//
// # Configuration
//
// Configuration can be provided via:
// - Command-line flags
// - Environment variables (DM_*)
// - Config file (--config)
//
// # Examples
//
// Run with flags:
//
//	agent --endpoint https://ingest.devopsmate.io/api/v1/ingest \
//	      --api-key dm_xxx \
//	      --tenant-id acme
//
// Run with config file:
//
//	agent --config /etc/devopsmate/agent.yaml
//
// Run with environment variables:
//
//	DM_ENDPOINT=https://ingest.devopsmate.io/api/v1/ingest \
//	DM_API_KEY=dm_xxx \
//	agent
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/kloudping-venkat/DevopsMate/agent"
	"github.com/kloudping-venkat/DevopsMate/agent/internal/config"
	"github.com/kloudping-venkat/DevopsMate/pkg/version"
)

func main() {
	var (
		configFile = flag.String("config", "", "Path to config file")
		endpoint   = flag.String("endpoint", "", "Ingest endpoint URL")
		apiKey     = flag.String("api-key", "", "API key")
		tenantID   = flag.String("tenant-id", "", "Tenant ID")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		ver        = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *ver {
		fmt.Printf("devopsmate-agent %s\n", version.Version)
		os.Exit(0)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg := config.DefaultConfig()

	if *configFile != "" {
		fileCfg, err := config.LoadFromFile(*configFile)
		if err != nil {
			logger.Error("failed to load config file", "error", err)
			os.Exit(1)
		}
		cfg = fileCfg
	}

	cfg.ApplyEnvOverrides()

	if *endpoint != "" {
		if len(cfg.Endpoints) == 0 {
			cfg.Endpoints = append(cfg.Endpoints, config.EndpointConfig{URL: *endpoint})
		} else {
			cfg.Endpoints[0].URL = *endpoint
		}
	}
	if *apiKey != "" && len(cfg.Endpoints) > 0 {
		cfg.Endpoints[0].APIKey = *apiKey
	}
	if *tenantID != "" {
		cfg.TenantID = *tenantID
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create agent", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	logger.Info("starting devopsmate agent",
		"version", version.Version,
		"endpoint", cfg.PrimaryURL())

	if err := a.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("agent exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("agent shutdown complete")
}
