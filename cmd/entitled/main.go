package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/platinummonkey/entitle/pkg/config"
	"github.com/platinummonkey/entitle/pkg/observability"
	"github.com/platinummonkey/entitle/pkg/server"
)

func main() {
	configFile := flag.String("config", os.Getenv("RBAC_CONFIG_FILE"), "YAML configuration file, overridden by RBAC_* environment variables")
	showVersion := flag.Bool("version", false, "Print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(server.Version)
		return
	}

	if *configFile != "" {
		// LoadConfig reads the file named by the environment
		if err := os.Setenv("RBAC_CONFIG_FILE", *configFile); err != nil {
			log.Fatalf("Failed to set config file: %v", err)
		}
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger := observability.NewLogger(cfg.Observability.Level(), os.Stdout)
	logger.WithFields(map[string]interface{}{
		"version":    server.Version,
		"repository": cfg.Repository.Backend,
		"cache":      cfg.Cache.Backend,
	}).Info("Starting entitlement service")

	ctx := context.Background()
	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to initialize server")
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil {
		logger.WithError(err).Error("Server exited with error")
		os.Exit(1)
	}
}
