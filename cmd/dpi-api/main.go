package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"Go2NetDPI/internal/api"
	"Go2NetDPI/internal/config"
	"Go2NetDPI/internal/logging"
	"Go2NetDPI/internal/query"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup(logging.Options{App: "dpi-api", Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	// Find the first enabled ClickHouse writer config
	var chCfg *config.ClickHouseConfig
	for _, writerDef := range cfg.Writers {
		if writerDef.Enabled && writerDef.Type == "clickhouse" {
			chCfg = &writerDef.ClickHouse
			break
		}
	}
	if chCfg == nil {
		log.Fatal().Msg("No enabled ClickHouse writer found in config. API server cannot start.")
	}

	querier, err := query.NewClickHouseQuerier(*chCfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create querier")
	}
	defer querier.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.NewServer(querier, logging.Component("api"))
	if err := server.Serve(ctx, cfg.API.ListenAddr); err != nil {
		logger.Error().Err(err).Msg("API server failed")
		return
	}
	logger.Info().Msg("API server exited")
}
