package main

import (
	"flag"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/fmbview/internal/app"
	"github.com/dokzlo13/fmbview/internal/config"
	"github.com/dokzlo13/fmbview/internal/logging"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.StringVar(&configPath, "c", "config.yaml", "Path to configuration file (shorthand)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("config", configPath).Msg("Failed to load configuration")
	}

	flushLogs, err := logging.Setup(cfg.Log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up logging")
	}

	log.Info().Str("config", configPath).Msg("Starting fmbview")

	application, err := app.New(cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create application")
		flushLogs()
		os.Exit(1)
	}

	runErr := application.Run(app.SignalContext())
	if runErr != nil {
		log.Error().Err(runErr).Msg("fmbview stopped with error")
	}
	flushLogs()

	if runErr != nil {
		os.Exit(1)
	}
}
