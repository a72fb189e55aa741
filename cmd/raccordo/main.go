package main

// Package main provides the entry point for the Raccordo CLI and gateway.
import (
	"errors"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/internal/gateway/cli"
)

func main() {
	// Setup logging until the config is loaded
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := cli.Execute(); err != nil {
		if errors.Is(err, cli.ErrToolFailed) {
			os.Exit(2)
		}
		log.Fatal().Err(err).Msg("Command failed")
	}
}
