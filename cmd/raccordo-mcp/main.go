package main

// Raccordo MCP proxy: a stdio MCP server that forwards to every configured
// backend. Register it as the single MCP server of a host application.
import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Denis-Chistyakov/Raccordo/internal/gateway/cli"
)

func main() {
	// stdout carries the protocol, so logs go to stderr as JSON
	log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := cli.ExecuteMCP(); err != nil {
		log.Fatal().Err(err).Msg("MCP proxy failed")
	}
}
