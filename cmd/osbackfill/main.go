package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/deviceops/osbackfill/internal/env"
)

var rootCmd = &cobra.Command{
	Use:   "osbackfill",
	Short: "Backfill device records with the OS derived from login events",
	Long: `osbackfill streams a login-event CSV, derives each device's operating
system from its source application, and applies idempotent partial updates to
the matching device records. It runs once, reports a summary, and exits.`,
}

func init() {
	output := zerolog.ConsoleWriter{Out: os.Stderr}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	rootCmd.AddCommand(newRunCmd())
	_ = env.Ensure()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("osbackfill command failed")
	}
}
