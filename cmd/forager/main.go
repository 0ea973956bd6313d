package main

import (
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	// Load environment variables from .env file if present
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("No .env file found, using environment variables")
	}

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		log.Error().Err(err).Msg("Command failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var logLevel string
	var env string

	root := &cobra.Command{
		Use:   "forager",
		Short: "Polite concurrent web crawler",
		Long: `Forager is a breadth-first web crawler with per-domain adaptive rate
limiting, proxy rotation with health tracking, a TTL response cache and
robots.txt support.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(logLevel, env)
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", getEnvWithDefault("LOG_LEVEL", "info"), "log level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&env, "env", getEnvWithDefault("APP_ENV", "development"), "environment (development/production)")

	root.AddCommand(newCrawlCmd())
	root.AddCommand(newVersionCmd())
	return root
}

func setupLogging(logLevel, env string) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Use console writer in development
	if env == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = zerolog.New(os.Stderr).
			With().
			Timestamp().
			Str("service", "forager").
			Logger()
	}
}

// getEnvWithDefault retrieves an environment variable or returns a default value if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
