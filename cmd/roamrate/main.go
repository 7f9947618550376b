// Command roamrate runs the dynamic pricing service: an HTTP API for price
// quotes and outcome ingestion, plus the background retrain, drift and
// bandit maintenance jobs.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/roamrate/roamrate/internal/config"
)

const (
	appName = "roamrate"
	version = "v1.4.0"
)

var configPath string

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	if term.IsTerminal(int(os.Stderr.Fd())) {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "Dynamic pricing service for hospitality inventory",
		Version: version,
		Long: `roamrate prices hotel rooms, vacation rentals and campsites per night.

It serves price quotes over HTTP, ingests booking outcomes, retrains
per-property elasticity models on a schedule, watches feature drift, and
runs A/B experiments plus a contextual bandit over live traffic.`,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config YAML (defaults apply when omitted)")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newRetrainCmd())
	rootCmd.AddCommand(newDriftCmd())
	rootCmd.AddCommand(newReplayCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if level, perr := zerolog.ParseLevel(cfg.LogLevel); perr == nil {
		zerolog.SetGlobalLevel(level)
	}
	return cfg, nil
}
