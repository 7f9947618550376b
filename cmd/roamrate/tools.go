package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roamrate/roamrate/internal/bandit"
	"github.com/roamrate/roamrate/internal/drift"
	"github.com/roamrate/roamrate/internal/features"
	"github.com/roamrate/roamrate/internal/outcomes"
	"github.com/roamrate/roamrate/internal/registry"
	"github.com/roamrate/roamrate/internal/retrain"
)

func newRetrainCmd() *cobra.Command {
	var property, modelType string
	cmd := &cobra.Command{
		Use:   "retrain",
		Short: "Run a retrain sweep immediately",
		Long:  "Retrains one property, or sweeps every property with recorded outcomes.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := outcomes.Open(cfg.Storage.OutcomesPath)
			if err != nil {
				return err
			}
			defer store.Close()

			orch := retrain.New(store, registry.New(cfg.Registry), cfg.Retrain)
			if property != "" {
				res := orch.Retrain(cmd.Context(), property, modelType)
				return printJSON(res)
			}
			summary, err := orch.Sweep(cmd.Context(), nil, modelType)
			if err != nil {
				return err
			}
			return printJSON(summary)
		},
	}
	cmd.Flags().StringVar(&property, "property", "", "retrain a single property")
	cmd.Flags().StringVar(&modelType, "model", registry.ModelConversion, "model type to train")
	return cmd
}

func newDriftCmd() *cobra.Command {
	var property string
	var refDays, curDays int
	cmd := &cobra.Command{
		Use:   "drift",
		Short: "Check feature drift against the reference window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := outcomes.Open(cfg.Storage.OutcomesPath)
			if err != nil {
				return err
			}
			defer store.Close()

			monitor := drift.NewMonitor(drift.New(cfg.Drift), store)
			props := []string{property}
			if property == "" {
				props, err = store.Properties(cmd.Context())
				if err != nil {
					return err
				}
			}
			reports := make(map[string]drift.Report, len(props))
			for _, id := range props {
				report, err := monitor.MonitorProperty(cmd.Context(), id, features.CanonicalNames(), refDays, curDays)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
					continue
				}
				reports[id] = report
			}
			return printJSON(reports)
		},
	}
	cmd.Flags().StringVar(&property, "property", "", "check a single property")
	cmd.Flags().IntVar(&refDays, "ref-days", 30, "reference window in days")
	cmd.Flags().IntVar(&curDays, "cur-days", 7, "current window in days")
	return cmd
}

func newReplayCmd() *cobra.Command {
	var property string
	var sims int
	var seed int64
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Evaluate the bandit offline against recorded outcomes",
		Long:  "Replays a property's outcome history through a fresh bandit and reports mean reward, arm distribution and uplift.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := outcomes.Open(cfg.Storage.OutcomesPath)
			if err != nil {
				return err
			}
			defer store.Close()

			rows, err := store.Query(cmd.Context(), property, nil, nil, 0)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				return fmt.Errorf("no outcomes recorded for property %s", property)
			}

			history := make([]bandit.HistoryRecord, len(rows))
			for i, o := range rows {
				price := o.QuotedPrice
				if o.FinalPrice != nil {
					price = *o.FinalPrice
				}
				history[i] = bandit.HistoryRecord{Price: price, Booked: o.Accepted}
			}

			eval := bandit.DefaultEvalConfig()
			eval.Simulations = sims
			eval.Seed = seed
			return printJSON(bandit.Evaluate(history, cfg.Bandit, eval))
		},
	}
	cmd.Flags().StringVar(&property, "property", "", "property to replay")
	cmd.Flags().IntVar(&sims, "simulations", 100, "Monte-Carlo simulations")
	cmd.Flags().Int64Var(&seed, "seed", 0, "simulation seed")
	_ = cmd.MarkFlagRequired("property")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
