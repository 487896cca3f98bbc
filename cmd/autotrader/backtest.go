package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/autotrader/internal/alerts"
	"github.com/sawpanic/autotrader/internal/backtest"
	"github.com/sawpanic/autotrader/internal/config"
	"github.com/sawpanic/autotrader/internal/scoring"
	"github.com/sawpanic/autotrader/internal/store"
)

func backtestCmd() *cobra.Command {
	var (
		cfgPath      string
		tokens       []string
		startStr     string
		endStr       string
		step         time.Duration
		topK         int
		labelsPath   string
		compareRules string
		outPath      string
	)

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay stored feature history through scoring and rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return exitErr(ExitConfig, err)
			}
			if len(tokens) == 0 {
				tokens = cfg.Tokens
			}
			if len(tokens) == 0 {
				return exitErr(ExitInput, fmt.Errorf("no tokens to replay: pass --tokens or set tokens in config"))
			}

			start, err := time.Parse(time.RFC3339, startStr)
			if err != nil {
				return exitErr(ExitValidation, fmt.Errorf("invalid --start: %w", err))
			}
			end, err := time.Parse(time.RFC3339, endStr)
			if err != nil {
				return exitErr(ExitValidation, fmt.Errorf("invalid --end: %w", err))
			}

			runCfg := backtest.Config{Start: start, End: end, Step: step, TopK: topK}
			if err := runCfg.Validate(); err != nil {
				return exitErr(ExitValidation, err)
			}

			var labels map[string]bool
			if labelsPath != "" {
				labels, err = loadLabels(labelsPath)
				if err != nil {
					return exitErr(ExitInput, err)
				}
			}

			ctx := cmd.Context()
			st, err := openHistoryStore(cfg)
			if err != nil {
				return exitErr(ExitConfig, err)
			}
			defer st.Close()

			scorer, err := scoring.NewScorer(cfg.BuildWeights(), nil)
			if err != nil {
				return exitErr(ExitConfig, err)
			}
			engine, err := alerts.NewEngine(cfg.AlertRules, cfg.EscalationPolicies)
			if err != nil {
				return exitErr(ExitConfig, err)
			}

			harness, err := backtest.New(st, scorer, engine)
			if err != nil {
				return exitErr(ExitConfig, err)
			}

			if compareRules != "" {
				other, err := loadRuleEngine(compareRules)
				if err != nil {
					return exitErr(ExitConfig, err)
				}
				base, variant, err := harness.CompareRules(ctx, tokens, runCfg, labels, other)
				if err != nil {
					return err
				}
				log.Info().Int("base_fired", base.Fired).Int("variant_fired", variant.Fired).
					Float64("base_suppression", base.SuppressionRate).
					Float64("variant_suppression", variant.SuppressionRate).
					Msg("Rule comparison completed")
				return emitJSON(outPath, map[string]*backtest.Result{"base": base, "variant": variant})
			}

			result, err := harness.Run(ctx, tokens, runCfg, labels)
			if err != nil {
				return err
			}
			return emitJSON(outPath, result)
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "config.yaml", "engine config file")
	cmd.Flags().StringSliceVar(&tokens, "tokens", nil, "tokens to replay (overrides config)")
	cmd.Flags().StringVar(&startStr, "start", "", "window start (RFC3339)")
	cmd.Flags().StringVar(&endStr, "end", "", "window end (RFC3339)")
	cmd.Flags().DurationVar(&step, "step", time.Hour, "replay step")
	cmd.Flags().IntVar(&topK, "top-k", 10, "precision@k ranking cut")
	cmd.Flags().StringVar(&labelsPath, "labels", "", "JSON file mapping token to outcome label")
	cmd.Flags().StringVar(&compareRules, "compare-rules", "", "alert rules YAML to A/B against the configured set")
	cmd.Flags().StringVar(&outPath, "out", "", "write the result JSON to this path instead of stdout")
	cmd.MarkFlagRequired("start")
	cmd.MarkFlagRequired("end")
	return cmd
}

// openHistoryStore opens the configured feature store; backtests need
// the durable backend to see real history, the memory backend only
// serves smoke runs.
func openHistoryStore(cfg *config.Config) (store.FeatureStore, error) {
	if cfg.Storage.Backend == "postgres" {
		return store.NewPostgresStore(cfg.Storage.DSN, 0)
	}
	log.Warn().Msg("Backtesting against the in-memory store, history will be empty")
	return store.NewMemoryStore(), nil
}

func loadLabels(path string) (map[string]bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read labels: %w", err)
	}
	var labels map[string]bool
	if err := json.Unmarshal(data, &labels); err != nil {
		return nil, fmt.Errorf("failed to parse labels: %w", err)
	}
	return labels, nil
}

func loadRuleEngine(path string) (*alerts.Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules: %w", err)
	}
	rules, err := alerts.ParseRules(data)
	if err != nil {
		return nil, err
	}
	return alerts.NewEngine(rules, nil)
}

func emitJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return exitErr(ExitRuntime, err)
	}
	data = append(data, '\n')

	if path == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return exitErr(ExitRuntime, err)
	}
	log.Info().Str("path", path).Msg("Backtest result written")
	return nil
}
