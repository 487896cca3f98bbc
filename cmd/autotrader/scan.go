package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/sawpanic/autotrader/internal/alerts"
	"github.com/sawpanic/autotrader/internal/config"
	"github.com/sawpanic/autotrader/internal/datasource"
	"github.com/sawpanic/autotrader/internal/freshness"
	"github.com/sawpanic/autotrader/internal/metrics"
	"github.com/sawpanic/autotrader/internal/outbox"
	"github.com/sawpanic/autotrader/internal/report"
	"github.com/sawpanic/autotrader/internal/scan"
	"github.com/sawpanic/autotrader/internal/scoring"
	"github.com/sawpanic/autotrader/internal/store"
)

// app is the wired engine: one instance per run
type app struct {
	cfg          *config.Config
	client       *datasource.Client
	registry     *freshness.Registry
	store        store.FeatureStore
	queue        outbox.Queue
	dispatcher   *outbox.Dispatcher
	orchestrator *scan.Orchestrator
	scorer       *scoring.Scorer
	engine       *alerts.Engine
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
}

// buildApp wires the full pipeline from a validated config. Every
// failure here is a configuration error.
func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	emitter := metrics.NewPrometheusEmitter(prometheus.NewRegistry())
	registry := freshness.NewRegistry()

	var rdb *redis.Client
	if cfg.Storage.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Storage.RedisAddr})
	}

	client := datasource.NewClient(registry, emitter)
	sourceCfgs, err := cfg.BuildSourceConfigs(rdb)
	if err != nil {
		return nil, err
	}
	for _, sc := range sourceCfgs {
		client.RegisterSource(sc)
	}

	var st store.FeatureStore
	var queue outbox.Queue
	switch cfg.Storage.Backend {
	case "postgres":
		ps, err := store.NewPostgresStore(cfg.Storage.DSN, 0)
		if err != nil {
			return nil, err
		}
		if err := ps.Migrate(ctx); err != nil {
			return nil, err
		}
		pq, err := outbox.NewPostgresQueue(cfg.Storage.DSN, 0)
		if err != nil {
			return nil, err
		}
		if err := pq.Migrate(ctx); err != nil {
			return nil, err
		}
		st, queue = ps, pq
	default:
		st, queue = store.NewMemoryStore(), outbox.NewMemoryQueue()
	}

	scorer, err := scoring.NewScorer(cfg.BuildWeights(), nil)
	if err != nil {
		return nil, err
	}

	engine, err := alerts.NewEngine(cfg.AlertRules, cfg.EscalationPolicies)
	if err != nil {
		return nil, err
	}

	dispatcher, err := outbox.NewDispatcher(queue, cfg.BuildChannels(), cfg.EscalationPolicies, cfg.BuildDispatcherConfig(), emitter)
	if err != nil {
		return nil, err
	}

	fetchers := make([]scan.FeatureFetcher, 0, len(sourceCfgs))
	for _, sc := range sourceCfgs {
		fetchers = append(fetchers, scan.NewSourceFetcher(client, sc.Name, featureEndpoint, datasource.ReadThrough, scan.DecodeFeatures))
	}

	orchestrator, err := scan.NewOrchestrator(fetchers, registry, st, scorer, engine, dispatcher, emitter, cfg.BuildScanConfig())
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:          cfg,
		client:       client,
		registry:     registry,
		store:        st,
		queue:        queue,
		dispatcher:   dispatcher,
		orchestrator: orchestrator,
		scorer:       scorer,
		engine:       engine,
	}, nil
}

// featureEndpoint is the uniform feature path every source exposes
func featureEndpoint(token string) (string, url.Values) {
	return "/features", url.Values{"token": {token}}
}

func scanCmd() *cobra.Command {
	var (
		cfgPath  string
		outPath  string
		tokens   []string
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan tokens, score them and dispatch alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return exitErr(ExitConfig, err)
			}
			if len(tokens) == 0 {
				tokens = cfg.Tokens
			}
			if len(tokens) == 0 {
				return exitErr(ExitInput, fmt.Errorf("no tokens to scan: pass --tokens or set tokens in config"))
			}

			ctx := cmd.Context()
			a, err := buildApp(ctx, cfg)
			if err != nil {
				return exitErr(ExitConfig, err)
			}
			defer a.close()

			// The dispatcher drains in the background for the process
			// lifetime; scan passes only enqueue.
			dispatchCtx, stopDispatch := context.WithCancel(ctx)
			defer stopDispatch()
			go a.dispatcher.Run(dispatchCtx)

			if err := runScanPass(ctx, a, tokens, outPath); err != nil {
				return err
			}
			if interval <= 0 {
				return drainOutbox(a)
			}

			// Scheduler loop: fixed interval, skipping is not allowed to
			// pile up because passes run synchronously.
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return drainOutbox(a)
				case <-ticker.C:
					if err := runScanPass(ctx, a, tokens, outPath); err != nil {
						return err
					}
				}
			}
		},
	}

	cmd.Flags().StringVar(&cfgPath, "config", "config.yaml", "engine config file")
	cmd.Flags().StringVar(&outPath, "out", "", "write the snapshot record artifact to this path")
	cmd.Flags().StringSliceVar(&tokens, "tokens", nil, "tokens to scan (overrides config)")
	cmd.Flags().DurationVar(&interval, "interval", 0, "rescan interval; 0 runs a single pass")
	return cmd
}

func runScanPass(ctx context.Context, a *app, tokens []string, outPath string) error {
	run := a.orchestrator.ScanAll(ctx, tokens)

	if outPath != "" {
		if err := writeArtifact(outPath, run, a.cfg); err != nil {
			return err
		}
	}

	printRunSummary(ctx, a, run)
	return nil
}

// writeArtifact writes the report under an exclusive lock file so
// concurrent runs cannot interleave writes to the same artifact.
func writeArtifact(path string, run scan.RunSummary, cfg *config.Config) error {
	lockPath := path + ".lock"
	lock, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return exitErr(ExitLocked, fmt.Errorf("artifact %s is locked by another run", path))
		}
		return exitErr(ExitRuntime, err)
	}
	lock.Close()
	defer os.Remove(lockPath)

	artifact := report.Build(run, report.Options{
		Strategy:      "gem-scan",
		Deterministic: true,
		Seed:          cfg.Determinism.Seed,
	})
	if err := report.WriteFile(path, artifact); err != nil {
		return exitErr(ExitRuntime, err)
	}
	log.Info().Str("path", path).Msg("Snapshot record written")
	return nil
}

// printRunSummary emits the per-run operator summary: alert state
// counts, per-source health and every token that did not fully succeed.
func printRunSummary(ctx context.Context, a *app, run scan.RunSummary) {
	counts, err := a.dispatcher.Summary(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read outbox counts")
	}

	log.Info().
		Int("processed", run.Processed).
		Int("successful", run.Successful).
		Int("failed", run.Failed).
		Int("alerts_pending", counts[outbox.StatePending]).
		Int("alerts_delivered", counts[outbox.StateDelivered]).
		Int("alerts_suppressed", counts[outbox.StateSuppressed]).
		Int("alerts_failed", counts[outbox.StateFailed]).
		Dur("duration", run.Duration).
		Msg("Scan pass completed")

	for _, name := range a.client.Sources() {
		status, err := a.client.Status(name)
		if err != nil {
			continue
		}
		event := log.Info().Str("source", name).
			Float64("success_rate", status.SLA.SuccessRate).
			Dur("p95", status.SLA.LatencyP95)
		if status.Freshness != nil {
			event = event.Str("freshness", string(status.Freshness.Level))
		}
		event.Msg("Source health")
	}

	for _, s := range run.Summaries {
		if s.Status == scan.StatusSuccess {
			continue
		}
		log.Warn().Str("token", s.Token).Str("status", string(s.Status)).
			Strs("missing_sources", s.MissingSources).Msg("Token scan degraded")
	}
}

// drainOutbox gives queued alerts one final delivery pass on shutdown
func drainOutbox(a *app) error {
	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.dispatcher.DispatchOnce(drainCtx); err != nil {
		log.Warn().Err(err).Msg("Final outbox drain failed")
	}
	return nil
}
