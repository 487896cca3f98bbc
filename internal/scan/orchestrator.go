package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/autotrader/internal/alerts"
	"github.com/sawpanic/autotrader/internal/metrics"
	"github.com/sawpanic/autotrader/internal/outbox"
	"github.com/sawpanic/autotrader/internal/scoring"
	"github.com/sawpanic/autotrader/internal/store"
)

// ErrScanTimeout marks a scan whose outer deadline expired before
// scoring completed. Deadlines hit after scoring degrade to a partial
// summary instead.
var ErrScanTimeout = errors.New("scan deadline exceeded before scoring")

// Status is the terminal state of one token scan
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// FeatureFetcher produces one source family's features for a token.
// Implementations wrap the data source client; errors are per-source and
// never fail the scan.
type FeatureFetcher interface {
	Source() string
	Fetch(ctx context.Context, token string) ([]store.Feature, error)
}

// FreshnessReader exposes the freshness level lookup the orchestrator
// needs to derive per-source confidence.
type FreshnessReader interface {
	ConfidenceFor(source string) float64
}

// Config tunes a scan run
type Config struct {
	// Timeout is the outer deadline per token; zero disables it
	Timeout time.Duration
	// Concurrency bounds parallel token scans in ScanAll
	Concurrency int
	// PersistGrace bounds snapshot persistence after the outer deadline
	// already expired mid-scan.
	PersistGrace time.Duration
}

// DefaultConfig returns the production scan settings
func DefaultConfig() Config {
	return Config{
		Timeout:      30 * time.Second,
		Concurrency:  4,
		PersistGrace: 5 * time.Second,
	}
}

// Summary is the outcome of one token scan
type Summary struct {
	Token           string                      `json:"token"`
	Score           float64                     `json:"score"`
	Confidence      float64                     `json:"confidence"`
	Status          Status                      `json:"status"`
	MissingSources  []string                    `json:"missing_sources,omitempty"`
	MissingFeatures []string                    `json:"missing_features,omitempty"`
	RuleHits        []alerts.RuleHit            `json:"rule_hits,omitempty"`
	RuleMisses      []alerts.RuleMiss           `json:"metric_missing,omitempty"`
	Enqueued        int                         `json:"enqueued"`
	Suppressed      int                         `json:"suppressed"`
	Snapshot        store.Snapshot              `json:"snapshot"`
	Delta           *store.ScoreDelta           `json:"delta,omitempty"`
	Features        map[string]store.Feature    `json:"features,omitempty"`
	Provenance      map[string]store.Provenance `json:"provenance,omitempty"`
	Duration        time.Duration               `json:"duration"`
}

// Orchestrator runs the per-token pipeline: fan out to sources, assemble
// a partial feature set with freshness-derived confidence, score,
// persist, compute the delta, evaluate rules and enqueue alerts. Data
// errors degrade confidence; only configuration and store errors fail a
// scan.
type Orchestrator struct {
	fetchers   []FeatureFetcher
	freshness  FreshnessReader
	store      store.FeatureStore
	scorer     *scoring.Scorer
	engine     *alerts.Engine
	dispatcher *outbox.Dispatcher
	emitter    metrics.Emitter
	cfg        Config
	// escalation policy per rule id, resolved once at construction
	policyByRule map[string]string
	now          func() time.Time
}

// NewOrchestrator wires the scan pipeline. A nil emitter is replaced by Noop.
func NewOrchestrator(
	fetchers []FeatureFetcher,
	freshness FreshnessReader,
	st store.FeatureStore,
	scorer *scoring.Scorer,
	engine *alerts.Engine,
	dispatcher *outbox.Dispatcher,
	emitter metrics.Emitter,
	cfg Config,
) (*Orchestrator, error) {
	if len(fetchers) == 0 {
		return nil, fmt.Errorf("orchestrator requires at least one feature fetcher")
	}
	if st == nil || scorer == nil || engine == nil {
		return nil, fmt.Errorf("orchestrator requires store, scorer and alert engine")
	}
	if emitter == nil {
		emitter = metrics.Noop{}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.PersistGrace <= 0 {
		cfg.PersistGrace = DefaultConfig().PersistGrace
	}

	seen := make(map[string]struct{}, len(fetchers))
	for _, f := range fetchers {
		if _, dup := seen[f.Source()]; dup {
			return nil, fmt.Errorf("duplicate fetcher source: %s", f.Source())
		}
		seen[f.Source()] = struct{}{}
	}

	policyByRule := make(map[string]string)
	for _, r := range engine.Rules() {
		if r.EscalationPolicy != "" {
			policyByRule[r.ID] = r.EscalationPolicy
		}
	}

	return &Orchestrator{
		fetchers:     fetchers,
		freshness:    freshness,
		store:        st,
		scorer:       scorer,
		engine:       engine,
		dispatcher:   dispatcher,
		emitter:      emitter,
		cfg:          cfg,
		policyByRule: policyByRule,
		now:          time.Now,
	}, nil
}

// SetNow overrides the clock, used by tests
func (o *Orchestrator) SetNow(now func() time.Time) { o.now = now }

type fetchResult struct {
	source   string
	features []store.Feature
	err      error
}

// Scan runs one pass for a token
func (o *Orchestrator) Scan(ctx context.Context, token string) (*Summary, error) {
	start := o.now()
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	summary := &Summary{
		Token:      token,
		Provenance: make(map[string]store.Provenance),
	}
	defer func() {
		summary.Duration = o.now().Sub(start)
		o.emitter.ScanCompleted(string(summary.Status), summary.Duration)
	}()

	// Parallel source fan-out; each family fails independently
	results := make(chan fetchResult, len(o.fetchers))
	var wg sync.WaitGroup
	for _, f := range o.fetchers {
		wg.Add(1)
		go func(f FeatureFetcher) {
			defer wg.Done()
			features, err := f.Fetch(ctx, token)
			results <- fetchResult{source: f.Source(), features: features, err: err}
		}(f)
	}
	wg.Wait()
	close(results)

	fetched := make(map[string]store.Feature)
	for r := range results {
		if r.err != nil {
			summary.MissingSources = append(summary.MissingSources, r.source)
			log.Debug().Err(r.err).Str("source", r.source).Str("token", token).
				Msg("Source family unavailable, scanning with reduced confidence")
			continue
		}

		multiplier := 1.0
		if o.freshness != nil {
			multiplier = o.freshness.ConfidenceFor(r.source)
		}

		for _, f := range r.features {
			if f.Token == "" {
				f.Token = token
			}
			if f.Timestamp.IsZero() {
				f.Timestamp = start
			}
			f.Confidence *= multiplier

			if err := o.store.WriteFeature(ctx, f); err != nil {
				summary.Status = StatusFailed
				return summary, fmt.Errorf("failed to persist feature %s/%s: %w", token, f.Name, err)
			}
			fetched[f.Name] = f
			summary.Provenance[f.Provenance.Source] = f.Provenance
		}
	}
	sort.Strings(summary.MissingSources)

	switch {
	case len(summary.MissingSources) == 0:
		summary.Status = StatusSuccess
	case len(summary.MissingSources) == len(o.fetchers):
		summary.Status = StatusFailed
	default:
		summary.Status = StatusPartial
	}

	// Failed families fall back to the last stored observation, carrying
	// its decayed freshness confidence.
	for _, name := range o.scorer.Weights().Names() {
		if _, ok := fetched[name]; ok {
			continue
		}
		prev, err := o.store.ReadLatest(ctx, token, name)
		if err != nil {
			summary.Status = StatusFailed
			return summary, fmt.Errorf("failed to read stored feature %s/%s: %w", token, name, err)
		}
		if prev == nil {
			continue
		}
		if o.freshness != nil {
			prev.Confidence *= o.freshness.ConfidenceFor(prev.Provenance.Source)
		}
		fetched[name] = *prev
	}

	if ctx.Err() != nil {
		summary.Status = StatusFailed
		return summary, fmt.Errorf("%w: %s", ErrScanTimeout, token)
	}

	result := o.scorer.Score(token, fetched, start)
	summary.Score = result.Snapshot.Score
	summary.Confidence = result.Snapshot.Confidence
	summary.MissingFeatures = result.Missing
	summary.Snapshot = result.Snapshot
	summary.Features = fetched

	// An empty weighted feature set never reports success, even when
	// every source answered.
	if summary.Status == StatusSuccess && len(result.Missing) == len(o.scorer.Weights().Names()) {
		summary.Status = StatusPartial
	}

	// Scoring is done; a deadline hit from here on still emits the
	// partial result, with persistence on a short grace context.
	persistCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistGrace)
		defer cancel()
	}

	if err := o.store.WriteSnapshot(persistCtx, result.Snapshot); err != nil {
		summary.Status = StatusFailed
		return summary, fmt.Errorf("failed to persist snapshot %s: %w", token, err)
	}

	delta, err := o.store.ComputeScoreDelta(persistCtx, token)
	if err != nil {
		summary.Status = StatusFailed
		return summary, fmt.Errorf("failed to compute score delta %s: %w", token, err)
	}
	summary.Delta = delta

	var prior *store.Snapshot
	history, err := o.store.ReadSnapshotHistory(persistCtx, token, 2)
	if err == nil && len(history) > 1 {
		prior = &history[1]
	}

	candidate := alerts.Candidate{
		Token:       token,
		Timestamp:   start,
		Metrics:     o.candidateMetrics(result, fetched, delta),
		FeatureDiff: delta,
		PriorPeriod: prior,
	}

	summary.RuleHits, summary.RuleMisses = o.engine.EvaluateAll(candidate)
	if o.dispatcher != nil {
		for _, hit := range summary.RuleHits {
			enqueued, suppressed, err := o.dispatcher.Enqueue(persistCtx, hit, token, start, o.policyByRule[hit.RuleID])
			if err != nil {
				summary.Status = StatusFailed
				return summary, fmt.Errorf("failed to enqueue alert %s: %w", hit.RuleID, err)
			}
			summary.Enqueued += enqueued
			summary.Suppressed += suppressed
		}
	}

	log.Info().Str("token", token).Float64("score", summary.Score).
		Float64("confidence", summary.Confidence).Str("status", string(summary.Status)).
		Int("rule_hits", len(summary.RuleHits)).Strs("missing_sources", summary.MissingSources).
		Msg("Scan completed")

	return summary, nil
}

// candidateMetrics flattens the scan into the flat metric namespace
// rules compare against: the aggregate score and confidence, every
// feature's raw value, and the delta fields when a prior snapshot
// exists.
func (o *Orchestrator) candidateMetrics(result scoring.Result, features map[string]store.Feature, delta *store.ScoreDelta) map[string]float64 {
	m := map[string]float64{
		"gem_score":  result.Snapshot.Score,
		"confidence": result.Snapshot.Confidence,
	}
	for name, f := range features {
		if v, ok := f.Value.AsFloat(); ok {
			m[name] = v
		}
	}
	if delta != nil {
		m["score_delta"] = delta.Delta
		m["percent_change"] = delta.PercentChange
	}
	return m
}

// RunSummary aggregates a multi-token scan pass
type RunSummary struct {
	Summaries  []Summary     `json:"summaries"`
	Duration   time.Duration `json:"duration"`
	Processed  int           `json:"processed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Enqueued   int           `json:"enqueued"`
	Suppressed int           `json:"suppressed"`
}

// ScanAll scans tokens on a bounded worker pool and aggregates the
// results in input order. Per-token failures are folded into the run
// summary rather than aborting the pass.
func (o *Orchestrator) ScanAll(ctx context.Context, tokens []string) RunSummary {
	start := o.now()
	summaries := make([]Summary, len(tokens))

	sem := make(chan struct{}, o.cfg.Concurrency)
	var wg sync.WaitGroup
	for i, token := range tokens {
		wg.Add(1)
		go func(i int, token string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			s, err := o.Scan(ctx, token)
			if err != nil {
				log.Warn().Err(err).Str("token", token).Msg("Scan failed")
			}
			if s != nil {
				summaries[i] = *s
			} else {
				summaries[i] = Summary{Token: token, Status: StatusFailed}
			}
		}(i, token)
	}
	wg.Wait()

	run := RunSummary{
		Summaries: summaries,
		Processed: len(tokens),
		Duration:  o.now().Sub(start),
	}
	for _, s := range summaries {
		switch s.Status {
		case StatusFailed:
			run.Failed++
		case StatusSuccess, StatusPartial:
			run.Successful++
		}
		run.Enqueued += s.Enqueued
		run.Suppressed += s.Suppressed
	}
	return run
}
