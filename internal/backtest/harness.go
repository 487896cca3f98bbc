package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/autotrader/internal/alerts"
	"github.com/sawpanic/autotrader/internal/outbox"
	"github.com/sawpanic/autotrader/internal/scoring"
	"github.com/sawpanic/autotrader/internal/store"
)

// Config frames one backtest run
type Config struct {
	Start time.Time
	End   time.Time
	// Step is the replay resolution; each step re-scores every token from
	// the features known at that instant.
	Step time.Duration
	// TopK sizes the precision@k ranking cut when labels are provided
	TopK int
	// HistoryLimit bounds how far back per-feature history is read
	HistoryLimit int
}

// Validate rejects unusable run frames
func (c Config) Validate() error {
	if !c.End.After(c.Start) {
		return fmt.Errorf("backtest window end must be after start")
	}
	if c.Step <= 0 {
		return fmt.Errorf("backtest step must be positive")
	}
	return nil
}

// TokenRank is a token's final standing after a run
type TokenRank struct {
	Token string  `json:"token"`
	Score float64 `json:"score"`
}

// Result aggregates one backtest run
type Result struct {
	Start           time.Time                `json:"start"`
	End             time.Time                `json:"end"`
	Steps           int                      `json:"steps"`
	Evaluations     int                      `json:"evaluations"`
	Fired           int                      `json:"fired"`
	Suppressed      int                      `json:"suppressed"`
	SuppressionRate float64                  `json:"suppression_rate"`
	BySeverity      map[alerts.Severity]int  `json:"by_severity"`
	ByRule          map[string]int           `json:"by_rule"`
	Ranking         []TokenRank              `json:"ranking"`
	// PrecisionAtK is nil when no labels were provided
	PrecisionAtK *float64 `json:"precision_at_k,omitempty"`
	// Alerts is the in-memory sink's final contents, for inspection
	Alerts []outbox.Entry `json:"alerts,omitempty"`
}

// Harness replays stored feature history through the live scoring and
// alerting path with delivery routed to an in-memory sink. Runs are
// deterministic for a fixed store state and rule set.
type Harness struct {
	store  store.FeatureStore
	scorer *scoring.Scorer
	engine *alerts.Engine
}

// New builds a harness over the given store, scorer and rule engine
func New(st store.FeatureStore, scorer *scoring.Scorer, engine *alerts.Engine) (*Harness, error) {
	if st == nil || scorer == nil || engine == nil {
		return nil, fmt.Errorf("harness requires store, scorer and alert engine")
	}
	return &Harness{store: st, scorer: scorer, engine: engine}, nil
}

// Run replays [Start, End] in fixed steps for the given tokens. labels
// marks tokens whose outcome was positive; pass nil to skip precision@k.
func (h *Harness) Run(ctx context.Context, tokens []string, cfg Config, labels map[string]bool) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 1000
	}

	result := &Result{
		Start:      cfg.Start,
		End:        cfg.End,
		BySeverity: make(map[alerts.Severity]int),
		ByRule:     make(map[string]int),
	}

	sink := outbox.NewMemoryQueue()
	lastScore := make(map[string]float64, len(tokens))

	for t := cfg.Start; !t.After(cfg.End); t = t.Add(cfg.Step) {
		result.Steps++

		for _, token := range tokens {
			features, err := h.featuresAsOf(ctx, token, t, cfg.HistoryLimit)
			if err != nil {
				return nil, err
			}
			if len(features) == 0 {
				continue
			}

			scoreResult := h.scorer.Score(token, features, t)
			result.Evaluations++
			lastScore[token] = scoreResult.Snapshot.Score

			candidate := alerts.Candidate{
				Token:     token,
				Timestamp: t,
				Metrics:   flattenMetrics(scoreResult, features),
			}
			for _, hit := range h.engine.Evaluate(candidate) {
				for _, e := range outbox.NewEntries(hit, token, t, "") {
					state, err := sink.Enqueue(ctx, e)
					if err != nil {
						return nil, fmt.Errorf("failed to sink alert: %w", err)
					}
					if state == outbox.StateSuppressed {
						result.Suppressed++
						continue
					}
					result.Fired++
					result.BySeverity[hit.Severity]++
					result.ByRule[hit.RuleID]++
				}
			}
		}
	}

	if total := result.Fired + result.Suppressed; total > 0 {
		result.SuppressionRate = float64(result.Suppressed) / float64(total)
	}

	result.Ranking = rankTokens(lastScore)
	if labels != nil {
		result.PrecisionAtK = precisionAtK(result.Ranking, labels, cfg.TopK)
	}
	result.Alerts = sink.Entries()

	log.Info().Int("steps", result.Steps).Int("evaluations", result.Evaluations).
		Int("fired", result.Fired).Int("suppressed", result.Suppressed).
		Msg("Backtest run completed")

	return result, nil
}

// CompareRules runs the same window against two rule sets, for V1-vs-V2
// rule evaluation.
func (h *Harness) CompareRules(ctx context.Context, tokens []string, cfg Config, labels map[string]bool, other *alerts.Engine) (*Result, *Result, error) {
	base, err := h.Run(ctx, tokens, cfg, labels)
	if err != nil {
		return nil, nil, err
	}

	variant := &Harness{store: h.store, scorer: h.scorer, engine: other}
	compare, err := variant.Run(ctx, tokens, cfg, labels)
	if err != nil {
		return nil, nil, err
	}
	return base, compare, nil
}

// featuresAsOf reconstructs a token's weighted feature set as it was
// known at instant t: for each feature name, the newest observation not
// after t.
func (h *Harness) featuresAsOf(ctx context.Context, token string, t time.Time, limit int) (map[string]store.Feature, error) {
	features := make(map[string]store.Feature)
	for _, name := range h.scorer.Weights().Names() {
		history, err := h.store.ReadHistory(ctx, token, name, limit)
		if err != nil {
			return nil, fmt.Errorf("failed to read history %s/%s: %w", token, name, err)
		}
		for _, f := range history {
			if !f.Timestamp.After(t) {
				features[name] = f
				break
			}
		}
	}
	return features, nil
}

func flattenMetrics(result scoring.Result, features map[string]store.Feature) map[string]float64 {
	m := map[string]float64{
		"gem_score":  result.Snapshot.Score,
		"confidence": result.Snapshot.Confidence,
	}
	for name, f := range features {
		if v, ok := f.Value.AsFloat(); ok {
			m[name] = v
		}
	}
	return m
}

func rankTokens(lastScore map[string]float64) []TokenRank {
	ranking := make([]TokenRank, 0, len(lastScore))
	for token, score := range lastScore {
		ranking = append(ranking, TokenRank{Token: token, Score: score})
	}
	sort.Slice(ranking, func(i, j int) bool {
		if ranking[i].Score != ranking[j].Score {
			return ranking[i].Score > ranking[j].Score
		}
		return ranking[i].Token < ranking[j].Token
	})
	return ranking
}

// precisionAtK is the share of the top-k ranked tokens whose label is
// positive. Returns nil when the ranking is empty.
func precisionAtK(ranking []TokenRank, labels map[string]bool, k int) *float64 {
	if k <= 0 {
		k = 10
	}
	if k > len(ranking) {
		k = len(ranking)
	}
	if k == 0 {
		return nil
	}

	positive := 0
	for _, r := range ranking[:k] {
		if labels[r.Token] {
			positive++
		}
	}
	p := float64(positive) / float64(k)
	return &p
}
