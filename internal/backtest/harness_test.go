package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/autotrader/internal/alerts"
	"github.com/sawpanic/autotrader/internal/scoring"
	"github.com/sawpanic/autotrader/internal/store"
)

func seedStore(t *testing.T, base time.Time) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemoryStore()

	write := func(token string, ts time.Time, value float64) {
		require.NoError(t, st.WriteFeature(ctx, store.Feature{
			Token:      token,
			Name:       "quality",
			Timestamp:  ts,
			Value:      store.NumericValue(value),
			Confidence: 1.0,
			Category:   store.CategoryMarket,
			Provenance: store.Provenance{Source: "seed", FetchedAt: ts},
		}))
	}

	// GEM climbs over the window, DUD stays flat and low
	write("GEM", base, 0.2)
	write("GEM", base.Add(2*time.Hour), 0.9)
	write("DUD", base, 0.1)
	return st
}

func testHarness(t *testing.T, st *store.MemoryStore, rules []alerts.Rule) *Harness {
	t.Helper()
	scorer, err := scoring.NewScorer(scoring.WeightSet{"quality": 1.0}, nil)
	require.NoError(t, err)
	engine, err := alerts.NewEngine(rules, nil)
	require.NoError(t, err)
	h, err := New(st, scorer, engine)
	require.NoError(t, err)
	return h
}

func thresholdRule(id string, threshold float64, suppression int) alerts.Rule {
	return alerts.Rule{
		ID:                  id,
		Enabled:             true,
		Severity:            alerts.SeverityInfo,
		Metric:              "gem_score",
		Operator:            alerts.OpGT,
		Threshold:           &alerts.Threshold{Num: threshold},
		Channels:            []string{"sink"},
		SuppressionDuration: suppression,
	}
}

func TestHarness_ReplayWithAsOfFeatures(t *testing.T) {
	base := time.Unix(1700000000, 0).Truncate(time.Hour)
	st := seedStore(t, base)
	h := testHarness(t, st, []alerts.Rule{thresholdRule("strong-gem", 80, 0)})

	cfg := Config{
		Start: base,
		End:   base.Add(4 * time.Hour),
		Step:  time.Hour,
	}
	result, err := h.Run(context.Background(), []string{"GEM", "DUD"}, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, 5, result.Steps)
	assert.Equal(t, 10, result.Evaluations, "both tokens scored at every step")

	// GEM's later observation only counts from its own timestamp on:
	// steps 0-1 see 0.2 (score 20), steps 2-4 see 0.9 (score 90), so the
	// rule fires three times.
	assert.Equal(t, 3, result.Fired)
	assert.Equal(t, 3, result.ByRule["strong-gem"])

	require.Len(t, result.Ranking, 2)
	assert.Equal(t, "GEM", result.Ranking[0].Token)
	assert.InDelta(t, 90.0, result.Ranking[0].Score, 1e-9)
	assert.Equal(t, "DUD", result.Ranking[1].Token)
}

func TestHarness_SuppressionRate(t *testing.T) {
	base := time.Unix(1700000000, 0).Truncate(time.Hour)
	st := seedStore(t, base)
	// Suppression window spans the whole run, so only the first firing
	// per bucket survives.
	h := testHarness(t, st, []alerts.Rule{thresholdRule("strong-gem", 80, 6*3600)})

	cfg := Config{
		Start: base,
		End:   base.Add(4 * time.Hour),
		Step:  time.Hour,
	}
	result, err := h.Run(context.Background(), []string{"GEM"}, cfg, nil)
	require.NoError(t, err)

	assert.Equal(t, 1, result.Fired)
	assert.Equal(t, 2, result.Suppressed)
	assert.InDelta(t, 2.0/3.0, result.SuppressionRate, 1e-9)
	assert.Len(t, result.Alerts, 3, "sink keeps suppressed entries for inspection")
}

func TestHarness_PrecisionAtK(t *testing.T) {
	base := time.Unix(1700000000, 0).Truncate(time.Hour)
	st := seedStore(t, base)
	h := testHarness(t, st, []alerts.Rule{thresholdRule("strong-gem", 80, 0)})

	cfg := Config{
		Start: base,
		End:   base.Add(4 * time.Hour),
		Step:  time.Hour,
		TopK:  1,
	}
	labels := map[string]bool{"GEM": true, "DUD": false}
	result, err := h.Run(context.Background(), []string{"GEM", "DUD"}, cfg, labels)
	require.NoError(t, err)

	require.NotNil(t, result.PrecisionAtK)
	assert.InDelta(t, 1.0, *result.PrecisionAtK, 1e-9, "top-1 token is the labelled gem")
}

func TestHarness_CompareRules(t *testing.T) {
	base := time.Unix(1700000000, 0).Truncate(time.Hour)
	st := seedStore(t, base)
	h := testHarness(t, st, []alerts.Rule{thresholdRule("loose", 10, 0)})

	strictEngine, err := alerts.NewEngine([]alerts.Rule{thresholdRule("strict", 80, 0)}, nil)
	require.NoError(t, err)

	cfg := Config{
		Start: base,
		End:   base.Add(4 * time.Hour),
		Step:  time.Hour,
	}
	loose, strict, err := h.CompareRules(context.Background(), []string{"GEM", "DUD"}, cfg, nil, strictEngine)
	require.NoError(t, err)

	assert.Greater(t, loose.Fired, strict.Fired, "looser threshold fires more")
	assert.Equal(t, 3, strict.Fired)
}

func TestHarness_ConfigValidation(t *testing.T) {
	base := time.Unix(1700000000, 0)
	st := seedStore(t, base)
	h := testHarness(t, st, nil)

	_, err := h.Run(context.Background(), []string{"GEM"}, Config{Start: base, End: base, Step: time.Hour}, nil)
	assert.Error(t, err)

	_, err = h.Run(context.Background(), []string{"GEM"}, Config{Start: base, End: base.Add(time.Hour)}, nil)
	assert.Error(t, err, "zero step is rejected")
}