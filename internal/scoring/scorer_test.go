package scoring

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/autotrader/internal/store"
)

func feat(name string, v store.FeatureValue, conf float64) store.Feature {
	return store.Feature{
		Token:      "PEPE",
		Name:       name,
		Value:      v,
		Timestamp:  time.Unix(1700000000, 0),
		Confidence: conf,
	}
}

func TestNewScorer_WeightValidation(t *testing.T) {
	_, err := NewScorer(WeightSet{"A": 0.5, "B": 0.6}, nil)
	require.Error(t, err, "weights summing to 1.1 must fail construction")

	_, err = NewScorer(WeightSet{"A": 1.5, "B": -0.5}, nil)
	require.Error(t, err, "negative weight must fail construction")

	_, err = NewScorer(WeightSet{}, nil)
	require.Error(t, err, "empty weights must fail construction")

	_, err = NewScorer(DefaultWeights(), nil)
	require.NoError(t, err)
}

func TestScorer_HappyPath(t *testing.T) {
	// Weights {A:0.5, B:0.5}, features {A:0.8, B:0.6} => score 70
	scorer, err := NewScorer(WeightSet{"A": 0.5, "B": 0.5}, nil)
	require.NoError(t, err)

	features := map[string]store.Feature{
		"A": feat("A", store.NumericValue(0.8), 0.9),
		"B": feat("B", store.NumericValue(0.6), 0.9),
	}
	result := scorer.Score("PEPE", features, time.Unix(1700000000, 0))

	assert.InDelta(t, 70.0, result.Snapshot.Score, 1e-9)
	assert.InDelta(t, 40.0, result.Snapshot.Contributions["A"], 1e-9)
	assert.InDelta(t, 30.0, result.Snapshot.Contributions["B"], 1e-9)
	assert.Empty(t, result.Missing)

	// Contributions sum back to the score
	sum := 0.0
	for _, c := range result.Snapshot.Contributions {
		sum += c
	}
	assert.InDelta(t, result.Snapshot.Score, sum, 1e-6)
}

func TestScorer_MissingFeature(t *testing.T) {
	scorer, err := NewScorer(WeightSet{"A": 0.5, "B": 0.5}, nil)
	require.NoError(t, err)

	features := map[string]store.Feature{
		"A": feat("A", store.NumericValue(0.8), 0.9),
	}
	result := scorer.Score("PEPE", features, time.Unix(1700000000, 0))

	assert.InDelta(t, 40.0, result.Snapshot.Score, 1e-9)
	assert.InDelta(t, 0.0, result.Snapshot.Contributions["B"], 1e-9, "missing contribution still computed, as zero")
	assert.LessOrEqual(t, result.Snapshot.Confidence, 0.5*0.9, "aggregate confidence capped by missing weight")
	assert.Equal(t, []string{"B"}, result.Missing)
}

func TestScorer_EmptyFeatureSet(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights(), nil)
	require.NoError(t, err)

	result := scorer.Score("PEPE", nil, time.Unix(1700000000, 0))
	assert.Zero(t, result.Snapshot.Score)
	assert.Zero(t, result.Snapshot.Confidence)
	assert.Len(t, result.Missing, len(DefaultWeights()))
}

func TestScorer_Deterministic(t *testing.T) {
	scorer, err := NewScorer(DefaultWeights(), nil)
	require.NoError(t, err)

	asOf := time.Unix(1700000000, 0).UTC()
	features := map[string]store.Feature{
		FeatureSentiment:      feat(FeatureSentiment, store.NumericValue(0.73), 0.8),
		FeatureAccumulation:   feat(FeatureAccumulation, store.NumericValue(0.41), 0.7),
		FeatureContractSafety: feat(FeatureContractSafety, store.BooleanValue(true), 1.0),
		"holder_count":        feat("holder_count", store.NumericValue(15234), 0.9),
	}

	first := scorer.Score("PEPE", features, asOf)
	second := scorer.Score("PEPE", features, asOf)

	a, err := json.Marshal(first.Snapshot)
	require.NoError(t, err)
	b, err := json.Marshal(second.Snapshot)
	require.NoError(t, err)
	assert.Equal(t, a, b, "identical inputs must produce identical bytes")
}

func TestScorer_UnweightedFeaturesInMetadata(t *testing.T) {
	scorer, err := NewScorer(WeightSet{"A": 1.0}, nil)
	require.NoError(t, err)

	features := map[string]store.Feature{
		"A":     feat("A", store.NumericValue(0.5), 1.0),
		"extra": feat("extra", store.NumericValue(0.9), 1.0),
	}
	result := scorer.Score("PEPE", features, time.Unix(1700000000, 0))

	assert.InDelta(t, 50.0, result.Snapshot.Score, 1e-9, "unweighted features must not influence score")
	assert.Contains(t, result.Snapshot.Metadata, "extra:extra")
	assert.NotContains(t, result.Snapshot.Contributions, "extra")
}

func TestNormalizer_Transforms(t *testing.T) {
	n := DefaultNormalizer()
	asOf := time.Unix(1700000000, 0)

	cases := []struct {
		name  string
		fname string
		value store.FeatureValue
		want  float64
		delta float64
	}{
		{"clamp over", FeatureSentiment, store.NumericValue(1.7), 1.0, 1e-9},
		{"clamp under", FeatureSentiment, store.NumericValue(-0.3), 0.0, 1e-9},
		{"bool true", FeatureContractSafety, store.BooleanValue(true), 1.0, 1e-9},
		{"percent", "wallet_growth_pct", store.NumericValue(45), 0.45, 1e-9},
		{"log volume", "volume_24h_usd", store.NumericValue(999999999), 1.0, 0.01},
		{"log zero", "volume_24h_usd", store.NumericValue(0), 0.0, 1e-9},
		{"sigmoid center", "price_change_pct", store.NumericValue(0), 0.5, 1e-9},
		{"vector mean", FeatureAccumulation, store.VectorValue([]float64{0.2, 0.4}), 0.3, 1e-9},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := n.Normalize(tc.fname, tc.value, asOf)
			require.True(t, ok)
			assert.InDelta(t, tc.want, got, tc.delta)
		})
	}
}

func TestNormalizer_TimestampDecay(t *testing.T) {
	n := DefaultNormalizer()
	asOf := time.Unix(1700000000, 0)

	fresh, ok := n.Normalize("last_trade_at", store.TimestampValue(asOf), asOf)
	require.True(t, ok)
	assert.InDelta(t, 1.0, fresh, 1e-9)

	dayOld, ok := n.Normalize("last_trade_at", store.TimestampValue(asOf.Add(-24*time.Hour)), asOf)
	require.True(t, ok)
	assert.InDelta(t, 0.5, dayOld, 1e-6, "one half-life decays to 0.5")

	_, ok = n.Normalize("last_trade_at", store.TimestampValue(asOf.Add(time.Hour)), asOf)
	assert.False(t, ok, "future timestamps are unusable")
}

func TestExplainDelta_Narrative(t *testing.T) {
	prev := store.Snapshot{
		Token: "PEPE", Timestamp: time.Unix(1700000000, 0), Score: 72.5,
		Features:      map[string]float64{"Sentiment": 0.7, "LiquidityDepth": 0.8, "Accumulation": 0.5},
		Contributions: map[string]float64{"Sentiment": 30.0, "LiquidityDepth": 25.0, "Accumulation": 17.5},
	}
	cur := store.Snapshot{
		Token: "PEPE", Timestamp: time.Unix(1700000000, 0).Add(4 * time.Hour), Score: 78.3,
		Features:      map[string]float64{"Sentiment": 0.85, "LiquidityDepth": 0.78, "Accumulation": 0.52},
		Contributions: map[string]float64{"Sentiment": 36.6, "LiquidityDepth": 24.2, "Accumulation": 17.5},
	}
	delta := store.ComputeDelta(prev, cur)
	require.InDelta(t, 5.8, delta.Delta, 1e-9)
	require.InDelta(t, 8.0, delta.PercentChange, 0.1)

	explanation := ExplainDelta(delta, 3)
	require.NotEmpty(t, explanation.TopPositive)
	assert.Equal(t, "Sentiment", explanation.TopPositive[0].Name, "largest positive contribution delta leads")
	require.NotEmpty(t, explanation.TopNegative)
	assert.Equal(t, "LiquidityDepth", explanation.TopNegative[0].Name)
	assert.Contains(t, explanation.Summary, "PEPE")
	assert.Contains(t, explanation.Summary, "rose")
}
