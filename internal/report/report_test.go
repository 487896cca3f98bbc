package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/autotrader/internal/scan"
	"github.com/sawpanic/autotrader/internal/store"
)

func sampleRun(base time.Time) scan.RunSummary {
	prev := store.Snapshot{
		Token: "PEPE", Timestamp: base.Add(-time.Hour), Score: 60,
		Features:      map[string]float64{"sentiment_score": 0.5},
		Contributions: map[string]float64{"sentiment_score": 60},
	}
	cur := store.Snapshot{
		Token: "PEPE", Timestamp: base, Score: 72,
		Confidence:    0.9,
		Features:      map[string]float64{"sentiment_score": 0.72},
		Contributions: map[string]float64{"sentiment_score": 72},
	}

	return scan.RunSummary{
		Duration:   1500 * time.Millisecond,
		Processed:  2,
		Successful: 2,
		Summaries: []scan.Summary{
			{
				Token:      "PEPE",
				Score:      72,
				Confidence: 0.9,
				Status:     scan.StatusSuccess,
				Snapshot:   cur,
				Delta:      store.ComputeDelta(prev, cur),
				Features: map[string]store.Feature{
					"sentiment_score": {
						Name: "sentiment_score", Timestamp: base,
						Value: store.NumericValue(0.72), Confidence: 0.9,
					},
				},
				Provenance: map[string]store.Provenance{
					"social": {Source: "social", Endpoint: "/v1/sentiment", RequestID: "req-1", FetchedAt: base},
				},
			},
			{
				Token:          "WIF",
				Status:         scan.StatusPartial,
				MissingSources: []string{"onchain"},
				Snapshot:       store.Snapshot{Token: "WIF", Timestamp: base},
			},
		},
	}
}

func TestBuild_Shape(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	r := Build(sampleRun(base), Options{Strategy: "gem-scan", Deterministic: true, Seed: 42, At: base})

	assert.Equal(t, Version, r.Metadata.Version)
	assert.InDelta(t, 1.5, r.Metadata.DurationS, 1e-9)
	assert.Equal(t, 2, r.Metadata.TokensProcessed)
	assert.True(t, r.Metadata.Deterministic)
	require.Len(t, r.Tokens, 2)

	pepe := r.Tokens[0]
	assert.Equal(t, "PEPE", pepe.Symbol)
	assert.Equal(t, "success", pepe.Status)
	assert.Empty(t, pepe.MissingSources)
	assert.NotNil(t, pepe.MissingSources, "missing_sources serializes as [], not null")

	fr, ok := pepe.Features["sentiment_score"]
	require.True(t, ok)
	assert.InDelta(t, 0.72, fr.Value, 1e-9)
	assert.InDelta(t, 0.9, fr.Confidence, 1e-9)
	assert.Equal(t, base, fr.Timestamp)

	require.NotNil(t, pepe.Delta)
	assert.InDelta(t, 60.0, pepe.Delta.Previous, 1e-9)
	assert.InDelta(t, 12.0, pepe.Delta.Delta, 1e-9)
	assert.InDelta(t, 20.0, pepe.Delta.PercentChange, 1e-9)
	require.Len(t, pepe.Delta.TopPositive, 1)
	assert.Equal(t, "sentiment_score", pepe.Delta.TopPositive[0].Name)
	assert.Empty(t, pepe.Delta.TopNegative)

	prov, ok := pepe.Provenance["social"]
	require.True(t, ok)
	assert.Equal(t, "/v1/sentiment", prov.URL)
	assert.Equal(t, "req-1", prov.RequestID)

	wif := r.Tokens[1]
	assert.Equal(t, "partial", wif.Status)
	assert.Equal(t, []string{"onchain"}, wif.MissingSources)
	assert.Nil(t, wif.Delta)
}

func TestWrite_Deterministic(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	r := Build(sampleRun(base), Options{Strategy: "gem-scan", Deterministic: true, Seed: 42, At: base})

	var a, b bytes.Buffer
	require.NoError(t, Write(&a, r))
	require.NoError(t, Write(&b, r))
	assert.Equal(t, a.Bytes(), b.Bytes(), "identical inputs render identical bytes")

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(a.Bytes(), &decoded))
	assert.Contains(t, decoded, "tokens")
	assert.Contains(t, decoded, "metadata")
	assert.Contains(t, decoded, "timestamp")
}
