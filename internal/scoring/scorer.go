package scoring

import (
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/autotrader/internal/store"
)

// Result is the outcome of scoring one token
type Result struct {
	Snapshot store.Snapshot
	// Missing lists weighted features that had no usable input and were
	// scored as value 0, confidence 0
	Missing []string
}

// Scorer computes the weighted GemScore. Construction fails on weight
// invariant violations; scoring itself never fails, missing or
// undecodable features degrade confidence instead.
type Scorer struct {
	weights    WeightSet
	normalizer *Normalizer
}

// NewScorer validates the weights and builds a scorer. A nil normalizer
// uses the default transform table.
func NewScorer(weights WeightSet, normalizer *Normalizer) (*Scorer, error) {
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weight configuration: %w", err)
	}
	if normalizer == nil {
		normalizer = DefaultNormalizer()
	}
	return &Scorer{weights: weights, normalizer: normalizer}, nil
}

// Weights returns the scorer's weight set
func (s *Scorer) Weights() WeightSet { return s.weights }

// Score produces a snapshot from the latest features of a token.
// score = 100 * Σ w[n]·v[n]; contribution[n] = 100 * w[n]·v[n];
// confidence is the weight-weighted average of per-feature confidences.
// Given identical inputs the output is bitwise identical: iteration
// follows the sorted weight names and all transforms are fixed.
func (s *Scorer) Score(token string, features map[string]store.Feature, asOf time.Time) Result {
	result := Result{
		Snapshot: store.Snapshot{
			Token:         token,
			Timestamp:     asOf,
			Features:      make(map[string]float64, len(s.weights)),
			Contributions: make(map[string]float64, len(s.weights)),
		},
	}

	score := 0.0
	confidence := 0.0

	for _, name := range s.weights.Names() {
		weight := s.weights[name]

		value := 0.0
		conf := 0.0

		if f, ok := features[name]; ok {
			if v, usable := s.normalizer.Normalize(name, f.Value, asOf); usable {
				value = v
				conf = f.Confidence
			} else {
				result.Missing = append(result.Missing, name)
			}
		} else {
			result.Missing = append(result.Missing, name)
		}

		contribution := 100 * weight * value
		score += contribution
		confidence += weight * conf

		result.Snapshot.Features[name] = value
		result.Snapshot.Contributions[name] = contribution
	}

	result.Snapshot.Score = score
	result.Snapshot.Confidence = confidence

	// Unweighted features ride along in metadata without affecting score
	for name, f := range features {
		if _, weighted := s.weights[name]; weighted {
			continue
		}
		if v, usable := s.normalizer.Normalize(name, f.Value, asOf); usable {
			if result.Snapshot.Metadata == nil {
				result.Snapshot.Metadata = make(map[string]string)
			}
			result.Snapshot.Metadata["extra:"+name] = strconv.FormatFloat(v, 'g', -1, 64)
		}
	}

	log.Debug().Str("token", token).Float64("score", score).
		Float64("confidence", confidence).Int("missing", len(result.Missing)).
		Msg("GemScore computed")

	return result
}
