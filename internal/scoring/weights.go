package scoring

import (
	"fmt"
	"math"
	"sort"
)

// Canonical GemScore feature names
const (
	FeatureSentiment         = "Sentiment"
	FeatureAccumulation      = "Accumulation"
	FeatureOnchainActivity   = "OnchainActivity"
	FeatureLiquidityDepth    = "LiquidityDepth"
	FeatureTokenomicsRisk    = "TokenomicsRisk"
	FeatureContractSafety    = "ContractSafety"
	FeatureNarrativeMomentum = "NarrativeMomentum"
	FeatureCommunityGrowth   = "CommunityGrowth"
)

// WeightSumTolerance bounds how far the weight sum may drift from 1.0
const WeightSumTolerance = 1e-6

// WeightSet maps feature names to non-negative weights summing to 1.0
type WeightSet map[string]float64

// Validate enforces the weight invariants: non-negative values and a sum
// of exactly 1.0 within WeightSumTolerance. Violations are configuration
// errors and fatal at construction.
func (w WeightSet) Validate() error {
	if len(w) == 0 {
		return fmt.Errorf("weight set is empty")
	}

	sum := 0.0
	for name, weight := range w {
		if weight < 0 {
			return fmt.Errorf("weight %s is negative: %f", name, weight)
		}
		sum += weight
	}

	if math.Abs(sum-1.0) > WeightSumTolerance {
		return fmt.Errorf("weights sum to %.9f, expected 1.0 within %.0e", sum, WeightSumTolerance)
	}
	return nil
}

// Names returns the weighted feature names in sorted order, which fixes
// the iteration order everywhere scoring must be deterministic.
func (w WeightSet) Names() []string {
	names := make([]string, 0, len(w))
	for name := range w {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultWeights returns the canonical eight-feature weight profile
func DefaultWeights() WeightSet {
	return WeightSet{
		FeatureSentiment:         0.15,
		FeatureAccumulation:      0.20,
		FeatureOnchainActivity:   0.15,
		FeatureLiquidityDepth:    0.10,
		FeatureTokenomicsRisk:    0.12,
		FeatureContractSafety:    0.12,
		FeatureNarrativeMomentum: 0.08,
		FeatureCommunityGrowth:   0.08,
	}
}
