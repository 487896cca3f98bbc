package scoring

import (
	"math"
	"time"

	"github.com/sawpanic/autotrader/internal/store"
)

// TransformKind names a normalization transform
type TransformKind string

const (
	// TransformClamp clamps the raw value into [0,1]
	TransformClamp TransformKind = "clamp"
	// TransformPercent divides by 100 then clamps
	TransformPercent TransformKind = "percent"
	// TransformLog maps log10(1+x) / Scale into [0,1]; used for volumes
	// and other long-tailed magnitudes
	TransformLog TransformKind = "log"
	// TransformSigmoidZ z-scores against Mean/Std then squashes through
	// a sigmoid; used for arbitrary-magnitude signals
	TransformSigmoidZ TransformKind = "sigmoid_z"
)

// Transform is one entry of the fixed normalization table
type Transform struct {
	Kind TransformKind `yaml:"kind"`
	// Scale is log10(1+expected_max) for TransformLog
	Scale float64 `yaml:"scale,omitempty"`
	// Mean and Std parameterize TransformSigmoidZ
	Mean float64 `yaml:"mean,omitempty"`
	Std  float64 `yaml:"std,omitempty"`
}

// Apply maps a raw scalar into [0,1]
func (t Transform) Apply(x float64) float64 {
	switch t.Kind {
	case TransformPercent:
		return clamp01(x / 100.0)
	case TransformLog:
		scale := t.Scale
		if scale <= 0 {
			scale = 9 // log10(1+1e9), a billion-unit default ceiling
		}
		if x < 0 {
			x = 0
		}
		return clamp01(math.Log10(1+x) / scale)
	case TransformSigmoidZ:
		std := t.Std
		if std <= 0 {
			std = 1
		}
		z := (x - t.Mean) / std
		return 1.0 / (1.0 + math.Exp(-z))
	default:
		return clamp01(x)
	}
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

// timestampHalfLife controls recency decay for timestamp features: a
// value observed one half-life ago normalizes to 0.5.
const timestampHalfLife = 24 * time.Hour

// Normalizer maps raw feature values into [0,1] via a fixed, reproducible
// transform table. Unknown feature names fall back to clamp.
type Normalizer struct {
	transforms map[string]Transform
	categories map[string]map[string]float64
}

// NewNormalizer builds a normalizer from an explicit table
func NewNormalizer(transforms map[string]Transform) *Normalizer {
	if transforms == nil {
		transforms = make(map[string]Transform)
	}
	return &Normalizer{
		transforms: transforms,
		categories: defaultCategoryLevels(),
	}
}

// DefaultNormalizer returns the table used for the canonical features and
// the common raw market inputs.
func DefaultNormalizer() *Normalizer {
	return NewNormalizer(map[string]Transform{
		// Canonical features arrive pre-engineered in [0,1]
		FeatureSentiment:         {Kind: TransformClamp},
		FeatureAccumulation:      {Kind: TransformClamp},
		FeatureOnchainActivity:   {Kind: TransformClamp},
		FeatureLiquidityDepth:    {Kind: TransformClamp},
		FeatureTokenomicsRisk:    {Kind: TransformClamp},
		FeatureContractSafety:    {Kind: TransformClamp},
		FeatureNarrativeMomentum: {Kind: TransformClamp},
		FeatureCommunityGrowth:   {Kind: TransformClamp},

		// Raw inputs used by feature builders
		"volume_24h_usd":    {Kind: TransformLog, Scale: 9},
		"liquidity_usd":     {Kind: TransformLog, Scale: 8},
		"holder_count":      {Kind: TransformLog, Scale: 6},
		"price_change_pct":  {Kind: TransformSigmoidZ, Mean: 0, Std: 25},
		"wallet_growth_pct": {Kind: TransformPercent},
	})
}

// Normalize maps a feature value into [0,1]. The second return is false
// when the variant has no defined normalization (treated as missing by
// the scorer). asOf anchors timestamp decay so replays stay reproducible.
func (n *Normalizer) Normalize(name string, v store.FeatureValue, asOf time.Time) (float64, bool) {
	switch v.Type {
	case store.TypeBoolean:
		if v.Bool {
			return 1.0, true
		}
		return 0.0, true

	case store.TypeNumeric:
		return n.transform(name).Apply(v.Num), true

	case store.TypeVector:
		x, ok := v.AsFloat()
		if !ok {
			return 0, false
		}
		return n.transform(name).Apply(x), true

	case store.TypeTimestamp:
		if v.TS.IsZero() || v.TS.After(asOf) {
			return 0, false
		}
		age := asOf.Sub(v.TS)
		return math.Exp(-math.Ln2 * age.Hours() / timestampHalfLife.Hours()), true

	case store.TypeCategorical:
		levels, ok := n.categories[name]
		if !ok {
			levels = n.categories[""]
		}
		if level, ok := levels[v.Str]; ok {
			return level, true
		}
		return 0.5, true

	default:
		return 0, false
	}
}

func (n *Normalizer) transform(name string) Transform {
	if t, ok := n.transforms[name]; ok {
		return t
	}
	return Transform{Kind: TransformClamp}
}

// defaultCategoryLevels maps categorical labels to fixed scores. The ""
// entry is the fallback table.
func defaultCategoryLevels() map[string]map[string]float64 {
	riskLevels := map[string]float64{
		"low":      0.9,
		"medium":   0.5,
		"high":     0.2,
		"critical": 0.0,
	}
	return map[string]map[string]float64{
		"":               riskLevels,
		"contract_risk":  riskLevels,
		"liquidity_tier": {"deep": 1.0, "adequate": 0.7, "thin": 0.3, "dust": 0.05},
	}
}
