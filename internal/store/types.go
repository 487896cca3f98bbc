package store

import (
	"math"
	"sort"
	"time"
)

// FeatureType tags the variant carried by a FeatureValue
type FeatureType string

const (
	TypeNumeric     FeatureType = "numeric"
	TypeBoolean     FeatureType = "boolean"
	TypeCategorical FeatureType = "categorical"
	TypeTimestamp   FeatureType = "timestamp"
	TypeVector      FeatureType = "vector"
)

// Category groups features for reporting; it never affects scoring
type Category string

const (
	CategoryMarket    Category = "market"
	CategoryLiquidity Category = "liquidity"
	CategorySentiment Category = "sentiment"
	CategoryOnChain   Category = "onchain"
	CategoryTechnical Category = "technical"
	CategoryQuality   Category = "quality"
)

// FeatureValue is a tagged union over the supported feature variants.
// Exactly one payload field is meaningful, selected by Type.
type FeatureValue struct {
	Type FeatureType `json:"type"`
	Num  float64     `json:"num,omitempty"`
	Bool bool        `json:"bool,omitempty"`
	Str  string      `json:"str,omitempty"`
	TS   time.Time   `json:"ts,omitempty"`
	Vec  []float64   `json:"vec,omitempty"`
}

// NumericValue wraps a float as a feature value
func NumericValue(v float64) FeatureValue {
	return FeatureValue{Type: TypeNumeric, Num: v}
}

// BooleanValue wraps a bool as a feature value
func BooleanValue(v bool) FeatureValue {
	return FeatureValue{Type: TypeBoolean, Bool: v}
}

// CategoricalValue wraps a category label as a feature value
func CategoricalValue(v string) FeatureValue {
	return FeatureValue{Type: TypeCategorical, Str: v}
}

// TimestampValue wraps a point in time as a feature value
func TimestampValue(v time.Time) FeatureValue {
	return FeatureValue{Type: TypeTimestamp, TS: v}
}

// VectorValue wraps a float slice as a feature value
func VectorValue(v []float64) FeatureValue {
	return FeatureValue{Type: TypeVector, Vec: v}
}

// AsFloat collapses the value to a scalar where one exists: numerics pass
// through, booleans map to 0/1, vectors to their mean. Categorical and
// timestamp values have no scalar form and report false.
func (v FeatureValue) AsFloat() (float64, bool) {
	switch v.Type {
	case TypeNumeric:
		return v.Num, true
	case TypeBoolean:
		if v.Bool {
			return 1.0, true
		}
		return 0.0, true
	case TypeVector:
		if len(v.Vec) == 0 {
			return 0, false
		}
		sum := 0.0
		for _, x := range v.Vec {
			sum += x
		}
		return sum / float64(len(v.Vec)), true
	default:
		return 0, false
	}
}

// Provenance names the data source and request context a value came from
type Provenance struct {
	Source    string    `json:"source"`
	Endpoint  string    `json:"endpoint,omitempty"`
	RequestID string    `json:"request_id"`
	FetchedAt time.Time `json:"fetched_at"`
}

// Feature is a single point-in-time observation for a token.
// (Token, Name, Timestamp) is unique; history is append-only.
type Feature struct {
	Token      string       `json:"token" db:"token"`
	Name       string       `json:"name" db:"name"`
	Value      FeatureValue `json:"value"`
	Timestamp  time.Time    `json:"ts" db:"ts"`
	Confidence float64      `json:"confidence" db:"confidence"`
	Category   Category     `json:"category" db:"category"`
	Provenance Provenance   `json:"provenance"`
}

// Snapshot is the immutable record of one scoring event
type Snapshot struct {
	Token         string             `json:"token" db:"token"`
	Timestamp     time.Time          `json:"ts" db:"ts"`
	Score         float64            `json:"score" db:"score"`
	Confidence    float64            `json:"confidence" db:"confidence"`
	Features      map[string]float64 `json:"features"`
	Contributions map[string]float64 `json:"contributions"`
	Metadata      map[string]string  `json:"metadata,omitempty"`
}

// FeatureDelta captures one feature's movement between two snapshots
type FeatureDelta struct {
	Name              string  `json:"name"`
	Previous          float64 `json:"previous"`
	Current           float64 `json:"current"`
	Delta             float64 `json:"delta"`
	ContributionDelta float64 `json:"contribution_delta"`
}

// ScoreDelta compares the two most recent snapshots for a token.
// FeatureDeltas is sorted by |ContributionDelta| descending.
type ScoreDelta struct {
	Previous       Snapshot       `json:"previous"`
	Current        Snapshot       `json:"current"`
	Delta          float64        `json:"delta"`
	PercentChange  float64        `json:"percent_change"`
	TimeDeltaHours float64        `json:"time_delta_hours"`
	FeatureDeltas  []FeatureDelta `json:"feature_deltas"`
}

// ComputeDelta derives a ScoreDelta from two consecutive snapshots,
// previous first. Both implementations of FeatureStore share it so the
// delta semantics cannot drift between backends.
func ComputeDelta(prev, cur Snapshot) *ScoreDelta {
	delta := &ScoreDelta{
		Previous:       prev,
		Current:        cur,
		Delta:          cur.Score - prev.Score,
		TimeDeltaHours: cur.Timestamp.Sub(prev.Timestamp).Hours(),
	}
	if prev.Score != 0 {
		delta.PercentChange = (cur.Score - prev.Score) / prev.Score * 100
	}

	names := make(map[string]struct{})
	for n := range prev.Features {
		names[n] = struct{}{}
	}
	for n := range cur.Features {
		names[n] = struct{}{}
	}

	for n := range names {
		fd := FeatureDelta{
			Name:              n,
			Previous:          prev.Features[n],
			Current:           cur.Features[n],
			ContributionDelta: cur.Contributions[n] - prev.Contributions[n],
		}
		fd.Delta = fd.Current - fd.Previous
		delta.FeatureDeltas = append(delta.FeatureDeltas, fd)
	}

	sort.Slice(delta.FeatureDeltas, func(i, j int) bool {
		a, b := delta.FeatureDeltas[i], delta.FeatureDeltas[j]
		if math.Abs(a.ContributionDelta) != math.Abs(b.ContributionDelta) {
			return math.Abs(a.ContributionDelta) > math.Abs(b.ContributionDelta)
		}
		return a.Name < b.Name
	})

	return delta
}
