// Package report renders scan runs into the stable JSON artifact shape
// downstream consumers schema-validate against. Field layout changes are
// versioned through Metadata.Version.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sawpanic/autotrader/internal/scan"
	"github.com/sawpanic/autotrader/internal/store"
)

// Version identifies the artifact schema
const Version = "1.0"

// FeatureRecord is one feature's value, confidence and observation time
type FeatureRecord struct {
	Value      float64   `json:"value"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// ProvenanceRecord points at where a source family's data came from
type ProvenanceRecord struct {
	URL       string    `json:"url,omitempty"`
	FetchedAt time.Time `json:"fetched_at"`
	RequestID string    `json:"request_id"`
}

// DeltaRecord summarizes score movement between the two latest snapshots
type DeltaRecord struct {
	Previous       float64              `json:"previous"`
	Current        float64              `json:"current"`
	Delta          float64              `json:"delta"`
	PercentChange  float64              `json:"percent_change"`
	TimeDeltaHours float64              `json:"time_delta_hours"`
	TopPositive    []store.FeatureDelta `json:"top_positive"`
	TopNegative    []store.FeatureDelta `json:"top_negative"`
}

// TokenRecord is one token's scan outcome
type TokenRecord struct {
	Symbol         string                      `json:"symbol"`
	GemScore       float64                     `json:"gem_score"`
	Confidence     float64                     `json:"confidence"`
	Status         string                      `json:"status"`
	Features       map[string]FeatureRecord    `json:"features"`
	Contributions  map[string]float64          `json:"contributions"`
	Delta          *DeltaRecord                `json:"delta,omitempty"`
	MissingSources []string                    `json:"missing_sources"`
	Provenance     map[string]ProvenanceRecord `json:"provenance"`
}

// Metadata frames one run
type Metadata struct {
	Version          string  `json:"version"`
	DurationS        float64 `json:"duration_s"`
	TokensProcessed  int     `json:"tokens_processed"`
	TokensSuccessful int     `json:"tokens_successful"`
	TokensFailed     int     `json:"tokens_failed"`
	Strategy         string  `json:"strategy"`
	Deterministic    bool    `json:"deterministic"`
	Seed             int64   `json:"seed"`
}

// Report is the output snapshot record
type Report struct {
	Tokens    []TokenRecord `json:"tokens"`
	Metadata  Metadata      `json:"metadata"`
	Timestamp time.Time     `json:"timestamp"`
}

// Options parameterize report construction
type Options struct {
	Strategy      string
	Deterministic bool
	Seed          int64
	// TopK bounds the delta's top positive and negative mover lists
	TopK int
	At   time.Time
}

// Build maps a scan run onto the artifact shape
func Build(run scan.RunSummary, opts Options) Report {
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.At.IsZero() {
		opts.At = time.Now().UTC()
	}

	tokens := make([]TokenRecord, 0, len(run.Summaries))
	for _, s := range run.Summaries {
		tokens = append(tokens, tokenRecord(s, opts.TopK))
	}

	return Report{
		Tokens: tokens,
		Metadata: Metadata{
			Version:          Version,
			DurationS:        run.Duration.Seconds(),
			TokensProcessed:  run.Processed,
			TokensSuccessful: run.Successful,
			TokensFailed:     run.Failed,
			Strategy:         opts.Strategy,
			Deterministic:    opts.Deterministic,
			Seed:             opts.Seed,
		},
		Timestamp: opts.At.UTC(),
	}
}

func tokenRecord(s scan.Summary, topK int) TokenRecord {
	record := TokenRecord{
		Symbol:         s.Token,
		GemScore:       s.Score,
		Confidence:     s.Confidence,
		Status:         string(s.Status),
		Features:       make(map[string]FeatureRecord, len(s.Snapshot.Features)),
		Contributions:  s.Snapshot.Contributions,
		MissingSources: s.MissingSources,
		Provenance:     make(map[string]ProvenanceRecord, len(s.Provenance)),
	}
	if record.MissingSources == nil {
		record.MissingSources = []string{}
	}

	for name, value := range s.Snapshot.Features {
		fr := FeatureRecord{Value: value, Timestamp: s.Snapshot.Timestamp}
		if f, ok := s.Features[name]; ok {
			fr.Confidence = f.Confidence
			fr.Timestamp = f.Timestamp
		}
		record.Features[name] = fr
	}

	for source, p := range s.Provenance {
		record.Provenance[source] = ProvenanceRecord{
			URL:       p.Endpoint,
			FetchedAt: p.FetchedAt,
			RequestID: p.RequestID,
		}
	}

	if s.Delta != nil {
		record.Delta = deltaRecord(s.Delta, topK)
	}
	return record
}

func deltaRecord(d *store.ScoreDelta, topK int) *DeltaRecord {
	record := &DeltaRecord{
		Previous:       d.Previous.Score,
		Current:        d.Current.Score,
		Delta:          d.Delta,
		PercentChange:  d.PercentChange,
		TimeDeltaHours: d.TimeDeltaHours,
		TopPositive:    []store.FeatureDelta{},
		TopNegative:    []store.FeatureDelta{},
	}
	// FeatureDeltas arrive sorted by |contribution delta| descending
	for _, fd := range d.FeatureDeltas {
		switch {
		case fd.ContributionDelta > 0 && len(record.TopPositive) < topK:
			record.TopPositive = append(record.TopPositive, fd)
		case fd.ContributionDelta < 0 && len(record.TopNegative) < topK:
			record.TopNegative = append(record.TopNegative, fd)
		}
	}
	return record
}

// Write renders the report as indented JSON. Go's map marshalling sorts
// keys, so identical runs produce identical bytes.
func Write(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// WriteFile writes the report artifact to disk
func WriteFile(path string, r Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer f.Close()

	if err := Write(f, r); err != nil {
		return err
	}
	return f.Close()
}
