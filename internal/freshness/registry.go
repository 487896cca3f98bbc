package freshness

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Level classifies data age relative to a source's expected update frequency
type Level string

const (
	Fresh    Level = "fresh"    // age <= freq
	Recent   Level = "recent"   // age <= 2*freq
	Stale    Level = "stale"    // age <= 5*freq
	Outdated Level = "outdated"
)

// LevelFor maps an age to a freshness level given the source's expected
// update frequency. Boundaries are inclusive at 1x, 2x and 5x freq.
func LevelFor(age, freq time.Duration) Level {
	switch {
	case age <= freq:
		return Fresh
	case age <= 2*freq:
		return Recent
	case age <= 5*freq:
		return Stale
	default:
		return Outdated
	}
}

// ConfidenceMultiplier converts a freshness level into the confidence
// penalty applied to features derived from that source.
func (l Level) ConfidenceMultiplier() float64 {
	switch l {
	case Fresh:
		return 1.0
	case Recent:
		return 0.8
	case Stale:
		return 0.5
	default:
		return 0.2
	}
}

// SourceRecord tracks the last observed outcome for one data source
type SourceRecord struct {
	Source          string        `json:"source"`
	LastSuccessAt   time.Time     `json:"last_success_at"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorAt     time.Time     `json:"last_error_at,omitempty"`
	UpdateFrequency time.Duration `json:"update_frequency"`
	SLAMaxAge       time.Duration `json:"sla_max_age"`
}

// Status is a computed view of one source's freshness
type Status struct {
	Source      string        `json:"source"`
	Age         time.Duration `json:"age"`
	Level       Level         `json:"level"`
	SLAViolated bool          `json:"sla_violated"`
	LastError   string        `json:"last_error,omitempty"`
}

// Registry records last-success times per source and computes freshness
// levels and SLA violations. It is process-wide; tests inject their own
// instance.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*SourceRecord
	now     func() time.Time
}

// NewRegistry creates an empty freshness registry
func NewRegistry() *Registry {
	return &Registry{
		sources: make(map[string]*SourceRecord),
		now:     time.Now,
	}
}

// Register declares a source with its expected update frequency and SLA
// max age. A zero slaMaxAge disables SLA enforcement for the source.
func (r *Registry) Register(source string, updateFrequency, slaMaxAge time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[source] = &SourceRecord{
		Source:          source,
		UpdateFrequency: updateFrequency,
		SLAMaxAge:       slaMaxAge,
	}
}

// RecordSuccess notes a successful fetch for the source at ts
func (r *Registry) RecordSuccess(source string, ts time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sources[source]
	if !ok {
		rec = &SourceRecord{Source: source, UpdateFrequency: time.Minute}
		r.sources[source] = rec
	}
	if ts.After(rec.LastSuccessAt) {
		rec.LastSuccessAt = ts
	}
	rec.LastError = ""
}

// RecordError notes a failed fetch; the last success time is preserved
func (r *Registry) RecordError(source string, err error) {
	if err == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.sources[source]
	if !ok {
		rec = &SourceRecord{Source: source, UpdateFrequency: time.Minute}
		r.sources[source] = rec
	}
	rec.LastError = err.Error()
	rec.LastErrorAt = r.now()

	log.Debug().Str("source", source).Err(err).Msg("Source error recorded")
}

// Status computes age, level and SLA state for one source. Unknown
// sources report Outdated with zero age history.
func (r *Registry) Status(source string) Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.sources[source]
	if !ok || rec.LastSuccessAt.IsZero() {
		return Status{Source: source, Level: Outdated}
	}

	age := r.now().Sub(rec.LastSuccessAt)
	status := Status{
		Source:    source,
		Age:       age,
		Level:     LevelFor(age, rec.UpdateFrequency),
		LastError: rec.LastError,
	}
	if rec.SLAMaxAge > 0 && age > rec.SLAMaxAge {
		status.SLAViolated = true
	}
	return status
}

// ConfidenceFor returns the freshness-derived confidence multiplier for
// a source, used when assembling partial feature sets.
func (r *Registry) ConfidenceFor(source string) float64 {
	return r.Status(source).Level.ConfidenceMultiplier()
}

// All returns the status of every registered source
func (r *Registry) All() []Status {
	r.mu.RLock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	r.mu.RUnlock()

	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		statuses = append(statuses, r.Status(name))
	}
	return statuses
}
