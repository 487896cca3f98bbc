package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/sawpanic/autotrader/internal/alerts"
	"github.com/sawpanic/autotrader/internal/store"
)

// State is an outbox entry's delivery state
type State string

const (
	StatePending    State = "pending"
	StateInFlight   State = "in_flight"
	StateDelivered  State = "delivered"
	StateFailed     State = "failed"
	StateSuppressed State = "suppressed"
)

// Entry is one pending delivery: a single alert targeted at a single
// channel. A rule hit fanning out to N channels enqueues N entries that
// share a dedupe key.
type Entry struct {
	ID        string          `json:"id"`
	DedupeKey string          `json:"dedupe_key"`
	RuleID    string          `json:"rule_id"`
	Token     string          `json:"token"`
	Severity  alerts.Severity `json:"severity"`
	Channel   string          `json:"channel"`
	Message   string          `json:"message"`

	State         State     `json:"state"`
	Attempts      int       `json:"attempts"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	ClaimedAt     time.Time `json:"claimed_at,omitempty"`
	DeliveredAt   time.Time `json:"delivered_at,omitempty"`
	LastError     string    `json:"last_error,omitempty"`

	EscalationPolicy string `json:"escalation_policy,omitempty"`
	EscalatedSteps   int    `json:"escalated_steps,omitempty"`
	// Escalated marks entries produced by an escalation step; they are
	// never escalated again.
	Escalated bool `json:"escalated,omitempty"`
	// Recovered marks an entry already reverted from a stale InFlight;
	// the revert happens at most once per entry.
	Recovered bool `json:"recovered,omitempty"`
}

// Key returns the keyed-store key for this entry
func (e *Entry) Key() string {
	return store.OutboxKey(e.DedupeKey, e.EnqueuedAt)
}

// NewEntries expands a rule hit into one pending entry per channel
func NewEntries(hit alerts.RuleHit, token string, ts time.Time, escalationPolicy string) []*Entry {
	entries := make([]*Entry, 0, len(hit.Channels))
	for _, channel := range hit.Channels {
		entries = append(entries, &Entry{
			ID:               uuid.NewString(),
			DedupeKey:        hit.DedupeKey,
			RuleID:           hit.RuleID,
			Token:            token,
			Severity:         hit.Severity,
			Channel:          channel,
			Message:          hit.Message,
			State:            StatePending,
			EnqueuedAt:       ts.UTC(),
			NextAttemptAt:    ts.UTC(),
			EscalationPolicy: escalationPolicy,
		})
	}
	return entries
}

// Queue is the durable outbox. Entries survive until Delivered, Failed
// or Suppressed; nothing is silently dropped. Memory and postgres
// implementations share these semantics.
type Queue interface {
	// Enqueue stores the entry and returns its resulting state. If a
	// Pending, InFlight or Delivered entry already exists for the same
	// (dedupe_key, channel), the new entry is stored as Suppressed.
	Enqueue(ctx context.Context, e *Entry) (State, error)

	// Claim atomically moves up to limit due Pending entries on the
	// channel to InFlight and returns them. Entries whose dedupe key
	// already has an InFlight entry on the channel are skipped, and at
	// most one entry per dedupe key is returned, so delivery stays
	// serialized per key.
	Claim(ctx context.Context, channel string, now time.Time, limit int) ([]*Entry, error)

	// MarkDelivered transitions an InFlight entry to Delivered
	MarkDelivered(ctx context.Context, id string, at time.Time) error

	// Retry reverts an InFlight entry to Pending with the next attempt
	// time and failure reason recorded.
	Retry(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string) error

	// MarkFailed transitions an entry to terminal Failed
	MarkFailed(ctx context.Context, id string, lastErr string) error

	// RecoverStale reverts InFlight entries claimed before now-grace back
	// to Pending. Each entry is recovered at most once; a stale entry
	// that was already recovered goes terminal Failed instead.
	RecoverStale(ctx context.Context, now time.Time, grace time.Duration) (int, error)

	// Escalatable returns undelivered entries carrying an escalation
	// policy that have not themselves been produced by escalation.
	Escalatable(ctx context.Context, now time.Time) ([]*Entry, error)

	// MarkEscalated records how many escalation steps have fired for an entry
	MarkEscalated(ctx context.Context, id string, steps int) error

	// Counts returns the number of entries per state
	Counts(ctx context.Context) (map[State]int, error)

	Close() error
}
