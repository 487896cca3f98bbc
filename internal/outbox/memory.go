package outbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryQueue is the in-memory Queue, used by tests and the backtest
// harness sink.
type MemoryQueue struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewMemoryQueue returns an empty in-memory outbox
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{entries: make(map[string]*Entry)}
}

func (q *MemoryQueue) Enqueue(_ context.Context, e *Entry) (State, error) {
	if e.ID == "" || e.DedupeKey == "" || e.Channel == "" {
		return "", fmt.Errorf("outbox entry requires id, dedupe key and channel")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[e.ID]; exists {
		return "", fmt.Errorf("duplicate outbox entry id: %s", e.ID)
	}

	stored := *e
	stored.State = StatePending
	for _, other := range q.entries {
		if other.DedupeKey == e.DedupeKey && other.Channel == e.Channel {
			switch other.State {
			case StatePending, StateInFlight, StateDelivered:
				stored.State = StateSuppressed
			}
		}
		if stored.State == StateSuppressed {
			break
		}
	}

	q.entries[stored.ID] = &stored
	return stored.State, nil
}

func (q *MemoryQueue) Claim(_ context.Context, channel string, now time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	inFlightKeys := make(map[string]struct{})
	for _, e := range q.entries {
		if e.Channel == channel && e.State == StateInFlight {
			inFlightKeys[e.DedupeKey] = struct{}{}
		}
	}

	var due []*Entry
	for _, e := range q.entries {
		if e.Channel != channel || e.State != StatePending || e.NextAttemptAt.After(now) {
			continue
		}
		if _, busy := inFlightKeys[e.DedupeKey]; busy {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].EnqueuedAt.Equal(due[j].EnqueuedAt) {
			return due[i].EnqueuedAt.Before(due[j].EnqueuedAt)
		}
		return due[i].ID < due[j].ID
	})

	claimedKeys := make(map[string]struct{})
	var claimed []*Entry
	for _, e := range due {
		if len(claimed) >= limit {
			break
		}
		if _, dup := claimedKeys[e.DedupeKey]; dup {
			continue
		}
		claimedKeys[e.DedupeKey] = struct{}{}

		e.State = StateInFlight
		e.ClaimedAt = now
		copied := *e
		claimed = append(claimed, &copied)
	}
	return claimed, nil
}

func (q *MemoryQueue) MarkDelivered(_ context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return err
	}
	e.State = StateDelivered
	e.DeliveredAt = at
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, id string, attempts int, nextAttempt time.Time, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return err
	}
	e.State = StatePending
	e.Attempts = attempts
	e.NextAttemptAt = nextAttempt
	e.LastError = lastErr
	return nil
}

func (q *MemoryQueue) MarkFailed(_ context.Context, id string, lastErr string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return err
	}
	e.State = StateFailed
	e.LastError = lastErr
	return nil
}

func (q *MemoryQueue) RecoverStale(_ context.Context, now time.Time, grace time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-grace)
	recovered := 0
	for _, e := range q.entries {
		if e.State != StateInFlight || e.ClaimedAt.After(cutoff) {
			continue
		}
		if e.Recovered {
			e.State = StateFailed
			e.LastError = "stale in-flight after recovery"
			continue
		}
		e.State = StatePending
		e.Recovered = true
		e.NextAttemptAt = now
		recovered++
	}
	return recovered, nil
}

func (q *MemoryQueue) Escalatable(_ context.Context, now time.Time) ([]*Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Entry
	for _, e := range q.entries {
		if e.EscalationPolicy == "" || e.Escalated {
			continue
		}
		if e.State != StatePending && e.State != StateInFlight {
			continue
		}
		if e.EnqueuedAt.After(now) {
			continue
		}
		copied := *e
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (q *MemoryQueue) MarkEscalated(_ context.Context, id string, steps int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.get(id)
	if err != nil {
		return err
	}
	e.EscalatedSteps = steps
	return nil
}

func (q *MemoryQueue) Counts(_ context.Context) (map[State]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[State]int)
	for _, e := range q.entries {
		counts[e.State]++
	}
	return counts, nil
}

// Entries returns a snapshot of every entry, used by the backtest sink
// and tests.
func (q *MemoryQueue) Entries() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]Entry, 0, len(q.entries))
	for _, e := range q.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (q *MemoryQueue) Close() error { return nil }

// get requires q.mu held
func (q *MemoryQueue) get(id string) (*Entry, error) {
	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("unknown outbox entry: %s", id)
	}
	return e, nil
}
