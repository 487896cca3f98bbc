package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/autotrader/internal/alerts"
)

func testHit(channels ...string) alerts.RuleHit {
	return alerts.RuleHit{
		RuleID:    "hidden-gem-risk",
		Severity:  alerts.SeverityHigh,
		Message:   "SCAM flagged",
		Channels:  channels,
		DedupeKey: "abc123",
	}
}

func TestMemoryQueue_EnqueueSuppression(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	ts := time.Unix(1700000000, 0)

	first := NewEntries(testHit("log"), "SCAM", ts, "")[0]
	state, err := q.Enqueue(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	// Same dedupe key on the same channel is suppressed
	dup := NewEntries(testHit("log"), "SCAM", ts.Add(time.Minute), "")[0]
	state, err = q.Enqueue(ctx, dup)
	require.NoError(t, err)
	assert.Equal(t, StateSuppressed, state)

	// Same dedupe key on another channel is independent
	other := NewEntries(testHit("webhook"), "SCAM", ts, "")[0]
	state, err = q.Enqueue(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, StatePending, state)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatePending])
	assert.Equal(t, 1, counts[StateSuppressed])
}

func TestMemoryQueue_ClaimSerializesPerDedupeKey(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	ts := time.Unix(1700000000, 0)

	// Two pending entries with distinct dedupe keys, one with a shared key
	// that already has an in-flight entry.
	a := &Entry{ID: "a", DedupeKey: "k1", Channel: "log", State: StatePending, EnqueuedAt: ts, NextAttemptAt: ts}
	b := &Entry{ID: "b", DedupeKey: "k2", Channel: "log", State: StatePending, EnqueuedAt: ts, NextAttemptAt: ts}
	future := &Entry{ID: "c", DedupeKey: "k3", Channel: "log", State: StatePending, EnqueuedAt: ts, NextAttemptAt: ts.Add(time.Hour)}
	for _, e := range []*Entry{a, b, future} {
		_, err := q.Enqueue(ctx, e)
		require.NoError(t, err)
	}

	// A second pending entry on k1, as left behind by an interrupted
	// retry cycle. Claim must hand out at most one entry per dedupe key.
	q.entries["d"] = &Entry{ID: "d", DedupeKey: "k1", Channel: "log", State: StatePending, EnqueuedAt: ts, NextAttemptAt: ts}

	claimed, err := q.Claim(ctx, "log", ts.Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "one per dedupe key; future entry is not due")
	keys := map[string]bool{}
	for _, e := range claimed {
		assert.Equal(t, StateInFlight, e.State)
		assert.False(t, keys[e.DedupeKey], "duplicate dedupe key in one batch")
		keys[e.DedupeKey] = true
	}

	// k1 is in flight now; its leftover pending sibling stays untouched
	claimed, err = q.Claim(ctx, "log", ts.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestMemoryQueue_RecoverStaleOnce(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	ts := time.Unix(1700000000, 0)

	e := &Entry{ID: "a", DedupeKey: "k1", Channel: "log", State: StatePending, EnqueuedAt: ts, NextAttemptAt: ts}
	_, err := q.Enqueue(ctx, e)
	require.NoError(t, err)

	claimed, err := q.Claim(ctx, "log", ts, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// First recovery reverts to pending
	n, err := q.RecoverStale(ctx, ts.Add(10*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	claimed, err = q.Claim(ctx, "log", ts.Add(10*time.Minute), 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.True(t, claimed[0].Recovered)

	// Second stale claim goes terminal instead of looping forever
	n, err = q.RecoverStale(ctx, ts.Add(20*time.Minute), 2*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateFailed])
}

// scriptedChannel fails the first failures sends, then succeeds
type scriptedChannel struct {
	name     string
	failures int
	calls    int
}

func (c *scriptedChannel) Name() string { return c.name }

func (c *scriptedChannel) Send(context.Context, *Entry) error {
	c.calls++
	if c.calls <= c.failures {
		return errors.New("downstream unavailable")
	}
	return nil
}

func testDispatcher(t *testing.T, q Queue, channels []Channel, policies []alerts.EscalationPolicy) (*Dispatcher, *time.Time) {
	t.Helper()
	cfg := DispatcherConfig{
		MaxAttempts:  3,
		BaseBackoff:  time.Second,
		MaxBackoff:   time.Minute,
		PollInterval: time.Second,
		ClaimLimit:   10,
		StaleGrace:   2 * time.Minute,
	}
	d, err := NewDispatcher(q, channels, policies, cfg, nil)
	require.NoError(t, err)

	now := time.Unix(1700000000, 0)
	d.SetNow(func() time.Time { return now })
	return d, &now
}

func TestDispatcher_DeliversAfterRetries(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	ch := &scriptedChannel{name: "log", failures: 2}
	d, now := testDispatcher(t, q, []Channel{ch}, nil)

	_, _, err := d.Enqueue(ctx, testHit("log"), "SCAM", *now, "")
	require.NoError(t, err)

	// Two failing passes schedule retries with growing backoff
	for i := 0; i < 2; i++ {
		require.NoError(t, d.DispatchOnce(ctx))
		*now = now.Add(time.Minute)
	}
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatePending])

	// Third pass succeeds
	require.NoError(t, d.DispatchOnce(ctx))
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateDelivered])
	assert.Equal(t, 3, ch.calls, "send called once per attempt, never more than max attempts")
}

func TestDispatcher_TerminalFailureAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	ch := &scriptedChannel{name: "log", failures: 100}
	d, now := testDispatcher(t, q, []Channel{ch}, nil)

	_, _, err := d.Enqueue(ctx, testHit("log"), "SCAM", *now, "")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, d.DispatchOnce(ctx))
		*now = now.Add(time.Hour)
	}

	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateFailed], "entry goes terminal, never silently dropped")
	assert.Equal(t, 3, ch.calls, "max attempts bounds send calls")
}

func TestDispatcher_EnqueueRejectsUnknownChannel(t *testing.T) {
	q := NewMemoryQueue()
	d, now := testDispatcher(t, q, []Channel{NewLogChannel("log")}, nil)

	_, _, err := d.Enqueue(context.Background(), testHit("pagerduty"), "SCAM", *now, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown channel")
}

func TestDispatcher_Escalation(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue()
	primary := &scriptedChannel{name: "webhook", failures: 100}
	fallback := &scriptedChannel{name: "log"}
	policy := alerts.EscalationPolicy{
		Name: "high-sev",
		Steps: []alerts.EscalationStep{
			{AfterSeconds: 60, Channels: []string{"log"}},
		},
	}
	d, now := testDispatcher(t, q, []Channel{primary, fallback}, []alerts.EscalationPolicy{policy})

	_, _, err := d.Enqueue(ctx, testHit("webhook"), "SCAM", *now, "high-sev")
	require.NoError(t, err)

	// Not yet due
	require.NoError(t, d.EscalateDue(ctx))
	counts, err := q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StatePending])

	// Past the step deadline the alert fans out to the fallback channel;
	// the original stays queued.
	*now = now.Add(2 * time.Minute)
	require.NoError(t, d.EscalateDue(ctx))
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatePending])

	// Escalation fires each step once
	require.NoError(t, d.EscalateDue(ctx))
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[StatePending])

	require.NoError(t, d.DispatchChannel(ctx, "log"))
	counts, err = q.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[StateDelivered])
	assert.Equal(t, 1, fallback.calls)
}

func TestDispatcher_Backoff(t *testing.T) {
	d, _ := testDispatcher(t, NewMemoryQueue(), []Channel{NewLogChannel("log")}, nil)

	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, time.Minute, d.backoff(10), "capped at max backoff")
}
