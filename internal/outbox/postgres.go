package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sawpanic/autotrader/internal/alerts"
)

// PostgresQueue is the durable Queue backed by PostgreSQL via sqlx.
// Claim uses FOR UPDATE SKIP LOCKED so multiple dispatcher processes can
// share one table without double delivery.
type PostgresQueue struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Schema creates the outbox table. Callers run it once at setup.
const Schema = `
CREATE TABLE IF NOT EXISTS outbox (
	id                TEXT PRIMARY KEY,
	key               TEXT NOT NULL,
	dedupe_key        TEXT NOT NULL,
	channel           TEXT NOT NULL,
	rule_id           TEXT NOT NULL,
	token             TEXT NOT NULL,
	severity          TEXT NOT NULL,
	message           TEXT NOT NULL,
	state             TEXT NOT NULL,
	attempts          INT NOT NULL DEFAULT 0,
	enqueued_at       TIMESTAMPTZ NOT NULL,
	next_attempt_at   TIMESTAMPTZ NOT NULL,
	claimed_at        TIMESTAMPTZ,
	delivered_at      TIMESTAMPTZ,
	last_error        TEXT NOT NULL DEFAULT '',
	escalation_policy TEXT NOT NULL DEFAULT '',
	escalated_steps   INT NOT NULL DEFAULT 0,
	escalated         BOOLEAN NOT NULL DEFAULT FALSE,
	recovered         BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE INDEX IF NOT EXISTS outbox_channel_due ON outbox (channel, state, next_attempt_at);
CREATE INDEX IF NOT EXISTS outbox_dedupe ON outbox (dedupe_key, channel, state);
`

// NewPostgresQueue opens a durable outbox on the given DSN
func NewPostgresQueue(dsn string, timeout time.Duration) (*PostgresQueue, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect outbox: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresQueue{db: db, timeout: timeout}, nil
}

// NewPostgresQueueFromDB wraps an existing connection, used by tests
func NewPostgresQueueFromDB(db *sqlx.DB, timeout time.Duration) *PostgresQueue {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresQueue{db: db, timeout: timeout}
}

// Migrate applies the outbox schema
func (p *PostgresQueue) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("failed to migrate outbox: %w", err)
	}
	return nil
}

type entryRow struct {
	ID               string       `db:"id"`
	Key              string       `db:"key"`
	DedupeKey        string       `db:"dedupe_key"`
	Channel          string       `db:"channel"`
	RuleID           string       `db:"rule_id"`
	Token            string       `db:"token"`
	Severity         string       `db:"severity"`
	Message          string       `db:"message"`
	State            string       `db:"state"`
	Attempts         int          `db:"attempts"`
	EnqueuedAt       time.Time    `db:"enqueued_at"`
	NextAttemptAt    time.Time    `db:"next_attempt_at"`
	ClaimedAt        sql.NullTime `db:"claimed_at"`
	DeliveredAt      sql.NullTime `db:"delivered_at"`
	LastError        string       `db:"last_error"`
	EscalationPolicy string       `db:"escalation_policy"`
	EscalatedSteps   int          `db:"escalated_steps"`
	Escalated        bool         `db:"escalated"`
	Recovered        bool         `db:"recovered"`
}

func (r entryRow) toEntry() *Entry {
	e := &Entry{
		ID:               r.ID,
		DedupeKey:        r.DedupeKey,
		Channel:          r.Channel,
		RuleID:           r.RuleID,
		Token:            r.Token,
		Severity:         alerts.Severity(r.Severity),
		Message:          r.Message,
		State:            State(r.State),
		Attempts:         r.Attempts,
		EnqueuedAt:       r.EnqueuedAt,
		NextAttemptAt:    r.NextAttemptAt,
		LastError:        r.LastError,
		EscalationPolicy: r.EscalationPolicy,
		EscalatedSteps:   r.EscalatedSteps,
		Escalated:        r.Escalated,
		Recovered:        r.Recovered,
	}
	if r.ClaimedAt.Valid {
		e.ClaimedAt = r.ClaimedAt.Time
	}
	if r.DeliveredAt.Valid {
		e.DeliveredAt = r.DeliveredAt.Time
	}
	return e
}

const entryColumns = `id, key, dedupe_key, channel, rule_id, token, severity, message,
	state, attempts, enqueued_at, next_attempt_at, claimed_at, delivered_at,
	last_error, escalation_policy, escalated_steps, escalated, recovered`

func (p *PostgresQueue) Enqueue(ctx context.Context, e *Entry) (State, error) {
	if e.ID == "" || e.DedupeKey == "" || e.Channel == "" {
		return "", fmt.Errorf("outbox entry requires id, dedupe key and channel")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var exists bool
	err = tx.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM outbox
			WHERE dedupe_key = $1 AND channel = $2
			  AND state IN ('pending', 'in_flight', 'delivered')
		)`, e.DedupeKey, e.Channel)
	if err != nil {
		return "", fmt.Errorf("failed to check dedupe key: %w", err)
	}

	state := StatePending
	if exists {
		state = StateSuppressed
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox (id, key, dedupe_key, channel, rule_id, token, severity,
			message, state, attempts, enqueued_at, next_attempt_at, escalation_policy, escalated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.Key(), e.DedupeKey, e.Channel, e.RuleID, e.Token, string(e.Severity),
		e.Message, string(state), e.Attempts, e.EnqueuedAt.UTC(), e.NextAttemptAt.UTC(),
		e.EscalationPolicy, e.Escalated)
	if err != nil {
		return "", fmt.Errorf("failed to enqueue %s: %w", e.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit enqueue: %w", err)
	}
	return state, nil
}

func (p *PostgresQueue) Claim(ctx context.Context, channel string, now time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin claim: %w", err)
	}
	defer tx.Rollback()

	var rows []entryRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+entryColumns+` FROM outbox o
		WHERE channel = $1 AND state = 'pending' AND next_attempt_at <= $2
		  AND NOT EXISTS (
			SELECT 1 FROM outbox x
			WHERE x.dedupe_key = o.dedupe_key AND x.channel = o.channel
			  AND x.state = 'in_flight'
		  )
		ORDER BY enqueued_at, id
		LIMIT $3
		FOR UPDATE OF o SKIP LOCKED`, channel, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due entries: %w", err)
	}

	// One entry per dedupe key per batch keeps delivery serialized per key
	seen := make(map[string]struct{}, len(rows))
	ids := make([]string, 0, len(rows))
	claimed := make([]*Entry, 0, len(rows))
	for _, r := range rows {
		if _, dup := seen[r.DedupeKey]; dup {
			continue
		}
		seen[r.DedupeKey] = struct{}{}
		ids = append(ids, r.ID)

		e := r.toEntry()
		e.State = StateInFlight
		e.ClaimedAt = now.UTC()
		claimed = append(claimed, e)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE outbox SET state = 'in_flight', claimed_at = $1
		WHERE id = ANY($2)`, now.UTC(), pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to claim entries: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit claim: %w", err)
	}
	return claimed, nil
}

func (p *PostgresQueue) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.exec(ctx, `
		UPDATE outbox SET state = 'delivered', delivered_at = $2
		WHERE id = $1`, id, at.UTC())
}

func (p *PostgresQueue) Retry(ctx context.Context, id string, attempts int, nextAttempt time.Time, lastErr string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.exec(ctx, `
		UPDATE outbox SET state = 'pending', attempts = $2, next_attempt_at = $3, last_error = $4
		WHERE id = $1`, id, attempts, nextAttempt.UTC(), lastErr)
}

func (p *PostgresQueue) MarkFailed(ctx context.Context, id string, lastErr string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.exec(ctx, `
		UPDATE outbox SET state = 'failed', last_error = $2
		WHERE id = $1`, id, lastErr)
}

func (p *PostgresQueue) RecoverStale(ctx context.Context, now time.Time, grace time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cutoff := now.Add(-grace).UTC()

	_, err := p.db.ExecContext(ctx, `
		UPDATE outbox SET state = 'failed', last_error = 'stale in-flight after recovery'
		WHERE state = 'in_flight' AND claimed_at <= $1 AND recovered`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to fail twice-stale entries: %w", err)
	}

	res, err := p.db.ExecContext(ctx, `
		UPDATE outbox SET state = 'pending', recovered = TRUE, next_attempt_at = $2
		WHERE state = 'in_flight' AND claimed_at <= $1 AND NOT recovered`, cutoff, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale entries: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *PostgresQueue) Escalatable(ctx context.Context, now time.Time) ([]*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var rows []entryRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT `+entryColumns+` FROM outbox
		WHERE escalation_policy <> '' AND NOT escalated
		  AND state IN ('pending', 'in_flight')
		  AND enqueued_at <= $1
		ORDER BY enqueued_at, id`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list escalatable entries: %w", err)
	}

	entries := make([]*Entry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, r.toEntry())
	}
	return entries, nil
}

func (p *PostgresQueue) MarkEscalated(ctx context.Context, id string, steps int) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	return p.exec(ctx, `UPDATE outbox SET escalated_steps = $2 WHERE id = $1`, id, steps)
}

func (p *PostgresQueue) Counts(ctx context.Context) (map[State]int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var rows []struct {
		State string `db:"state"`
		N     int    `db:"n"`
	}
	err := p.db.SelectContext(ctx, &rows, `SELECT state, COUNT(*) AS n FROM outbox GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count outbox entries: %w", err)
	}

	counts := make(map[State]int, len(rows))
	for _, r := range rows {
		counts[State(r.State)] = r.N
	}
	return counts, nil
}

func (p *PostgresQueue) Close() error {
	return p.db.Close()
}

func (p *PostgresQueue) exec(ctx context.Context, query string, args ...interface{}) error {
	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update outbox entry: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unknown outbox entry: %v", args[0])
	}
	return nil
}
