package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// PostgresStore is the durable FeatureStore backed by PostgreSQL via sqlx.
// Semantics match MemoryStore; snapshot write + delta read consistency is
// provided by transactional reads over the append-only snapshot table.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Schema creates the tables the store needs. Callers run it once at setup.
const Schema = `
CREATE TABLE IF NOT EXISTS features (
	key         TEXT PRIMARY KEY,
	token       TEXT NOT NULL,
	name        TEXT NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	value       JSONB NOT NULL,
	confidence  DOUBLE PRECISION NOT NULL,
	category    TEXT NOT NULL,
	provenance  JSONB NOT NULL,
	UNIQUE (token, name, ts)
);
CREATE INDEX IF NOT EXISTS features_token_name_ts ON features (token, name, ts DESC);

CREATE TABLE IF NOT EXISTS snapshots (
	key           TEXT PRIMARY KEY,
	token         TEXT NOT NULL,
	ts            TIMESTAMPTZ NOT NULL,
	score         DOUBLE PRECISION NOT NULL,
	confidence    DOUBLE PRECISION NOT NULL,
	features      JSONB NOT NULL,
	contributions JSONB NOT NULL,
	metadata      JSONB,
	UNIQUE (token, ts)
);
CREATE INDEX IF NOT EXISTS snapshots_token_ts ON snapshots (token, ts DESC);
`

// NewPostgresStore opens a durable feature store on the given DSN
func NewPostgresStore(dsn string, timeout time.Duration) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect feature store: %w", err)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresStore{db: db, timeout: timeout}, nil
}

// NewPostgresStoreFromDB wraps an existing connection, used by tests
func NewPostgresStoreFromDB(db *sqlx.DB, timeout time.Duration) *PostgresStore {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PostgresStore{db: db, timeout: timeout}
}

// Migrate applies the store schema
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	if err != nil {
		return fmt.Errorf("failed to migrate feature store: %w", err)
	}
	return nil
}

type featureRow struct {
	Key        string    `db:"key"`
	Token      string    `db:"token"`
	Name       string    `db:"name"`
	TS         time.Time `db:"ts"`
	Value      []byte    `db:"value"`
	Confidence float64   `db:"confidence"`
	Category   string    `db:"category"`
	Provenance []byte    `db:"provenance"`
}

func (r featureRow) toFeature() (Feature, error) {
	f := Feature{
		Token:      r.Token,
		Name:       r.Name,
		Timestamp:  r.TS,
		Confidence: r.Confidence,
		Category:   Category(r.Category),
	}
	if err := json.Unmarshal(r.Value, &f.Value); err != nil {
		return f, fmt.Errorf("failed to decode feature value: %w", err)
	}
	if err := json.Unmarshal(r.Provenance, &f.Provenance); err != nil {
		return f, fmt.Errorf("failed to decode provenance: %w", err)
	}
	return f, nil
}

// WriteFeature appends a feature observation
func (p *PostgresStore) WriteFeature(ctx context.Context, f Feature) error {
	if f.Token == "" || f.Name == "" {
		return fmt.Errorf("feature requires token and name")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	valueJSON, err := json.Marshal(f.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal feature value: %w", err)
	}
	provJSON, err := json.Marshal(f.Provenance)
	if err != nil {
		return fmt.Errorf("failed to marshal provenance: %w", err)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO features (key, token, name, ts, value, confidence, category, provenance)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		FeatureKey(f.Token, f.Name, f.Timestamp),
		f.Token, f.Name, f.Timestamp.UTC(), valueJSON, f.Confidence, string(f.Category), provJSON)
	if err != nil {
		return fmt.Errorf("failed to write feature %s/%s: %w", f.Token, f.Name, err)
	}
	return nil
}

// ReadLatest returns the most recent feature for (token, name), or nil
func (p *PostgresStore) ReadLatest(ctx context.Context, token, name string) (*Feature, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var row featureRow
	err := p.db.GetContext(ctx, &row, `
		SELECT key, token, name, ts, value, confidence, category, provenance
		FROM features WHERE token = $1 AND name = $2
		ORDER BY ts DESC LIMIT 1`, token, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest feature: %w", err)
	}

	f, err := row.toFeature()
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ReadHistory returns up to limit features, newest first
func (p *PostgresStore) ReadHistory(ctx context.Context, token, name string, limit int) ([]Feature, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	var rows []featureRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT key, token, name, ts, value, confidence, category, provenance
		FROM features WHERE token = $1 AND name = $2
		ORDER BY ts DESC LIMIT $3`, token, name, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read feature history: %w", err)
	}

	features := make([]Feature, 0, len(rows))
	for _, r := range rows {
		f, err := r.toFeature()
		if err != nil {
			return nil, err
		}
		features = append(features, f)
	}
	return features, nil
}

type snapshotRow struct {
	Key           string    `db:"key"`
	Token         string    `db:"token"`
	TS            time.Time `db:"ts"`
	Score         float64   `db:"score"`
	Confidence    float64   `db:"confidence"`
	Features      []byte    `db:"features"`
	Contributions []byte    `db:"contributions"`
	Metadata      []byte    `db:"metadata"`
}

func (r snapshotRow) toSnapshot() (Snapshot, error) {
	s := Snapshot{
		Token:      r.Token,
		Timestamp:  r.TS,
		Score:      r.Score,
		Confidence: r.Confidence,
	}
	if err := json.Unmarshal(r.Features, &s.Features); err != nil {
		return s, fmt.Errorf("failed to decode snapshot features: %w", err)
	}
	if err := json.Unmarshal(r.Contributions, &s.Contributions); err != nil {
		return s, fmt.Errorf("failed to decode snapshot contributions: %w", err)
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &s.Metadata); err != nil {
			return s, fmt.Errorf("failed to decode snapshot metadata: %w", err)
		}
	}
	return s, nil
}

// WriteSnapshot appends a score snapshot
func (p *PostgresStore) WriteSnapshot(ctx context.Context, s Snapshot) error {
	if s.Token == "" {
		return fmt.Errorf("snapshot requires token")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	featuresJSON, err := json.Marshal(s.Features)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot features: %w", err)
	}
	contribJSON, err := json.Marshal(s.Contributions)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot contributions: %w", err)
	}
	var metaJSON []byte
	if s.Metadata != nil {
		metaJSON, err = json.Marshal(s.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot metadata: %w", err)
		}
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, token, ts, score, confidence, features, contributions, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		SnapshotKey(s.Token, s.Timestamp),
		s.Token, s.Timestamp.UTC(), s.Score, s.Confidence, featuresJSON, contribJSON, metaJSON)
	if err != nil {
		return fmt.Errorf("failed to write snapshot %s: %w", s.Token, err)
	}
	return nil
}

// ReadSnapshotHistory returns up to limit snapshots, newest first
func (p *PostgresStore) ReadSnapshotHistory(ctx context.Context, token string, limit int) ([]Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if limit <= 0 {
		limit = 100
	}

	var rows []snapshotRow
	err := p.db.SelectContext(ctx, &rows, `
		SELECT key, token, ts, score, confidence, features, contributions, metadata
		FROM snapshots WHERE token = $1
		ORDER BY ts DESC LIMIT $2`, token, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot history: %w", err)
	}

	snapshots := make([]Snapshot, 0, len(rows))
	for _, r := range rows {
		s, err := r.toSnapshot()
		if err != nil {
			return nil, err
		}
		snapshots = append(snapshots, s)
	}
	return snapshots, nil
}

// ComputeScoreDelta reads the two newest snapshots in one repeatable-read
// transaction so a concurrent WriteSnapshot cannot split the pair.
func (p *PostgresStore) ComputeScoreDelta(ctx context.Context, token string) (*ScoreDelta, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	tx, err := p.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin delta read: %w", err)
	}
	defer tx.Rollback()

	var rows []snapshotRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT key, token, ts, score, confidence, features, contributions, metadata
		FROM snapshots WHERE token = $1
		ORDER BY ts DESC LIMIT 2`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshots for delta: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}

	cur, err := rows[0].toSnapshot()
	if err != nil {
		return nil, err
	}
	prev, err := rows[1].toSnapshot()
	if err != nil {
		return nil, err
	}
	return ComputeDelta(prev, cur), nil
}

// ClearOld removes features and snapshots older than maxAge
func (p *PostgresStore) ClearOld(ctx context.Context, maxAge time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	cutoff := time.Now().Add(-maxAge).UTC()
	removed := 0

	res, err := p.db.ExecContext(ctx, `DELETE FROM features WHERE ts < $1`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("failed to clear old features: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += int(n)
	}

	res, err = p.db.ExecContext(ctx, `DELETE FROM snapshots WHERE ts < $1`, cutoff)
	if err != nil {
		return removed, fmt.Errorf("failed to clear old snapshots: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += int(n)
	}

	return removed, nil
}

// Close releases the database connection
func (p *PostgresStore) Close() error {
	return p.db.Close()
}
