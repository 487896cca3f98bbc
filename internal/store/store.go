package store

import (
	"context"
	"time"
)

// FeatureStore persists features and score snapshots with point-in-time
// integrity. Implementations must keep (token, name, timestamp) unique,
// serve history in descending timestamp order, and make WriteSnapshot
// atomic with respect to ComputeScoreDelta.
type FeatureStore interface {
	// WriteFeature appends a feature observation
	WriteFeature(ctx context.Context, f Feature) error

	// ReadLatest returns the most recent feature for (token, name), or nil
	ReadLatest(ctx context.Context, token, name string) (*Feature, error)

	// ReadHistory returns up to limit features, newest first
	ReadHistory(ctx context.Context, token, name string, limit int) ([]Feature, error)

	// WriteSnapshot appends a score snapshot
	WriteSnapshot(ctx context.Context, s Snapshot) error

	// ReadSnapshotHistory returns up to limit snapshots, newest first
	ReadSnapshotHistory(ctx context.Context, token string, limit int) ([]Snapshot, error)

	// ComputeScoreDelta compares the two most recent snapshots for token;
	// returns nil when fewer than two exist
	ComputeScoreDelta(ctx context.Context, token string) (*ScoreDelta, error)

	// ClearOld removes features and snapshots older than maxAge and
	// reports how many entries were deleted
	ClearOld(ctx context.Context, maxAge time.Duration) (int, error)

	// Close releases backing resources
	Close() error
}
