package store

import (
	"fmt"
	"math"
	"time"
)

// Keyspace layout for keyed backends. Timestamps are encoded descending so
// a lexicographic range scan yields newest-first without a reverse cursor:
//
//	f/{token}/{name}/{ts_desc}   features
//	s/{token}/{ts_desc}          snapshots
//	o/{dedupe_key}/{enqueued_at} outbox entries

// tsDesc encodes t (unix seconds UTC) so later times sort first
func tsDesc(t time.Time) string {
	return fmt.Sprintf("%019d", math.MaxInt64-t.UTC().Unix())
}

// FeatureKey builds the keyed-store key for a feature observation
func FeatureKey(token, name string, ts time.Time) string {
	return fmt.Sprintf("f/%s/%s/%s", token, name, tsDesc(ts))
}

// SnapshotKey builds the keyed-store key for a score snapshot
func SnapshotKey(token string, ts time.Time) string {
	return fmt.Sprintf("s/%s/%s", token, tsDesc(ts))
}

// OutboxKey builds the keyed-store key for an outbox entry
func OutboxKey(dedupeKey string, enqueuedAt time.Time) string {
	return fmt.Sprintf("o/%s/%d", dedupeKey, enqueuedAt.UTC().Unix())
}
