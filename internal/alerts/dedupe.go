package alerts

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// DedupeKey collapses repeated alerts inside a suppression window: the
// timestamp is bucketed by the window so any two candidates for the same
// (rule, token) within it produce the same key. A zero window buckets by
// second, effectively disabling suppression.
func DedupeKey(ruleID, token string, ts time.Time, window time.Duration) string {
	bucketSize := int64(window / time.Second)
	if bucketSize <= 0 {
		bucketSize = 1
	}
	bucket := ts.UTC().Unix() / bucketSize

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", ruleID, token, bucket)))
	return hex.EncodeToString(sum[:8])
}
