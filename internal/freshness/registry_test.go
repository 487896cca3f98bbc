package freshness

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLevelFor_ExactBoundaries(t *testing.T) {
	freq := time.Minute

	cases := []struct {
		age  time.Duration
		want Level
	}{
		{30 * time.Second, Fresh},
		{time.Minute, Fresh}, // exactly 1x freq
		{time.Minute + time.Second, Recent},
		{2 * time.Minute, Recent}, // exactly 2x freq
		{2*time.Minute + time.Second, Stale},
		{5 * time.Minute, Stale}, // exactly 5x freq
		{5*time.Minute + time.Second, Outdated},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, LevelFor(tc.age, freq), "age %v", tc.age)
	}
}

func TestConfidenceMultiplier_Monotonic(t *testing.T) {
	assert.Equal(t, 1.0, Fresh.ConfidenceMultiplier())
	assert.Greater(t, Fresh.ConfidenceMultiplier(), Recent.ConfidenceMultiplier())
	assert.Greater(t, Recent.ConfidenceMultiplier(), Stale.ConfidenceMultiplier())
	assert.Greater(t, Stale.ConfidenceMultiplier(), Outdated.ConfidenceMultiplier())
}

func TestRegistry_StatusAndSLA(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Register("dexscreener", time.Minute, 3*time.Minute)

	// Never succeeded: outdated
	assert.Equal(t, Outdated, r.Status("dexscreener").Level)

	r.RecordSuccess("dexscreener", now.Add(-30*time.Second))
	status := r.Status("dexscreener")
	assert.Equal(t, Fresh, status.Level)
	assert.False(t, status.SLAViolated)

	// Past the SLA max age the source is flagged
	r.RecordSuccess("dexscreener", now.Add(-4*time.Minute))
	// RecordSuccess keeps the newer timestamp, so re-register to reset
	r2 := NewRegistry()
	r2.now = func() time.Time { return now }
	r2.Register("dexscreener", time.Minute, 3*time.Minute)
	r2.RecordSuccess("dexscreener", now.Add(-4*time.Minute))

	status = r2.Status("dexscreener")
	assert.Equal(t, Stale, status.Level)
	assert.True(t, status.SLAViolated)
}

func TestRegistry_ErrorPreservesLastSuccess(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.now = func() time.Time { return now }

	r.Register("birdeye", time.Minute, 0)
	r.RecordSuccess("birdeye", now.Add(-10*time.Second))
	r.RecordError("birdeye", errors.New("503 from upstream"))

	status := r.Status("birdeye")
	assert.Equal(t, Fresh, status.Level, "errors do not age out the last success")
	assert.Equal(t, "503 from upstream", status.LastError)
	assert.False(t, status.SLAViolated, "zero SLA max age disables enforcement")
}

func TestRegistry_UnknownSource(t *testing.T) {
	r := NewRegistry()
	status := r.Status("never-seen")
	assert.Equal(t, Outdated, status.Level)
}

func TestRegistry_All(t *testing.T) {
	r := NewRegistry()
	r.Register("a", time.Minute, 0)
	r.Register("b", time.Minute, 0)
	assert.Len(t, r.All(), 2)
}
