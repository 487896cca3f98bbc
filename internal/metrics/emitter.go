package metrics

import "time"

// Emitter receives engine events. The engine never touches a global
// metrics registry; hosts inject an implementation (the Prometheus one
// below, or Noop).
type Emitter interface {
	// FetchResult records one data source fetch with its outcome kind
	FetchResult(source, outcome string, latency time.Duration)

	// CacheLookup records a cache read outcome (hit, miss, stale)
	CacheLookup(source, outcome string)

	// ScanCompleted records one token scan with its terminal status
	ScanCompleted(status string, duration time.Duration)

	// AlertEnqueued counts an alert accepted into the outbox
	AlertEnqueued(severity string)

	// AlertSuppressed counts an alert collapsed by its dedupe key
	AlertSuppressed(ruleID string)

	// AlertDelivered counts a successful channel delivery
	AlertDelivered(channel string)

	// AlertFailed counts a terminal delivery failure
	AlertFailed(channel string)
}

// Noop discards all events
type Noop struct{}

func (Noop) FetchResult(string, string, time.Duration)  {}
func (Noop) CacheLookup(string, string)                 {}
func (Noop) ScanCompleted(string, time.Duration)        {}
func (Noop) AlertEnqueued(string)                       {}
func (Noop) AlertSuppressed(string)                     {}
func (Noop) AlertDelivered(string)                      {}
func (Noop) AlertFailed(string)                         {}
