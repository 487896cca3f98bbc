package alerts

import (
	"time"
)

// WouldAlert is one alert a backtest run would have emitted
type WouldAlert struct {
	Token     string    `json:"token"`
	RuleID    string    `json:"rule_id"`
	Severity  Severity  `json:"severity"`
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// BacktestResult summarizes a no-dispatch replay of the rule set
type BacktestResult struct {
	Start           time.Time          `json:"start"`
	End             time.Time          `json:"end"`
	Candidates      int                `json:"candidates"`
	Fired           int                `json:"fired"`
	Suppressed      int                `json:"suppressed"`
	SuppressionRate float64            `json:"suppression_rate"`
	BySeverity      map[Severity]int   `json:"by_severity"`
	ByRule          map[string]int     `json:"by_rule"`
	WouldAlerts     []WouldAlert       `json:"would_alerts"`
}

// Backtest replays candidates inside [start, end] against the rule set
// without dispatching. Suppression is simulated with the same dedupe
// keys live evaluation uses, so rates are comparable.
func (e *Engine) Backtest(candidates []Candidate, start, end time.Time) BacktestResult {
	result := BacktestResult{
		Start:      start,
		End:        end,
		BySeverity: make(map[Severity]int),
		ByRule:     make(map[string]int),
	}

	seenKeys := make(map[string]struct{})

	for _, c := range candidates {
		if c.Timestamp.Before(start) || c.Timestamp.After(end) {
			continue
		}
		result.Candidates++

		for _, hit := range e.Evaluate(c) {
			if _, dup := seenKeys[hit.DedupeKey]; dup {
				result.Suppressed++
				continue
			}
			seenKeys[hit.DedupeKey] = struct{}{}

			result.Fired++
			result.BySeverity[hit.Severity]++
			result.ByRule[hit.RuleID]++
			result.WouldAlerts = append(result.WouldAlerts, WouldAlert{
				Token:     c.Token,
				RuleID:    hit.RuleID,
				Severity:  hit.Severity,
				Timestamp: c.Timestamp,
				Message:   hit.Message,
			})
		}
	}

	if total := result.Fired + result.Suppressed; total > 0 {
		result.SuppressionRate = float64(result.Suppressed) / float64(total)
	}
	return result
}

// CompareRuleVersions runs two rule sets over the same candidates and
// returns both results, used for V1 vs V2 rule A/B evaluation.
func CompareRuleVersions(a, b *Engine, candidates []Candidate, start, end time.Time) (BacktestResult, BacktestResult) {
	return a.Backtest(candidates, start, end), b.Backtest(candidates, start, end)
}
