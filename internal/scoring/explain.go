package scoring

import (
	"fmt"
	"strings"

	"github.com/sawpanic/autotrader/internal/store"
)

// DeltaExplanation is the human-readable breakdown of a score movement
type DeltaExplanation struct {
	Summary     string               `json:"summary"`
	TopPositive []store.FeatureDelta `json:"top_positive"`
	TopNegative []store.FeatureDelta `json:"top_negative"`
}

// ExplainDelta ranks feature movements by |contribution delta| and
// renders the fixed narrative template. topK bounds each direction.
func ExplainDelta(d *store.ScoreDelta, topK int) DeltaExplanation {
	if topK <= 0 {
		topK = 3
	}

	var explanation DeltaExplanation
	for _, fd := range d.FeatureDeltas {
		switch {
		case fd.ContributionDelta > 0 && len(explanation.TopPositive) < topK:
			explanation.TopPositive = append(explanation.TopPositive, fd)
		case fd.ContributionDelta < 0 && len(explanation.TopNegative) < topK:
			explanation.TopNegative = append(explanation.TopNegative, fd)
		}
	}

	direction := "rose"
	if d.Delta < 0 {
		direction = "fell"
	} else if d.Delta == 0 {
		direction = "held"
	}

	summary := fmt.Sprintf("GemScore for %s %s %.1f points (%.1f%%) over %.1fh to %.1f",
		d.Current.Token, direction, abs(d.Delta), d.PercentChange, d.TimeDeltaHours, d.Current.Score)

	if names := deltaNames(explanation.TopPositive); names != "" {
		summary += fmt.Sprintf("; gained on %s", names)
	}
	if names := deltaNames(explanation.TopNegative); names != "" {
		summary += fmt.Sprintf("; lost on %s", names)
	}
	explanation.Summary = summary

	return explanation
}

func deltaNames(deltas []store.FeatureDelta) string {
	if len(deltas) == 0 {
		return ""
	}
	names := make([]string, len(deltas))
	for i, d := range deltas {
		names[i] = fmt.Sprintf("%s (%+.1f)", d.Name, d.ContributionDelta)
	}
	return strings.Join(names, ", ")
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
