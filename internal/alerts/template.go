package alerts

import (
	"fmt"
	"regexp"
	"strconv"

	"github.com/rs/zerolog/log"
)

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)

// Render substitutes {placeholder} fields into a message template.
// Unknown placeholders stay literal and log a warning; rendering never
// fails.
func Render(template string, fields map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := match[1 : len(match)-1]
		if value, ok := fields[key]; ok {
			return value
		}
		log.Warn().Str("placeholder", key).Msg("Template placeholder has no value, left literal")
		return match
	})
}

// RenderMessage renders a rule's template against a candidate. Rules
// without a template get a fixed default line.
func RenderMessage(rule *Rule, c Candidate) string {
	template := rule.MessageTemplate
	if template == "" {
		template = "[{severity}] {rule_id}: {symbol} triggered"
	}
	return Render(template, templateFields(rule, c))
}

// templateFields flattens the candidate into template inputs: the symbol,
// every metric by name, and the prior-period and feature-diff context
// when present.
func templateFields(rule *Rule, c Candidate) map[string]string {
	fields := map[string]string{
		"symbol":   c.Token,
		"rule_id":  rule.ID,
		"severity": string(rule.Severity),
	}

	for name, value := range c.Metrics {
		fields[name] = formatMetric(value)
	}

	if c.PriorPeriod != nil {
		fields["prior_score"] = formatMetric(c.PriorPeriod.Score)
		fields["prior_confidence"] = formatMetric(c.PriorPeriod.Confidence)
	}

	if c.FeatureDiff != nil {
		fields["delta"] = formatMetric(c.FeatureDiff.Delta)
		fields["percent_change"] = formatMetric(c.FeatureDiff.PercentChange)
		fields["time_delta_hours"] = formatMetric(c.FeatureDiff.TimeDeltaHours)
		if len(c.FeatureDiff.FeatureDeltas) > 0 {
			top := c.FeatureDiff.FeatureDeltas[0]
			fields["top_mover"] = top.Name
			fields["top_mover_delta"] = fmt.Sprintf("%+.2f", top.ContributionDelta)
		}
	}

	return fields
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
