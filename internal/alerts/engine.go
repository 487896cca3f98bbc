package alerts

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/autotrader/internal/store"
)

// Candidate is the evaluated unit: one token's metrics at one instant,
// with the optional score delta and prior snapshot attached for
// templating.
type Candidate struct {
	Token       string
	Timestamp   time.Time
	Metrics     map[string]float64
	FeatureDiff *store.ScoreDelta
	PriorPeriod *store.Snapshot
}

// RuleHit records one rule firing against a candidate
type RuleHit struct {
	RuleID         string   `json:"rule_id"`
	Severity       Severity `json:"severity"`
	Message        string   `json:"message"`
	Channels       []string `json:"channels"`
	DedupeKey      string   `json:"dedupe_key"`
	MetricsMissing []string `json:"metrics_missing,omitempty"`
}

// EscalationStep promotes an undelivered alert to extra channels after a delay
type EscalationStep struct {
	AfterSeconds int      `yaml:"after_seconds"`
	Channels     []string `yaml:"channels"`
}

// EscalationPolicy is a named sequence of escalation steps
type EscalationPolicy struct {
	Name  string           `yaml:"name"`
	Steps []EscalationStep `yaml:"steps"`
}

// RuleMiss records a rule that did not fire because a referenced metric
// was absent from the candidate
type RuleMiss struct {
	RuleID         string   `json:"rule_id"`
	MetricsMissing []string `json:"metrics_missing"`
}

// Engine evaluates enabled rules against candidates. Evaluation never
// fails on data: a missing metric compares false and is reported as
// metric_missing, on the hit when the rule still fires and as a RuleMiss
// when it does not.
type Engine struct {
	rules    []Rule
	policies map[string]EscalationPolicy
}

// NewEngine validates the rule set and escalation references
func NewEngine(rules []Rule, policies []EscalationPolicy) (*Engine, error) {
	byName := make(map[string]EscalationPolicy, len(policies))
	for _, p := range policies {
		byName[p.Name] = p
	}

	seen := make(map[string]struct{})
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[rules[i].ID]; dup {
			return nil, fmt.Errorf("duplicate rule id: %s", rules[i].ID)
		}
		seen[rules[i].ID] = struct{}{}

		if ref := rules[i].EscalationPolicy; ref != "" {
			if _, ok := byName[ref]; !ok {
				return nil, fmt.Errorf("rule %s references unknown escalation policy %q", rules[i].ID, ref)
			}
		}
	}

	return &Engine{rules: rules, policies: byName}, nil
}

// Rules returns the configured rule set
func (e *Engine) Rules() []Rule { return e.rules }

// Policy looks up an escalation policy by name
func (e *Engine) Policy(name string) (EscalationPolicy, bool) {
	p, ok := e.policies[name]
	return p, ok
}

// Evaluate runs every enabled rule against the candidate and returns the
// hits with rendered messages and dedupe keys.
func (e *Engine) Evaluate(c Candidate) []RuleHit {
	hits, _ := e.EvaluateAll(c)
	return hits
}

// EvaluateAll additionally reports the rules held back by unpopulated
// metrics, so callers can surface them alongside the hits.
func (e *Engine) EvaluateAll(c Candidate) ([]RuleHit, []RuleMiss) {
	var hits []RuleHit
	var misses []RuleMiss

	for i := range e.rules {
		rule := &e.rules[i]
		if !rule.Enabled {
			continue
		}

		fired, missing := evalCondition(rule.EffectiveCondition(), c.Metrics)
		if len(missing) > 0 {
			log.Debug().Str("rule", rule.ID).Str("token", c.Token).
				Strs("metric_missing", missing).Msg("Rule referenced unpopulated metrics")
		}
		if !fired {
			if len(missing) > 0 {
				misses = append(misses, RuleMiss{RuleID: rule.ID, MetricsMissing: missing})
			}
			continue
		}

		hits = append(hits, RuleHit{
			RuleID:         rule.ID,
			Severity:       rule.Severity,
			Message:        RenderMessage(rule, c),
			Channels:       rule.Channels,
			DedupeKey:      DedupeKey(rule.ID, c.Token, c.Timestamp, rule.SuppressionWindow()),
			MetricsMissing: missing,
		})
	}
	return hits, misses
}

// SuppressionWindow returns the rule's suppression duration
func (r *Rule) SuppressionWindow() time.Duration {
	return time.Duration(r.SuppressionDuration) * time.Second
}

// evalCondition walks the tree with short-circuit semantics: AND stops on
// the first false, OR on the first true, NOT inverts its single child.
// A metric absent from the candidate compares false and is collected.
func evalCondition(c *Condition, metrics map[string]float64) (bool, []string) {
	if c.IsCompound() {
		var missing []string
		switch c.Operator {
		case OpAND:
			for i := range c.Conditions {
				ok, m := evalCondition(&c.Conditions[i], metrics)
				missing = append(missing, m...)
				if !ok {
					return false, missing
				}
			}
			return true, missing
		case OpOR:
			for i := range c.Conditions {
				ok, m := evalCondition(&c.Conditions[i], metrics)
				missing = append(missing, m...)
				if ok {
					return true, missing
				}
			}
			return false, missing
		default: // NOT
			ok, m := evalCondition(&c.Conditions[0], metrics)
			return !ok, m
		}
	}

	value, present := metrics[c.Metric]
	if !present {
		return false, []string{c.Metric}
	}

	threshold := c.Threshold.AsFloat()
	switch c.Operator {
	case OpLT:
		return value < threshold, nil
	case OpLTE:
		return value <= threshold, nil
	case OpEQ:
		return value == threshold, nil
	case OpNEQ:
		return value != threshold, nil
	case OpGTE:
		return value >= threshold, nil
	case OpGT:
		return value > threshold, nil
	}
	return false, nil
}
