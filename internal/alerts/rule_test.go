package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const v1RuleYAML = `
alert_rules:
  - id: low-gem-score
    enabled: true
    severity: warning
    metric: gem_score
    operator: lt
    threshold: 30
    channels: [log]
    suppression_duration_s: 3600
`

const v2RuleYAML = `
alert_rules:
  - id: hidden-gem-risk
    version: v2
    enabled: true
    severity: high
    condition:
      type: compound
      operator: AND
      conditions:
        - metric: gem_score
          operator: lt
          threshold: 30
        - metric: honeypot_detected
          operator: eq
          threshold: true
    channels: [webhook, log]
    suppression_duration_s: 7200
    escalation_policy: high-sev
    message_template: "{symbol} flagged: gem_score {gem_score}"
    tags: [risk, honeypot]
`

func TestParseRules_V1(t *testing.T) {
	rules, err := ParseRules([]byte(v1RuleYAML))
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, "low-gem-score", r.ID)
	assert.Equal(t, VersionV1, r.DetectVersion())
	assert.Equal(t, "gem_score", r.Metric)
	assert.Equal(t, OpLT, r.Operator)
	require.NotNil(t, r.Threshold)
	assert.False(t, r.Threshold.IsBool)
	assert.Equal(t, 30.0, r.Threshold.AsFloat())
	assert.Equal(t, 3600, r.SuppressionDuration)
}

func TestParseRules_V2CompoundTree(t *testing.T) {
	rules, err := ParseRules([]byte(v2RuleYAML))
	require.NoError(t, err)
	require.Len(t, rules, 1)

	r := rules[0]
	assert.Equal(t, VersionV2, r.DetectVersion())
	require.NotNil(t, r.Condition)
	assert.True(t, r.Condition.IsCompound())
	assert.Equal(t, OpAND, r.Condition.Operator)
	require.Len(t, r.Condition.Conditions, 2)

	boolChild := r.Condition.Conditions[1]
	require.NotNil(t, boolChild.Threshold)
	assert.True(t, boolChild.Threshold.IsBool)
	assert.Equal(t, 1.0, boolChild.Threshold.AsFloat())

	assert.Equal(t, "high-sev", r.EscalationPolicy)
	assert.Equal(t, []string{"webhook", "log"}, r.Channels)
	assert.Equal(t, []string{"risk", "honeypot"}, r.Tags)
}

// Parsing, serializing and re-parsing must yield an equal rule for both
// rule shapes, including the number-vs-bool distinction in thresholds.
func TestRules_RoundTrip(t *testing.T) {
	for _, doc := range []string{v1RuleYAML, v2RuleYAML} {
		original, err := ParseRules([]byte(doc))
		require.NoError(t, err)

		out, err := SerializeRules(original)
		require.NoError(t, err)

		reparsed, err := ParseRules(out)
		require.NoError(t, err)
		assert.Equal(t, original, reparsed)
	}
}

func TestParseRules_DuplicateID(t *testing.T) {
	doc := v1RuleYAML + `
  - id: low-gem-score
    enabled: true
    severity: info
    metric: confidence
    operator: lt
    threshold: 0.5
    channels: [log]
`
	_, err := ParseRules([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate rule id")
}

func TestParseRules_InvalidShapes(t *testing.T) {
	cases := map[string]string{
		"unknown severity": `
alert_rules:
  - id: r1
    severity: extreme
    metric: gem_score
    operator: lt
    threshold: 1
`,
		"unknown operator": `
alert_rules:
  - id: r1
    severity: info
    metric: gem_score
    operator: between
    threshold: 1
`,
		"NOT with two children": `
alert_rules:
  - id: r1
    severity: info
    condition:
      operator: NOT
      conditions:
        - metric: a
          operator: lt
          threshold: 1
        - metric: b
          operator: lt
          threshold: 1
`,
		"threshold wrong type": `
alert_rules:
  - id: r1
    severity: info
    metric: gem_score
    operator: lt
    threshold: "thirty"
`,
		"negative suppression": `
alert_rules:
  - id: r1
    severity: info
    metric: gem_score
    operator: lt
    threshold: 1
    suppression_duration_s: -5
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRules([]byte(doc))
			assert.Error(t, err)
		})
	}
}
