package alerts

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Severity ranks an alert rule
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Comparison operators for simple conditions
const (
	OpLT  = "lt"
	OpLTE = "lte"
	OpEQ  = "eq"
	OpNEQ = "neq"
	OpGTE = "gte"
	OpGT  = "gt"
)

// Boolean operators for compound conditions
const (
	OpAND = "AND"
	OpOR  = "OR"
	OpNOT = "NOT"
)

// Threshold holds a numeric or boolean comparison target. Custom YAML
// hooks keep number|bool round-trips exact.
type Threshold struct {
	Num    float64
	Bool   bool
	IsBool bool
}

// AsFloat collapses the threshold to a scalar; booleans map to 0/1
func (t Threshold) AsFloat() float64 {
	if t.IsBool {
		if t.Bool {
			return 1.0
		}
		return 0.0
	}
	return t.Num
}

// UnmarshalYAML accepts either a number or a bool
func (t *Threshold) UnmarshalYAML(value *yaml.Node) error {
	var b bool
	if err := value.Decode(&b); err == nil && (value.Value == "true" || value.Value == "false") {
		t.Bool = b
		t.IsBool = true
		return nil
	}
	var f float64
	if err := value.Decode(&f); err != nil {
		return fmt.Errorf("threshold must be a number or bool, got %q", value.Value)
	}
	t.Num = f
	return nil
}

// MarshalYAML emits the original scalar type
func (t Threshold) MarshalYAML() (interface{}, error) {
	if t.IsBool {
		return t.Bool, nil
	}
	return t.Num, nil
}

// Condition is one node of a rule's condition tree. Simple nodes compare
// a metric to a threshold; compound nodes combine children with
// AND/OR/NOT. Trees are finite and acyclic by construction.
type Condition struct {
	Type       string      `yaml:"type,omitempty"` // "simple" or "compound", inferred when empty
	Metric     string      `yaml:"metric,omitempty"`
	Operator   string      `yaml:"operator,omitempty"`
	Threshold  *Threshold  `yaml:"threshold,omitempty"`
	Conditions []Condition `yaml:"conditions,omitempty"`
}

// IsCompound reports whether this node combines children
func (c *Condition) IsCompound() bool {
	if c.Type == "compound" {
		return true
	}
	return c.Type == "" && len(c.Conditions) > 0
}

// Validate checks structural invariants of the condition tree
func (c *Condition) Validate() error {
	if c.IsCompound() {
		switch c.Operator {
		case OpAND, OpOR:
			if len(c.Conditions) == 0 {
				return fmt.Errorf("%s condition requires at least one child", c.Operator)
			}
		case OpNOT:
			if len(c.Conditions) != 1 {
				return fmt.Errorf("NOT condition requires exactly one child, got %d", len(c.Conditions))
			}
		default:
			return fmt.Errorf("unknown compound operator: %q", c.Operator)
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].Validate(); err != nil {
				return err
			}
		}
		return nil
	}

	if c.Metric == "" {
		return fmt.Errorf("simple condition requires a metric")
	}
	switch c.Operator {
	case OpLT, OpLTE, OpEQ, OpNEQ, OpGTE, OpGT:
	default:
		return fmt.Errorf("unknown comparison operator: %q", c.Operator)
	}
	if c.Threshold == nil {
		return fmt.Errorf("simple condition %s requires a threshold", c.Metric)
	}
	return nil
}

// Rule versions: V1 is the legacy flat form with metric/operator/threshold
// at the rule level; V2 carries a condition tree, templates and escalation.
const (
	VersionV1 = "v1"
	VersionV2 = "v2"
)

// Rule is one alert rule. V1 and V2 rules coexist; Version is detected
// from shape when unset.
type Rule struct {
	ID          string   `yaml:"id"`
	Version     string   `yaml:"version,omitempty"`
	Enabled     bool     `yaml:"enabled"`
	Description string   `yaml:"description,omitempty"`
	Severity    Severity `yaml:"severity"`

	// V1 flat condition
	Metric    string     `yaml:"metric,omitempty"`
	Operator  string     `yaml:"operator,omitempty"`
	Threshold *Threshold `yaml:"threshold,omitempty"`

	// V2 condition tree
	Condition *Condition `yaml:"condition,omitempty"`

	Channels            []string `yaml:"channels"`
	SuppressionDuration int      `yaml:"suppression_duration_s"`
	EscalationPolicy    string   `yaml:"escalation_policy,omitempty"`
	MessageTemplate     string   `yaml:"message_template,omitempty"`
	Tags                []string `yaml:"tags,omitempty"`
}

// DetectVersion returns the declared or inferred rule version
func (r *Rule) DetectVersion() string {
	if r.Version != "" {
		return r.Version
	}
	if r.Condition != nil {
		return VersionV2
	}
	return VersionV1
}

// EffectiveCondition normalizes both versions to a condition tree
func (r *Rule) EffectiveCondition() *Condition {
	if r.Condition != nil {
		return r.Condition
	}
	return &Condition{
		Type:      "simple",
		Metric:    r.Metric,
		Operator:  r.Operator,
		Threshold: r.Threshold,
	}
}

// Validate checks a single rule
func (r *Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule requires an id")
	}
	switch r.Severity {
	case SeverityInfo, SeverityWarning, SeverityHigh, SeverityCritical:
	default:
		return fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
	}
	if r.SuppressionDuration < 0 {
		return fmt.Errorf("rule %s: negative suppression duration", r.ID)
	}
	if err := r.EffectiveCondition().Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	return nil
}

// RuleFile is the YAML document shape carrying rules
type RuleFile struct {
	AlertRules []Rule `yaml:"alert_rules"`
}

// ParseRules parses and validates an alert_rules YAML document.
// Duplicate rule ids and malformed conditions are configuration errors.
func ParseRules(data []byte) ([]Rule, error) {
	var file RuleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse alert rules: %w", err)
	}

	seen := make(map[string]struct{})
	for i := range file.AlertRules {
		rule := &file.AlertRules[i]
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		if _, dup := seen[rule.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id: %s", rule.ID)
		}
		seen[rule.ID] = struct{}{}
	}
	return file.AlertRules, nil
}

// SerializeRules renders rules back to the YAML document shape
func SerializeRules(rules []Rule) ([]byte, error) {
	return yaml.Marshal(RuleFile{AlertRules: rules})
}
