package config

import (
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/autotrader/internal/alerts"
	"github.com/sawpanic/autotrader/internal/datasource"
	"github.com/sawpanic/autotrader/internal/outbox"
	"github.com/sawpanic/autotrader/internal/reliability"
	"github.com/sawpanic/autotrader/internal/scan"
	"github.com/sawpanic/autotrader/internal/scoring"
)

// Config is the engine's typed configuration document
type Config struct {
	Tokens             []string                  `yaml:"tokens"`
	Sources            map[string]Source         `yaml:"sources"`
	Weights            map[string]float64        `yaml:"weights"`
	AlertRules         []alerts.Rule             `yaml:"alert_rules"`
	EscalationPolicies []alerts.EscalationPolicy `yaml:"escalation_policies"`
	Outbox             Outbox                    `yaml:"outbox"`
	Scan               Scan                      `yaml:"scan"`
	Storage            Storage                   `yaml:"storage"`
	Determinism        Determinism               `yaml:"determinism"`
	// ExtraMetrics extends the metric namespace rules may reference
	// beyond the weighted features and the built-in scan metrics.
	ExtraMetrics []string `yaml:"extra_metrics"`
}

// Source wires one provider's reliability stack
type Source struct {
	BaseURL   string    `yaml:"base_url"`
	RateLimit RateLimit `yaml:"rate_limit"`
	Breaker   Breaker   `yaml:"breaker"`
	Cache     Cache     `yaml:"cache"`
	SLA       SLA       `yaml:"sla"`
	TimeoutS  int       `yaml:"timeout_s"`
}

type RateLimit struct {
	Capacity   int     `yaml:"capacity"`
	RefillPerS float64 `yaml:"refill_per_s"`
	// AcquireTimeoutS bounds how long a fetch waits for a token; 0
	// inherits the source timeout, negative fails fast.
	AcquireTimeoutS int `yaml:"acquire_timeout_s"`
}

type Breaker struct {
	FailureThreshold uint32 `yaml:"failure_threshold"`
	OpenDurationS    int    `yaml:"open_duration_s"`
}

// Cache modes: ttl, adaptive, redis, none
type Cache struct {
	Mode       string `yaml:"mode"`
	TTLS       int    `yaml:"ttl_s"`
	TTLMinS    int    `yaml:"ttl_min_s"`
	TTLMaxS    int    `yaml:"ttl_max_s"`
	MaxEntries int    `yaml:"max_entries"`
}

type SLA struct {
	MaxAgeS          int `yaml:"max_age_s"`
	UpdateFrequencyS int `yaml:"update_frequency_s"`
}

// Outbox configures delivery retries and channels
type Outbox struct {
	MaxAttempts  int                `yaml:"max_attempts"`
	BaseBackoffS int                `yaml:"base_backoff_s"`
	MaxBackoffS  int                `yaml:"max_backoff_s"`
	Channels     map[string]Channel `yaml:"channels"`
}

// Channel types: log, webhook, websocket
type Channel struct {
	Type     string `yaml:"type"`
	URL      string `yaml:"url,omitempty"`
	TimeoutS int    `yaml:"timeout_s,omitempty"`
}

type Scan struct {
	TimeoutS    int `yaml:"timeout_s"`
	Concurrency int `yaml:"concurrency"`
}

// Storage backends: memory, postgres
type Storage struct {
	Backend   string `yaml:"backend"`
	DSN       string `yaml:"dsn,omitempty"`
	RedisAddr string `yaml:"redis_addr,omitempty"`
}

type Determinism struct {
	Seed     int64 `yaml:"seed"`
	HashSeed int64 `yaml:"hash_seed"`
}

// Load reads and validates a config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a config document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if len(c.Weights) == 0 {
		c.Weights = map[string]float64(scoring.DefaultWeights())
	}
	if c.Outbox.MaxAttempts <= 0 {
		c.Outbox.MaxAttempts = 5
	}
	if c.Outbox.BaseBackoffS <= 0 {
		c.Outbox.BaseBackoffS = 2
	}
	if c.Outbox.MaxBackoffS <= 0 {
		c.Outbox.MaxBackoffS = 300
	}
	if len(c.Outbox.Channels) == 0 {
		c.Outbox.Channels = map[string]Channel{"log": {Type: "log"}}
	}
	if c.Scan.TimeoutS <= 0 {
		c.Scan.TimeoutS = 30
	}
	if c.Scan.Concurrency <= 0 {
		c.Scan.Concurrency = 4
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
}

// Validate applies the fatal configuration checks: weight sum, rule
// shape, duplicate rule ids, unknown metrics, channel and policy
// references, source and storage wiring.
func (c *Config) Validate() error {
	if err := scoring.WeightSet(c.Weights).Validate(); err != nil {
		return fmt.Errorf("invalid weights: %w", err)
	}

	policies := make(map[string]struct{}, len(c.EscalationPolicies))
	for _, p := range c.EscalationPolicies {
		if p.Name == "" {
			return fmt.Errorf("escalation policy requires a name")
		}
		if _, dup := policies[p.Name]; dup {
			return fmt.Errorf("duplicate escalation policy: %s", p.Name)
		}
		policies[p.Name] = struct{}{}
		for _, step := range p.Steps {
			for _, channel := range step.Channels {
				if _, ok := c.Outbox.Channels[channel]; !ok {
					return fmt.Errorf("escalation policy %s targets unknown channel %q", p.Name, channel)
				}
			}
		}
	}

	known := c.knownMetrics()
	seenRules := make(map[string]struct{}, len(c.AlertRules))
	for i := range c.AlertRules {
		rule := &c.AlertRules[i]
		if err := rule.Validate(); err != nil {
			return err
		}
		if _, dup := seenRules[rule.ID]; dup {
			return fmt.Errorf("duplicate rule id: %s", rule.ID)
		}
		seenRules[rule.ID] = struct{}{}

		for _, metric := range conditionMetrics(rule.EffectiveCondition()) {
			if _, ok := known[metric]; !ok {
				return fmt.Errorf("rule %s references unknown metric %q", rule.ID, metric)
			}
		}
		for _, channel := range rule.Channels {
			if _, ok := c.Outbox.Channels[channel]; !ok {
				return fmt.Errorf("rule %s targets unknown channel %q", rule.ID, channel)
			}
		}
		if rule.EscalationPolicy != "" {
			if _, ok := policies[rule.EscalationPolicy]; !ok {
				return fmt.Errorf("rule %s references unknown escalation policy %q", rule.ID, rule.EscalationPolicy)
			}
		}
	}

	for name, ch := range c.Outbox.Channels {
		switch ch.Type {
		case "log":
		case "webhook", "websocket":
			if ch.URL == "" {
				return fmt.Errorf("channel %s requires a url", name)
			}
		default:
			return fmt.Errorf("channel %s has unknown type %q", name, ch.Type)
		}
	}

	for name, src := range c.Sources {
		if src.BaseURL == "" {
			return fmt.Errorf("source %s requires a base_url", name)
		}
		switch src.Cache.Mode {
		case "", "none", "ttl", "adaptive":
		case "redis":
			if c.Storage.RedisAddr == "" {
				return fmt.Errorf("source %s uses redis cache but storage.redis_addr is unset", name)
			}
		default:
			return fmt.Errorf("source %s has unknown cache mode %q", name, src.Cache.Mode)
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("postgres storage requires a dsn")
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	return nil
}

// knownMetrics is the namespace rules may compare against: every
// weighted feature, the scan-level built-ins, and any declared extras.
func (c *Config) knownMetrics() map[string]struct{} {
	known := map[string]struct{}{
		"gem_score":      {},
		"confidence":     {},
		"score_delta":    {},
		"percent_change": {},
	}
	for name := range c.Weights {
		known[name] = struct{}{}
	}
	for _, name := range c.ExtraMetrics {
		known[name] = struct{}{}
	}
	return known
}

func conditionMetrics(cond *alerts.Condition) []string {
	if cond == nil {
		return nil
	}
	if cond.IsCompound() {
		var metrics []string
		for i := range cond.Conditions {
			metrics = append(metrics, conditionMetrics(&cond.Conditions[i])...)
		}
		return metrics
	}
	return []string{cond.Metric}
}

// BuildWeights returns the configured weight set
func (c *Config) BuildWeights() scoring.WeightSet {
	return scoring.WeightSet(c.Weights)
}

// BuildSourceConfigs maps source sections onto the data source client's
// wiring. redisClient backs sources with cache mode redis and may be nil
// when no source uses it.
func (c *Config) BuildSourceConfigs(redisClient *redis.Client) ([]datasource.SourceConfig, error) {
	configs := make([]datasource.SourceConfig, 0, len(c.Sources))
	for name, src := range c.Sources {
		cache, err := buildCache(name, src.Cache, redisClient)
		if err != nil {
			return nil, err
		}

		breaker := reliability.DefaultBreakerConfig(name)
		if src.Breaker.FailureThreshold > 0 {
			breaker.FailureThreshold = src.Breaker.FailureThreshold
		}
		if src.Breaker.OpenDurationS > 0 {
			breaker.OpenDuration = time.Duration(src.Breaker.OpenDurationS) * time.Second
		}

		configs = append(configs, datasource.SourceConfig{
			Name:    name,
			BaseURL: src.BaseURL,
			RateLimit: reliability.RateLimiterConfig{
				Capacity:        src.RateLimit.Capacity,
				RefillPerSecond: src.RateLimit.RefillPerS,
			},
			AcquireTimeout: time.Duration(src.RateLimit.AcquireTimeoutS) * time.Second,
			Breaker:         breaker,
			Cache:           cache,
			RequestTimeout:  time.Duration(src.TimeoutS) * time.Second,
			UpdateFrequency: time.Duration(src.SLA.UpdateFrequencyS) * time.Second,
			SLAMaxAge:       time.Duration(src.SLA.MaxAgeS) * time.Second,
		})
	}
	return configs, nil
}

func buildCache(source string, cfg Cache, redisClient *redis.Client) (reliability.Cache, error) {
	maxEntries := cfg.MaxEntries
	if maxEntries <= 0 {
		maxEntries = 1024
	}

	switch cfg.Mode {
	case "", "none":
		return nil, nil
	case "ttl":
		ttl := time.Duration(cfg.TTLS) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		return reliability.NewTTLCache(ttl, maxEntries), nil
	case "adaptive":
		acfg := reliability.DefaultAdaptiveCacheConfig()
		if cfg.TTLMinS > 0 {
			acfg.TTLMin = time.Duration(cfg.TTLMinS) * time.Second
		}
		if cfg.TTLMaxS > 0 {
			acfg.TTLMax = time.Duration(cfg.TTLMaxS) * time.Second
		}
		acfg.MaxEntries = maxEntries
		return reliability.NewAdaptiveCache(acfg), nil
	case "redis":
		if redisClient == nil {
			return nil, fmt.Errorf("source %s uses redis cache but no redis client is wired", source)
		}
		ttl := time.Duration(cfg.TTLS) * time.Second
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		return reliability.NewRedisCache(redisClient, "cache:"+source, ttl), nil
	default:
		return nil, fmt.Errorf("source %s has unknown cache mode %q", source, cfg.Mode)
	}
}

// BuildChannels instantiates the configured delivery channels
func (c *Config) BuildChannels() []outbox.Channel {
	channels := make([]outbox.Channel, 0, len(c.Outbox.Channels))
	for name, ch := range c.Outbox.Channels {
		switch ch.Type {
		case "webhook":
			channels = append(channels, outbox.NewWebhookChannel(name, ch.URL, time.Duration(ch.TimeoutS)*time.Second))
		case "websocket":
			channels = append(channels, outbox.NewWebsocketChannel(name, ch.URL))
		default:
			channels = append(channels, outbox.NewLogChannel(name))
		}
	}
	return channels
}

// BuildDispatcherConfig maps the outbox section onto the dispatcher
func (c *Config) BuildDispatcherConfig() outbox.DispatcherConfig {
	cfg := outbox.DefaultDispatcherConfig()
	cfg.MaxAttempts = c.Outbox.MaxAttempts
	cfg.BaseBackoff = time.Duration(c.Outbox.BaseBackoffS) * time.Second
	cfg.MaxBackoff = time.Duration(c.Outbox.MaxBackoffS) * time.Second
	return cfg
}

// BuildScanConfig maps the scan section onto the orchestrator
func (c *Config) BuildScanConfig() scan.Config {
	cfg := scan.DefaultConfig()
	cfg.Timeout = time.Duration(c.Scan.TimeoutS) * time.Second
	cfg.Concurrency = c.Scan.Concurrency
	return cfg
}
