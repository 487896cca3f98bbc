package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/autotrader/internal/alerts"
	"github.com/sawpanic/autotrader/internal/metrics"
)

// DispatcherConfig tunes delivery retries and polling
type DispatcherConfig struct {
	MaxAttempts  int
	BaseBackoff  time.Duration
	MaxBackoff   time.Duration
	PollInterval time.Duration
	ClaimLimit   int
	// StaleGrace is how long an InFlight claim may sit before crash
	// recovery reverts it.
	StaleGrace time.Duration
	// EscalationInterval is how often undelivered entries are checked
	// against their escalation policies.
	EscalationInterval time.Duration
}

// DefaultDispatcherConfig returns the production retry policy
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		MaxAttempts:        5,
		BaseBackoff:        2 * time.Second,
		MaxBackoff:         5 * time.Minute,
		PollInterval:       time.Second,
		ClaimLimit:         50,
		StaleGrace:         2 * time.Minute,
		EscalationInterval: 30 * time.Second,
	}
}

// Dispatcher drains the outbox: one worker per registered channel claims
// due entries and delivers them with exponential backoff. Entries reach
// a terminal state (Delivered or Failed) and are never silently dropped.
type Dispatcher struct {
	queue    Queue
	channels map[string]Channel
	policies map[string]alerts.EscalationPolicy
	cfg      DispatcherConfig
	emitter  metrics.Emitter
	now      func() time.Time
}

// NewDispatcher wires a queue to its delivery channels
func NewDispatcher(queue Queue, channels []Channel, policies []alerts.EscalationPolicy, cfg DispatcherConfig, emitter metrics.Emitter) (*Dispatcher, error) {
	if len(channels) == 0 {
		return nil, fmt.Errorf("dispatcher requires at least one channel")
	}
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultDispatcherConfig()
	}
	if emitter == nil {
		emitter = metrics.Noop{}
	}

	byName := make(map[string]Channel, len(channels))
	for _, c := range channels {
		if _, dup := byName[c.Name()]; dup {
			return nil, fmt.Errorf("duplicate channel name: %s", c.Name())
		}
		byName[c.Name()] = c
	}

	byPolicy := make(map[string]alerts.EscalationPolicy, len(policies))
	for _, p := range policies {
		byPolicy[p.Name] = p
	}

	return &Dispatcher{
		queue:    queue,
		channels: byName,
		policies: byPolicy,
		cfg:      cfg,
		emitter:  emitter,
		now:      time.Now,
	}, nil
}

// SetNow overrides the clock, used by tests
func (d *Dispatcher) SetNow(now func() time.Time) { d.now = now }

// Enqueue fans a rule hit out to its channels. Entries targeting a
// channel the dispatcher does not know are rejected up front so
// misconfigured rules fail loudly instead of rotting in the queue.
func (d *Dispatcher) Enqueue(ctx context.Context, hit alerts.RuleHit, token string, ts time.Time, escalationPolicy string) (enqueued, suppressed int, err error) {
	for _, name := range hit.Channels {
		if _, ok := d.channels[name]; !ok {
			return 0, 0, fmt.Errorf("rule %s targets unknown channel %q", hit.RuleID, name)
		}
	}

	for _, e := range NewEntries(hit, token, ts, escalationPolicy) {
		state, err := d.queue.Enqueue(ctx, e)
		if err != nil {
			return enqueued, suppressed, err
		}
		switch state {
		case StateSuppressed:
			suppressed++
			d.emitter.AlertSuppressed(hit.RuleID)
		default:
			enqueued++
			d.emitter.AlertEnqueued(string(hit.Severity))
		}
	}
	return enqueued, suppressed, nil
}

// Run recovers stale claims once, then drains the queue until ctx is
// cancelled. One goroutine per channel plus one escalation loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	if n, err := d.queue.RecoverStale(ctx, d.now(), d.cfg.StaleGrace); err != nil {
		return fmt.Errorf("failed crash recovery: %w", err)
	} else if n > 0 {
		log.Warn().Int("recovered", n).Msg("Reverted stale in-flight outbox entries")
	}

	var wg sync.WaitGroup
	for name := range d.channels {
		wg.Add(1)
		go func(channel string) {
			defer wg.Done()
			ticker := time.NewTicker(d.cfg.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := d.DispatchChannel(ctx, channel); err != nil && ctx.Err() == nil {
						log.Error().Err(err).Str("channel", channel).Msg("Outbox dispatch pass failed")
					}
				}
			}
		}(name)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(d.cfg.EscalationInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := d.EscalateDue(ctx); err != nil && ctx.Err() == nil {
					log.Error().Err(err).Msg("Escalation pass failed")
				}
			}
		}
	}()

	wg.Wait()
	return ctx.Err()
}

// DispatchChannel runs one claim-and-deliver pass for a channel
func (d *Dispatcher) DispatchChannel(ctx context.Context, channel string) error {
	sender, ok := d.channels[channel]
	if !ok {
		return fmt.Errorf("unknown channel: %s", channel)
	}

	entries, err := d.queue.Claim(ctx, channel, d.now(), d.cfg.ClaimLimit)
	if err != nil {
		return err
	}

	for _, e := range entries {
		d.deliver(ctx, sender, e)
	}
	return nil
}

// DispatchOnce runs one pass over every channel, used by tests and the
// CLI's drain-on-shutdown path.
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	for name := range d.channels {
		if err := d.DispatchChannel(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, sender Channel, e *Entry) {
	err := sender.Send(ctx, e)
	if err == nil {
		if markErr := d.queue.MarkDelivered(ctx, e.ID, d.now()); markErr != nil {
			log.Error().Err(markErr).Str("entry", e.ID).Msg("Failed to mark entry delivered")
			return
		}
		d.emitter.AlertDelivered(e.Channel)
		log.Debug().Str("entry", e.ID).Str("channel", e.Channel).
			Str("rule", e.RuleID).Msg("Alert delivered")
		return
	}

	attempts := e.Attempts + 1
	if attempts >= d.cfg.MaxAttempts {
		if markErr := d.queue.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
			log.Error().Err(markErr).Str("entry", e.ID).Msg("Failed to mark entry failed")
			return
		}
		d.emitter.AlertFailed(e.Channel)
		log.Warn().Err(err).Str("entry", e.ID).Str("channel", e.Channel).
			Int("attempts", attempts).Msg("Alert delivery failed terminally")
		return
	}

	next := d.now().Add(d.backoff(attempts))
	if markErr := d.queue.Retry(ctx, e.ID, attempts, next, err.Error()); markErr != nil {
		log.Error().Err(markErr).Str("entry", e.ID).Msg("Failed to schedule retry")
		return
	}
	log.Debug().Err(err).Str("entry", e.ID).Str("channel", e.Channel).
		Int("attempts", attempts).Time("next_attempt", next).Msg("Alert delivery will retry")
}

// backoff is base·2^(attempts-1) capped at max
func (d *Dispatcher) backoff(attempts int) time.Duration {
	backoff := d.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	if backoff > d.cfg.MaxBackoff {
		return d.cfg.MaxBackoff
	}
	return backoff
}

// EscalateDue fans undelivered entries out to their policy's due steps.
// The original entry is never touched beyond its escalated-steps
// counter; each step enqueues fresh entries on the step's channels.
func (d *Dispatcher) EscalateDue(ctx context.Context) error {
	now := d.now()
	entries, err := d.queue.Escalatable(ctx, now)
	if err != nil {
		return err
	}

	for _, e := range entries {
		policy, ok := d.policies[e.EscalationPolicy]
		if !ok {
			log.Warn().Str("entry", e.ID).Str("policy", e.EscalationPolicy).
				Msg("Entry references unknown escalation policy")
			continue
		}

		age := now.Sub(e.EnqueuedAt)
		steps := e.EscalatedSteps
		for i := steps; i < len(policy.Steps); i++ {
			step := policy.Steps[i]
			if age < time.Duration(step.AfterSeconds)*time.Second {
				break
			}
			for _, channel := range step.Channels {
				if _, known := d.channels[channel]; !known {
					log.Warn().Str("policy", policy.Name).Str("channel", channel).
						Msg("Escalation step targets unknown channel")
					continue
				}
				clone := *e
				clone.ID = uuid.NewString()
				clone.Channel = channel
				clone.State = StatePending
				clone.Attempts = 0
				clone.NextAttemptAt = now
				clone.Escalated = true
				clone.EscalationPolicy = ""
				if _, err := d.queue.Enqueue(ctx, &clone); err != nil {
					return fmt.Errorf("failed to enqueue escalation for %s: %w", e.ID, err)
				}
			}
			steps = i + 1
		}

		if steps != e.EscalatedSteps {
			if err := d.queue.MarkEscalated(ctx, e.ID, steps); err != nil {
				return err
			}
			log.Info().Str("entry", e.ID).Str("policy", policy.Name).
				Int("steps", steps).Msg("Alert escalated")
		}
	}
	return nil
}

// Summary reports the outbox state counts for the run summary line
func (d *Dispatcher) Summary(ctx context.Context) (map[State]int, error) {
	return d.queue.Counts(ctx)
}
