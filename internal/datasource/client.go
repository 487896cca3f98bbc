package datasource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/autotrader/internal/freshness"
	"github.com/sawpanic/autotrader/internal/metrics"
	"github.com/sawpanic/autotrader/internal/reliability"
	"github.com/sawpanic/autotrader/internal/store"
)

// CachePolicy selects how a fetch interacts with the source cache
type CachePolicy string

const (
	// ReadThrough serves live cache hits and fetches otherwise
	ReadThrough CachePolicy = "read_through"
	// Bypass skips the cache entirely
	Bypass CachePolicy = "bypass"
	// RevalidateIfStale fetches on stale entries but falls back to the
	// stale value when the refresh fails transiently
	RevalidateIfStale CachePolicy = "revalidate_if_stale"
)

// Request is the uniform fetch contract across providers
type Request struct {
	Source         string
	Endpoint       string
	Query          url.Values
	IdempotencyKey string
	CachePolicy    CachePolicy
	Timeout        time.Duration // 0 uses the source default
}

// Response carries the raw payload plus provenance
type Response struct {
	Body       []byte
	StatusCode int
	Provenance store.Provenance
	FromCache  bool
	Stale      bool
}

// SourceConfig wires the reliability stack for one provider
type SourceConfig struct {
	Name            string
	BaseURL         string
	RateLimit       reliability.RateLimiterConfig
	AcquireTimeout  time.Duration // 0 inherits RequestTimeout; negative fails fast on an empty bucket
	Breaker         reliability.BreakerConfig
	Cache           reliability.Cache // nil disables caching
	SLAWindow       time.Duration
	RequestTimeout  time.Duration
	UpdateFrequency time.Duration
	SLAMaxAge       time.Duration
}

type source struct {
	cfg     SourceConfig
	limiter *reliability.RateLimiter
	breaker *reliability.Breaker
	cache   reliability.Cache
	sla     *reliability.SLATracker
}

// Client executes fetches as rate limit -> cache -> breaker(http) ->
// cache store -> SLA record, tagging every response with provenance and
// reporting outcomes to the freshness registry.
type Client struct {
	mu       sync.RWMutex
	sources  map[string]*source
	registry *freshness.Registry
	http     *http.Client
	emitter  metrics.Emitter
}

// NewClient creates a data source client. A nil emitter is replaced by Noop.
func NewClient(registry *freshness.Registry, emitter metrics.Emitter) *Client {
	if emitter == nil {
		emitter = metrics.Noop{}
	}
	return &Client{
		sources:  make(map[string]*source),
		registry: registry,
		http:     &http.Client{},
		emitter:  emitter,
	}
}

// SetHTTPClient overrides the transport, used by tests
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// RegisterSource declares a provider and builds its reliability stack
func (c *Client) RegisterSource(cfg SourceConfig) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	// Fetches block through the rate limiter for the request budget
	// unless the source explicitly opts into fail-fast acquisition.
	switch {
	case cfg.AcquireTimeout == 0:
		cfg.AcquireTimeout = cfg.RequestTimeout
	case cfg.AcquireTimeout < 0:
		cfg.AcquireTimeout = 0
	}
	if cfg.Breaker.Name == "" {
		cfg.Breaker = reliability.DefaultBreakerConfig(cfg.Name)
	}

	classifier := func(err error) bool {
		var fe *FetchError
		if errors.As(err, &fe) {
			return fe.CountsAsBreakerFailure()
		}
		return true
	}

	s := &source{
		cfg:     cfg,
		limiter: reliability.NewRateLimiter(cfg.RateLimit),
		breaker: reliability.NewBreaker(cfg.Breaker, classifier),
		cache:   cfg.Cache,
		sla:     reliability.NewSLATracker(cfg.Name, cfg.SLAWindow),
	}

	c.mu.Lock()
	c.sources[cfg.Name] = s
	c.mu.Unlock()

	if c.registry != nil {
		c.registry.Register(cfg.Name, cfg.UpdateFrequency, cfg.SLAMaxAge)
	}
}

func (c *Client) source(name string) (*source, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sources[name]
	return s, ok
}

// Fetch executes the uniform pipeline for one request
func (c *Client) Fetch(ctx context.Context, req Request) (*Response, error) {
	s, ok := c.source(req.Source)
	if !ok {
		return nil, fmt.Errorf("unknown data source: %s", req.Source)
	}

	requestID := uuid.NewString()
	if req.CachePolicy == "" {
		req.CachePolicy = ReadThrough
	}

	// Rate limit first so cached reads still respect source budgets is
	// deliberate per the fetch contract ordering.
	if err := s.limiter.Acquire(ctx, 1, s.cfg.AcquireTimeout); err != nil {
		now := time.Now()
		if errors.Is(err, reliability.ErrRateLimited) {
			s.sla.Record(now, now, false)
			c.emitter.FetchResult(req.Source, string(KindRateLimited), 0)
			return nil, &FetchError{Kind: KindRateLimited, Source: req.Source, RequestID: requestID, Err: err}
		}
		// Caller cancellation releases the reservation and records a timeout
		s.sla.Record(now, now, false)
		c.emitter.FetchResult(req.Source, string(KindTimeout), 0)
		return nil, &FetchError{Kind: KindTimeout, Source: req.Source, RequestID: requestID, Err: err}
	}

	cacheKey := c.cacheKey(req)
	var staleFallback []byte

	if s.cache != nil && req.CachePolicy != Bypass {
		lookup := s.cache.Get(cacheKey)
		switch lookup.Outcome {
		case reliability.Hit:
			c.emitter.CacheLookup(req.Source, "hit")
			return &Response{
				Body:      lookup.Value,
				FromCache: true,
				Provenance: store.Provenance{
					Source:    req.Source,
					Endpoint:  req.Endpoint,
					RequestID: requestID,
					FetchedAt: time.Now(),
				},
			}, nil
		case reliability.Stale:
			c.emitter.CacheLookup(req.Source, "stale")
			if req.CachePolicy == RevalidateIfStale {
				staleFallback = lookup.Value
			}
		default:
			c.emitter.CacheLookup(req.Source, "miss")
		}
	}

	resp, err := c.fetchUpstream(ctx, s, req, requestID)
	if err != nil {
		if staleFallback != nil && isTransient(err) {
			log.Debug().Str("source", req.Source).Str("request_id", requestID).
				Msg("Serving stale cache entry after failed revalidation")
			return &Response{
				Body:      staleFallback,
				FromCache: true,
				Stale:     true,
				Provenance: store.Provenance{
					Source:    req.Source,
					Endpoint:  req.Endpoint,
					RequestID: requestID,
					FetchedAt: time.Now(),
				},
			}, nil
		}
		return nil, err
	}

	if s.cache != nil {
		s.cache.Set(cacheKey, resp.Body)
	}
	return resp, nil
}

// fetchUpstream runs the HTTP call under the breaker and records SLA and
// freshness outcomes.
func (c *Client) fetchUpstream(ctx context.Context, s *source, req Request, requestID string) (*Response, error) {
	start := time.Now()

	result, err := s.breaker.Call(func() (interface{}, error) {
		return c.doHTTP(ctx, s, req, requestID)
	})

	end := time.Now()
	latency := end.Sub(start)

	if err != nil {
		if errors.Is(err, reliability.ErrCircuitOpen) {
			// No request went out; the SLA window is untouched
			c.emitter.FetchResult(req.Source, string(KindCircuitOpen), 0)
			return nil, &FetchError{Kind: KindCircuitOpen, Source: req.Source, RequestID: requestID, Err: err}
		}

		s.sla.Record(start, end, false)
		if c.registry != nil {
			c.registry.RecordError(req.Source, err)
		}
		c.emitter.FetchResult(req.Source, string(KindOf(err)), latency)
		return nil, err
	}

	resp := result.(*Response)
	s.sla.Record(start, end, true)
	if c.registry != nil {
		c.registry.RecordSuccess(req.Source, end)
	}
	c.emitter.FetchResult(req.Source, "success", latency)
	return resp, nil
}

// doHTTP performs the upstream request and classifies failures
func (c *Client) doHTTP(ctx context.Context, s *source, req Request, requestID string) (*Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = s.cfg.RequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := s.cfg.BaseURL + req.Endpoint
	if len(req.Query) > 0 {
		u += "?" + req.Query.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Source: req.Source, RequestID: requestID, Err: err}
	}
	httpReq.Header.Set("X-Request-ID", requestID)
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		kind := KindTransport
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			kind = KindTimeout
		}
		return nil, &FetchError{Kind: kind, Source: req.Source, RequestID: requestID, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Source: req.Source, RequestID: requestID, Err: err}
	}

	switch {
	case httpResp.StatusCode == http.StatusTooManyRequests:
		return nil, &FetchError{Kind: KindRateLimited, Source: req.Source, RequestID: requestID, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("upstream throttled")}
	case httpResp.StatusCode >= 500:
		return nil, &FetchError{Kind: KindUpstream5xx, Source: req.Source, RequestID: requestID, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("upstream server error")}
	case httpResp.StatusCode >= 400:
		return nil, &FetchError{Kind: KindUpstream4xx, Source: req.Source, RequestID: requestID, StatusCode: httpResp.StatusCode, Err: fmt.Errorf("upstream client error")}
	}

	return &Response{
		Body:       body,
		StatusCode: httpResp.StatusCode,
		Provenance: store.Provenance{
			Source:    req.Source,
			Endpoint:  req.Endpoint,
			RequestID: requestID,
			FetchedAt: time.Now(),
		},
	}, nil
}

// Decode unmarshals a response body; schema mismatches surface as Decode
// errors and count against the source SLA.
func (c *Client) Decode(resp *Response, v interface{}) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		if s, ok := c.source(resp.Provenance.Source); ok {
			now := time.Now()
			s.sla.Record(now, now, false)
		}
		if c.registry != nil {
			c.registry.RecordError(resp.Provenance.Source, err)
		}
		return &FetchError{
			Kind:      KindDecode,
			Source:    resp.Provenance.Source,
			RequestID: resp.Provenance.RequestID,
			Err:       err,
		}
	}
	return nil
}

func (c *Client) cacheKey(req Request) string {
	key := req.Source + "/" + req.Endpoint
	if len(req.Query) > 0 {
		key += "?" + req.Query.Encode()
	}
	if req.IdempotencyKey != "" {
		key += "#" + req.IdempotencyKey
	}
	return key
}

func isTransient(err error) bool {
	switch KindOf(err) {
	case KindTimeout, KindTransport, KindUpstream5xx, KindCircuitOpen, KindRateLimited:
		return true
	default:
		return false
	}
}

// SourceStatus aggregates the ops view of one provider
type SourceStatus struct {
	Breaker   reliability.BreakerStatus `json:"breaker"`
	SLA       reliability.SLAStatus     `json:"sla"`
	Cache     *reliability.CacheStats   `json:"cache,omitempty"`
	Freshness *freshness.Status         `json:"freshness,omitempty"`
}

// Status returns the reliability view for a registered source
func (c *Client) Status(name string) (*SourceStatus, error) {
	s, ok := c.source(name)
	if !ok {
		return nil, fmt.Errorf("unknown data source: %s", name)
	}

	status := &SourceStatus{
		Breaker: s.breaker.Status(),
		SLA:     s.sla.Status(),
	}
	if s.cache != nil {
		stats := s.cache.Stats()
		status.Cache = &stats
	}
	if c.registry != nil {
		f := c.registry.Status(name)
		status.Freshness = &f
	}
	return status, nil
}

// Sources lists the registered source names
func (c *Client) Sources() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.sources))
	for name := range c.sources {
		names = append(names, name)
	}
	return names
}
