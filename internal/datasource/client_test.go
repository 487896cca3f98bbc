package datasource

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/autotrader/internal/freshness"
	"github.com/sawpanic/autotrader/internal/reliability"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, cfg SourceConfig) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg.BaseURL = server.URL
	if cfg.RateLimit.Capacity == 0 {
		cfg.RateLimit = reliability.RateLimiterConfig{Capacity: 100, RefillPerSecond: 100}
	}

	client := NewClient(freshness.NewRegistry(), nil)
	client.RegisterSource(cfg)
	return client, server
}

func TestClient_FetchSuccessWithProvenance(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		w.Write([]byte(`{"price": 0.42}`))
	}, SourceConfig{Name: "dexscreener", UpdateFrequency: time.Minute})

	resp, err := client.Fetch(context.Background(), Request{Source: "dexscreener", Endpoint: "/pairs/PEPE"})
	require.NoError(t, err)

	assert.Equal(t, "dexscreener", resp.Provenance.Source)
	assert.Equal(t, "/pairs/PEPE", resp.Provenance.Endpoint)
	assert.NotEmpty(t, resp.Provenance.RequestID)
	assert.False(t, resp.FromCache)

	var payload struct {
		Price float64 `json:"price"`
	}
	require.NoError(t, client.Decode(resp, &payload))
	assert.Equal(t, 0.42, payload.Price)

	status, err := client.Status("dexscreener")
	require.NoError(t, err)
	assert.Equal(t, reliability.Healthy, status.SLA.State)
	assert.Equal(t, freshness.Fresh, status.Freshness.Level)
}

func TestClient_ReadThroughCache(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{"n": 1}`))
	}, SourceConfig{
		Name:  "birdeye",
		Cache: reliability.NewTTLCache(time.Minute, 16),
	})

	req := Request{Source: "birdeye", Endpoint: "/token/WIF", CachePolicy: ReadThrough}

	first, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, first.FromCache)

	second, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClient_BypassSkipsCache(t *testing.T) {
	var calls int32
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Write([]byte(`{}`))
	}, SourceConfig{Name: "birdeye", Cache: reliability.NewTTLCache(time.Minute, 16)})

	req := Request{Source: "birdeye", Endpoint: "/token/WIF", CachePolicy: Bypass}
	for i := 0; i < 3; i++ {
		_, err := client.Fetch(context.Background(), req)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestClient_RevalidateServesStaleOnFailure(t *testing.T) {
	var healthy int32 = 1
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.LoadInt32(&healthy) == 1 {
			w.Write([]byte(`{"v": "original"}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}, SourceConfig{
		Name:  "coingecko",
		Cache: reliability.NewTTLCache(30*time.Millisecond, 16),
	})

	req := Request{Source: "coingecko", Endpoint: "/coins/pepe", CachePolicy: RevalidateIfStale}

	first, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)
	require.False(t, first.Stale)

	// Entry expires, upstream breaks: the stale value is served
	time.Sleep(50 * time.Millisecond)
	atomic.StoreInt32(&healthy, 0)

	resp, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, resp.Stale)
	assert.Equal(t, first.Body, resp.Body)
}

func TestClient_Upstream5xxTripsBreaker(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, SourceConfig{
		Name:    "moralis",
		Breaker: reliability.BreakerConfig{Name: "moralis", FailureThreshold: 3, Window: time.Minute, OpenDuration: time.Minute},
	})

	req := Request{Source: "moralis", Endpoint: "/erc20"}
	for i := 0; i < 3; i++ {
		_, err := client.Fetch(context.Background(), req)
		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, KindUpstream5xx, fe.Kind)
		assert.Equal(t, http.StatusBadGateway, fe.StatusCode)
	}

	// Breaker now open: fail fast without touching upstream
	start := time.Now()
	_, err := client.Fetch(context.Background(), req)
	assert.Equal(t, KindCircuitOpen, KindOf(err))
	assert.Less(t, time.Since(start), 10*time.Millisecond)
}

func TestClient_Upstream4xxDoesNotTripBreaker(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, SourceConfig{
		Name:    "birdeye",
		Breaker: reliability.BreakerConfig{Name: "birdeye", FailureThreshold: 2, Window: time.Minute, OpenDuration: time.Minute},
	})

	req := Request{Source: "birdeye", Endpoint: "/token/unknown"}
	for i := 0; i < 5; i++ {
		_, err := client.Fetch(context.Background(), req)
		assert.Equal(t, KindUpstream4xx, KindOf(err), "4xx must never open the circuit")
	}
}

func TestClient_RateLimitedFastFail(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, SourceConfig{
		Name:           "kraken",
		RateLimit:      reliability.RateLimiterConfig{Capacity: 1, RefillPerSecond: 0.1},
		AcquireTimeout: -1,
	})

	req := Request{Source: "kraken", Endpoint: "/ticker"}
	_, err := client.Fetch(context.Background(), req)
	require.NoError(t, err)

	_, err = client.Fetch(context.Background(), req)
	assert.Equal(t, KindRateLimited, KindOf(err))
}

func TestClient_RateLimitBlocksThroughBucket(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, SourceConfig{
		Name:      "kraken",
		RateLimit: reliability.RateLimiterConfig{Capacity: 1, RefillPerSecond: 50},
	})

	// Without an explicit acquire timeout, fetches past the burst wait
	// for refill instead of failing fast.
	req := Request{Source: "kraken", Endpoint: "/ticker", CachePolicy: Bypass}
	for i := 0; i < 3; i++ {
		_, err := client.Fetch(context.Background(), req)
		require.NoError(t, err, "fetch %d should block until a token refills", i)
	}
}

func TestClient_DecodeError(t *testing.T) {
	client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`not-json`))
	}, SourceConfig{Name: "dexscreener"})

	resp, err := client.Fetch(context.Background(), Request{Source: "dexscreener", Endpoint: "/pairs"})
	require.NoError(t, err)

	var v map[string]interface{}
	err = client.Decode(resp, &v)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindDecode, fe.Kind)
	assert.False(t, fe.CountsAsBreakerFailure())
}

func TestClient_UnknownSource(t *testing.T) {
	client := NewClient(freshness.NewRegistry(), nil)
	_, err := client.Fetch(context.Background(), Request{Source: "nope"})
	require.Error(t, err)
	assert.True(t, KindOf(err) == "", "config errors are not fetch errors")
	assert.False(t, errors.Is(err, reliability.ErrCircuitOpen))
}
