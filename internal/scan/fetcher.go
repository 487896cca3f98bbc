package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/sawpanic/autotrader/internal/datasource"
	"github.com/sawpanic/autotrader/internal/store"
)

// EndpointFunc maps a token to the source endpoint and query to fetch
type EndpointFunc func(token string) (endpoint string, query url.Values)

// DecodeFunc extracts typed features from a raw source response
type DecodeFunc func(token string, resp *datasource.Response) ([]store.Feature, error)

// SourceFetcher adapts one data source client endpoint into the
// FeatureFetcher contract. Fetch errors and decode errors both surface
// as a missing source family.
type SourceFetcher struct {
	client   *datasource.Client
	source   string
	endpoint EndpointFunc
	policy   datasource.CachePolicy
	decode   DecodeFunc
}

// NewSourceFetcher builds a fetcher for one registered source
func NewSourceFetcher(client *datasource.Client, source string, endpoint EndpointFunc, policy datasource.CachePolicy, decode DecodeFunc) *SourceFetcher {
	if policy == "" {
		policy = datasource.ReadThrough
	}
	return &SourceFetcher{
		client:   client,
		source:   source,
		endpoint: endpoint,
		policy:   policy,
		decode:   decode,
	}
}

func (f *SourceFetcher) Source() string { return f.source }

func (f *SourceFetcher) Fetch(ctx context.Context, token string) ([]store.Feature, error) {
	endpoint, query := f.endpoint(token)
	resp, err := f.client.Fetch(ctx, datasource.Request{
		Source:         f.source,
		Endpoint:       endpoint,
		Query:          query,
		IdempotencyKey: token,
		CachePolicy:    f.policy,
	})
	if err != nil {
		return nil, err
	}

	features, err := f.decode(token, resp)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s features for %s: %w", f.source, token, err)
	}

	for i := range features {
		if features[i].Token == "" {
			features[i].Token = token
		}
		features[i].Provenance = resp.Provenance
	}
	return features, nil
}

// featurePayload is the uniform feature endpoint document:
// {"features": [{"name", "type", "value", "confidence", "category"}, ...]}
type featurePayload struct {
	Features []store.Feature `json:"features"`
}

// DecodeFeatures parses the uniform feature payload. Sources exposing a
// provider-specific shape supply their own DecodeFunc instead.
func DecodeFeatures(_ string, resp *datasource.Response) ([]store.Feature, error) {
	var payload featurePayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode feature payload: %w", err)
	}
	return payload.Features, nil
}
