// Package provider fetches the usage payload from the metrics provider and
// applies metric extraction during the fetch. The provider guarantees no
// schema beyond "finite numbers reachable by one of the candidate names,
// optionally nested under a result wrapper", so the raw payload never
// leaves this package — callers see extracted values only.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/usagegate/usagegate/internal/config"
	"github.com/usagegate/usagegate/internal/metric"
)

// ErrUnavailable marks a fetch that produced no usable data: a transport
// failure, a non-200 response, or a payload in which every configured
// metric is absent. Fatal for the invocation; never retried internally.
var ErrUnavailable = errors.New("metrics provider unavailable")

// maxResponseBodyBytes caps the provider payload read to prevent unbounded
// memory consumption on a misbehaving provider.
const maxResponseBodyBytes = 1 << 20 // 1 MiB

// usageCacheKey is the single cache entry key: there is one payload per
// provider, not one per metric.
const usageCacheKey = "usage"

// Usage holds the extracted value for every metric that was present in the
// payload. A missing entry means the metric was absent this fetch.
type Usage map[metric.Name]float64

// Client fetches and extracts usage from the metrics provider over HTTP.
// An optional in-memory cache (disabled by default) short-circuits fetches
// within the configured TTL when triggers fire in rapid succession.
type Client struct {
	url        string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger

	cache    *ristretto.Cache[string, Usage] // nil when caching is disabled
	cacheTTL time.Duration
}

// New creates a provider client from configuration.
func New(cfg config.ProviderConfig, logger *slog.Logger) (*Client, error) {
	timeout, err := config.ParseDuration(cfg.Timeout, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid provider.timeout: %w", err)
	}

	c := &Client{
		url:        cfg.URL,
		authToken:  cfg.AuthToken.Value(),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "provider"),
	}

	cacheTTL, err := config.ParseDuration(cfg.CacheTTL, 0)
	if err != nil {
		return nil, fmt.Errorf("invalid provider.cache_ttl: %w", err)
	}
	if cacheTTL > 0 {
		cache, cacheErr := ristretto.NewCache(&ristretto.Config[string, Usage]{
			NumCounters: 64,
			MaxCost:     64,
			BufferItems: 64,
		})
		if cacheErr != nil {
			return nil, fmt.Errorf("provider cache: %w", cacheErr)
		}
		c.cache = cache
		c.cacheTTL = cacheTTL
	}

	return c, nil
}

// Fetch retrieves the payload and extracts every configured metric. A
// metric absent from the payload is simply missing from the returned map;
// all metrics absent is ErrUnavailable — a provider that yields nothing
// usable must not look like a vacuous success.
func (c *Client) Fetch(ctx context.Context) (Usage, error) {
	if c.cache != nil {
		if cached, ok := c.cache.Get(usageCacheKey); ok {
			return cached, nil
		}
	}

	payload, err := c.fetchPayload(ctx)
	if err != nil {
		return nil, err
	}

	usage := make(Usage)
	for _, def := range metric.Definitions() {
		if v, ok := metric.Extract(payload, def.CandidateKeys); ok {
			usage[def.Name] = v
		} else {
			c.logger.Debug("metric absent from provider payload", "metric", def.Name)
		}
	}

	if len(usage) == 0 {
		return nil, fmt.Errorf("%w: no usable metric in payload", ErrUnavailable)
	}

	if c.cache != nil {
		c.cache.SetWithTTL(usageCacheKey, usage, 1, c.cacheTTL)
		// Wait makes the entry visible to the next invocation; this is off
		// the hot path so the synchronization cost is irrelevant.
		c.cache.Wait()
	}

	return usage, nil
}

func (c *Client) fetchPayload(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: provider returned status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}

	return body, nil
}

// Close releases the cache resources. Safe when caching is disabled.
func (c *Client) Close() {
	if c.cache != nil {
		c.cache.Close()
	}
}
