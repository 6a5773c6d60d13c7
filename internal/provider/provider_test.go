package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usagegate/usagegate/internal/config"
	"github.com/usagegate/usagegate/internal/metric"
)

var testLogger = slog.Default()

func newTestClient(t *testing.T, cfg config.ProviderConfig) *Client {
	t.Helper()
	c, err := New(cfg, testLogger)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestFetch(t *testing.T) {
	t.Run("extracts all present metrics", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"storageBytes": 1073741824, "classARequests": 500, "classBRequests": 20}`))
		}))
		defer srv.Close()

		c := newTestClient(t, config.ProviderConfig{URL: srv.URL})
		usage, err := c.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, float64(1<<30), usage[metric.Storage])
		assert.Equal(t, 500.0, usage[metric.ClassARequests])
		assert.Equal(t, 20.0, usage[metric.ClassBRequests])
	})

	t.Run("partial payload yields partial usage", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"result": {"storageBytes": 42}}`))
		}))
		defer srv.Close()

		c := newTestClient(t, config.ProviderConfig{URL: srv.URL})
		usage, err := c.Fetch(context.Background())
		require.NoError(t, err)
		assert.Len(t, usage, 1)
		assert.Equal(t, 42.0, usage[metric.Storage])
		_, ok := usage[metric.ClassARequests]
		assert.False(t, ok)
	})

	t.Run("all metrics absent is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"somethingElse": true}`))
		}))
		defer srv.Close()

		c := newTestClient(t, config.ProviderConfig{URL: srv.URL})
		_, err := c.Fetch(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("non-200 status is unavailable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		c := newTestClient(t, config.ProviderConfig{URL: srv.URL})
		_, err := c.Fetch(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("unreachable provider is unavailable", func(t *testing.T) {
		c := newTestClient(t, config.ProviderConfig{URL: "http://127.0.0.1:1", Timeout: "100ms"})
		_, err := c.Fetch(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("invalid JSON means every metric is absent", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`<html>maintenance</html>`))
		}))
		defer srv.Close()

		c := newTestClient(t, config.ProviderConfig{URL: srv.URL})
		_, err := c.Fetch(context.Background())
		assert.ErrorIs(t, err, ErrUnavailable)
	})

	t.Run("sends accept and bearer headers", func(t *testing.T) {
		var gotAccept, gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAccept = r.Header.Get("Accept")
			gotAuth = r.Header.Get("Authorization")
			_, _ = w.Write([]byte(`{"storageBytes": 1}`))
		}))
		defer srv.Close()

		c := newTestClient(t, config.ProviderConfig{URL: srv.URL, AuthToken: "tok"})
		_, err := c.Fetch(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "application/json", gotAccept)
		assert.Equal(t, "Bearer tok", gotAuth)
	})
}

func TestFetchCaching(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			_, _ = w.Write([]byte(`{"storageBytes": 1}`))
		}))
		defer srv.Close()

		c := newTestClient(t, config.ProviderConfig{URL: srv.URL})
		ctx := context.Background()
		_, err := c.Fetch(ctx)
		require.NoError(t, err)
		_, err = c.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), calls.Load())
	})

	t.Run("ttl short-circuits repeat fetches", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls.Add(1)
			_, _ = w.Write([]byte(`{"storageBytes": 7}`))
		}))
		defer srv.Close()

		c := newTestClient(t, config.ProviderConfig{URL: srv.URL, CacheTTL: "1m"})
		ctx := context.Background()

		first, err := c.Fetch(ctx)
		require.NoError(t, err)
		second, err := c.Fetch(ctx)
		require.NoError(t, err)

		assert.Equal(t, int64(1), calls.Load())
		assert.Equal(t, first, second)
	})

	t.Run("failed fetch is not cached", func(t *testing.T) {
		var calls atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"storageBytes": 7}`))
		}))
		defer srv.Close()

		c := newTestClient(t, config.ProviderConfig{URL: srv.URL, CacheTTL: "1m"})
		ctx := context.Background()

		_, err := c.Fetch(ctx)
		require.ErrorIs(t, err, ErrUnavailable)

		usage, err := c.Fetch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 7.0, usage[metric.Storage])
	})
}

func TestNew(t *testing.T) {
	t.Run("rejects bad timeout", func(t *testing.T) {
		_, err := New(config.ProviderConfig{Timeout: "soon"}, testLogger)
		assert.Error(t, err)
	})

	t.Run("rejects bad cache ttl", func(t *testing.T) {
		_, err := New(config.ProviderConfig{CacheTTL: "forever"}, testLogger)
		assert.Error(t, err)
	})
}
