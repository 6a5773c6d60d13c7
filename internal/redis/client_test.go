package redis

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/usagegate/usagegate/internal/config"
)

func TestNewClientSingle(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
		Mode:      config.RedisModeSingle,
	})
	require.NoError(t, err)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Set(ctx, "k", "v", 0).Err())
	got, err := client.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestNewClientDefaultsToSingleMode(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewClient(config.RedisConfig{
		Endpoints: []string{mr.Addr()},
	})
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.Ping(context.Background()).Err())
}

func TestNewClientUnreachable(t *testing.T) {
	_, err := NewClient(config.RedisConfig{
		Endpoints:   []string{"127.0.0.1:1"},
		Mode:        config.RedisModeSingle,
		DialTimeout: "100ms",
		ReadTimeout: "100ms",
	})
	assert.Error(t, err)
}

func TestNewClientBadDuration(t *testing.T) {
	_, err := NewClient(config.RedisConfig{
		Endpoints:   []string{"localhost:6379"},
		DialTimeout: "soon",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial_timeout")
}

func TestIsConnectivityErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"context canceled", context.Canceled, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"op error", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"refused string", errors.New("dial tcp: connection refused"), true},
		{"eof", errors.New("EOF"), true},
		{"loading", errors.New("LOADING Redis is loading the dataset"), true},
		{"clusterdown", errors.New("CLUSTERDOWN the cluster is down"), true},
		{"application error", errors.New("WRONGTYPE operation"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectivityErr(tt.err))
		})
	}
}

func TestParseOptions(t *testing.T) {
	t.Run("defaults applied", func(t *testing.T) {
		opts, err := parseOptions(config.RedisConfig{Endpoints: []string{"localhost:6379"}})
		require.NoError(t, err)
		assert.Equal(t, config.RedisModeSingle, opts.mode)
		assert.Equal(t, 10, opts.poolSize)
		assert.Equal(t, 5*time.Second, opts.dialTimeout)
		assert.Equal(t, 3*time.Second, opts.readTimeout)
	})

	t.Run("tls disabled yields nil config", func(t *testing.T) {
		opts, err := parseOptions(config.RedisConfig{Endpoints: []string{"localhost:6379"}})
		require.NoError(t, err)
		assert.Nil(t, opts.tlsConfig())
	})

	t.Run("tls enabled sets minimum version", func(t *testing.T) {
		opts, err := parseOptions(config.RedisConfig{
			Endpoints: []string{"localhost:6379"},
			TLS:       config.RedisTLSConfig{Enabled: true},
		})
		require.NoError(t, err)
		tlsCfg := opts.tlsConfig()
		require.NotNil(t, tlsCfg)
		assert.False(t, tlsCfg.InsecureSkipVerify)
	})

	t.Run("skip verify propagates", func(t *testing.T) {
		opts, err := parseOptions(config.RedisConfig{
			Endpoints: []string{"localhost:6379"},
			TLS:       config.RedisTLSConfig{Enabled: true, InsecureSkipVerify: true},
		})
		require.NoError(t, err)
		assert.True(t, opts.tlsConfig().InsecureSkipVerify)
	})
}
