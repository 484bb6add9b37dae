package provider

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/aichat/internal/config"
	"github.com/hyperjump/aichat/internal/models"
)

func testRuntime() *config.Runtime {
	return config.NormalizeRuntime(&config.Runtime{
		Providers: map[string]config.ProviderConfig{
			"openai": {Pools: map[string]config.PoolConfig{"b": {APIKey: "sk-bbbbbbbb"}, "a": {APIKey: "sk-aaaaaaaa"}}},
			"anthropic": {
				DefaultPoolID: "work",
				Pools:         map[string]config.PoolConfig{"work": {APIKey: "ak-work"}, "empty": {APIKey: " "}},
			},
		},
	})
}

func TestPool_ResolvesPoolAndModel(t *testing.T) {
	p := NewPool()
	cfg := testRuntime()

	b, err := p.Get(models.RouteTarget{Provider: "openai"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "a", b.Route.PoolID)
	assert.Equal(t, "gpt-4o-mini", b.Route.Model)
	assert.IsType(t, &OpenAIClient{}, b.Client)

	b, err = p.Get(models.RouteTarget{Provider: "anthropic", Model: "claude-x"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "work", b.Route.PoolID)
	assert.Equal(t, "claude-x", b.Route.Model)
	assert.IsType(t, &AnthropicClient{}, b.Client)
}

func TestPool_ConfigErrors(t *testing.T) {
	p := NewPool()
	cfg := testRuntime()
	tests := []models.RouteTarget{
		{Provider: "local"},
		{Provider: "xai"},
		{Provider: "anthropic", PoolID: "empty"},
	}
	for _, target := range tests {
		t.Run(fmt.Sprintf("%s/%s", target.Provider, target.PoolID), func(t *testing.T) {
			_, err := p.Get(target, cfg)
			require.Error(t, err)
			assert.True(t, IsConfigError(err), "got %v", err)
			assert.False(t, IsTransient(err))
		})
	}
}

func TestPool_UnknownPoolFallsBack(t *testing.T) {
	p := NewPool()
	cfg := testRuntime()

	b, err := p.Get(models.RouteTarget{Provider: "anthropic", PoolID: "stale"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "work", b.Route.PoolID, "default pool")

	b, err = p.Get(models.RouteTarget{Provider: "openai", PoolID: "stale"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, "a", b.Route.PoolID, "first pool by id")
}

func TestPool_CachesAndEvictsIdle(t *testing.T) {
	now := time.Unix(0, 0)
	p := NewPool(WithMaxIdle(time.Minute))
	p.now = func() time.Time { return now }
	cfg := testRuntime()

	first, err := p.Get(models.RouteTarget{Provider: "openai"}, cfg)
	require.NoError(t, err)
	again, err := p.Get(models.RouteTarget{Provider: "openai"}, cfg)
	require.NoError(t, err)
	assert.Same(t, first.Client, again.Client)

	_, err = p.Get(models.RouteTarget{Provider: "openai", PoolID: "b"}, cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())

	now = now.Add(2 * time.Minute)
	fresh, err := p.Get(models.RouteTarget{Provider: "anthropic"}, cfg)
	require.NoError(t, err)
	assert.NotNil(t, fresh.Client)
	assert.Equal(t, 1, p.Len())
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&HTTPError{Status: 503}))
	assert.True(t, IsTransient(&HTTPError{Status: 429}))
	assert.False(t, IsTransient(&HTTPError{Status: 401}))
	assert.False(t, IsTransient(&ConfigError{Message: "x"}))
	assert.False(t, IsTransient(context.Canceled))
	assert.True(t, IsTransient(errors.New("connection reset")))
	assert.False(t, IsTransient(nil))
}

func TestLimiter_NoRateDoesNotBlock(t *testing.T) {
	l := NewLimiter()
	require.NoError(t, l.Wait(context.Background(), "openai", 0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, l.Wait(context.Background(), "openai", 100, 1))
	assert.Error(t, l.Wait(ctx, "openai", 0.001, 1))
}
