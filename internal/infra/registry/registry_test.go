package registry_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/astro-web3/gateway-authz/internal/infra/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return mr
}

func TestStatic_Endpoint(t *testing.T) {
	r := registry.NewStatic(map[string]string{"v1.users": "http://users:3100/"}, "")

	url, err := r.Endpoint(context.Background(), "v1.users")
	require.NoError(t, err)
	assert.Equal(t, "http://users:3100", url)

	_, err = r.Endpoint(context.Background(), "v1.agents")
	assert.ErrorIs(t, err, registry.ErrServiceNotFound)
}

func TestStatic_DefaultEndpoint(t *testing.T) {
	r := registry.NewStatic(nil, "http://node:3100")

	url, err := r.Endpoint(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, "http://node:3100", url)
}

func TestRedis_Endpoint(t *testing.T) {
	mr := setupMiniRedis(t)

	client, err := registry.NewRedisClient("redis://"+mr.Addr(), 2)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	mr.HSet("gateway:registry", "v1.agents", "http://agents:3100/")
	ctx := context.Background()

	r := registry.NewRedis(client, "gateway:registry")

	url, err := r.Endpoint(ctx, "v1.agents")
	require.NoError(t, err)
	assert.Equal(t, "http://agents:3100", url)

	_, err = r.Endpoint(ctx, "v1.users")
	assert.ErrorIs(t, err, registry.ErrServiceNotFound)
}

func TestRedis_ConnectionError(t *testing.T) {
	mr := setupMiniRedis(t)

	client, err := registry.NewRedisClient("redis://"+mr.Addr(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	r := registry.NewRedis(client, "gateway:registry")
	mr.Close()

	_, err = r.Endpoint(context.Background(), "v1.users")
	require.Error(t, err)
	assert.NotErrorIs(t, err, registry.ErrServiceNotFound)
}

func TestNewRedisClient_InvalidURL(t *testing.T) {
	_, err := registry.NewRedisClient("://bad", 1)
	require.Error(t, err)
}

func TestChain(t *testing.T) {
	mr := setupMiniRedis(t)
	mr.HSet("gateway:registry", "v1.minio", "http://minio:3100")

	client, err := registry.NewRedisClient("redis://"+mr.Addr(), 1)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	r := registry.Chain(
		registry.NewStatic(map[string]string{"v1.users": "http://users:3100"}, ""),
		registry.NewRedis(client, "gateway:registry"),
	)

	ctx := context.Background()

	url, err := r.Endpoint(ctx, "v1.users")
	require.NoError(t, err)
	assert.Equal(t, "http://users:3100", url)

	url, err = r.Endpoint(ctx, "v1.minio")
	require.NoError(t, err)
	assert.Equal(t, "http://minio:3100", url)

	_, err = r.Endpoint(ctx, "v1.unknown")
	assert.ErrorIs(t, err, registry.ErrServiceNotFound)
}
