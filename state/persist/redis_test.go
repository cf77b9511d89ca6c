package persist_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	backend "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandpolis/agent/state/persist"
)

func newRedis(t *testing.T, opts ...persist.RedisOption) (*persist.Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := backend.NewClient(&backend.Options{Addr: mr.Addr()})
	p := persist.NewRedisFromClient(client, opts...)
	t.Cleanup(func() { _ = p.Close() })
	return p, mr
}

func TestRedis_Contract(t *testing.T) {
	p, _ := newRedis(t)
	runPersisterContract(t, p)
}

func TestRedis_KeyLayout(t *testing.T) {
	p, mr := newRedis(t, persist.WithPrefix("test"))
	ctx := context.Background()

	require.NoError(t, p.Ping(ctx))
	require.NoError(t, p.Save(ctx, "/connection/7", []byte("x")))

	got, err := mr.Get("test/connection/7")
	require.NoError(t, err)
	assert.Equal(t, "x", got)

	members, err := mr.Members("test:index")
	require.NoError(t, err)
	assert.Equal(t, []string{"/connection/7"}, members)
}

func TestRedis_LoadSkipsVanishedKeys(t *testing.T) {
	p, mr := newRedis(t)
	ctx := context.Background()

	require.NoError(t, p.Save(ctx, "/a", []byte("1")))
	require.NoError(t, p.Save(ctx, "/b", []byte("2")))
	mr.Del(persist.DefaultRedisPrefix + "/a")

	records, err := p.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"/b": []byte("2")}, records)
}

func TestRedis_Unreachable(t *testing.T) {
	p, mr := newRedis(t)
	mr.Close()

	err := p.Save(context.Background(), "/a", []byte("1"))
	assert.Error(t, err)
	assert.Error(t, p.Ping(context.Background()))
}
