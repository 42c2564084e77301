package cache

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YuminosukeSato/modl/pkg/errors"
)

func TestBadgerStore(t *testing.T) {
	s := memStore(t)
	ctx := context.Background()
	assert.Equal(t, "badger", s.Name())

	_, err := s.Get(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrCacheMiss)

	require.NoError(t, s.Set(ctx, "a", []byte("alpha")))
	require.NoError(t, s.Set(ctx, "b", []byte("beta")))
	v, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), v)

	n, err := s.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.Delete(ctx, "a"))
	require.NoError(t, s.Delete(ctx, "a"))
	_, err = s.Get(ctx, "a")
	assert.ErrorIs(t, err, errors.ErrCacheMiss)

	require.NoError(t, s.Clear())
	n, err = s.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBadgerStoreOnDisk(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenBadgerStore(dir, time.Hour)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	// 開き直しても残っている
	s, err = OpenBadgerStore(dir, time.Hour)
	require.NoError(t, err)
	defer s.Close()
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), v)
}

func TestRedisStore(t *testing.T) {
	db, mock := redismock.NewClientMock()
	s := NewRedisStore(db, "", time.Minute)
	ctx := context.Background()
	assert.Equal(t, "redis", s.Name())

	t.Run("hit", func(t *testing.T) {
		mock.ExpectGet(DefaultRedisPrefix + "k").SetVal("value")
		v, err := s.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, []byte("value"), v)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("miss", func(t *testing.T) {
		mock.ExpectGet(DefaultRedisPrefix + "missing").RedisNil()
		_, err := s.Get(ctx, "missing")
		assert.ErrorIs(t, err, errors.ErrCacheMiss)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("error", func(t *testing.T) {
		mock.ExpectGet(DefaultRedisPrefix + "broken").SetErr(redis.TxFailedErr)
		_, err := s.Get(ctx, "broken")
		require.Error(t, err)
		assert.False(t, errors.Is(err, errors.ErrCacheMiss))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("set and delete", func(t *testing.T) {
		mock.ExpectSet(DefaultRedisPrefix+"k", []byte("value"), time.Minute).SetVal("OK")
		mock.ExpectDel(DefaultRedisPrefix + "k").SetVal(1)
		require.NoError(t, s.Set(ctx, "k", []byte("value")))
		require.NoError(t, s.Delete(ctx, "k"))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestMemoryThroughRedis(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mem := NewMemory(NewRedisStore(db, "test:", 0), WithLogger(quietLogger()))
	ctx := context.Background()

	key, err := Key("double", 21, nil)
	require.NoError(t, err)
	mock.ExpectGet("test:" + key).RedisNil()
	mock.ExpectSet("test:"+key, []byte("42"), 0).SetVal("OK")
	mock.ExpectGet("test:" + key).SetVal("42")

	calls := 0
	m := Memoize[int, int](mem, "double", JSONCodec[int]{},
		func(_ context.Context, x int) (int, error) {
			calls++
			return 2 * x, nil
		})
	for i := 0; i < 2; i++ {
		v, err := m.Call(ctx, 21, nil)
		require.NoError(t, err)
		assert.Equal(t, 42, v)
	}
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryToleratesStoreFailures(t *testing.T) {
	db, mock := redismock.NewClientMock()
	mem := NewMemory(NewRedisStore(db, "", 0), WithLogger(quietLogger()))
	ctx := context.Background()

	key, err := Key("id", 1, nil)
	require.NoError(t, err)
	mock.ExpectGet(DefaultRedisPrefix + key).SetErr(redis.TxFailedErr)
	mock.ExpectSet(DefaultRedisPrefix+key, []byte("1"), 0).SetErr(redis.TxFailedErr)

	m := Memoize[int, int](mem, "id", JSONCodec[int]{},
		func(_ context.Context, x int) (int, error) { return x, nil })
	v, err := m.Call(ctx, 1, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}
