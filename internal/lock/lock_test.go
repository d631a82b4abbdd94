package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLocker(t *testing.T) (*Locker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLocker(client), mr
}

func TestTryLockIsExclusive(t *testing.T) {
	l, _ := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "recon:scheduler", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEmpty(t, token)

	_, ok, err = l.TryLock(ctx, "recon:scheduler", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReleaseRequiresOwnerToken(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "recon:scheduler", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, l.Release(ctx, "recon:scheduler", "someone-else"))
	assert.True(t, mr.Exists("recon:scheduler"))

	require.NoError(t, l.Release(ctx, "recon:scheduler", token))
	assert.False(t, mr.Exists("recon:scheduler"))
}

func TestLockExpiresAndExtend(t *testing.T) {
	l, mr := newTestLocker(t)
	ctx := context.Background()

	token, ok, err := l.TryLock(ctx, "recon:scheduler", 10*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	extended, err := l.Extend(ctx, "recon:scheduler", token, time.Minute)
	require.NoError(t, err)
	assert.True(t, extended)

	mr.FastForward(30 * time.Second)
	assert.True(t, mr.Exists("recon:scheduler"))

	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists("recon:scheduler"))

	extended, err = l.Extend(ctx, "recon:scheduler", token, time.Minute)
	require.NoError(t, err)
	assert.False(t, extended)

	_, ok, err = l.TryLock(ctx, "recon:scheduler", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNilLocker(t *testing.T) {
	var l *Locker
	assert.False(t, l.Enabled())
	_, _, err := l.TryLock(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, l.Release(context.Background(), "k", "t"))
	assert.Nil(t, NewLocker(nil))
}

func TestTryLockValidation(t *testing.T) {
	l, _ := newTestLocker(t)
	_, _, err := l.TryLock(context.Background(), "", time.Second)
	assert.ErrorIs(t, err, ErrEmptyKey)
	_, _, err = l.TryLock(context.Background(), "k", 0)
	assert.ErrorIs(t, err, ErrInvalidTTL)
}
