package xredis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memLock：只实现锁用到的几个命令，两个脚本按原子操作模拟
type memLock struct {
	mu      sync.Mutex
	kv      map[string]string
	ttl     map[string]time.Duration
	evalErr error
	failed  int
}

func newMemLock() *memLock {
	return &memLock{kv: map[string]string{}, ttl: map[string]time.Duration{}}
}

func (m *memLock) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) *redis.BoolCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.kv[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	m.kv[key] = value.(string)
	m.ttl[key] = ttl
	return redis.NewBoolResult(true, nil)
}

func (m *memLock) Eval(_ context.Context, script string, keys []string, args ...interface{}) *redis.Cmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.evalErr != nil {
		m.failed++
		return redis.NewCmdResult(nil, m.evalErr)
	}
	key := keys[0]
	if m.kv[key] != args[0].(string) {
		return redis.NewCmdResult(int64(0), nil)
	}
	switch script {
	case releaseScript:
		delete(m.kv, key)
	case renewScript:
		m.ttl[key] = time.Duration(args[1].(int64)) * time.Millisecond
	}
	return redis.NewCmdResult(int64(1), nil)
}

func (m *memLock) set(key, val string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kv[key] = val
}

func (m *memLock) failEval(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evalErr = err
}

func TestLock(t *testing.T) {
	ctx := context.Background()
	rdb := newMemLock()

	a := NewLock(rdb, "clusters:BTCUSDT:lock")
	b := NewLock(rdb, "clusters:BTCUSDT:lock")

	ok, err := a.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = b.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "别人的锁抢不到")

	ok, err = a.TryAcquire(ctx, 90*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "自己的锁可以续期")
	assert.Equal(t, 90*time.Second, rdb.ttl[a.Key()])

	ok, err = b.Renew(ctx, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok, "续期不到别人的锁")
	assert.Equal(t, 90*time.Second, rdb.ttl[a.Key()])

	require.NoError(t, b.Release(ctx))
	assert.Contains(t, rdb.kv, a.Key(), "别人释放不掉我的锁")

	require.NoError(t, a.Release(ctx))
	ok, err = a.Renew(ctx, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "释放之后不能再续期")

	ok, err = b.TryAcquire(ctx, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

// keepUntilLost 在后台跑 Keep，推进 mock 时钟直到 onLost 被调用
func keepUntilLost(t *testing.T, l *Lock, mock *clock.Mock, ttl time.Duration, breakIt func()) error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lost := make(chan error, 1)
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		l.Keep(ctx, ttl, func(err error) { lost <- err })
	}()

	// 先正常续期几轮
	for i := 0; i < 3; i++ {
		time.Sleep(5 * time.Millisecond)
		mock.Add(ttl / 3)
	}
	breakIt()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case err := <-lost:
			<-exited
			return err
		case <-deadline:
			t.Fatal("onLost was not called")
			return nil
		case <-time.After(5 * time.Millisecond):
			mock.Add(ttl / 3)
		}
	}
}

func TestLock_Keep(t *testing.T) {
	const ttl = 30 * time.Second

	t.Run("stolen", func(t *testing.T) {
		rdb := newMemLock()
		mock := clock.NewMock()
		l := NewLock(rdb, "k").WithClock(mock)
		ok, err := l.TryAcquire(context.Background(), ttl)
		require.NoError(t, err)
		require.True(t, ok)

		err = keepUntilLost(t, l, mock, ttl, func() { rdb.set("k", "someone-else") })
		assert.ErrorIs(t, err, ErrLockLost)
	})

	t.Run("renew_keeps_failing", func(t *testing.T) {
		rdb := newMemLock()
		mock := clock.NewMock()
		l := NewLock(rdb, "k").WithClock(mock)
		ok, err := l.TryAcquire(context.Background(), ttl)
		require.NoError(t, err)
		require.True(t, ok)

		err = keepUntilLost(t, l, mock, ttl, func() { rdb.failEval(errors.New("i/o timeout")) })
		assert.ErrorIs(t, err, ErrLockLost)
		assert.Contains(t, err.Error(), "i/o timeout")
		rdb.mu.Lock()
		defer rdb.mu.Unlock()
		assert.GreaterOrEqual(t, rdb.failed, 2, "一次失败不算丢锁")
	})

	t.Run("stops_with_ctx", func(t *testing.T) {
		l := NewLock(newMemLock(), "k").WithClock(clock.NewMock())
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		l.Keep(ctx, ttl, func(error) { t.Error("onLost must not be called") })
	})
}
