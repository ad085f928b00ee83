package xredis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LockCmds：锁需要的 redis 命令，*redis.Client 直接满足
type LockCmds interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// 只删除自己持有的锁
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

// 只给自己持有的锁续期；比较和续期在一个脚本里，不会续到别人的锁上
const renewScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`

// ErrLockLost：锁已经不是自己的了（被抢走或者过期）
var ErrLockLost = errors.New("xredis: lock lost")

// Lock：同一个 symbol 同时只允许一个进程往 redis 写结果
type Lock struct {
	rdb LockCmds
	key string
	id  string // 当前进程的唯一ID
	clk clock.Clock
}

func NewLock(rdb LockCmds, key string) *Lock {
	return &Lock{
		rdb: rdb,
		key: key,
		id:  fmt.Sprintf("%s-%d", uuid.New().String(), time.Now().UnixNano()),
		clk: clock.New(),
	}
}

// WithClock 测试用
func (l *Lock) WithClock(c clock.Clock) *Lock {
	l.clk = c
	return l
}

func (l *Lock) Key() string { return l.key }

// TryAcquire 抢锁；锁已经是自己的就续期
func (l *Lock) TryAcquire(ctx context.Context, ttl time.Duration) (bool, error) {
	// SETNX: 如果 Key 不存在则设置成功，否则失败
	// 设置过期时间防止死锁（进程挂了后锁会自动释放）
	ok, err := l.rdb.SetNX(ctx, l.key, l.id, ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}
	return l.Renew(ctx, ttl)
}

// Renew 只续期自己的锁；锁不在或者是别人的返回 false
func (l *Lock) Renew(ctx context.Context, ttl time.Duration) (bool, error) {
	n, err := l.rdb.Eval(ctx, renewScript, []string{l.key}, l.id, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Keep 每 ttl/3 续期一次直到 ctx 结束。
// 锁被别人拿走，或者续期一直失败超过 ttl（锁肯定已经过期了），调用一次 onLost 后返回
func (l *Lock) Keep(ctx context.Context, ttl time.Duration, onLost func(error)) {
	t := l.clk.Ticker(ttl / 3)
	defer t.Stop()
	lastOK := l.clk.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		ok, err := l.Renew(ctx, ttl)
		switch {
		case err == nil && ok:
			lastOK = l.clk.Now()
		case err == nil:
			onLost(ErrLockLost)
			return
		case ctx.Err() != nil:
			return
		case l.clk.Since(lastOK) >= ttl:
			onLost(fmt.Errorf("%w: renew failing since %s: %v", ErrLockLost, lastOK.Format(time.RFC3339), err))
			return
		}
	}
}

// Release 释放锁；别人的锁不会被删
func (l *Lock) Release(ctx context.Context) error {
	return l.rdb.Eval(ctx, releaseScript, []string{l.key}, l.id).Err()
}
