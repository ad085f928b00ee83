package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var (
	RedisPoolOpen = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cluster_redis_pool_open",
		Help: "Current open redis connections",
	})
	RedisPoolIdle    = promauto.NewGauge(prometheus.GaugeOpts{Name: "cluster_redis_pool_idle"})
	RedisPoolStale   = promauto.NewGauge(prometheus.GaugeOpts{Name: "cluster_redis_pool_stale"})
	RedisPoolHits    = promauto.NewGauge(prometheus.GaugeOpts{Name: "cluster_redis_pool_hits"})
	RedisPoolMisses  = promauto.NewGauge(prometheus.GaugeOpts{Name: "cluster_redis_pool_misses"})
	RedisPoolTimeout = promauto.NewGauge(prometheus.GaugeOpts{Name: "cluster_redis_pool_timeouts"})
)

// PoolStatser：*redis.Client 满足
type PoolStatser interface {
	PoolStats() *redis.PoolStats
}

// ObserveRedisPool 采样一次连接池状态
func ObserveRedisPool(p PoolStatser) {
	st := p.PoolStats()
	if st == nil {
		return
	}
	RedisPoolOpen.Set(float64(st.TotalConns))
	RedisPoolIdle.Set(float64(st.IdleConns))
	RedisPoolStale.Set(float64(st.StaleConns))
	RedisPoolHits.Set(float64(st.Hits))
	RedisPoolMisses.Set(float64(st.Misses))
	RedisPoolTimeout.Set(float64(st.Timeouts))
}

// WatchRedisPool 每 interval 采样一次，ctx 结束时返回
func WatchRedisPool(ctx context.Context, p PoolStatser, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			ObserveRedisPool(p)
		}
	}
}
