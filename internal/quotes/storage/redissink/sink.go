package redissink

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/storage"
	"clusterx.com/pkg/logger"
)

// Cmds：sink 需要的 redis 命令，*redis.Client 直接满足
type Cmds interface {
	RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Rename(ctx context.Context, key, newkey string) *redis.StatusCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Config struct {
	KeyPrefix string        `mapstructure:"key_prefix"` // 默认 clusters
	TTL       time.Duration `mapstructure:"ttl"`        // 0 表示不过期
	BatchSize int           `mapstructure:"batch_size"`
}

// Sink：副输出。先 RPUSH 到 staging key，Commit 时 RENAME 成正式 key，
// 读的人永远看不到写了一半的列表
type Sink struct {
	rdb    Cmds
	cfg    Config
	symbol string
	runID  string
	log    *zap.Logger

	// 锁丢了之后的原因，非 nil 时所有 writer 都拒绝继续写
	lost atomic.Pointer[error]
}

func New(rdb Cmds, cfg Config, symbol, runID string, log *zap.Logger) *Sink {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "clusters"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sink{rdb: rdb, cfg: cfg, symbol: symbol, runID: runID, log: log}
}

// Key：clusters:<symbol>:<tf>
func (s *Sink) Key(tf cluster.Timeframe) string {
	return fmt.Sprintf("%s:%s:%s", s.cfg.KeyPrefix, s.symbol, tf)
}

// LockKey：同一个 symbol 的写入锁
func (s *Sink) LockKey() string {
	return fmt.Sprintf("%s:%s:lock", s.cfg.KeyPrefix, s.symbol)
}

// Fence 锁已经不是自己的：之后的 Write/Prepare/Commit 都失败，timeframe 走 Abort，
// staging 不会被 RENAME 成正式 key。只记第一次的原因
func (s *Sink) Fence(cause error) {
	s.lost.CompareAndSwap(nil, &cause)
}

func (s *Sink) fenced() error {
	if p := s.lost.Load(); p != nil {
		return storage.Persist(*p, "redis lock lost")
	}
	return nil
}

func (s *Sink) Open(ctx context.Context, tf cluster.Timeframe) (storage.Writer, error) {
	if err := s.fenced(); err != nil {
		return nil, err
	}
	final := s.Key(tf)
	w := &Writer{
		s:       s,
		tf:      tf,
		final:   final,
		staging: final + ":staging:" + s.runID,
		batch:   make([]interface{}, 0, s.cfg.BatchSize),
	}
	// 上次同一个 run id 留下的 staging（理论上不会有）
	if err := s.rdb.Del(ctx, w.staging).Err(); err != nil {
		return nil, storage.Persist(err, "redis del "+w.staging)
	}
	return w, nil
}

type Writer struct {
	s       *Sink
	tf      cluster.Timeframe
	final   string
	staging string
	batch   []interface{}
	n       int
}

func (w *Writer) Write(ctx context.Context, c *cluster.Cluster) error {
	if err := w.s.fenced(); err != nil {
		return err
	}
	payload, err := json.Marshal(cluster.ToDTO(c, false))
	if err != nil {
		return storage.Persist(err, "encode cluster")
	}
	w.batch = append(w.batch, payload)
	if len(w.batch) >= w.s.cfg.BatchSize {
		return w.flush(ctx)
	}
	return nil
}

func (w *Writer) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	if err := w.s.rdb.RPush(ctx, w.staging, w.batch...).Err(); err != nil {
		return storage.Persist(err, "redis rpush "+w.staging)
	}
	w.n += len(w.batch)
	w.batch = w.batch[:0]
	return nil
}

// Prepare：把剩下的 batch 推到 staging
func (w *Writer) Prepare(ctx context.Context) error {
	if err := w.s.fenced(); err != nil {
		return err
	}
	return w.flush(ctx)
}

func (w *Writer) Commit(ctx context.Context) error {
	if err := w.s.fenced(); err != nil {
		return err
	}
	if err := w.flush(ctx); err != nil {
		return err
	}
	if w.n == 0 {
		// 空列表在 redis 里不存在，RENAME 会报 no such key
		if err := w.s.rdb.Del(ctx, w.final).Err(); err != nil {
			return storage.Persist(err, "redis del "+w.final)
		}
		return nil
	}
	if err := w.s.rdb.Rename(ctx, w.staging, w.final).Err(); err != nil {
		return storage.Persist(err, "redis rename "+w.staging)
	}
	if w.s.cfg.TTL > 0 {
		if err := w.s.rdb.Expire(ctx, w.final, w.s.cfg.TTL).Err(); err != nil {
			return storage.Persist(err, "redis expire "+w.final)
		}
	}
	w.s.log.Info("redis list committed",
		zap.String("key", w.final), zap.Int("clusters", w.n), logger.TraceField(ctx))
	return nil
}

// Abort：删掉 staging，正式 key 保持上一次成功的结果
func (w *Writer) Abort(ctx context.Context, cause error) error {
	w.batch = nil
	w.s.log.Warn("redis output aborted",
		zap.String("key", w.final), zap.Int("pushed", w.n), zap.NamedError("cause", cause), logger.TraceField(ctx))
	// ctx 可能已经被取消，清理用独立的超时
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := w.s.rdb.Del(cleanupCtx, w.staging).Err(); err != nil {
		return storage.Persist(err, "redis del "+w.staging)
	}
	return nil
}
