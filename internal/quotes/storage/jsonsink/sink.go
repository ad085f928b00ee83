package jsonsink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/storage"
	"clusterx.com/pkg/jsonarray"
	"clusterx.com/pkg/logger"
)

const (
	partialSuffix    = ".partial"
	incompleteSuffix = ".incomplete"
)

type Config struct {
	Dir     string
	Symbol  string
	DaysAgo int

	// 是否把每个价位也写进文件（文件会大很多）
	IncludeLevels bool
	BufferSize    int
}

func (cfg Config) String() string {
	return fmt.Sprintf("dir=%s symbol=%s days_ago=%d levels=%v", cfg.Dir, cfg.Symbol, cfg.DaysAgo, cfg.IncludeLevels)
}

// FileName：<symbol>-<tf>-<lookback>dago-clusters.json
func FileName(symbol string, tf cluster.Timeframe, daysAgo int) string {
	return fmt.Sprintf("%s-%s-%ddago-clusters.json", symbol, tf, daysAgo)
}

// Factory 每个 timeframe 一个 JSON 数组文件
type Factory struct {
	cfg Config
	log *zap.Logger
}

func NewFactory(cfg Config, log *zap.Logger) (*Factory, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Dir == "" {
		cfg.Dir = "."
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, storage.Persist(err, "create output dir")
	}
	return &Factory{cfg: cfg, log: log}, nil
}

func (f *Factory) Open(ctx context.Context, tf cluster.Timeframe) (storage.Writer, error) {
	final := f.Path(tf)
	arr, err := jsonarray.OpenWrite(final+partialSuffix, f.cfg.BufferSize)
	if err != nil {
		return nil, storage.Persist(err, "open "+final)
	}
	f.log.Debug("output opened", zap.String("tf", tf.String()), zap.String("path", arr.Path()), logger.TraceField(ctx))
	return &Writer{
		tf:            tf,
		final:         final,
		arr:           arr,
		includeLevels: f.cfg.IncludeLevels,
		log:           f.log,
	}, nil
}

// Writer：先写 <name>.partial，Commit 时 rename 成正式文件名
type Writer struct {
	tf            cluster.Timeframe
	final         string
	arr           *jsonarray.Writer
	includeLevels bool
	log           *zap.Logger
	prepared      bool
	done          bool
}

func (w *Writer) Write(ctx context.Context, c *cluster.Cluster) error {
	payload, err := json.Marshal(cluster.ToDTO(c, w.includeLevels))
	if err != nil {
		return storage.Persist(err, "encode cluster")
	}
	if err := w.arr.Append(payload); err != nil {
		return storage.Persist(err, "append "+w.arr.Path())
	}
	return nil
}

// Prepare：写 ']'，fsync，关闭。文件还是 .partial，正式文件名要等 Commit
func (w *Writer) Prepare(ctx context.Context) error {
	if w.prepared || w.done {
		return nil
	}
	w.prepared = true
	if err := w.arr.Close(); err != nil {
		return storage.Persist(err, "close "+w.arr.Path())
	}
	return nil
}

// Commit：Prepare（如果还没做）然后 rename 成正式文件名。
// 失败时 done 不置位，后面的 Abort 仍然会把文件改成 .incomplete
func (w *Writer) Commit(ctx context.Context) error {
	if w.done {
		return nil
	}
	if err := w.Prepare(ctx); err != nil {
		return err
	}
	partial := w.arr.Path()
	if err := os.Rename(partial, w.final); err != nil {
		return storage.Persist(err, "rename "+partial)
	}
	w.done = true
	w.log.Info("output committed",
		zap.String("tf", w.tf.String()), zap.String("path", w.final), zap.Int("clusters", w.arr.Count()),
		zap.Int64("bytes", w.arr.Offset()), logger.TraceField(ctx))
	return nil
}

// Abort：保留已经写出的数据，文件改名为 <name>.incomplete，正式文件名不会出现
func (w *Writer) Abort(ctx context.Context, cause error) error {
	if w.done {
		return nil
	}
	w.done = true
	partial := w.arr.Path()
	if !w.prepared {
		if err := w.arr.Discard(); err != nil {
			return storage.Persist(err, "flush "+partial)
		}
	}
	target := w.final + incompleteSuffix
	if err := os.Rename(partial, target); err != nil {
		return storage.Persist(err, "rename "+partial)
	}
	w.log.Warn("output marked incomplete",
		zap.String("tf", w.tf.String()), zap.String("path", target), zap.Int("clusters", w.arr.Count()),
		zap.NamedError("cause", cause), logger.TraceField(ctx))
	return nil
}

// Path 某个 timeframe 的正式文件路径
func (f *Factory) Path(tf cluster.Timeframe) string {
	return filepath.Join(f.cfg.Dir, FileName(f.cfg.Symbol, tf, f.cfg.DaysAgo))
}

var ErrCountMismatch = errors.New("jsonsink: record count mismatch")

// Verify 把正式文件从头读一遍：必须是完整的 JSON 数组，元素个数等于 want
func (f *Factory) Verify(tf cluster.Timeframe, want int64) error {
	path := f.Path(tf)
	st, err := jsonarray.Replay(path, jsonarray.ReplayOptions{}, func([]byte) error { return nil })
	if err != nil {
		return storage.Persist(err, "verify "+path)
	}
	if int64(st.Records) != want {
		return storage.Persist(fmt.Errorf("%w: want %d got %d", ErrCountMismatch, want, st.Records), "verify "+path)
	}
	return nil
}
