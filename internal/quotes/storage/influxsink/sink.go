package influxsink

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/storage"
	"clusterx.com/pkg/logger"
)

type Config struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`

	// 攒够多少个点写一次，建议从 1000~5000 起步
	BatchSize int  `mapstructure:"batch_size"`
	UseGzip   bool `mapstructure:"use_gzip"`
}

func (cfg Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.UseGzip)
}

// Sink：副输出，每个 cluster 一个点
//
//	measurement: cluster
//	tags:        symbol, tf
//	fields:      poc/zone/height/总量...
//	time:        窗口结束时间
type Sink struct {
	cfg    Config
	symbol string
	res    cluster.Resolution

	client influxdb2.Client
	write  api.WriteAPIBlocking
	log    *zap.Logger
}

func New(cfg Config, symbol string, res cluster.Resolution, log *zap.Logger) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 2000
	}
	if log == nil {
		log = zap.NewNop()
	}
	opt := influxdb2.DefaultOptions().SetUseGZip(cfg.UseGzip)
	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	return &Sink{
		cfg:    cfg,
		symbol: symbol,
		res:    res,
		client: c,
		// 用阻塞写：写失败要能传回给这个 timeframe，而不是只打一行日志
		write: c.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		log:   log,
	}
}

func (s *Sink) Close() {
	s.client.Close()
}

func (s *Sink) Open(ctx context.Context, tf cluster.Timeframe) (storage.Writer, error) {
	return &Writer{s: s, tf: tf, batch: make([]*write.Point, 0, s.cfg.BatchSize)}, nil
}

// Point 把一个 cluster 转成 influx 点
func Point(symbol string, tf cluster.Timeframe, res cluster.Resolution, c *cluster.Cluster) *write.Point {
	dto := cluster.ToDTO(c, false)
	tags := map[string]string{
		"symbol": symbol,
		"tf":     tf.String(),
	}
	fields := map[string]interface{}{
		"poc":          dto.POC.Price,
		"poc_volume":   dto.POC.Volume,
		"zone":         dto.PressureZone.String(),
		"height":       int64(dto.Height),
		"volume":       dto.TotalVolume,
		"volume_delta": dto.TotalVolumeDelta,
		"trades_delta": dto.TotalTradesDelta,
		"trades":       dto.Trades,
		"empty":        dto.Empty,
	}
	return write.NewPoint("cluster", tags, fields, res.Time(c.Ts))
}

type Writer struct {
	s     *Sink
	tf    cluster.Timeframe
	batch []*write.Point
	n     int
}

func (w *Writer) Write(ctx context.Context, c *cluster.Cluster) error {
	w.batch = append(w.batch, Point(w.s.symbol, w.tf, w.s.res, c))
	if len(w.batch) >= w.s.cfg.BatchSize {
		return w.flush(ctx)
	}
	return nil
}

func (w *Writer) flush(ctx context.Context) error {
	if len(w.batch) == 0 {
		return nil
	}
	if err := w.s.write.WritePoint(ctx, w.batch...); err != nil {
		return storage.Persist(err, "influx write")
	}
	w.n += len(w.batch)
	w.batch = w.batch[:0]
	return nil
}

func (w *Writer) Prepare(ctx context.Context) error {
	return w.flush(ctx)
}

func (w *Writer) Commit(ctx context.Context) error {
	if err := w.flush(ctx); err != nil {
		return err
	}
	w.s.log.Info("influx points written", zap.String("tf", w.tf.String()), zap.Int("points", w.n), logger.TraceField(ctx))
	return nil
}

// Abort：已经写进 influx 的点不回滚，只丢掉还没发出去的
func (w *Writer) Abort(ctx context.Context, cause error) error {
	w.s.log.Warn("influx output aborted",
		zap.String("tf", w.tf.String()), zap.Int("points", w.n), zap.Int("discarded", len(w.batch)),
		zap.NamedError("cause", cause), logger.TraceField(ctx))
	w.batch = nil
	return nil
}
