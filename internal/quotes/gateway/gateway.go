package gateway

import (
	"context"
	"fmt"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/storage"
	"clusterx.com/pkg/logger"
)

// Topic：cluster:<tf>:<symbol>，NATS 上是 cluster.<tf>.<symbol>
func Topic(tf cluster.Timeframe, symbol string) string {
	return fmt.Sprintf("cluster:%s:%s", tf, symbol)
}

// Publisher 把每个封口的 cluster 推到 broker，下游可以边算边消费。
// 结束时再发一条 <topic>:done 或 <topic>:aborted
type Publisher struct {
	broker Broker
	symbol string
	log    *zap.Logger
}

func NewPublisher(b Broker, symbol string, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{broker: b, symbol: symbol, log: log}
}

func (p *Publisher) Open(ctx context.Context, tf cluster.Timeframe) (storage.Writer, error) {
	return &pubWriter{p: p, tf: tf, topic: Topic(tf, p.symbol)}, nil
}

type pubWriter struct {
	p     *Publisher
	tf    cluster.Timeframe
	topic string
	n     int
}

// EndMarker：<topic>:done / <topic>:aborted 的内容
type EndMarker struct {
	Symbol   string `json:"symbol"`
	TF       string `json:"tf"`
	Clusters int    `json:"clusters"`
	Cause    string `json:"cause,omitempty"`

	// 收到的是 :aborted，订阅方填
	Aborted bool `json:"-"`
}

func (w *pubWriter) Write(ctx context.Context, c *cluster.Cluster) error {
	payload, err := json.Marshal(cluster.ToDTO(c, false))
	if err != nil {
		return storage.Persist(err, "encode cluster")
	}
	if err := w.p.broker.Publish(ctx, w.topic, payload); err != nil {
		return storage.Persist(err, "publish "+w.topic)
	}
	w.n++
	return nil
}

func (w *pubWriter) Commit(ctx context.Context) error {
	if err := w.marker(ctx, w.topic+":done", nil); err != nil {
		return err
	}
	w.p.log.Info("clusters published", zap.String("topic", w.topic), zap.Int("clusters", w.n), logger.TraceField(ctx))
	return nil
}

func (w *pubWriter) Abort(ctx context.Context, cause error) error {
	// ctx 可能已经取消，标记还是要发出去
	return w.marker(context.WithoutCancel(ctx), w.topic+":aborted", cause)
}

func (w *pubWriter) marker(ctx context.Context, topic string, cause error) error {
	m := EndMarker{Symbol: w.p.symbol, TF: w.tf.String(), Clusters: w.n}
	if cause != nil {
		m.Cause = cause.Error()
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return storage.Persist(err, "encode marker")
	}
	if err := w.p.broker.Publish(ctx, topic, payload); err != nil {
		return storage.Persist(err, "publish "+topic)
	}
	return nil
}
