package pipeline

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"clusterx.com/internal/quotes/aggmetrics"
	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/datasource/model"
	"clusterx.com/internal/quotes/fanout"
	"clusterx.com/internal/quotes/storage"
	"clusterx.com/pkg/logger"
	"clusterx.com/pkg/safe"
	"clusterx.com/pkg/xerr"
)

// Pipeline：成交流 -> 分发 -> 每个 timeframe 一个聚合协程 + 一个写入循环
//
// 每个 timeframe 互相独立：一个写失败/panic 只影响它自己，其它的照常完成并提交
type Pipeline struct {
	cfg     Config
	factory storage.Factory
	log     *zap.Logger
}

func New(cfg Config, factory storage.Factory, log *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{cfg: cfg, factory: factory, log: log}, nil
}

// Run 阻塞到输入耗尽且所有 timeframe 都提交/放弃。
// 返回的 error 只表示分发被中断（ctx 取消）；各 timeframe 的失败在 Report 里
func (p *Pipeline) Run(ctx context.Context, trades <-chan model.Trade) (*Report, error) {
	start := time.Now()
	dist := fanout.New(p.cfg.Fanout,
		fanout.WithLogger(p.log.Named("fanout")),
		fanout.WithDropHook(aggmetrics.OnDrop),
	)

	results := make([]Result, len(p.cfg.Timeframes))
	type lane struct {
		sub *fanout.Subscription
		w   storage.Writer
	}
	lanes := make([]lane, len(p.cfg.Timeframes))

	// 订阅和打开输出都在分发开始之前完成
	for i, tf := range p.cfg.Timeframes {
		results[i].Timeframe = tf
		sub, err := dist.Subscribe(tf.String())
		if err != nil {
			return nil, err
		}
		w, err := p.factory.Open(ctx, tf)
		if err != nil {
			p.log.Error("open output failed", zap.String("tf", tf.String()), zap.Error(err), logger.TraceField(ctx))
			results[i].Err = err
			aggmetrics.ObserveTimeframe(tf.String(), 0, 0, 0, err)
			sub.Cancel()
			continue
		}
		lanes[i] = lane{sub: sub, w: w}
	}

	var g errgroup.Group
	for i, tf := range p.cfg.Timeframes {
		if lanes[i].w == nil {
			continue
		}
		g.Go(func() error {
			results[i] = p.runTimeframe(ctx, tf, lanes[i].sub, lanes[i].w)
			return nil
		})
	}

	var distErr error
	g.Go(func() error {
		distErr = safe.Run(func() error { return dist.Run(ctx, trades) })
		return distErr
	})
	_ = g.Wait()

	rep := &Report{Results: results, TradesIn: dist.Received(), Elapsed: time.Since(start)}
	aggmetrics.TradesInTotal.Add(float64(rep.TradesIn))
	return rep, distErr
}

func (p *Pipeline) runTimeframe(ctx context.Context, tf cluster.Timeframe, sub *fanout.Subscription, w storage.Writer) Result {
	label := tf.String()
	log := p.log.With(zap.String("tf", label), logger.TraceField(ctx))
	res := Result{Timeframe: tf}

	// 写失败时只取消这个 timeframe
	tctx, cancel := context.WithCancel(ctx)
	defer cancel()

	out := make(chan *cluster.Cluster, p.cfg.WriterBuffer)
	agg := cluster.NewAggregator(tf, cluster.NewTimeRule(tf, p.cfg.Resolution),
		func(c *cluster.Cluster) error {
			select {
			case out <- c:
				return nil
			case <-tctx.Done():
				return tctx.Err()
			}
		},
		cluster.WithFillGaps(p.cfg.FillGaps),
		cluster.WithMaxGap(p.cfg.MaxGap),
		cluster.WithLogger(p.log.Named("agg")),
	)

	// 聚合协程
	aggDone := make(chan error, 1)
	go func() {
		aggDone <- safe.RunCode(xerr.TimeframePanic, func() error {
			defer close(out)
			// 不管怎么退出，都让分发跳过这个订阅者
			defer sub.Cancel()
			for t := range sub.C() {
				if err := agg.Offer(t); err != nil {
					return err
				}
			}
			if err := sub.Err(); err != nil {
				return err
			}
			return agg.Flush()
		})
	}()

	// 写入循环：出错后继续把 out 读空，聚合协程才能退出
	var writeErr error
	for c := range out {
		if writeErr != nil {
			continue
		}
		begin := time.Now()
		err := safe.RunCode(xerr.TimeframePanic, func() error { return w.Write(tctx, c) })
		aggmetrics.ObserveWrite(label, time.Since(begin), err)
		if err != nil {
			writeErr = err
			log.Error("write failed, abandoning timeframe", zap.Error(err))
			cancel()
			continue
		}
		res.Clusters++
	}
	aggErr := <-aggDone

	st := agg.Stats()
	res.Trades = st.Trades
	res.Invalid = st.Invalid
	res.EmptyWindows = st.EmptyWindows
	res.LongGaps = st.LongGaps
	res.TotalVolume = st.TotalVolume
	res.Dropped = sub.Dropped()
	res.Delivered = sub.Delivered()

	switch {
	case writeErr != nil:
		res.Err = writeErr
	case aggErr != nil:
		res.Err = aggErr
	}

	if res.Err == nil {
		if err := safe.RunCode(xerr.TimeframePanic, func() error { return w.Commit(ctx) }); err != nil {
			res.Err = err
			log.Error("commit failed", zap.Error(err))
		}
	}
	if res.Err != nil {
		// ctx 可能已经取消，Abort 仍然要把已有数据落盘
		if err := safe.RunCode(xerr.TimeframePanic, func() error { return w.Abort(context.WithoutCancel(ctx), res.Err) }); err != nil {
			res.Err = errors.Join(res.Err, err)
		}
	}

	aggmetrics.ObserveTimeframe(label, st.Invalid, st.Emitted, st.EmptyWindows, res.Err)
	if res.Dropped > 0 {
		log.Warn("trades dropped for slow timeframe", zap.Int64("dropped", res.Dropped))
	}
	if res.Err != nil {
		log.Error("timeframe failed",
			zap.Int64("trades", res.Trades), zap.Int64("clusters", res.Clusters), zap.Error(res.Err))
	} else {
		log.Info("timeframe finished",
			zap.Int64("trades", res.Trades), zap.Int64("invalid", res.Invalid),
			zap.Int64("clusters", res.Clusters), zap.Int64("empty_windows", res.EmptyWindows),
			zap.Float64("volume", res.TotalVolume))
	}
	return res
}
