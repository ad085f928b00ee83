package main

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"clusterx.com/internal/quotes/aggmetrics"
	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/datasource/bybit"
	"clusterx.com/internal/quotes/gateway"
	"clusterx.com/internal/quotes/mdsource"
	"clusterx.com/internal/quotes/storage"
	"clusterx.com/internal/quotes/storage/influxsink"
	"clusterx.com/internal/quotes/storage/jsonsink"
	"clusterx.com/internal/quotes/storage/redissink"
	"clusterx.com/pkg/logger"
	"clusterx.com/pkg/metrics"
	"clusterx.com/pkg/safe"
	"clusterx.com/pkg/xerr"
	"clusterx.com/pkg/xredis"
)

// buildSources：有 --input 就读本地文件，否则按天下载归档。
// 返回的 RowStats 在所有段跑完后汇总行数
func buildSources(cfg *Cfg, res cluster.Resolution, clk clock.Clock) ([]mdsource.Source, *bybit.RowStats) {
	stats := &bybit.RowStats{}
	opts := bybit.Options{
		Resolution: res,
		OnReject:   func(error) { aggmetrics.RejectedRowsTotal.Inc() },
		Stats:      stats,
		Log:        logger.Named("bybit"),
	}
	if len(cfg.Input) > 0 {
		return bybit.FileSources(cfg.Input, opts), stats
	}
	f := bybit.NewFetcher(cfg.Fetcher, logger.Named("fetcher"))
	return bybit.DailySources(cfg.Symbol, cfg.DaysAgo, clk, f, opts), stats
}

// outputs：主输出 JSON 文件 + 按配置打开的副输出，closers 逆序关闭
type outputs struct {
	factory storage.MultiFactory
	json    *jsonsink.Factory
	closers []func(ctx context.Context) error
}

func (o *outputs) add(f storage.Factory, closer func(ctx context.Context) error) {
	o.factory = append(o.factory, f)
	if closer != nil {
		o.closers = append(o.closers, closer)
	}
}

func (o *outputs) Close(ctx context.Context) error {
	var errs []error
	for i := len(o.closers) - 1; i >= 0; i-- {
		errs = append(errs, o.closers[i](ctx))
	}
	return errors.Join(errs...)
}

func buildOutputs(ctx context.Context, cfg *Cfg, res cluster.Resolution, runID string) (*outputs, error) {
	out := &outputs{}

	js, err := jsonsink.NewFactory(jsonsink.Config{
		Dir:           cfg.Output.Dir,
		Symbol:        cfg.Symbol,
		DaysAgo:       cfg.DaysAgo,
		IncludeLevels: cfg.Output.IncludeLevels,
		BufferSize:    cfg.Output.BufferSize,
	}, logger.Named("jsonsink"))
	if err != nil {
		return nil, err
	}
	// 第一个是主输出，Multi 最后才 Commit 它
	out.json = js
	out.add(js, nil)

	if cfg.Influx.Enabled {
		s := influxsink.New(cfg.Influx.Config, cfg.Symbol, res, logger.Named("influx"))
		logger.Info(ctx, "influx output enabled", zap.Stringer("influx", cfg.Influx.Config))
		out.add(s, func(context.Context) error { s.Close(); return nil })
	}

	if cfg.Redis.Enabled {
		if err := addRedis(ctx, cfg, runID, out); err != nil {
			_ = out.Close(ctx)
			return nil, err
		}
	}

	if cfg.Nats.Enabled {
		b, err := gateway.NewNatsBroker(cfg.Nats.URL)
		if err != nil {
			_ = out.Close(ctx)
			return nil, xerr.Wrap(err, xerr.Config, "connect nats "+cfg.Nats.URL)
		}
		logger.Info(ctx, "nats publisher enabled", zap.String("url", cfg.Nats.URL))
		out.add(gateway.NewPublisher(b, cfg.Symbol, logger.Named("publisher")), func(ctx context.Context) error {
			return errors.Join(b.Flush(ctx), b.Close())
		})
	}
	return out, nil
}

func addRedis(ctx context.Context, cfg *Cfg, runID string, out *outputs) error {
	rdb, err := xredis.NewRedis(ctx, &cfg.Redis.Conn)
	if err != nil {
		return err
	}
	sink := redissink.New(rdb, cfg.Redis.Sink, cfg.Symbol, runID, logger.Named("redis"))

	ttl := cfg.Redis.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	lock := xredis.NewLock(rdb, sink.LockKey())
	ok, err := lock.TryAcquire(ctx, ttl)
	if err != nil {
		_ = rdb.Close()
		return err
	}
	if !ok {
		_ = rdb.Close()
		return xerr.New(xerr.Config, "another run is writing "+cfg.Symbol+" to redis")
	}

	// 跑得比 TTL 久时续期；锁丢了 redis 输出全部作废，不再 RENAME 成正式 key
	renewCtx, stopRenew := context.WithCancel(ctx)
	safe.GoCtx(renewCtx, func(ctx context.Context) {
		lock.Keep(ctx, ttl, func(err error) {
			logger.Error(ctx, "redis lock lost, aborting redis output", zap.String("key", lock.Key()), zap.Error(err))
			sink.Fence(err)
		})
	})

	safe.GoCtx(renewCtx, func(ctx context.Context) {
		metrics.WatchRedisPool(ctx, rdb, 5*time.Second)
	})

	out.add(sink, func(ctx context.Context) error {
		stopRenew()
		err := lock.Release(ctx)
		return errors.Join(err, rdb.Close())
	})
	return nil
}
