package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"clusterx.com/internal/quotes/aggmetrics"
	"clusterx.com/internal/quotes/mdsource"
	"clusterx.com/internal/quotes/pipeline"
	"clusterx.com/internal/quotes/storage/jsonsink"
	"clusterx.com/pkg/logger"
	"clusterx.com/pkg/safe"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 返回进程退出码：0 全部成功，1 有 timeframe 失败或被中断，2 参数/配置错误
func run(args []string) int {
	// ========= 0) 全局上下文 & 优雅退出 =========
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ========= 1) 配置 & 日志 =========
	cfg, err := loadConfig(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 2
	}
	if cfg.Log.File != "" {
		logger.InitWithFile(serviceName, cfg.Log.Level, cfg.Log.File)
	} else {
		logger.Init(serviceName, cfg.Log.Level)
	}
	defer logger.Sync()

	// 每次运行一个 run id，所有日志都带上
	runID := uuid.NewString()
	ctx = logger.WithTrace(ctx, runID)

	pc, err := cfg.pipelineConfig()
	if err != nil {
		logger.Error(ctx, "invalid config", zap.Error(err))
		return 2
	}
	logger.Info(ctx, "cluster builder starting",
		zap.String("symbol", cfg.Symbol),
		zap.Strings("timeframes", cfg.Timeframes),
		zap.Int("days_ago", cfg.DaysAgo),
		zap.Stringer("resolution", pc.Resolution),
		zap.Strings("input", cfg.Input),
	)

	// ========= 2) /metrics =========
	if cfg.Metrics.Addr != "" {
		srv := startMetrics(ctx, cfg.Metrics.Addr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	// ========= 3) 输出 =========
	outs, err := buildOutputs(ctx, cfg, pc.Resolution, runID)
	if err != nil {
		logger.Error(ctx, "open outputs failed", zap.Error(err))
		return 2
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := outs.Close(closeCtx); err != nil {
			logger.Warn(ctx, "close outputs", zap.Error(err))
		}
	}()

	// ========= 4) 数据源 =========
	sources, rows := buildSources(cfg, pc.Resolution, clock.New())
	runner := mdsource.NewRunner(logger.Named("source"), sources...)
	runner.OnSegmentFailure = func(src string) {
		aggmetrics.SegmentFailuresTotal.WithLabelValues(src).Inc()
	}

	// ========= 5) 流水线 =========
	p, err := pipeline.New(pc, outs.factory, logger.Named("pipeline"))
	if err != nil {
		logger.Error(ctx, "invalid pipeline config", zap.Error(err))
		return 2
	}
	runner.Run(ctx)
	rep, runErr := p.Run(ctx, runner.Out)
	if rep != nil && cfg.Output.Verify {
		verifyOutputs(ctx, outs.json, rep)
	}

	return summarize(ctx, rep, runErr, sourceSummary{
		Failed:   runner.Failed(),
		Err:      runner.Err(),
		Rows:     rows.Rows(),
		Rejected: rows.Rejected(),
	})
}

// sourceSummary：数据源这一侧的结果，Out 关闭之后才完整
type sourceSummary struct {
	Failed   []string
	Err      error
	Rows     int64
	Rejected int64
}

// verifyOutputs 把成功的 timeframe 的 JSON 文件读回来核对条数，对不上就算这个 timeframe 失败
func verifyOutputs(ctx context.Context, js *jsonsink.Factory, rep *pipeline.Report) {
	for i := range rep.Results {
		res := &rep.Results[i]
		if !res.OK() {
			continue
		}
		if err := js.Verify(res.Timeframe, res.Clusters); err != nil {
			logger.Error(ctx, "output verification failed", zap.String("tf", res.Timeframe.String()), zap.Error(err))
			res.Err = err
		}
	}
}

func summarize(ctx context.Context, rep *pipeline.Report, runErr error, src sourceSummary) int {
	if rep == nil {
		logger.Error(ctx, "pipeline did not start", zap.Error(runErr))
		return 1
	}
	for _, res := range rep.Results {
		fields := []zap.Field{
			zap.String("tf", res.Timeframe.String()),
			zap.Int64("trades", res.Trades),
			zap.Int64("clusters", res.Clusters),
			zap.Int64("empty_windows", res.EmptyWindows),
			zap.Int64("long_gaps", res.LongGaps),
			zap.Int64("invalid", res.Invalid),
			zap.Int64("dropped", res.Dropped),
			zap.Int64("delivered", res.Delivered),
		}
		if res.OK() {
			logger.Info(ctx, "timeframe ok", fields...)
		} else {
			logger.Error(ctx, "timeframe failed", append(fields, zap.Error(res.Err))...)
		}
	}
	if len(src.Failed) > 0 {
		logger.Warn(ctx, "some source segments were skipped", zap.Strings("segments", src.Failed), zap.Error(src.Err))
	}
	logger.Info(ctx, "cluster builder finished",
		zap.Int64("rows", src.Rows),
		zap.Int64("rows_rejected", src.Rejected),
		zap.Int64("trades_in", rep.TradesIn),
		zap.Duration("elapsed", rep.Elapsed),
		zap.Int("failed_timeframes", len(rep.Failed())),
	)

	switch {
	case runErr != nil:
		if errors.Is(runErr, context.Canceled) {
			logger.Warn(ctx, "interrupted, outputs marked incomplete")
		} else {
			logger.Error(ctx, "distribution failed", zap.Error(runErr))
		}
		return 1
	case rep.Err() != nil:
		return 1
	}
	return 0
}

func startMetrics(ctx context.Context, addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	safe.Go(func() {
		logger.Info(ctx, "metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "metrics server", zap.Error(err))
		}
	})
	return srv
}
