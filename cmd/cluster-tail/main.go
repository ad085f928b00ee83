package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/gateway"
	"clusterx.com/pkg/logger"
)

const serviceName = "cluster-tail"

// cluster-tail 订阅 cluster-builder 发到 NATS 的 cluster 流，
// 每个 cluster 打一行日志，所有周期都收到 done/aborted 后退出
func main() {
	os.Exit(run(os.Args[1:]))
}

// run 返回退出码：0 全部 done，1 有周期 aborted 或流提前结束，2 参数错误
func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	url := fs.String("nats", "nats://127.0.0.1:4222", "nats url")
	symbol := fs.String("symbol", "BTCUSDT", "symbol")
	tfNames := fs.StringSlice("timeframes", []string{"60", "300", "900", "3600"}, "timeframes to follow")
	level := fs.String("log-level", "info", "log level")
	timeout := fs.Duration("timeout", 0, "give up after this long, 0 waits forever")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	tfs := make([]cluster.Timeframe, 0, len(*tfNames))
	for _, s := range *tfNames {
		tf, err := cluster.ParseTimeframe(s)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return 2
		}
		tfs = append(tfs, tf)
	}

	logger.Init(serviceName, *level)
	defer logger.Sync()

	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	b, err := gateway.NewNatsBroker(*url)
	if err != nil {
		logger.Error(ctx, "connect nats", zap.String("url", *url), zap.Error(err))
		return 2
	}
	defer b.Close()

	msgs, err := b.Subscribe(ctx, gateway.FollowTopics(*symbol, tfs))
	if err != nil {
		logger.Error(ctx, "subscribe", zap.Error(err))
		return 2
	}
	logger.Info(ctx, "following", zap.String("symbol", *symbol), zap.Strings("timeframes", *tfNames))

	ends, err := gateway.Follow(ctx, msgs, *symbol, tfs, func(tf cluster.Timeframe, dto cluster.ClusterDTO) {
		logger.Info(ctx, "cluster",
			zap.String("tf", tf.String()),
			zap.Int64("ts", dto.Ts),
			zap.Bool("empty", dto.Empty),
			zap.Float64("poc", dto.POC.Price),
			zap.Stringer("zone", dto.PressureZone),
			zap.Float64("volume", dto.TotalVolume),
		)
	})
	return report(ctx, ends, err)
}

func report(ctx context.Context, ends map[cluster.Timeframe]gateway.EndMarker, err error) int {
	code := 0
	for tf, end := range ends {
		if end.Aborted {
			logger.Warn(ctx, "timeframe aborted", zap.String("tf", tf.String()), zap.Int("clusters", end.Clusters), zap.String("cause", end.Cause))
			code = 1
			continue
		}
		logger.Info(ctx, "timeframe done", zap.String("tf", tf.String()), zap.Int("clusters", end.Clusters))
	}
	if err != nil {
		logger.Error(ctx, "follow stopped", zap.Error(err))
		return 1
	}
	return code
}
