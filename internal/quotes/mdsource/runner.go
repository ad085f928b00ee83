package mdsource

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"clusterx.com/internal/quotes/datasource/model"
	"clusterx.com/pkg/logger"
	"clusterx.com/pkg/safe"
)

// Runner 按给定顺序一个接一个地跑 Source，所有成交都从 Out 出去。
//
// 顺序执行保证输出整体按时间有序（前提是 sources 本身按时间排好）。
// 某一段失败只记录并跳过，继续下一段：缺一天的数据只会少一些成交，不会让整次运行失败。
type Runner struct {
	sources []Source

	// Out 是统一 trade 流出口（上层只消费这个），所有 source 结束后关闭
	Out chan model.Trade

	// OnSegmentFailure：失败段回调（指标）
	OnSegmentFailure func(src string)

	log *zap.Logger

	mu     sync.Mutex
	failed []string
	errs   []error
}

func NewRunner(log *zap.Logger, sources ...Source) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		sources: sources,
		Out:     make(chan model.Trade, 64_000),
		log:     log,
	}
}

// Run 启动后台协程并立即返回
func (r *Runner) Run(ctx context.Context) {
	safe.GoCtx(ctx, func(ctx context.Context) {
		defer close(r.Out)
		for _, src := range r.sources {
			if ctx.Err() != nil {
				return
			}
			r.runOne(ctx, src)
		}
	})
}

// Failed 返回失败段的名字，Out 关闭之后调用结果才完整
func (r *Runner) Failed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.failed))
	copy(out, r.failed)
	return out
}

// Err 所有失败段的错误，每个都带段名；同样要等 Out 关闭之后再看
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return errors.Join(r.errs...)
}

func (r *Runner) runOne(ctx context.Context, src Source) {
	err := safe.Run(func() error { return src.Run(ctx, r.Out) })
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	r.mu.Lock()
	r.failed = append(r.failed, src.Name())
	r.errs = append(r.errs, wrapErr(src.Name(), err))
	r.mu.Unlock()

	r.log.Warn("source segment failed, continuing with next",
		zap.String("source", src.Name()), zap.Error(err), logger.TraceField(ctx))
	if r.OnSegmentFailure != nil {
		r.OnSegmentFailure(src.Name())
	}
}

type namedErr struct {
	src string
	err error
}

func (e namedErr) Error() string          { return e.src + ": " + e.err.Error() }
func (e namedErr) Unwrap() error          { return e.err }
func wrapErr(src string, err error) error { return namedErr{src: src, err: err} }
