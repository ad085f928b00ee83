package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"go.uber.org/zap"

	"clusterx.com/pkg/logger"
	"clusterx.com/pkg/xerr"
)

// Go 安全启动协程，panic 只记日志
func Go(fn func()) {
	go func() {
		defer recoverAndLog(context.Background())
		fn()
	}()
}

// GoCtx 安全启动携带 context 的协程，日志里保留 run id
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer recoverAndLog(ctx)
		fn(ctx)
	}()
}

// Run 同步执行 fn，把 panic 转成 xerr.Panic 错误返回
func Run(fn func() error) error {
	return RunCode(xerr.Panic, fn)
}

// RunCode 同 Run，panic 用调用方给的错误码。
// timeframe 的 goroutine 用 xerr.TimeframePanic：一个周期崩了只影响它自己
func RunCode(code int, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &xerr.CodeError{
				Code: code,
				Msg:  xerr.MapErrMsg(code),
				Err:  &PanicError{Value: r, Stack: debug.Stack()},
			}
		}
	}()
	return fn()
}

// PanicError 保留 panic 的值和堆栈
type PanicError struct {
	Value any
	Stack []byte
}

func (p *PanicError) Error() string { return fmt.Sprintf("panic: %v", p.Value) }

func recoverAndLog(ctx context.Context) {
	r := recover()
	if r == nil {
		return
	}
	logger.Error(ctx, "🚨 GOROUTINE PANIC RECOVERED",
		zap.Any("panic", r),
		zap.String("stack", string(debug.Stack())),
	)
}
