package storage

import (
	"context"
	"errors"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/pkg/xerr"
)

// Writer：一个 timeframe 的输出。调用顺序：Write* → Commit 或 Abort（二选一，只调一次）
type Writer interface {
	Write(ctx context.Context, c *cluster.Cluster) error
	// Commit 输出完整：刷盘并对外可见
	Commit(ctx context.Context) error
	// Abort 输出不完整：把已写的刷出去，但标记为未完成
	Abort(ctx context.Context, cause error) error
}

// Factory 为每个 timeframe 打开一个 Writer
type Factory interface {
	Open(ctx context.Context, tf cluster.Timeframe) (Writer, error)
}

type FactoryFunc func(ctx context.Context, tf cluster.Timeframe) (Writer, error)

func (f FactoryFunc) Open(ctx context.Context, tf cluster.Timeframe) (Writer, error) {
	return f(ctx, tf)
}

var ErrPersistence = xerr.NewErrCode(xerr.Persistence)

// Persist 把底层 IO 错误挂上 Persistence 错误码
func Persist(err error, msg string) error {
	return xerr.Wrap(err, xerr.Persistence, msg)
}

// Preparer：可选。两阶段提交的第一步，把可能失败的 IO（flush、fsync）先做完，
// Commit 只剩"对外可见"那一下（rename）
type Preparer interface {
	Prepare(ctx context.Context) error
}

// Multi 把同一个 timeframe 的 cluster 写到多个 Writer，ws[0] 是主输出。
// Commit 分两步：先 Prepare 全部，再 Commit，副输出在前、主输出最后；
// 任何一步失败，还没 Commit 的全部 Abort。已经 Commit 的副输出没法撤回，
// 但主输出的正式文件一定不会出现
type Multi struct {
	ws   []Writer
	done bool
}

func NewMulti(ws ...Writer) *Multi {
	return &Multi{ws: ws}
}

func (m *Multi) Write(ctx context.Context, c *cluster.Cluster) error {
	for _, w := range m.ws {
		if err := w.Write(ctx, c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Multi) Commit(ctx context.Context) error {
	if m.done || len(m.ws) == 0 {
		return nil
	}
	order := append(append(make([]Writer, 0, len(m.ws)), m.ws[1:]...), m.ws[0])
	for _, w := range order {
		p, ok := w.(Preparer)
		if !ok {
			continue
		}
		if err := p.Prepare(ctx); err != nil {
			return errors.Join(err, m.abortAll(ctx, order, err))
		}
	}
	for i, w := range order {
		if err := w.Commit(ctx); err != nil {
			return errors.Join(err, m.abortAll(ctx, order[i:], err))
		}
	}
	m.done = true
	return nil
}

// Abort：Commit 失败时已经收过尾，这里不再重复
func (m *Multi) Abort(ctx context.Context, cause error) error {
	if m.done {
		return nil
	}
	return m.abortAll(ctx, m.ws, cause)
}

func (m *Multi) abortAll(ctx context.Context, ws []Writer, cause error) error {
	m.done = true
	ctx = context.WithoutCancel(ctx)
	var errs []error
	for _, w := range ws {
		errs = append(errs, w.Abort(ctx, cause))
	}
	return errors.Join(errs...)
}

// MultiFactory 依次打开每个 Factory，第一个是主输出；任何一个失败，已打开的全部 Abort
type MultiFactory []Factory

func (mf MultiFactory) Open(ctx context.Context, tf cluster.Timeframe) (Writer, error) {
	if len(mf) == 1 {
		return mf[0].Open(ctx, tf)
	}
	ws := make([]Writer, 0, len(mf))
	for _, f := range mf {
		w, err := f.Open(ctx, tf)
		if err != nil {
			_ = NewMulti(ws...).Abort(ctx, err)
			return nil, err
		}
		ws = append(ws, w)
	}
	return NewMulti(ws...), nil
}
