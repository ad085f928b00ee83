package mdsource

import (
	"context"

	"clusterx.com/internal/quotes/datasource/model"
)

// Source：一个"可插拔"的成交数据段（例如某一天的归档文件）。
// Run 阻塞运行：按时间顺序产出 Trade，直到数据读完、ctx.Done() 或发生不可恢复错误。
type Source interface {
	Name() string
	Run(ctx context.Context, out chan<- model.Trade) error
}

// SliceSource：内存里的成交序列，测试和回放用
type SliceSource struct {
	name   string
	trades []model.Trade
	// Err 非空时，发完所有成交后返回它（模拟读到一半坏掉的段）
	Err error
}

func NewSliceSource(name string, trades []model.Trade) *SliceSource {
	return &SliceSource{name: name, trades: trades}
}

func (s *SliceSource) Name() string { return s.name }

func (s *SliceSource) Run(ctx context.Context, out chan<- model.Trade) error {
	for _, t := range s.trades {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- t:
		}
	}
	return s.Err
}
