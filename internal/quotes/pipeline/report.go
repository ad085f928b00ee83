package pipeline

import (
	"errors"
	"fmt"
	"time"

	"clusterx.com/internal/quotes/cluster"
)

// Result：一个 timeframe 的结果
type Result struct {
	Timeframe cluster.Timeframe

	Trades       int64 // 聚合器累加的成交
	Invalid      int64 // 方向非法被跳过
	Dropped      int64 // 分发时因为缓冲满被丢弃
	Delivered    int64 // 分发给这个 timeframe 的成交
	Clusters     int64 // 成功写出的 cluster
	EmptyWindows int64
	LongGaps     int64 // 太长没有补齐的缺口
	TotalVolume  float64

	Err error
}

func (r Result) OK() bool { return r.Err == nil }

// Report：按配置顺序排列的各 timeframe 结果
type Report struct {
	Results  []Result
	TradesIn int64
	Elapsed  time.Duration
}

// Failed 失败的 timeframe
func (r *Report) Failed() []Result {
	var out []Result
	for _, res := range r.Results {
		if res.Err != nil {
			out = append(out, res)
		}
	}
	return out
}

// Err 汇总所有失败，没有失败时为 nil
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Failed() {
		errs = append(errs, fmt.Errorf("timeframe %s: %w", res.Timeframe, res.Err))
	}
	return errors.Join(errs...)
}

func (r *Report) Result(tf cluster.Timeframe) (Result, bool) {
	for _, res := range r.Results {
		if res.Timeframe == tf {
			return res, true
		}
	}
	return Result{}, false
}
