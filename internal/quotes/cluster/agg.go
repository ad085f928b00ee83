package cluster

import (
	"errors"

	"go.uber.org/zap"

	"clusterx.com/internal/quotes/datasource/model"
)

// AggStats：聚合器计数
type AggStats struct {
	Trades       int64 // 成功累加的成交
	Invalid      int64 // 方向非法被跳过的成交
	Emitted      int64 // 输出的 cluster（含空窗口）
	EmptyWindows int64 // 跳过的空窗口（不管是否输出）
	LongGaps     int64 // 超过 maxGap 没有补齐的缺口
	TotalVolume  float64
}

// Aggregator 维护"当前正在构建的那一个 cluster"。
// 收到 trade 时：
// - 方向非法：计数，跳过
// - 属于新窗口：先 finalize + emit 当前 cluster，再处理中间的空窗口，最后开新窗口
// - 同窗口（或更早的乱序成交）：直接累加
type Aggregator struct {
	tf     Timeframe
	policy Policy

	cur *Cluster

	// emit：一个 cluster 封口后怎么交给下游；返回错误时聚合器停止
	emit func(*Cluster) error

	fillGaps bool
	maxGap   int64
	log      *zap.Logger

	stats AggStats
	err   error
}

type AggOption func(*Aggregator)

// WithFillGaps：空窗口是否输出为 Empty=true 的 cluster（默认输出）
func WithFillGaps(fill bool) AggOption {
	return func(a *Aggregator) { a.fillGaps = fill }
}

// DefaultMaxGap：一次最多补多少个空窗口。1m 一天是 1440 个，ms 级的 1s 一天是 86400 个
const DefaultMaxGap int64 = 100_000

// WithMaxGap：一个缺口超过 n 个窗口时不补空窗口，只计数并告警。
// 这种缺口基本都是时间戳坏了，补下去就是几千万个空 cluster。n <= 0 表示不限制
func WithMaxGap(n int64) AggOption {
	return func(a *Aggregator) { a.maxGap = n }
}

func WithLogger(l *zap.Logger) AggOption {
	return func(a *Aggregator) {
		if l != nil {
			a.log = l
		}
	}
}

func NewAggregator(tf Timeframe, policy Policy, emit func(*Cluster) error, opts ...AggOption) *Aggregator {
	a := &Aggregator{
		tf:       tf,
		policy:   policy,
		emit:     emit,
		fillGaps: true,
		maxGap:   DefaultMaxGap,
		log:      zap.NewNop(),
	}
	for _, o := range opts {
		o(a)
	}
	a.log = a.log.With(zap.String("tf", tf.String()))
	return a
}

// Offer 喂入一笔成交。只有下游 emit 失败才会返回错误，之后的调用都返回同一个错误
func (a *Aggregator) Offer(t model.Trade) error {
	if a.err != nil {
		return a.err
	}
	if !t.Side.Valid() {
		a.stats.Invalid++
		a.log.Debug("skip trade with invalid side",
			zap.Int64("ts", t.Timestamp), zap.String("trade_id", t.TradeID), zap.Error(ErrInvalidSide))
		return nil
	}

	if a.cur == nil {
		a.open(t.Timestamp)
	} else if a.policy.Classify(a.cur.Ts, t.Timestamp) == NewWindow {
		prevEnd := a.cur.Ts
		if err := a.seal(a.cur); err != nil {
			return err
		}
		a.cur = nil
		if err := a.gaps(prevEnd, a.policy.WindowStart(t.Timestamp)); err != nil {
			return err
		}
		a.open(t.Timestamp)
	}

	if err := a.cur.Apply(t); err != nil {
		// 方向已经检查过，这里只可能是逻辑错误
		a.err = err
		return err
	}
	a.stats.Trades++
	a.stats.TotalVolume += t.Volume
	return nil
}

// Flush 封口并输出最后一个 cluster，用于输入结束
func (a *Aggregator) Flush() error {
	if a.err != nil {
		return a.err
	}
	if a.cur == nil {
		return nil
	}
	c := a.cur
	a.cur = nil
	return a.seal(c)
}

func (a *Aggregator) Stats() AggStats { return a.stats }

func (a *Aggregator) Timeframe() Timeframe { return a.tf }

func (a *Aggregator) open(ts int64) {
	start := a.policy.WindowStart(ts)
	a.cur = NewCluster(start, start+a.policy.Length())
}

// gaps 处理 [from, to) 之间没有成交的窗口
func (a *Aggregator) gaps(from, to int64) error {
	if from >= to {
		return nil
	}
	length := a.policy.Length()
	n := (to - from) / length
	if a.fillGaps && a.maxGap > 0 && n > a.maxGap {
		a.stats.LongGaps++
		a.log.Warn("gap too long, empty windows not emitted",
			zap.Int64("from", from), zap.Int64("to", to), zap.Int64("windows", n), zap.Int64("max_gap", a.maxGap))
		a.stats.EmptyWindows += n
		return nil
	}
	if !a.fillGaps {
		a.stats.EmptyWindows += n
		return nil
	}
	for start := from; start < to; start += length {
		if err := a.seal(NewCluster(start, start+length)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Aggregator) seal(c *Cluster) error {
	if err := c.Finalize(); err != nil {
		if !errors.Is(err, ErrEmptyBucket) {
			a.err = err
			return err
		}
		a.stats.EmptyWindows++
	}
	if err := a.emit(c); err != nil {
		a.err = err
		return err
	}
	a.stats.Emitted++
	return nil
}
