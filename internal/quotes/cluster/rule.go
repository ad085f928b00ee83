package cluster

import (
	"fmt"
	"strings"
	"time"

	"clusterx.com/pkg/xerr"
)

// Resolution：成交时间戳的单位
type Resolution uint8

const (
	Millisecond Resolution = iota // 默认
	Second
	Microsecond
	Nanosecond
)

func (r Resolution) UnitsPerSecond() int64 {
	switch r {
	case Second:
		return 1
	case Microsecond:
		return 1_000_000
	case Nanosecond:
		return 1_000_000_000
	default:
		return 1_000
	}
}

// Exponent：UnitsPerSecond 的 10 的幂次
func (r Resolution) Exponent() int32 {
	switch r {
	case Second:
		return 0
	case Microsecond:
		return 6
	case Nanosecond:
		return 9
	default:
		return 3
	}
}

func (r Resolution) String() string {
	switch r {
	case Second:
		return "s"
	case Microsecond:
		return "us"
	case Nanosecond:
		return "ns"
	default:
		return "ms"
	}
}

// Time 把该单位的时间戳转成 time.Time（UTC）
func (r Resolution) Time(ts int64) time.Time {
	switch r {
	case Second:
		return time.Unix(ts, 0).UTC()
	case Microsecond:
		return time.UnixMicro(ts).UTC()
	case Nanosecond:
		return time.Unix(0, ts).UTC()
	default:
		return time.UnixMilli(ts).UTC()
	}
}

// FromTime：Time 的反向
func (r Resolution) FromTime(t time.Time) int64 {
	switch r {
	case Second:
		return t.Unix()
	case Microsecond:
		return t.UnixMicro()
	case Nanosecond:
		return t.UnixNano()
	default:
		return t.UnixMilli()
	}
}

func ParseResolution(s string) (Resolution, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "ms", "millisecond", "milliseconds":
		return Millisecond, nil
	case "s", "sec", "second", "seconds":
		return Second, nil
	case "us", "µs", "microsecond", "microseconds":
		return Microsecond, nil
	case "ns", "nanosecond", "nanoseconds":
		return Nanosecond, nil
	}
	return 0, xerr.New(xerr.Config, fmt.Sprintf("unknown timestamp resolution %q", s))
}

type Decision uint8

const (
	SameWindow Decision = iota
	NewWindow
)

func (d Decision) String() string {
	if d == NewWindow {
		return "NewWindow"
	}
	return "SameWindow"
}

// LengthTs：窗口长度换算成时间戳单位
func LengthTs(length Timeframe, res Resolution) int64 {
	return int64(length) * res.UnitsPerSecond()
}

// WindowStart：按 epoch 对齐的桶起点，负数时间戳也向下取整
func WindowStart(ts, lengthTs int64) int64 {
	start := ts - ts%lengthTs
	if ts < 0 && ts%lengthTs != 0 {
		start -= lengthTs
	}
	return start
}

// Classify：纯函数。ts 所在的窗口结束点晚于 currentEnd 就是新窗口；
// 比当前窗口更早的成交（乱序）留在当前窗口，不丢
func Classify(currentEnd, ts int64, length Timeframe, res Resolution) Decision {
	l := LengthTs(length, res)
	if WindowStart(ts, l)+l > currentEnd {
		return NewWindow
	}
	return SameWindow
}

// Policy：聚合器对分桶规则的依赖
type Policy interface {
	Classify(currentEnd, ts int64) Decision
	WindowStart(ts int64) int64
	// Length 窗口长度（时间戳单位）
	Length() int64
}

// TimeRule：固定时间窗 + 时间戳单位
type TimeRule struct {
	tf  Timeframe
	res Resolution
}

func NewTimeRule(tf Timeframe, res Resolution) TimeRule {
	return TimeRule{tf: tf, res: res}
}

func (r TimeRule) Classify(currentEnd, ts int64) Decision {
	return Classify(currentEnd, ts, r.tf, r.res)
}

func (r TimeRule) WindowStart(ts int64) int64 { return WindowStart(ts, r.Length()) }
func (r TimeRule) Length() int64              { return LengthTs(r.tf, r.res) }
func (r TimeRule) Timeframe() Timeframe       { return r.tf }
