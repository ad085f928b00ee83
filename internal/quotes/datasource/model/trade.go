package model

import (
	"errors"
	"fmt"
	"math"
)

type Side uint8

const (
	SideUnset Side = iota // 零值：来源没给方向，聚合时会被跳过
	SideBuy               // taker 买入
	SideSell              // taker 卖出
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNSET"
	}
}

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// ParseSide 解析交易所 CSV 里的 "Buy"/"Sell"（大小写不敏感）
func ParseSide(s string) Side {
	switch s {
	case "Buy", "BUY", "buy":
		return SideBuy
	case "Sell", "SELL", "sell":
		return SideSell
	default:
		return SideUnset
	}
}

var (
	ErrBadPrice  = errors.New("trade: price must be finite and > 0")
	ErrBadVolume = errors.New("trade: volume must be finite and > 0")
	ErrNoSide    = errors.New("trade: side unset")

	ErrBadTimestamp = errors.New("trade: timestamp must be > 0")
)

// Trade: 统一后的"成交"模型，按值传递，构造后不再修改
//
// Timestamp 的单位由运行配置的 resolution 决定（默认毫秒）
type Trade struct {
	Src    string // "bybit" | "file" | "slice"
	Symbol string // 交易所原样，例如 BTCUSDT

	Price  float64 // 已经按价位量化过
	Volume float64 // 成交额（quote notional）

	Timestamp int64
	Side      Side
	TradeID   string // 可选，调试用
}

// Validate 在来源边界做校验；聚合器仍然会再检查一次 Side
func (t Trade) Validate() error {
	if math.IsNaN(t.Price) || math.IsInf(t.Price, 0) || t.Price <= 0 {
		return fmt.Errorf("%w: %v", ErrBadPrice, t.Price)
	}
	if math.IsNaN(t.Volume) || math.IsInf(t.Volume, 0) || t.Volume <= 0 {
		return fmt.Errorf("%w: %v", ErrBadVolume, t.Volume)
	}
	if !t.Side.Valid() {
		return ErrNoSide
	}
	if t.Timestamp <= 0 {
		return fmt.Errorf("%w: %d", ErrBadTimestamp, t.Timestamp)
	}
	return nil
}
