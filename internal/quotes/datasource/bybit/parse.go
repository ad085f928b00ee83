package bybit

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/datasource/model"
)

// 归档 CSV 的列：
// timestamp,symbol,side,size,price,tickDirection,trdMatchID,grossValue,homeNotional,foreignNotional
const (
	colTimestamp = 0
	colSymbol    = 1
	colSide      = 2
	colPrice     = 4
	colMatchID   = 6
	colNotional  = 9 // 成交额，作为 volume
	minColumns   = 10
)

var (
	ErrShortRow = errors.New("bybit: row has too few columns")
	ErrHeader   = errors.New("bybit: header row")
)

var (
	ten  = decimal.NewFromInt(10)
	five = decimal.NewFromInt(5)
)

// RoundPrice 价位量化：> 10000 取整到 10，> 1000 取整到 5，其余不变
func RoundPrice(p decimal.Decimal) decimal.Decimal {
	switch {
	case p.GreaterThan(decimal.NewFromInt(10_000)):
		return p.Div(ten).Round(0).Mul(ten)
	case p.GreaterThan(decimal.NewFromInt(1_000)):
		return p.Div(five).Round(0).Mul(five)
	default:
		return p
	}
}

// ParseRecord 把一行 CSV 转成 Trade。
// 时间戳是带小数的秒，按 res 换算并截断；不合法的行在这里就拒绝
func ParseRecord(rec []string, res cluster.Resolution) (model.Trade, error) {
	if len(rec) < minColumns {
		return model.Trade{}, fmt.Errorf("%w: got %d", ErrShortRow, len(rec))
	}
	if rec[colTimestamp] == "timestamp" {
		return model.Trade{}, ErrHeader
	}

	ts, err := decimal.NewFromString(strings.TrimSpace(rec[colTimestamp]))
	if err != nil {
		return model.Trade{}, fmt.Errorf("bybit: timestamp %q: %w", rec[colTimestamp], err)
	}
	price, err := decimal.NewFromString(strings.TrimSpace(rec[colPrice]))
	if err != nil {
		return model.Trade{}, fmt.Errorf("bybit: price %q: %w", rec[colPrice], err)
	}
	volume, err := strconv.ParseFloat(strings.TrimSpace(rec[colNotional]), 64)
	if err != nil {
		return model.Trade{}, fmt.Errorf("bybit: volume %q: %w", rec[colNotional], err)
	}

	t := model.Trade{
		Src:       "bybit",
		Symbol:    rec[colSymbol],
		Price:     RoundPrice(price).InexactFloat64(),
		Volume:    volume,
		Timestamp: ts.Shift(res.Exponent()).IntPart(),
		Side:      model.ParseSide(rec[colSide]),
		TradeID:   rec[colMatchID],
	}
	if err := t.Validate(); err != nil {
		return model.Trade{}, err
	}
	return t, nil
}
