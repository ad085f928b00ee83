package cluster

import "clusterx.com/internal/quotes/datasource/model"

// Level：bucket 内某一个价位的累计量
// 同一价位第一次出现时创建，之后原地累加，不会删除
type Level struct {
	Price       float64 `json:"price"`
	Volume      float64 `json:"volume"`
	VolumeDelta float64 `json:"volume_delta"` // 买 - 卖
	BuyTrades   uint64  `json:"buy_trades"`
	SellTrades  uint64  `json:"sell_trades"`
	TradesDelta int64   `json:"trades_delta"` // 买笔数 - 卖笔数
}

// NewLevel 用第一笔成交初始化价位
func NewLevel(t model.Trade) (Level, error) {
	l := Level{Price: t.Price}
	if err := l.Apply(t); err != nil {
		return Level{}, err
	}
	return l, nil
}

// Apply 把一笔成交累加到价位上，不检查价格是否一致（由 Cluster 保证）
func (l *Level) Apply(t model.Trade) error {
	switch t.Side {
	case model.SideBuy:
		l.VolumeDelta += t.Volume
		l.BuyTrades++
		l.TradesDelta++
	case model.SideSell:
		l.VolumeDelta -= t.Volume
		l.SellTrades++
		l.TradesDelta--
	default:
		return ErrInvalidSide
	}
	l.Volume += t.Volume
	return nil
}
