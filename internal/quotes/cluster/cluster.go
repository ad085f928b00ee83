package cluster

import (
	"fmt"
	"sort"

	"clusterx.com/internal/quotes/datasource/model"
)

// Stats：Finalize 之后才有的统计量
type Stats struct {
	POC              Level
	POCIndex         int
	PressureZone     PressureZone
	Height           int // 价位个数
	TotalVolume      float64
	TotalVolumeDelta float64
	TotalTradesDelta int64
	Empty            bool
}

// Cluster：一个时间窗 [StartTs, Ts) 内的成交量分布
//
// 生命周期：Apply* → Finalize（只能一次）→ 只读
// Finalize 之后 levels 按价格升序，index 不再使用
type Cluster struct {
	StartTs     int64
	Ts          int64 // 窗口结束（不含）
	LastTradeTs int64
	Trades      int64

	levels []Level
	index  map[float64]int // price -> levels 下标
	stats  *Stats
}

// NewCluster 不预分配，空窗口几乎不占内存；第一笔成交进来时才建 index
func NewCluster(startTs, endTs int64) *Cluster {
	return &Cluster{StartTs: startTs, Ts: endTs}
}

// Apply 把一笔成交累加到对应价位；同价位合并，新价位追加
func (c *Cluster) Apply(t model.Trade) error {
	if c.stats != nil {
		return ErrSealed
	}
	if i, ok := c.index[t.Price]; ok {
		if err := c.levels[i].Apply(t); err != nil {
			return err
		}
	} else {
		l, err := NewLevel(t)
		if err != nil {
			return err
		}
		if c.index == nil {
			c.index = make(map[float64]int, 16)
		}
		c.index[t.Price] = len(c.levels)
		c.levels = append(c.levels, l)
	}
	c.Trades++
	if t.Timestamp > c.LastTradeTs {
		c.LastTradeTs = t.Timestamp
	}
	return nil
}

// Finalize 排序并计算统计量，只能调用一次。
// 空 bucket 返回 ErrEmptyBucket，但仍然是一个已封口的结果（Empty=true，统计量为零）
func (c *Cluster) Finalize() error {
	if c.stats != nil {
		return ErrAlreadyFinalized
	}
	c.index = nil

	n := len(c.levels)
	if n == 0 {
		c.stats = &Stats{Empty: true, PressureZone: ClassifyPressure(0, 0)}
		return ErrEmptyBucket
	}

	sort.Slice(c.levels, func(i, j int) bool { return c.levels[i].Price < c.levels[j].Price })

	st := &Stats{Height: n}
	for i, l := range c.levels {
		// 严格大于：成交量相同时保留价格更低的那个
		if i == 0 || l.Volume > st.POC.Volume {
			st.POC = l
			st.POCIndex = i
		}
		st.TotalVolume += l.Volume
		st.TotalVolumeDelta += l.VolumeDelta
		st.TotalTradesDelta += l.TradesDelta
	}
	st.PressureZone = ClassifyPressure(st.POCIndex, n)
	c.stats = st
	return nil
}

func (c *Cluster) Finalized() bool { return c.stats != nil }

// Stats 返回统计量；未 Finalize 时 ok=false
func (c *Cluster) Stats() (Stats, bool) {
	if c.stats == nil {
		return Stats{}, false
	}
	return *c.stats, true
}

// Levels 返回价位的拷贝（Finalize 之后是升序）
func (c *Cluster) Levels() []Level {
	out := make([]Level, len(c.levels))
	copy(out, c.levels)
	return out
}

func (c *Cluster) Len() int { return len(c.levels) }

// String：仅用于打印/调试
func (c *Cluster) String() string {
	st, ok := c.Stats()
	if !ok {
		return fmt.Sprintf("[%d,%d) open levels=%d trades=%d", c.StartTs, c.Ts, len(c.levels), c.Trades)
	}
	return fmt.Sprintf("[%d,%d) poc=%v zone=%s h=%d v=%v dv=%v",
		c.StartTs, c.Ts, st.POC.Price, st.PressureZone, st.Height, st.TotalVolume, st.TotalVolumeDelta)
}

// ClusterDTO：落盘/发布用的形状
type ClusterDTO struct {
	Ts               int64        `json:"ts"`
	StartTs          int64        `json:"start_ts"`
	LastTradeTs      int64        `json:"last_trade_ts"`
	Trades           int64        `json:"trades"`
	Empty            bool         `json:"empty"`
	POC              Level        `json:"poc"`
	PressureZone     PressureZone `json:"pressure_zone"`
	Height           int          `json:"height"`
	TotalVolume      float64      `json:"total_volume"`
	TotalVolumeDelta float64      `json:"total_volume_delta"`
	TotalTradesDelta int64        `json:"total_trades_delta"`
	Levels           []Level      `json:"levels,omitempty"`
}

// ToDTO：未 Finalize 的 cluster 输出零统计量
func ToDTO(c *Cluster, includeLevels bool) ClusterDTO {
	st, _ := c.Stats()
	dto := ClusterDTO{
		Ts:               c.Ts,
		StartTs:          c.StartTs,
		LastTradeTs:      c.LastTradeTs,
		Trades:           c.Trades,
		Empty:            st.Empty,
		POC:              st.POC,
		PressureZone:     st.PressureZone,
		Height:           st.Height,
		TotalVolume:      st.TotalVolume,
		TotalVolumeDelta: st.TotalVolumeDelta,
		TotalTradesDelta: st.TotalTradesDelta,
	}
	if includeLevels {
		dto.Levels = c.Levels()
	}
	return dto
}
