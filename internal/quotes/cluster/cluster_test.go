package cluster

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterx.com/internal/quotes/datasource/model"
)

func tr(price, vol float64, side model.Side, ts int64) model.Trade {
	return model.Trade{Symbol: "BTCUSDT", Price: price, Volume: vol, Side: side, Timestamp: ts}
}

func TestLevel_Accumulate(t *testing.T) {
	l, err := NewLevel(tr(100, 1, model.SideBuy, 1))
	require.NoError(t, err)
	require.NoError(t, l.Apply(tr(100, 2, model.SideSell, 2)))
	require.NoError(t, l.Apply(tr(100, 0.5, model.SideBuy, 3)))

	assert.InDelta(t, 3.5, l.Volume, 1e-9)
	assert.InDelta(t, -0.5, l.VolumeDelta, 1e-9)
	assert.Equal(t, uint64(2), l.BuyTrades)
	assert.Equal(t, uint64(1), l.SellTrades)
	assert.Equal(t, int64(1), l.TradesDelta)

	t.Run("invalid_side", func(t *testing.T) {
		_, err := NewLevel(tr(100, 1, model.SideUnset, 1))
		assert.ErrorIs(t, err, ErrInvalidSide)

		before := l
		assert.ErrorIs(t, l.Apply(tr(100, 1, model.Side(7), 4)), ErrInvalidSide)
		assert.Equal(t, before, l, "非法方向不能改动价位")
	})
}

func TestCluster_ThreeTradeScenario(t *testing.T) {
	c := NewCluster(0, 60_000)
	require.NoError(t, c.Apply(tr(100, 1, model.SideBuy, 10)))
	require.NoError(t, c.Apply(tr(100, 2, model.SideSell, 20)))
	require.NoError(t, c.Apply(tr(105, 1, model.SideBuy, 30)))
	require.NoError(t, c.Finalize())

	levels := c.Levels()
	require.Len(t, levels, 2)

	assert.Equal(t, 100.0, levels[0].Price)
	assert.Equal(t, 3.0, levels[0].Volume)
	assert.Equal(t, -1.0, levels[0].VolumeDelta)
	assert.Equal(t, int64(0), levels[0].TradesDelta)

	assert.Equal(t, 105.0, levels[1].Price)
	assert.Equal(t, 1.0, levels[1].Volume)
	assert.Equal(t, 1.0, levels[1].VolumeDelta)
	assert.Equal(t, int64(1), levels[1].TradesDelta)

	st, ok := c.Stats()
	require.True(t, ok)
	assert.Equal(t, 100.0, st.POC.Price)
	assert.Equal(t, 0, st.POCIndex)
	assert.Equal(t, 2, st.Height)
	assert.Equal(t, ZoneTop, st.PressureZone)
	assert.Equal(t, 4.0, st.TotalVolume)
	assert.Equal(t, 0.0, st.TotalVolumeDelta)
	assert.Equal(t, int64(1), st.TotalTradesDelta)
	assert.False(t, st.Empty)
	assert.Equal(t, int64(3), c.Trades)
	assert.Equal(t, int64(30), c.LastTradeTs)
}

func TestCluster_SortedAndHeight(t *testing.T) {
	c := NewCluster(0, 1000)
	for _, p := range []float64{110, 90, 105, 90, 100, 120, 95} {
		require.NoError(t, c.Apply(tr(p, 1, model.SideBuy, 1)))
	}
	require.NoError(t, c.Finalize())

	levels := c.Levels()
	st, _ := c.Stats()
	assert.Equal(t, len(levels), st.Height)
	for i := 1; i < len(levels); i++ {
		assert.Less(t, levels[i-1].Price, levels[i].Price, "价位必须严格升序")
	}
	// 90 出现两次，成交量最大
	assert.Equal(t, 90.0, st.POC.Price)
	for _, l := range levels {
		assert.GreaterOrEqual(t, st.POC.Volume, l.Volume)
	}
}

func TestCluster_POCTieBreakLowestPrice(t *testing.T) {
	c := NewCluster(0, 1000)
	// 插入顺序故意把高价放前面
	require.NoError(t, c.Apply(tr(120, 5, model.SideBuy, 1)))
	require.NoError(t, c.Apply(tr(101, 1, model.SideSell, 2)))
	require.NoError(t, c.Apply(tr(110, 5, model.SideSell, 3)))
	require.NoError(t, c.Finalize())

	st, _ := c.Stats()
	assert.Equal(t, 110.0, st.POC.Price)
	assert.Equal(t, 1, st.POCIndex)
	assert.Equal(t, ZoneMiddle, st.PressureZone) // 1/3 ≈ 0.333
}

func TestCluster_FinalizeOnce(t *testing.T) {
	c := NewCluster(0, 1000)
	require.NoError(t, c.Apply(tr(100, 1, model.SideBuy, 1)))
	require.NoError(t, c.Finalize())
	first, _ := c.Stats()

	assert.ErrorIs(t, c.Finalize(), ErrAlreadyFinalized)
	second, _ := c.Stats()
	assert.Equal(t, first, second, "第二次 finalize 不能改动结果")

	assert.ErrorIs(t, c.Apply(tr(100, 1, model.SideBuy, 2)), ErrSealed)
	assert.Equal(t, int64(1), c.Trades)
}

func TestCluster_EmptyBucket(t *testing.T) {
	c := NewCluster(60_000, 120_000)
	assert.Nil(t, c.levels, "空窗口不预分配")
	assert.Nil(t, c.index)
	_, ok := c.Stats()
	assert.False(t, ok)

	assert.ErrorIs(t, c.Finalize(), ErrEmptyBucket)
	st, ok := c.Stats()
	require.True(t, ok)
	assert.True(t, st.Empty)
	assert.Equal(t, 0, st.Height)
	assert.Equal(t, 0.0, st.TotalVolume)
	assert.True(t, c.Finalized())
}

func TestClassifyPressure_Boundaries(t *testing.T) {
	cases := []struct {
		idx, height int
		want        PressureZone
	}{
		{0, 1, ZoneTop},
		{32, 100, ZoneTop},
		{33, 100, ZoneMiddle}, // 正好 0.33
		{50, 100, ZoneMiddle},
		{66, 100, ZoneMiddle}, // 正好 0.66
		{67, 100, ZoneBottom},
		{2, 3, ZoneBottom},
		{0, 0, ZoneMiddle},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ClassifyPressure(tc.idx, tc.height), "idx=%d height=%d", tc.idx, tc.height)
	}
}

func TestToDTO_JSONShape(t *testing.T) {
	c := NewCluster(0, 60_000)
	require.NoError(t, c.Apply(tr(100, 1, model.SideBuy, 10)))
	require.NoError(t, c.Finalize())

	raw, err := json.Marshal(ToDTO(c, false))
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Equal(t, "Top", m["pressure_zone"])
	assert.Equal(t, float64(60_000), m["ts"])
	assert.Equal(t, float64(10), m["last_trade_ts"])
	assert.NotContains(t, m, "levels")

	raw, err = json.Marshal(ToDTO(c, true))
	require.NoError(t, err)
	var dto ClusterDTO
	require.NoError(t, json.Unmarshal(raw, &dto))
	assert.Len(t, dto.Levels, 1)
	assert.Equal(t, ZoneTop, dto.PressureZone)
}
