package jsonsink

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/datasource/model"
	"clusterx.com/internal/quotes/storage"
	"clusterx.com/pkg/jsonarray"
)

func finalized(t *testing.T, start int64, prices ...float64) *cluster.Cluster {
	t.Helper()
	c := cluster.NewCluster(start, start+60_000)
	for i, p := range prices {
		require.NoError(t, c.Apply(model.Trade{Price: p, Volume: 1, Side: model.SideBuy, Timestamp: start + int64(i)}))
	}
	err := c.Finalize()
	if len(prices) == 0 {
		require.ErrorIs(t, err, cluster.ErrEmptyBucket)
	} else {
		require.NoError(t, err)
	}
	return c
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "BTCUSDT-1m-3dago-clusters.json", FileName("BTCUSDT", 60, 3))
	assert.Equal(t, "ETHUSDT-90s-1dago-clusters.json", FileName("ETHUSDT", 90, 1))
}

func TestWriter_Commit(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	f, err := NewFactory(Config{Dir: dir, Symbol: "BTCUSDT", DaysAgo: 2}, nil)
	require.NoError(t, err)

	w, err := f.Open(ctx, 60)
	require.NoError(t, err)

	partial := filepath.Join(dir, "BTCUSDT-1m-2dago-clusters.json.partial")
	final := filepath.Join(dir, "BTCUSDT-1m-2dago-clusters.json")
	assert.FileExists(t, partial)

	require.NoError(t, w.Write(ctx, finalized(t, 0, 100, 101)))
	require.NoError(t, w.Write(ctx, finalized(t, 60_000)))
	require.NoError(t, w.Write(ctx, finalized(t, 120_000, 99)))
	require.NoError(t, w.Commit(ctx))
	require.NoError(t, w.Commit(ctx), "重复 Commit 无害")

	assert.NoFileExists(t, partial)
	raw, err := os.ReadFile(final)
	require.NoError(t, err)

	var got []cluster.ClusterDTO
	require.NoError(t, json.Unmarshal(raw, &got), "输出必须是合法 JSON 数组")
	require.Len(t, got, 3)
	assert.Equal(t, int64(60_000), got[0].Ts)
	assert.True(t, got[1].Empty)
	assert.Equal(t, 99.0, got[2].POC.Price)
	assert.Empty(t, got[0].Levels)
	assert.NotContains(t, string(raw), ",]")
}

func TestWriter_EmptyOutputIsEmptyArray(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	f, err := NewFactory(Config{Dir: dir, Symbol: "BTCUSDT", DaysAgo: 1}, nil)
	require.NoError(t, err)
	w, err := f.Open(ctx, 300)
	require.NoError(t, err)
	require.NoError(t, w.Commit(ctx))

	raw, err := os.ReadFile(filepath.Join(dir, "BTCUSDT-5m-1dago-clusters.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(raw))
}

func TestWriter_IncludeLevels(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	f, err := NewFactory(Config{Dir: dir, Symbol: "BTCUSDT", DaysAgo: 1, IncludeLevels: true}, nil)
	require.NoError(t, err)
	w, err := f.Open(ctx, 60)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, finalized(t, 0, 100, 105, 100)))
	require.NoError(t, w.Commit(ctx))

	recs, err := jsonarray.ReadAll(filepath.Join(dir, "BTCUSDT-1m-1dago-clusters.json"))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	var dto cluster.ClusterDTO
	require.NoError(t, json.Unmarshal(recs[0], &dto))
	require.Len(t, dto.Levels, 2)
	assert.Equal(t, 2.0, dto.Levels[0].Volume)
}

func TestWriter_AbortMarksIncomplete(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	f, err := NewFactory(Config{Dir: dir, Symbol: "BTCUSDT", DaysAgo: 1}, nil)
	require.NoError(t, err)
	w, err := f.Open(ctx, 60)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, finalized(t, 0, 100)))
	require.NoError(t, w.Abort(ctx, errors.New("upstream closed")))

	final := filepath.Join(dir, "BTCUSDT-1m-1dago-clusters.json")
	assert.NoFileExists(t, final)
	assert.NoFileExists(t, final+".partial")
	assert.FileExists(t, final+".incomplete")

	st, err := jsonarray.Replay(final+".incomplete", jsonarray.ReplayOptions{AllowTruncatedTail: true},
		func([]byte) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, 1, st.Records)
	assert.True(t, st.TruncatedTail)
}

func TestWriter_PrepareThenAbort(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	f, err := NewFactory(Config{Dir: dir, Symbol: "BTCUSDT", DaysAgo: 1}, nil)
	require.NoError(t, err)
	w, err := f.Open(ctx, 60)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, finalized(t, 0, 100)))

	p, ok := w.(storage.Preparer)
	require.True(t, ok)
	require.NoError(t, p.Prepare(ctx))

	final := filepath.Join(dir, "BTCUSDT-1m-1dago-clusters.json")
	assert.NoFileExists(t, final, "Prepare 之后还不能出现正式文件")
	assert.FileExists(t, final+".partial")

	require.NoError(t, w.Abort(ctx, errors.New("influx flush failed")))
	assert.NoFileExists(t, final)
	assert.FileExists(t, final+".incomplete")
}

func TestWriter_FailedCommitCanStillAbort(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	f, err := NewFactory(Config{Dir: dir, Symbol: "BTCUSDT", DaysAgo: 1}, nil)
	require.NoError(t, err)
	w, err := f.Open(ctx, 60)
	require.NoError(t, err)

	// 正式文件名被一个非空目录占着，rename 会失败
	final := filepath.Join(dir, "BTCUSDT-1m-1dago-clusters.json")
	require.NoError(t, os.MkdirAll(filepath.Join(final, "x"), 0o755))

	err = w.Commit(ctx)
	require.ErrorIs(t, err, storage.ErrPersistence)

	require.NoError(t, w.Abort(ctx, err))
	assert.FileExists(t, final+".incomplete")
	assert.NoFileExists(t, final+".partial")
}

func TestFactory_Verify(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	f, err := NewFactory(Config{Dir: dir, Symbol: "BTCUSDT", DaysAgo: 1}, nil)
	require.NoError(t, err)
	w, err := f.Open(ctx, 60)
	require.NoError(t, err)
	require.NoError(t, w.Write(ctx, finalized(t, 0, 100)))
	require.NoError(t, w.Write(ctx, finalized(t, 60_000)))
	require.NoError(t, w.Commit(ctx))

	assert.NoError(t, f.Verify(60, 2))
	err = f.Verify(60, 3)
	assert.ErrorIs(t, err, ErrCountMismatch)
	assert.ErrorIs(t, err, storage.ErrPersistence)

	// 没有 Commit 的 timeframe 没有正式文件
	assert.ErrorIs(t, f.Verify(300, 0), os.ErrNotExist)

	// 被截断的文件
	require.NoError(t, os.WriteFile(f.Path(900), []byte(`[{"ts":1},{"ts":2}`), 0o644))
	assert.Error(t, f.Verify(900, 2))
}
