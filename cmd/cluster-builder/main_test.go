package main

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/pipeline"
	"clusterx.com/internal/quotes/storage/jsonsink"
	"clusterx.com/pkg/jsonarray"
	"clusterx.com/pkg/xerr"
)

const sampleCSV = `timestamp,symbol,side,size,price,tickDirection,trdMatchID,grossValue,homeNotional,foreignNotional
1704067200.1,BTCUSDT,Buy,0.01,42003.5,PlusTick,id-1,4.2e+10,0.01,420.035
1704067200.5,BTCUSDT,Sell,0.02,42001,MinusTick,id-2,8.4e+10,0.02,840.02
1704067201,BTCUSDT,Hold,0.02,42001,MinusTick,id-3,8.4e+10,0.02,840.02
1704067260.2,BTCUSDT,Buy,0.03,42010,PlusTick,id-4,1.2e+11,0.03,1260.3
`

func TestLoadConfig(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("defaults", func(t *testing.T) {
		cfg, err := loadConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", cfg.Symbol)
		assert.Equal(t, []string{"60", "300", "900", "3600"}, cfg.Timeframes)
		assert.Equal(t, 1, cfg.DaysAgo)
		assert.Equal(t, "output", cfg.Output.Dir)
		assert.True(t, cfg.FillGaps)
		assert.Equal(t, int64(100000), cfg.MaxGapWindows)
		assert.True(t, cfg.Output.Verify)
	})

	t.Run("file_and_flags", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "cb.yaml")
		body := "symbol: ETHUSDT\ntimeframes: [60, 5m]\ndays_ago: 3\noutput:\n  dir: /from/file\n  include_levels: true\n"
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

		cfg, err := loadConfig([]string{"--config", path, "--days-ago", "7", "--timeframes", "1h,4h"})
		require.NoError(t, err)
		assert.Equal(t, "ETHUSDT", cfg.Symbol)
		assert.Equal(t, 7, cfg.DaysAgo)
		assert.Equal(t, []string{"1h", "4h"}, cfg.Timeframes)
		assert.Equal(t, "/from/file", cfg.Output.Dir, "没给的 flag 不能覆盖文件")
		assert.True(t, cfg.Output.IncludeLevels)
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("CLUSTER_BUILDER_SYMBOL", "SOLUSDT")
		cfg, err := loadConfig(nil)
		require.NoError(t, err)
		assert.Equal(t, "SOLUSDT", cfg.Symbol)
	})

	t.Run("bad_flag", func(t *testing.T) {
		_, err := loadConfig([]string{"--nope"})
		assert.Error(t, err)
	})
}

func TestPipelineConfig(t *testing.T) {
	base := func() *Cfg {
		return &Cfg{Symbol: "BTCUSDT", Timeframes: []string{"60", "5m"}, DaysAgo: 1, Resolution: "ms"}
	}

	pc, err := base().pipelineConfig()
	require.NoError(t, err)
	assert.Equal(t, []cluster.Timeframe{60, 300}, pc.Timeframes)
	assert.Equal(t, cluster.Millisecond, pc.Resolution)

	cases := map[string]func(c *Cfg){
		"no_symbol":      func(c *Cfg) { c.Symbol = " " },
		"no_days":        func(c *Cfg) { c.DaysAgo = 0 },
		"bad_resolution": func(c *Cfg) { c.Resolution = "fortnight" },
		"bad_timeframe":  func(c *Cfg) { c.Timeframes = []string{"abc"} },
		"duplicate":      func(c *Cfg) { c.Timeframes = []string{"60", "1m"} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := base()
			mutate(c)
			_, err := c.pipelineConfig()
			require.Error(t, err)
			assert.Equal(t, xerr.Config, xerr.CodeOf(err))
		})
	}

	t.Run("input_needs_no_lookback", func(t *testing.T) {
		c := base()
		c.DaysAgo = 0
		c.Input = []string{"a.csv"}
		_, err := c.pipelineConfig()
		assert.NoError(t, err)
	})
}

func TestSummarize(t *testing.T) {
	ctx := context.Background()
	ok := &pipeline.Report{Results: []pipeline.Result{{Timeframe: 60}}, Elapsed: time.Second}
	failed := &pipeline.Report{Results: []pipeline.Result{{Timeframe: 60}, {Timeframe: 300, Err: errors.New("disk full")}}}

	missingDay := sourceSummary{
		Failed:   []string{"BTCUSDT2024-01-01"},
		Err:      errors.New("BTCUSDT2024-01-01: 404"),
		Rows:     10,
		Rejected: 2,
	}
	assert.Equal(t, 0, summarize(ctx, ok, nil, sourceSummary{}))
	assert.Equal(t, 0, summarize(ctx, ok, nil, missingDay), "缺一天不算失败")
	assert.Equal(t, 1, summarize(ctx, failed, nil, sourceSummary{}))
	assert.Equal(t, 1, summarize(ctx, ok, context.Canceled, sourceSummary{}))
	assert.Equal(t, 1, summarize(ctx, nil, errors.New("boom"), sourceSummary{}))
}

func TestRun_LocalInput(t *testing.T) {
	t.Chdir(t.TempDir())
	in := filepath.Join(t.TempDir(), "BTCUSDT2024-01-01.csv")
	require.NoError(t, os.WriteFile(in, []byte(sampleCSV), 0o644))
	out := t.TempDir()

	code := run([]string{"--input", in, "--out-dir", out, "--timeframes", "1m,5m", "--log-level", "error"})
	require.Equal(t, 0, code)

	recs, err := jsonarray.ReadAll(filepath.Join(out, "BTCUSDT-1m-1dago-clusters.json"))
	require.NoError(t, err)
	assert.Len(t, recs, 2)

	recs, err = jsonarray.ReadAll(filepath.Join(out, "BTCUSDT-5m-1dago-clusters.json"))
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestRun_BadConfig(t *testing.T) {
	t.Chdir(t.TempDir())
	assert.Equal(t, 2, run([]string{"--resolution", "fortnight", "--log-level", "error"}))
	assert.Equal(t, 2, run([]string{"--unknown"}))
}

func TestVerifyOutputs(t *testing.T) {
	dir := t.TempDir()
	js, err := jsonsink.NewFactory(jsonsink.Config{Dir: dir, Symbol: "BTCUSDT", DaysAgo: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(js.Path(60), []byte(`[{"ts":60000}]`), 0o644))
	require.NoError(t, os.WriteFile(js.Path(300), []byte(`[{"ts":300000}]`), 0o644))

	rep := &pipeline.Report{Results: []pipeline.Result{
		{Timeframe: 60, Clusters: 1},
		{Timeframe: 300, Clusters: 4},
		{Timeframe: 900, Err: errors.New("already failed")},
	}}
	verifyOutputs(context.Background(), js, rep)

	assert.NoError(t, rep.Results[0].Err)
	assert.ErrorIs(t, rep.Results[1].Err, jsonsink.ErrCountMismatch)
	assert.EqualError(t, rep.Results[2].Err, "already failed", "失败的 timeframe 不再核对")
}
