package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/datasource/bybit"
	"clusterx.com/internal/quotes/fanout"
	"clusterx.com/internal/quotes/pipeline"
	"clusterx.com/internal/quotes/storage/influxsink"
	"clusterx.com/internal/quotes/storage/redissink"
	"clusterx.com/pkg/config"
	"clusterx.com/pkg/xerr"
	"clusterx.com/pkg/xredis"
)

const serviceName = "cluster-builder"

// Cfg：config/cluster-builder.yaml
type Cfg struct {
	Symbol     string   `mapstructure:"symbol"`
	Timeframes []string `mapstructure:"timeframes"` // 60 / "5m" / "1h" 都可以
	DaysAgo    int      `mapstructure:"days_ago"`
	Resolution string   `mapstructure:"resolution"`
	// 非空时读本地文件，不下载
	Input    []string `mapstructure:"input"`
	FillGaps bool     `mapstructure:"fill_gaps"`
	// 一个缺口最多补多少个空窗口，<0 不限制
	MaxGapWindows int64 `mapstructure:"max_gap_windows"`

	Log struct {
		Level string `mapstructure:"level"`
		File  string `mapstructure:"file"`
	} `mapstructure:"log"`

	Output struct {
		Dir           string `mapstructure:"dir"`
		IncludeLevels bool   `mapstructure:"include_levels"`
		BufferSize    int    `mapstructure:"buffer_size"`
		// 写完后把 JSON 文件读回来核对条数
		Verify bool `mapstructure:"verify"`
	} `mapstructure:"output"`

	Fetcher bybit.FetcherConfig `mapstructure:"fetcher"`

	Fanout struct {
		BufferSize   int  `mapstructure:"buffer_size"`
		DropWhenFull bool `mapstructure:"drop_when_full"`
		WriterBuffer int  `mapstructure:"writer_buffer"`
	} `mapstructure:"fanout"`

	Metrics struct {
		Addr string `mapstructure:"addr"` // 为空不起 /metrics
	} `mapstructure:"metrics"`

	Influx struct {
		Enabled           bool `mapstructure:"enabled"`
		influxsink.Config `mapstructure:",squash"`
	} `mapstructure:"influx"`

	Redis struct {
		Enabled bool             `mapstructure:"enabled"`
		Conn    xredis.Config    `mapstructure:"conn"`
		Sink    redissink.Config `mapstructure:"sink"`
		// 同一个 symbol 同时只允许一个进程写
		LockTTL time.Duration `mapstructure:"lock_ttl"`
	} `mapstructure:"redis"`

	Nats struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
	} `mapstructure:"nats"`
}

var defaults = map[string]any{
	"symbol":             "BTCUSDT",
	"timeframes":         []string{"60", "300", "900", "3600"},
	"days_ago":           1,
	"resolution":         "ms",
	"fill_gaps":          true,
	"max_gap_windows":    100000,
	"log.level":          "info",
	"output.dir":         "output",
	"output.verify":      true,
	"fanout.buffer_size": 8192,
	"redis.lock_ttl":     "30s",
}

// 和配置 key 名字不一样的 flag
var flagKeys = map[string]string{
	"days_ago":   "days-ago",
	"output.dir": "out-dir",
	"log.level":  "log-level",
}

func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	fs.String("config", "", "config file (default config/cluster-builder.yaml)")
	fs.String("symbol", "", "symbol, e.g. BTCUSDT")
	fs.StringSlice("timeframes", nil, "timeframes in seconds or 1m/5m/1h, comma separated")
	fs.Int("days-ago", 0, "lookback in whole UTC days, today excluded")
	fs.String("resolution", "", "timestamp resolution: s|ms|us|ns")
	fs.String("out-dir", "", "output directory for the json files")
	fs.StringSlice("input", nil, "local .csv/.csv.gz files instead of downloading")
	fs.String("log-level", "", "debug|info|warn|error")
	return fs
}

// loadConfig 解析命令行 + 文件 + 环境变量
func loadConfig(args []string) (*Cfg, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	file, _ := fs.GetString("config")

	cfg := &Cfg{}
	// 只绑定用户真正给了的 flag，避免 flag 的零值盖掉配置文件
	set := pflag.NewFlagSet(serviceName, pflag.ContinueOnError)
	keys := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		set.AddFlag(f)
	})
	for key, name := range flagKeys {
		if set.Lookup(name) != nil {
			keys[key] = name
		}
	}
	if _, err := config.Load(serviceName, cfg, config.Options{
		File:     file,
		Flags:    set,
		FlagKeys: keys,
		Defaults: defaults,
		Optional: true,
	}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// pipelineConfig 把字符串配置转成强类型，非法值在这里挡住
func (c *Cfg) pipelineConfig() (pipeline.Config, error) {
	if strings.TrimSpace(c.Symbol) == "" {
		return pipeline.Config{}, xerr.New(xerr.Config, "symbol is required")
	}
	if len(c.Input) == 0 && c.DaysAgo <= 0 {
		return pipeline.Config{}, xerr.New(xerr.Config, fmt.Sprintf("days_ago must be positive, got %d", c.DaysAgo))
	}
	res, err := cluster.ParseResolution(c.Resolution)
	if err != nil {
		return pipeline.Config{}, err
	}
	tfs := make([]cluster.Timeframe, 0, len(c.Timeframes))
	for _, s := range c.Timeframes {
		tf, err := cluster.ParseTimeframe(strings.TrimSpace(s))
		if err != nil {
			return pipeline.Config{}, err
		}
		tfs = append(tfs, tf)
	}
	pc := pipeline.Config{
		Timeframes: tfs,
		Resolution: res,
		FillGaps:   c.FillGaps,
		MaxGap:     c.MaxGapWindows,
		Fanout: fanout.Config{
			BufferSize:   c.Fanout.BufferSize,
			DropWhenFull: c.Fanout.DropWhenFull,
		},
		WriterBuffer: c.Fanout.WriterBuffer,
	}
	if err := pc.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return pc, nil
}
