package pipeline

import (
	"fmt"

	"clusterx.com/internal/quotes/cluster"
	"clusterx.com/internal/quotes/fanout"
	"clusterx.com/pkg/xerr"
)

// Config：流水线参数
type Config struct {
	Timeframes []cluster.Timeframe
	Resolution cluster.Resolution

	// 空窗口是否输出为 empty cluster
	FillGaps bool
	// 一个缺口最多补多少个空窗口，0 用 cluster.DefaultMaxGap，<0 不限制
	MaxGap int64

	Fanout fanout.Config
	// 聚合器 -> 写入协程之间的缓冲
	WriterBuffer int
}

func (c *Config) Validate() error {
	if len(c.Timeframes) == 0 {
		return xerr.New(xerr.Config, "at least one timeframe is required")
	}
	seen := make(map[cluster.Timeframe]struct{}, len(c.Timeframes))
	for _, tf := range c.Timeframes {
		if err := tf.Validate(); err != nil {
			return err
		}
		if _, dup := seen[tf]; dup {
			return xerr.New(xerr.Config, fmt.Sprintf("duplicate timeframe %s", tf))
		}
		seen[tf] = struct{}{}
	}
	if c.MaxGap == 0 {
		c.MaxGap = cluster.DefaultMaxGap
	}
	if c.WriterBuffer <= 0 {
		c.WriterBuffer = 1024
	}
	return nil
}
