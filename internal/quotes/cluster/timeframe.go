package cluster

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"clusterx.com/pkg/xerr"
)

// Timeframe：窗口长度，单位秒
type Timeframe int64

func (tf Timeframe) Duration() time.Duration { return time.Duration(tf) * time.Second }

// String 归一化成文件名/topic/指标里用的标签：1m 5m 1h 1d，其余 <n>s
func (tf Timeframe) String() string {
	switch tf {
	case 60:
		return "1m"
	case 300:
		return "5m"
	case 900:
		return "15m"
	case 3600:
		return "1h"
	case 4 * 3600:
		return "4h"
	case 86400:
		return "1d"
	}
	return fmt.Sprintf("%ds", int64(tf))
}

func (tf Timeframe) Validate() error {
	if tf <= 0 {
		return xerr.New(xerr.Config, fmt.Sprintf("timeframe must be > 0, got %d", int64(tf)))
	}
	return nil
}

// ParseTimeframe 接受纯秒数（"300"）或 duration 写法（"5m" "1h" "1d"）
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		tf := Timeframe(n)
		return tf, tf.Validate()
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.ParseInt(days, 10, 64)
		if err != nil {
			return 0, xerr.Wrap(err, xerr.Config, "bad timeframe "+strconv.Quote(s))
		}
		tf := Timeframe(n * 86400)
		return tf, tf.Validate()
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, xerr.Wrap(err, xerr.Config, "bad timeframe "+strconv.Quote(s))
	}
	if d%time.Second != 0 {
		return 0, xerr.New(xerr.Config, "timeframe must be whole seconds: "+s)
	}
	tf := Timeframe(d / time.Second)
	return tf, tf.Validate()
}
