package breaker

import (
	"time"

	"github.com/sony/gobreaker/v2"
)

// ErrOpen 熔断打开时 Execute 直接返回这个错误
var ErrOpen = gobreaker.ErrOpenState

type Rule struct {
	// Half-Open 状态允许通过的探测请求数
	MaxRequests uint32 `mapstructure:"max_requests"`

	// Closed 状态计数窗口，<=0 表示不清零
	Interval time.Duration `mapstructure:"interval"`

	// Open 状态持续时间，到期进入 Half-Open
	Timeout time.Duration `mapstructure:"timeout"`

	// 连续失败多少次熔断
	TripConsecutiveFailures uint32 `mapstructure:"trip_consecutive_failures"`
}

func (r *Rule) withDefaults() {
	if r.MaxRequests == 0 {
		r.MaxRequests = 1
	}
	if r.Timeout <= 0 {
		r.Timeout = 30 * time.Second
	}
	if r.TripConsecutiveFailures == 0 {
		r.TripConsecutiveFailures = 8
	}
}

// New 创建熔断器。isSuccessful 决定哪些错误不算依赖不健康（比如 404），为 nil 时只有 nil 算成功
func New(name string, rule Rule, isSuccessful func(err error) bool) *gobreaker.CircuitBreaker[struct{}] {
	rule.withDefaults()
	if isSuccessful == nil {
		isSuccessful = func(err error) bool { return err == nil }
	}
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        name,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= rule.TripConsecutiveFailures
		},
		IsSuccessful: isSuccessful,
	})
}

// Do 在熔断器里执行 fn
func Do(cb *gobreaker.CircuitBreaker[struct{}], fn func() error) error {
	_, err := cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
