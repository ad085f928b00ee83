package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"clusterx.com/internal/quotes/datasource/model"
	"clusterx.com/pkg/xerr"
)

var (
	ErrStarted            = errors.New("fanout: distributor already started")
	ErrClosedUnexpectedly = xerr.NewErrCode(xerr.ChannelClosed)
)

// Config：背压策略
type Config struct {
	// 每个订阅者的缓冲
	BufferSize int
	// 缓冲满时：false 阻塞整个分发（默认），true 只对这个订阅者丢弃并计数
	DropWhenFull bool
}

// Distributor 把一个成交流按原顺序复制给每个订阅者。
// 单 goroutine 分发，所有订阅者看到的顺序一致。
type Distributor struct {
	cfg Config
	log *zap.Logger

	// onDrop：丢弃时的回调（指标），参数是订阅者名字
	onDrop func(name string)

	mu      sync.Mutex
	started bool
	subs    []*Subscription

	received atomic.Int64
}

type Option func(*Distributor)

func WithLogger(l *zap.Logger) Option {
	return func(d *Distributor) {
		if l != nil {
			d.log = l
		}
	}
}

func WithDropHook(fn func(name string)) Option {
	return func(d *Distributor) { d.onDrop = fn }
}

func New(cfg Config, opts ...Option) *Distributor {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 8192
	}
	d := &Distributor{cfg: cfg, log: zap.NewNop()}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Subscribe 只能在 Run 之前调用，所以不存在"晚到的订阅者漏掉成交"
func (d *Distributor) Subscribe(name string) (*Subscription, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return nil, ErrStarted
	}
	s := &Subscription{
		name:      name,
		ch:        make(chan model.Trade, d.cfg.BufferSize),
		cancelled: make(chan struct{}),
	}
	d.subs = append(d.subs, s)
	return s, nil
}

// Run 阻塞直到 in 关闭或 ctx 取消，返回前关闭所有订阅者的 channel。
//   - in 关闭：所有订阅标记为完成，返回 nil
//   - ctx 取消：不标记完成，订阅者的 Err() 返回 ErrClosedUnexpectedly
func (d *Distributor) Run(ctx context.Context, in <-chan model.Trade) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return ErrStarted
	}
	d.started = true
	subs := d.subs
	d.mu.Unlock()

	defer func() {
		for _, s := range subs {
			close(s.ch)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			d.log.Warn("distributor cancelled before input finished", zap.Error(ctx.Err()))
			return ctx.Err()
		case t, ok := <-in:
			if !ok {
				for _, s := range subs {
					s.completed.Store(true)
				}
				return nil
			}
			d.received.Add(1)
			for _, s := range subs {
				if err := d.deliver(ctx, s, t); err != nil {
					d.log.Warn("distributor cancelled while delivering", zap.String("sub", s.name), zap.Error(err))
					return err
				}
			}
		}
	}
}

// Received 从输入读到的成交数
func (d *Distributor) Received() int64 { return d.received.Load() }

func (d *Distributor) deliver(ctx context.Context, s *Subscription, t model.Trade) error {
	// 已经放弃的订阅者直接跳过，避免一个失败的 timeframe 拖住其它的
	select {
	case <-s.cancelled:
		return nil
	default:
	}

	if d.cfg.DropWhenFull {
		select {
		case s.ch <- t:
			s.delivered.Add(1)
		default:
			if s.dropped.Add(1) == 1 {
				d.log.Warn("subscriber buffer full, dropping trades",
					zap.String("sub", s.name), zap.Int("buffer", cap(s.ch)))
			}
			if d.onDrop != nil {
				d.onDrop(s.name)
			}
		}
		return nil
	}

	select {
	case s.ch <- t:
		s.delivered.Add(1)
		return nil
	case <-s.cancelled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Subscription：一个订阅者的只读视图
type Subscription struct {
	name string
	ch   chan model.Trade

	cancelled  chan struct{}
	cancelOnce sync.Once

	completed atomic.Bool
	dropped   atomic.Int64
	delivered atomic.Int64
}

func (s *Subscription) Name() string { return s.name }

// C 分发结束后会被关闭
func (s *Subscription) C() <-chan model.Trade { return s.ch }

// Cancel 订阅者不再消费；之后分发会跳过它。可以重复调用
func (s *Subscription) Cancel() {
	s.cancelOnce.Do(func() { close(s.cancelled) })
}

// Err 在 C 关闭之后调用：正常结束为 nil，否则 ErrClosedUnexpectedly
func (s *Subscription) Err() error {
	if s.completed.Load() {
		return nil
	}
	return ErrClosedUnexpectedly
}

func (s *Subscription) Dropped() int64   { return s.dropped.Load() }
func (s *Subscription) Delivered() int64 { return s.delivered.Load() }
