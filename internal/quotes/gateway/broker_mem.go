package gateway

import (
	"context"
	"sync"
	"sync/atomic"
)

type MemBroker struct {
	mu   sync.RWMutex
	subs map[string][]chan Message

	dropped atomic.Int64
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]chan Message)}
}

func (b *MemBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	// fanout：at-most-once，慢订阅者直接丢
	msg := Message{Topic: topic, Payload: payload}
	for _, ch := range b.subs[topic] {
		select {
		case ch <- msg:
		default:
			b.dropped.Add(1)
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	ch := make(chan Message, 4096)
	b.mu.Lock()
	for _, t := range topics {
		b.subs[t] = append(b.subs[t], ch)
	}
	b.mu.Unlock()

	// ctx 结束时摘掉订阅再关闭，Publish 持有读锁，不会往已关闭的 channel 写
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for _, t := range topics {
			list := b.subs[t]
			for i, c := range list {
				if c == ch {
					b.subs[t] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(b.subs[t]) == 0 {
				delete(b.subs, t)
			}
		}
		b.mu.Unlock()
		close(ch)
	}()

	return ch, nil
}

// Dropped 因为订阅者太慢而丢掉的消息数
func (b *MemBroker) Dropped() int64 { return b.dropped.Load() }

func (b *MemBroker) Close() error { return nil }
