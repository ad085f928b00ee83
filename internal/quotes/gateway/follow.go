package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/encoding/json"

	"clusterx.com/internal/quotes/cluster"
)

const (
	doneSuffix    = ":done"
	abortedSuffix = ":aborted"
)

// FollowTopics 跟踪一个 symbol 的这些周期要订阅的 topic
func FollowTopics(symbol string, tfs []cluster.Timeframe) []string {
	out := make([]string, 0, 3*len(tfs))
	for _, tf := range tfs {
		t := Topic(tf, symbol)
		out = append(out, t, t+doneSuffix, t+abortedSuffix)
	}
	return out
}

// Follow 消费 Subscribe(FollowTopics(...)) 拿到的消息，每个 cluster 回调一次，
// 直到 tfs 里每个周期都收到结束标记。消息流提前结束时返回已经收到的标记和错误
func Follow(ctx context.Context, msgs <-chan Message, symbol string, tfs []cluster.Timeframe,
	onCluster func(tf cluster.Timeframe, dto cluster.ClusterDTO)) (map[cluster.Timeframe]EndMarker, error) {
	byTopic := make(map[string]cluster.Timeframe, len(tfs))
	for _, tf := range tfs {
		byTopic[Topic(tf, symbol)] = tf
	}
	ends := make(map[cluster.Timeframe]EndMarker, len(tfs))

	for len(ends) < len(tfs) {
		var m Message
		select {
		case <-ctx.Done():
			return ends, ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return ends, fmt.Errorf("gateway: stream closed with %d/%d timeframes finished", len(ends), len(tfs))
			}
			m = msg
		}

		base, aborted := m.Topic, false
		switch {
		case strings.HasSuffix(m.Topic, doneSuffix):
			base = strings.TrimSuffix(m.Topic, doneSuffix)
		case strings.HasSuffix(m.Topic, abortedSuffix):
			base, aborted = strings.TrimSuffix(m.Topic, abortedSuffix), true
		}
		tf, ok := byTopic[base]
		if !ok {
			continue
		}

		if base != m.Topic {
			var end EndMarker
			if err := json.Unmarshal(m.Payload, &end); err != nil {
				return ends, fmt.Errorf("gateway: decode %s: %w", m.Topic, err)
			}
			end.Aborted = aborted
			ends[tf] = end
			continue
		}
		var dto cluster.ClusterDTO
		if err := json.Unmarshal(m.Payload, &dto); err != nil {
			return ends, fmt.Errorf("gateway: decode %s: %w", m.Topic, err)
		}
		if onCluster != nil {
			onCluster(tf, dto)
		}
	}
	return ends, nil
}
