package streaming

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisSink mirrors run events into one Redis stream per run so that other
// processes (dashboards, the audit exporter) can tail them.
type RedisSink struct {
	client *redis.Client
	prefix string
	maxLen int64
}

// NewRedisSink creates a sink writing to "<prefix>:<run_id>" streams capped
// at roughly maxLen entries.
func NewRedisSink(client *redis.Client, prefix string, maxLen int64) *RedisSink {
	if prefix == "" {
		prefix = "autopilot:events"
	}
	if maxLen <= 0 {
		maxLen = DefaultCapacity
	}
	return &RedisSink{client: client, prefix: prefix, maxLen: maxLen}
}

func (s *RedisSink) streamKey(runID string) string {
	return fmt.Sprintf("%s:%s", s.prefix, runID)
}

// Append implements Sink
func (s *RedisSink) Append(ctx context.Context, evt Event) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.streamKey(evt.RunID),
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":    string(evt.Type),
			"seq":     strconv.FormatUint(evt.Seq, 10),
			"payload": string(payload),
		},
	}).Err()
}

// ReplaySince reads mirrored events with Seq > since, oldest first.
func (s *RedisSink) ReplaySince(ctx context.Context, runID string, since uint64) ([]Event, error) {
	msgs, err := s.client.XRange(ctx, s.streamKey(runID), "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read event stream: %w", err)
	}
	out := make([]Event, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["payload"].(string)
		if !ok {
			continue
		}
		var evt Event
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			continue
		}
		if evt.Seq > since {
			out = append(out, evt)
		}
	}
	return out, nil
}

// Forget deletes the mirrored stream of runID
func (s *RedisSink) Forget(ctx context.Context, runID string) error {
	return s.client.Del(ctx, s.streamKey(runID)).Err()
}
