package redis

import (
	"context"
	"encoding/json"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/JeanGrijp/global-ratelimit/internal/core/domain"
	"github.com/JeanGrijp/global-ratelimit/internal/core/ports"
)

const defaultStreamMaxLen = 100_000

// EventSink publica VerificationEvents em um Redis Stream consumido pelo
// pipeline de analytics.
type EventSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

var _ ports.EventSink = (*EventSink)(nil)

func NewEventSink(client *redis.Client, stream string) (*EventSink, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if stream == "" {
		return nil, fmt.Errorf("stream name is required")
	}
	return &EventSink{client: client, stream: stream, maxLen: defaultStreamMaxLen}, nil
}

func (s *EventSink) Record(ctx context.Context, ev domain.VerificationEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"namespaceId": ev.NamespaceID,
			"requestId":   ev.RequestID,
			"event":       payload,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("redis xadd %s: %w", s.stream, err)
	}
	return nil
}
