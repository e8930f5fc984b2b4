package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/wolfman30/clinic-queue/internal/queue"
)

// RedisPublisher fans events out over Redis pub/sub, one channel per clinic.
type RedisPublisher struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisPublisher publishes to "<prefix>:<clinicID>".
func NewRedisPublisher(client redis.UniversalClient, prefix string) *RedisPublisher {
	if client == nil {
		panic("events: redis client required")
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "queue:events"
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// Channel returns the pub/sub channel for a clinic.
func (p *RedisPublisher) Channel(clinicID string) string {
	return p.prefix + ":" + clinicID
}

func (p *RedisPublisher) Publish(ctx context.Context, evt queue.Event) error {
	env, err := NewEnvelope(evt)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("events: marshal envelope: %w", err)
	}
	if err := p.client.Publish(ctx, p.Channel(evt.ClinicID), data).Err(); err != nil {
		return fmt.Errorf("events: redis publish: %w", err)
	}
	return nil
}
