package bootstrap

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	appconfig "github.com/wolfman30/clinic-queue/internal/config"
	"github.com/wolfman30/clinic-queue/internal/events"
	"github.com/wolfman30/clinic-queue/internal/queue"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

// EventPipeline is the publisher handed to the queue service plus the
// optional outbox deliverer that must be started alongside the server.
type EventPipeline struct {
	Publisher queue.Publisher
	Deliverer *events.Deliverer
}

// BuildEventPipeline wires queue events. The websocket hub always receives
// events directly. Redis and SQS receive them through the Postgres outbox
// when one is available, otherwise directly.
func BuildEventPipeline(cfg *appconfig.Config, pool *pgxpool.Pool, redisClient *redis.Client, sqsClient *sqs.Client, hub queue.Publisher, logger *logging.Logger) EventPipeline {
	if logger == nil {
		logger = logging.Default()
	}

	var external []queue.Publisher
	if redisClient != nil {
		prefix := ""
		if cfg != nil {
			prefix = cfg.EventChannelPrefix
		}
		external = append(external, events.NewRedisPublisher(redisClient, prefix))
	}
	if sqsClient != nil && cfg != nil && strings.TrimSpace(cfg.EventsQueueURL) != "" {
		external = append(external, events.NewSQSPublisher(sqsClient, cfg.EventsQueueURL))
	}

	if len(external) == 0 {
		return EventPipeline{Publisher: events.NewFanout(hub)}
	}

	useOutbox := pool != nil && cfg != nil && cfg.OutboxEnabled && !cfg.UseMemoryStore
	if !useOutbox {
		logger.Info("publishing queue events directly", "sinks", len(external))
		return EventPipeline{Publisher: events.NewFanout(append([]queue.Publisher{hub}, external...)...)}
	}

	store := events.NewOutboxStore(pool)
	deliverer := events.NewDeliverer(store, events.PublisherHandler{Publisher: events.NewFanout(external...)}, logger).
		WithInterval(cfg.OutboxInterval).
		WithBatchSize(int32(cfg.OutboxBatchSize)).
		WithMaxAttempts(cfg.OutboxMaxAttempts)
	logger.Info("publishing queue events through outbox", "sinks", len(external), "interval", cfg.OutboxInterval)
	return EventPipeline{
		Publisher: events.NewFanout(hub, events.NewOutboxPublisher(store)),
		Deliverer: deliverer,
	}
}
