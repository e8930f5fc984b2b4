package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-queue/internal/audit"
	"github.com/wolfman30/clinic-queue/internal/clinic"
	appconfig "github.com/wolfman30/clinic-queue/internal/config"
	"github.com/wolfman30/clinic-queue/internal/events"
	"github.com/wolfman30/clinic-queue/internal/queue"
	"github.com/wolfman30/clinic-queue/pkg/logging"
)

type recordingPublisher struct {
	events []queue.Event
}

func (p *recordingPublisher) Publish(_ context.Context, evt queue.Event) error {
	p.events = append(p.events, evt)
	return nil
}

func TestBuildRedisClientDisabled(t *testing.T) {
	assert.Nil(t, BuildRedisClient(context.Background(), nil, nil, true))
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{}, nil, true))
}

func TestBuildRedisClientVerifies(t *testing.T) {
	mr := miniredis.RunT(t)
	logger := logging.New("error")

	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logger, true)
	require.NotNil(t, client)
	t.Cleanup(func() { _ = client.Close() })

	mr.Close()
	assert.Nil(t, BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, logger, true))
}

func TestConnectPostgresEmptyURL(t *testing.T) {
	pool, err := ConnectPostgres(context.Background(), "  ", logging.New("error"))
	require.NoError(t, err)
	assert.Nil(t, pool)
}

func TestBuildQueueStoreFallsBackToMemory(t *testing.T) {
	store := BuildQueueStore(&appconfig.Config{}, nil, logging.New("error"))
	_, ok := store.(*queue.MemoryStore)
	assert.True(t, ok)
}

func TestBuildAuditLogInMemory(t *testing.T) {
	log, closeFn, err := BuildAuditLog(&appconfig.Config{UseMemoryStore: true, DatabaseURL: "postgres://ignored"})
	require.NoError(t, err)
	require.NotNil(t, closeFn)
	_, ok := log.(*audit.InMemoryLog)
	assert.True(t, ok)
	assert.NoError(t, closeFn())
}

func TestBuildPolicyProvider(t *testing.T) {
	provider := BuildPolicyProvider(&appconfig.Config{DefaultTimezone: "America/Chicago"}, nil)
	p, err := provider.Policy(context.Background(), "clinic-1")
	require.NoError(t, err)
	assert.Equal(t, "America/Chicago", p.Timezone)

	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, nil, false)
	t.Cleanup(func() { _ = client.Close() })
	store := BuildClinicStore(client)
	require.NotNil(t, store)
	_, ok := BuildPolicyProvider(&appconfig.Config{}, store).(*clinic.Store)
	assert.True(t, ok)
	assert.Nil(t, BuildClinicStore(nil))
}

func TestBuildEventPipelineHubOnly(t *testing.T) {
	hub := &recordingPublisher{}

	pipeline := BuildEventPipeline(&appconfig.Config{}, nil, nil, nil, hub, logging.New("error"))

	assert.Nil(t, pipeline.Deliverer)
	fanout, ok := pipeline.Publisher.(events.Fanout)
	require.True(t, ok)
	assert.Len(t, fanout, 1)

	require.NoError(t, pipeline.Publisher.Publish(context.Background(), queue.Event{Type: queue.EventAdded, ClinicID: "clinic-1"}))
	assert.Len(t, hub.events, 1)
}

func TestBuildEventPipelineDirectWithoutOutbox(t *testing.T) {
	mr := miniredis.RunT(t)
	client := BuildRedisClient(context.Background(), &appconfig.Config{RedisAddr: mr.Addr()}, nil, false)
	t.Cleanup(func() { _ = client.Close() })
	cfg := &appconfig.Config{OutboxEnabled: true, EventChannelPrefix: "queue:events"}

	pipeline := BuildEventPipeline(cfg, nil, client, nil, &recordingPublisher{}, logging.New("error"))

	assert.Nil(t, pipeline.Deliverer)
	fanout, ok := pipeline.Publisher.(events.Fanout)
	require.True(t, ok)
	assert.Len(t, fanout, 2)
}
