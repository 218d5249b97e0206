package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/schoolsync/internal/config"
	"github.com/kimhsiao/schoolsync/internal/models"
	syncpkg "github.com/kimhsiao/schoolsync/internal/sync"
	"github.com/kimhsiao/schoolsync/internal/sync/queue"
	"github.com/kimhsiao/schoolsync/internal/sync/remote"
	"github.com/kimhsiao/schoolsync/internal/telemetry"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Chdir(t.TempDir())
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.DataDir = t.TempDir()
	cfg.Sync.Interval = time.Hour
	cfg.Sync.Retry.BaseDelay = time.Millisecond
	cfg.Connectivity.ProbeInterval = 10 * time.Millisecond
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config, mem *remote.Memory) *App {
	t.Helper()
	a, err := New(cfg, WithRemote(mem), WithoutLogger())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

type recorder struct {
	mu     sync.Mutex
	events []syncpkg.SyncEvent
}

func (r *recorder) OnSyncEvent(e syncpkg.SyncEvent) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) has(typ syncpkg.SyncEventType) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Type == typ {
			return true
		}
	}
	return false
}

func TestNew_Wiring(t *testing.T) {
	mem := remote.NewMemory()
	a := newTestApp(t, testConfig(t), mem)

	assert.NotNil(t, a.Engine)
	assert.NotNil(t, a.Scheduler)
	assert.NotNil(t, a.Students)
	assert.NotNil(t, a.FeeTypes)
	assert.NotNil(t, a.InstallmentPlans)
	assert.Same(t, mem, a.Remote)
	assert.False(t, a.Scheduler.IsOnline(), "connectivity is unknown until the first probe")
}

func TestNew_HTTPRemote(t *testing.T) {
	cfg := testConfig(t)
	a, err := New(cfg, WithoutLogger())
	require.NoError(t, err)
	defer a.Close()

	_, ok := a.Remote.(*remote.HTTPClient)
	assert.True(t, ok)
}

func TestEngineConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Persistent = false
	cfg.Sync.AutoRequeueFailed = true
	cfg.Sync.Retry.MaxAttempts = 7
	metrics := telemetry.NewRegistry()

	ec := EngineConfig(cfg, nil, metrics)

	assert.False(t, ec.PersistentStorage)
	assert.True(t, ec.AutoRequeueFailed)
	assert.Equal(t, 7, ec.Retry.MaxAttempts)
	assert.Equal(t, time.Millisecond, ec.Retry.BaseDelay)
	assert.Same(t, metrics, ec.Metrics)
}

func TestApp_ReconnectDrainsQueue(t *testing.T) {
	mem := remote.NewMemory()
	mem.QueueKeys("srv-42")
	a := newTestApp(t, testConfig(t), mem)
	ctx := context.Background()

	events := &recorder{}
	defer a.Events.Subscribe(events)()

	res, err := a.Students.Create(ctx, map[string]interface{}{"name": "Asha", "school_id": "sch-1"})
	require.NoError(t, err)
	require.True(t, res.PendingSync)

	require.NoError(t, a.Start(ctx, true))

	require.Eventually(t, func() bool {
		rec, err := a.Store.Get(ctx, models.CollectionStudents, "srv-42")
		return err == nil && rec.SyncStatus == models.SyncStatusSynced
	}, 5*time.Second, 10*time.Millisecond)

	assert.True(t, a.Scheduler.IsOnline())
	assert.True(t, events.has(syncpkg.SyncEventCompleted))
	assert.NotNil(t, a.Engine.LastSync())
	assert.Positive(t, a.Metrics.Snapshot().Counter("sync.passes{outcome=completed}"))
}

func TestApp_StartRecoversInterruptedEntries(t *testing.T) {
	a := newTestApp(t, testConfig(t), remote.NewMemory())
	ctx := context.Background()

	entry, err := a.Queue.Enqueue(ctx, models.CollectionStudents, "tmp-1", queue.OperationCreate, map[string]interface{}{"name": "Asha"})
	require.NoError(t, err)
	require.NoError(t, a.Queue.MarkProcessing(ctx, entry))

	require.NoError(t, a.Start(ctx, false))

	got, err := a.Queue.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, queue.QueueStatusFailed, got.Status)
	assert.Equal(t, queue.InterruptedError, got.LastError)
}

func TestApp_StartIdempotent(t *testing.T) {
	a := newTestApp(t, testConfig(t), remote.NewMemory())
	ctx := context.Background()

	require.NoError(t, a.Start(ctx, false))
	require.NoError(t, a.Start(ctx, false))
	assert.True(t, a.Scheduler.IsRunning())
}

func TestApp_ApplyConfig(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg, remote.NewMemory())
	require.NoError(t, a.Start(context.Background(), false))

	next := *cfg
	next.Sync.Interval = 2 * time.Hour
	a.ApplyConfig(&next)

	assert.Equal(t, 2*time.Hour, a.Scheduler.Interval())
}

func TestEventBus(t *testing.T) {
	bus := NewEventBus()
	first, second := &recorder{}, &recorder{}

	unsubscribe := bus.Subscribe(first)
	bus.Subscribe(second)

	bus.OnSyncEvent(syncpkg.SyncEvent{Type: syncpkg.SyncEventStarted})
	unsubscribe()
	bus.OnSyncEvent(syncpkg.SyncEvent{Type: syncpkg.SyncEventCompleted})

	assert.True(t, first.has(syncpkg.SyncEventStarted))
	assert.False(t, first.has(syncpkg.SyncEventCompleted))
	assert.True(t, second.has(syncpkg.SyncEventCompleted))
}
