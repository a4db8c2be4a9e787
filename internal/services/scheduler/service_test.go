package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/queue"
	"github.com/ternarybob/trawl/internal/services/limiter"
	"github.com/ternarybob/trawl/internal/storage/badger"
)

type stubAuth struct {
	teams map[string]*models.Team
}

func (a *stubAuth) Authenticate(ctx context.Context, token string) (*models.Team, error) {
	for _, team := range a.teams {
		return team, nil
	}
	return nil, models.NewUnauthorizedError("no teams")
}

func (a *stubAuth) TeamByID(id string) (*models.Team, bool) {
	team, ok := a.teams[id]
	return team, ok
}

func (a *stubAuth) Teams() []*models.Team {
	out := make([]*models.Team, 0, len(a.teams))
	for _, team := range a.teams {
		out = append(out, team)
	}
	return out
}

type schedFixture struct {
	svc     *Service
	queue   *queue.KVQueue
	limiter *limiter.Service
	kv      interfaces.KVStore
	manager interfaces.StorageManager
	auth    *stubAuth
}

func setupSchedulerTest(t *testing.T, maxAttempts int, teams ...*models.Team) *schedFixture {
	t.Helper()
	logger := common.GetLogger()
	manager, err := badger.NewManager(logger, &common.BadgerConfig{Path: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })

	auth := &stubAuth{teams: make(map[string]*models.Team)}
	for _, team := range teams {
		auth.teams[team.ID] = team
	}

	q := queue.New(manager.KV(), logger, queue.Options{MaxAttempts: maxAttempts})
	lim := limiter.NewService(manager.KV(), logger, 10)
	svc := NewService(q, lim, auth, logger, Options{DefaultMaxConcurrency: 10, LeaseMargin: time.Second})
	return &schedFixture{svc: svc, queue: q, limiter: lim, kv: manager.KV(), manager: manager, auth: auth}
}

func schedUnit(teamID string, priority int) *models.Unit {
	unit := &models.Unit{
		ID:        common.NewUnitID(),
		Type:      models.UnitTypeScrape,
		TeamID:    teamID,
		URL:       "https://example.com/page",
		Priority:  priority,
		CreatedAt: time.Now().UTC(),
	}
	unit.ScrapeOptions.ApplyDefaults()
	return unit
}

func TestSubmit_EnqueuesAdmittedUnit(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanStandard, MaxConcurrency: 2})
	ctx := context.Background()

	require.NoError(t, fx.svc.Submit(ctx, schedUnit("team-1", 15)))

	stats, err := fx.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	active, err := fx.limiter.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)
}

func TestSubmit_ParksUnitsOverCapacity(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanStandard, MaxConcurrency: 1})
	ctx := context.Background()

	require.NoError(t, fx.svc.Submit(ctx, schedUnit("team-1", 15)))
	require.NoError(t, fx.svc.Submit(ctx, schedUnit("team-1", 15)))

	stats, err := fx.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending, "second unit should be parked, not enqueued")

	backlog, err := fx.limiter.Backlog(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog)
}

func TestRelease_DrainsOverflowIntoQueue(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanStandard, MaxConcurrency: 1})
	ctx := context.Background()

	first := schedUnit("team-1", 15)
	require.NoError(t, fx.svc.Submit(ctx, first))
	require.NoError(t, fx.svc.Submit(ctx, schedUnit("team-1", 15)))

	// Worker lifecycle for the first unit: reserve, complete, release slot.
	reserved, err := fx.queue.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	require.Equal(t, first.ID, reserved.ID)
	require.NoError(t, fx.queue.Complete(ctx, first.ID))
	require.NoError(t, fx.svc.Release(ctx, "team-1", first.ID))

	stats, err := fx.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending, "parked unit should drain into the queue")

	backlog, err := fx.limiter.Backlog(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), backlog)

	active, err := fx.limiter.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), active, "drained unit holds a fresh lease")
}

func TestSubmit_PriorityEscalatesWithBacklog(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanFree, MaxConcurrency: 1})
	ctx := context.Background()

	// First unit takes the only slot; the rest park and grow the backlog.
	units := make([]*models.Unit, 4)
	for i := range units {
		units[i] = schedUnit("team-1", 25)
		require.NoError(t, fx.svc.Submit(ctx, units[i]))
	}

	// Backlog at submit time: 0, 0, 1, 2. Bucket is the concurrency cap (1),
	// free plan modifier is 1.0.
	assert.Equal(t, 25, units[0].Priority)
	assert.Equal(t, 25, units[1].Priority)
	assert.Equal(t, 25, units[2].Priority)
	assert.Equal(t, 26, units[3].Priority)
}

func TestSubmit_EnterpriseNeverEscalates(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanEnterprise, MaxConcurrency: 1})
	ctx := context.Background()

	units := make([]*models.Unit, 5)
	for i := range units {
		units[i] = schedUnit("team-1", 5)
		require.NoError(t, fx.svc.Submit(ctx, units[i]))
	}
	for _, unit := range units {
		assert.Equal(t, 5, unit.Priority)
	}
}

func TestSubmit_UnknownTeamUsesFallback(t *testing.T) {
	fx := setupSchedulerTest(t, 3)
	ctx := context.Background()

	require.NoError(t, fx.svc.Submit(ctx, schedUnit("ghost-team", 25)))

	stats, err := fx.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestLeaseTTL_CoversRetriedSingleURL(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanStandard})

	unit := schedUnit("team-1", 15)
	unit.ScrapeOptions.Timeout = 10000
	assert.Equal(t, 10*time.Second+time.Second, fx.svc.leaseTTL(unit))

	unit.IsSingleURL = true
	assert.Equal(t, 30*time.Second+time.Second, fx.svc.leaseTTL(unit), "single-url units retry once at double timeout")
}

// ----------------------------------------------------------------------
// Maintenance sweeps
// ----------------------------------------------------------------------

func newTestMaintenance(t *testing.T, fx *schedFixture, opts MaintenanceOptions) *Maintenance {
	t.Helper()
	m, err := NewMaintenance(fx.svc, fx.manager.Crawls(), common.GetLogger(), opts)
	require.NoError(t, err)
	return m
}

func TestSweepQueue_RequeuesLapsedReservations(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanStandard})
	ctx := context.Background()
	m := newTestMaintenance(t, fx, MaintenanceOptions{})

	unit := schedUnit("team-1", 15)
	require.NoError(t, fx.svc.Submit(ctx, unit))

	// A negative lease puts the reservation in the past immediately.
	reserved, err := fx.queue.Reserve(ctx, -time.Second)
	require.NoError(t, err)
	require.Equal(t, unit.ID, reserved.ID)

	require.NoError(t, m.sweepQueue(ctx))

	state, err := fx.queue.State(ctx, unit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.UnitStatusQueued, state)

	again, err := fx.queue.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, unit.ID, again.ID)
	assert.Equal(t, 2, again.AttemptCount)
}

func TestSweepQueue_SettlesExhaustedUnits(t *testing.T) {
	fx := setupSchedulerTest(t, 1, &models.Team{ID: "team-1", Plan: models.PlanStandard})
	ctx := context.Background()
	m := newTestMaintenance(t, fx, MaintenanceOptions{})

	var mu sync.Mutex
	var settled []*models.Unit
	m.SetExhaustedHandler(func(ctx context.Context, unit *models.Unit) {
		mu.Lock()
		settled = append(settled, unit)
		mu.Unlock()
	})

	unit := schedUnit("team-1", 15)
	require.NoError(t, fx.svc.Submit(ctx, unit))

	_, err := fx.queue.Reserve(ctx, -time.Second)
	require.NoError(t, err)

	require.NoError(t, m.sweepQueue(ctx))

	mu.Lock()
	require.Len(t, settled, 1)
	assert.Equal(t, unit.ID, settled[0].ID)
	mu.Unlock()

	_, err = fx.queue.State(ctx, unit.ID)
	assert.ErrorIs(t, err, models.ErrUnitNotFound)

	active, err := fx.limiter.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), active, "exhausted unit's lease should be released")
}

func TestSweepQueue_PromotesDueRetries(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanStandard})
	ctx := context.Background()
	m := newTestMaintenance(t, fx, MaintenanceOptions{})

	unit := schedUnit("team-1", 15)
	require.NoError(t, fx.svc.Submit(ctx, unit))
	reserved, err := fx.queue.Reserve(ctx, time.Minute)
	require.NoError(t, err)
	require.NoError(t, fx.queue.Release(ctx, reserved.ID, -time.Second))

	require.NoError(t, m.sweepQueue(ctx))

	stats, err := fx.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(0), stats.Delayed)
}

func TestSweepLeases_DrainsAfterLeaseExpiry(t *testing.T) {
	team := &models.Team{ID: "team-1", Plan: models.PlanStandard, MaxConcurrency: 1}
	fx := setupSchedulerTest(t, 3, team)
	ctx := context.Background()
	m := newTestMaintenance(t, fx, MaintenanceOptions{})

	// Occupy the only slot with a lease about to lapse, then park a unit
	// behind it.
	expiry := float64(time.Now().Add(150 * time.Millisecond).UnixMilli())
	require.NoError(t, fx.kv.ZAdd(ctx, "team:team-1:active", expiry, "dead-worker-unit"))

	parked := schedUnit("team-1", 15)
	require.NoError(t, fx.svc.Submit(ctx, parked))
	backlog, err := fx.limiter.Backlog(ctx, "team-1")
	require.NoError(t, err)
	require.Equal(t, int64(1), backlog)

	time.Sleep(200 * time.Millisecond)
	require.NoError(t, m.sweepLeases(ctx))

	stats, err := fx.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending, "parked unit should run once the dead lease is swept")

	backlog, err = fx.limiter.Backlog(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), backlog)
}

func TestPurge_DeletesExpiredTerminalCrawls(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanStandard})
	ctx := context.Background()
	m := newTestMaintenance(t, fx, MaintenanceOptions{Retention: time.Hour})

	old := &models.CrawlRecord{
		ID:         common.NewCrawlID(),
		Kind:       models.CrawlKindCrawl,
		TeamID:     "team-1",
		State:      models.CrawlStateCompleted,
		URL:        "https://example.com",
		CreatedAt:  time.Now().Add(-3 * time.Hour),
		FinishedAt: time.Now().Add(-2 * time.Hour),
	}
	fresh := &models.CrawlRecord{
		ID:         common.NewCrawlID(),
		Kind:       models.CrawlKindCrawl,
		TeamID:     "team-1",
		State:      models.CrawlStateCompleted,
		URL:        "https://example.com/fresh",
		CreatedAt:  time.Now(),
		FinishedAt: time.Now(),
	}
	require.NoError(t, fx.manager.Crawls().SaveCrawl(ctx, old))
	require.NoError(t, fx.manager.Crawls().SaveCrawl(ctx, fresh))

	require.NoError(t, m.purge(ctx))

	_, err := fx.manager.Crawls().GetCrawl(ctx, old.ID)
	assert.ErrorIs(t, err, models.ErrCrawlNotFound)
	_, err = fx.manager.Crawls().GetCrawl(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestRegister_RejectsDuplicatesAndBadSchedules(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanStandard})
	m := newTestMaintenance(t, fx, MaintenanceOptions{})

	err := m.Register("queue-sweep", "@every 1m", "dup", func(ctx context.Context) error { return nil })
	assert.Error(t, err)

	err = m.Register("custom", "not a schedule", "bad", func(ctx context.Context) error { return nil })
	assert.Error(t, err)

	err = m.Register("custom", "@every 1m", "ok", func(ctx context.Context) error { return nil })
	assert.NoError(t, err)
}

func TestRunAll_ExecutesEveryJobOnce(t *testing.T) {
	fx := setupSchedulerTest(t, 3, &models.Team{ID: "team-1", Plan: models.PlanStandard})
	m := newTestMaintenance(t, fx, MaintenanceOptions{})

	var ran int
	var mu sync.Mutex
	require.NoError(t, m.Register("probe", "@every 1h", "counts runs", func(ctx context.Context) error {
		mu.Lock()
		ran++
		mu.Unlock()
		return nil
	}))

	m.RunAll()

	mu.Lock()
	assert.Equal(t, 1, ran)
	mu.Unlock()
	assert.False(t, m.jobs["queue-sweep"].lastRun.IsZero())
	assert.Empty(t, m.jobs["queue-sweep"].lastError)
}
