package limiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/storage/badger"
)

func setupLimiterTest(t *testing.T) (*Service, func()) {
	tmpDir := t.TempDir()
	logger := arbor.NewLogger()

	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: tmpDir})
	require.NoError(t, err)

	kv := badger.NewKV(db, logger)
	svc := NewService(kv, logger, 10)
	cleanup := func() {
		kv.Close()
		db.Close()
	}
	return svc, cleanup
}

func team(id string, maxConcurrency int) *models.Team {
	return &models.Team{ID: id, Plan: models.PlanStandard, MaxConcurrency: maxConcurrency}
}

func unit(id string, priority int) *models.Unit {
	return &models.Unit{
		ID:       id,
		Type:     models.UnitTypeScrape,
		TeamID:   "team-1",
		URL:      "https://example.test/" + id,
		Priority: priority,
	}
}

func TestLimiter_AdmitUpToCapThenOverflow(t *testing.T) {
	svc, cleanup := setupLimiterTest(t)
	defer cleanup()
	ctx := context.Background()
	tm := team("team-1", 2)

	for i, id := range []string{"u-1", "u-2"} {
		ok, err := svc.Admit(ctx, tm, unit(id, 15), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "unit %d should admit", i)
	}

	ok, err := svc.Admit(ctx, tm, unit("u-3", 15), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	active, err := svc.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), active)

	backlog, err := svc.Backlog(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), backlog)
}

func TestLimiter_OverflowDrainsByPriorityThenFIFO(t *testing.T) {
	svc, cleanup := setupLimiterTest(t)
	defer cleanup()
	ctx := context.Background()
	tm := team("team-1", 1)

	ok, err := svc.Admit(ctx, tm, unit("u-active", 15), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// All three park; priority then arrival decides drain order.
	for _, u := range []*models.Unit{unit("u-slow-1", 25), unit("u-fast", 5), unit("u-slow-2", 25)} {
		ok, err := svc.Admit(ctx, tm, u, time.Minute)
		require.NoError(t, err)
		require.False(t, ok)
	}

	// At capacity: nothing drains.
	_, ok, err = svc.NextOverflow(ctx, tm, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	var order []string
	for i := 0; i < 3; i++ {
		require.NoError(t, svc.Release(ctx, "team-1", "u-active"))
		next, ok, err := svc.NextOverflow(ctx, tm, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		order = append(order, next.ID)
		require.NoError(t, svc.Release(ctx, "team-1", next.ID))
		ok2, err := svc.Admit(ctx, tm, unit("u-active", 15), time.Minute)
		require.NoError(t, err)
		require.True(t, ok2)
	}
	assert.Equal(t, []string{"u-fast", "u-slow-1", "u-slow-2"}, order)
}

func TestLimiter_ExpiredLeasesFreeCapacity(t *testing.T) {
	svc, cleanup := setupLimiterTest(t)
	defer cleanup()
	ctx := context.Background()
	tm := team("team-1", 1)

	now := time.Now()
	svc.now = func() time.Time { return now }

	ok, err := svc.Admit(ctx, tm, unit("u-1", 15), 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = svc.Admit(ctx, tm, unit("u-2", 15), 5*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	// Worker died; its lease lapses and admission sweeps it.
	now = now.Add(6 * time.Second)

	active, err := svc.ActiveCount(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)

	next, ok, err := svc.NextOverflow(ctx, tm, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u-2", next.ID)
}

func TestLimiter_SweepExpired(t *testing.T) {
	svc, cleanup := setupLimiterTest(t)
	defer cleanup()
	ctx := context.Background()
	tm := team("team-1", 3)

	now := time.Now()
	svc.now = func() time.Time { return now }

	for _, id := range []string{"u-1", "u-2"} {
		ok, err := svc.Admit(ctx, tm, unit(id, 15), 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
	}

	now = now.Add(6 * time.Second)
	removed, err := svc.SweepExpired(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)

	removed, err = svc.SweepExpired(ctx, "team-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), removed)
}

func TestLimiter_NextOverflowEmpty(t *testing.T) {
	svc, cleanup := setupLimiterTest(t)
	defer cleanup()
	ctx := context.Background()

	next, ok, err := svc.NextOverflow(ctx, team("team-1", 2), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, next)
}
