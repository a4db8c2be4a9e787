package crawl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
)

func intPtr(v int) *int { return &v }

func TestOnUnitResult_DiscoversInScopeLinks(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()
	record, unit := seedCrawl(t, fx, nil)

	links := []string{
		"https://example.com/a",
		"https://example.com/a",      // duplicate collapses
		"https://other-site.com/x",   // external, denied by scope
		"https://facebook.com/brand", // blocklisted
	}
	require.NoError(t, fx.svc.OnUnitResult(ctx, unit, completedResult(unit, links)))

	units := fx.sched.submitted()
	require.Len(t, units, 1)
	assert.Equal(t, "https://example.com/a", units[0].URL)
	assert.Equal(t, 1, units[0].DiscoveryDepth)
	assert.Equal(t, record.ID, units[0].CrawlID)

	jobs, err := fx.manager.KV().LLen(ctx, crawlJobsKey(record.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(2), jobs)

	status, err := fx.svc.Status(ctx, "team-1", record.ID, "", 10)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStateScraping, status.Status)
	assert.Equal(t, 1, status.Completed)
}

func TestOnUnitResult_LimitBoundsDiscovery(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()
	record, unit := seedCrawl(t, fx, func(r *models.CrawlRecord) {
		r.Options.Limit = 2
	})

	links := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
	}
	require.NoError(t, fx.svc.OnUnitResult(ctx, unit, completedResult(unit, links)))

	// Seed occupies one slot; only one discovered link fits under the limit.
	require.Len(t, fx.sched.submitted(), 1)

	visited, err := fx.manager.KV().SCard(ctx, crawlVisitedKey(record.ID))
	require.NoError(t, err)
	assert.Equal(t, int64(2), visited)
}

func TestOnUnitResult_DepthZeroKeepsOnlySeed(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()
	record, unit := seedCrawl(t, fx, func(r *models.CrawlRecord) {
		r.Options.MaxDepth = intPtr(0)
	})

	require.NoError(t, fx.svc.OnUnitResult(ctx, unit, completedResult(unit, []string{
		"https://example.com/deeper",
	})))

	assert.Empty(t, fx.sched.submitted())

	// With no children the single-job crawl completes.
	fresh, err := fx.manager.Crawls().GetCrawl(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStateCompleted, fresh.State)
	assert.False(t, fresh.FinishedAt.IsZero())
	assert.Contains(t, fx.hooks.types(), models.EventCrawlCompleted)
}

func TestOnUnitResult_DiscoveryDepthBoundsHops(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()
	_, unit := seedCrawl(t, fx, func(r *models.CrawlRecord) {
		r.Options.MaxDiscoveryDepth = intPtr(1)
	})

	// Seed at hop 0 discovers hop-1 links.
	require.NoError(t, fx.svc.OnUnitResult(ctx, unit, completedResult(unit, []string{
		"https://example.com/hop1",
	})))
	units := fx.sched.submitted()
	require.Len(t, units, 1)

	// The hop-1 unit's links would be hop 2, over the bound.
	child := units[0]
	require.NoError(t, fx.svc.OnUnitResult(ctx, child, completedResult(child, []string{
		"https://example.com/hop2",
	})))
	assert.Len(t, fx.sched.submitted(), 1)
}

func TestOnUnitResult_CompletesWhenAllUnitsSettle(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()
	record, unit := seedCrawl(t, fx, nil)

	require.NoError(t, fx.svc.OnUnitResult(ctx, unit, completedResult(unit, []string{
		"https://example.com/a",
	})))
	child := fx.sched.submitted()[0]

	fresh, err := fx.manager.Crawls().GetCrawl(ctx, record.ID)
	require.NoError(t, err)
	require.Equal(t, models.CrawlStateScraping, fresh.State)

	failed := &models.UnitResult{
		UnitID:     child.ID,
		CrawlID:    record.ID,
		URL:        child.URL,
		Status:     models.UnitStatusFailed,
		Error:      "fetch failed",
		Code:       models.ErrCodeUpstream,
		FinishedAt: time.Now().UTC(),
	}
	require.NoError(t, fx.svc.OnUnitResult(ctx, child, failed))

	fresh, err = fx.manager.Crawls().GetCrawl(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStateCompleted, fresh.State)

	status, err := fx.svc.Status(ctx, "team-1", record.ID, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Completed)
	assert.Equal(t, 1, status.Failed)
	assert.Equal(t, 2, status.Total)
}

func TestOnUnitResult_NoDiscoveryForBatches(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()
	_, unit := seedCrawl(t, fx, func(r *models.CrawlRecord) {
		r.Kind = models.CrawlKindBatch
	})
	unit.Kind = models.CrawlKindBatch

	require.NoError(t, fx.svc.OnUnitResult(ctx, unit, completedResult(unit, []string{
		"https://example.com/found",
	})))
	assert.Empty(t, fx.sched.submitted())
}

func TestOnUnitResult_ZeroDataRetentionDropsContent(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()
	record, unit := seedCrawl(t, fx, func(r *models.CrawlRecord) {
		r.Internal.ZeroDataRetention = true
	})

	require.NoError(t, fx.svc.OnUnitResult(ctx, unit, completedResult(unit, nil)))

	results, _, err := fx.manager.Crawls().ListResults(ctx, record.ID, "", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Nil(t, results[0].Document)
	assert.Equal(t, models.UnitStatusCompleted, results[0].Status)

	status, err := fx.svc.Status(ctx, "team-1", record.ID, "", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, status.Completed)
	assert.Empty(t, status.Data)
}

func TestFailUnit_RecordsCrawlUnitFailure(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()
	record, unit := seedCrawl(t, fx, nil)

	fx.svc.FailUnit(ctx, unit, "attempts exhausted", models.ErrCodeInternal)

	listing, err := fx.svc.Errors(ctx, "team-1", record.ID)
	require.NoError(t, err)
	require.Len(t, listing.Errors, 1)
	assert.Equal(t, "attempts exhausted", listing.Errors[0].Error)

	fresh, err := fx.manager.Crawls().GetCrawl(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStateCompleted, fresh.State)
}

func TestFailUnit_KickoffFailureFailsCrawl(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()
	record, _ := seedCrawl(t, fx, func(r *models.CrawlRecord) {
		r.KickoffFinished = false
	})

	kickoff := &models.Unit{
		ID:      common.NewUnitID(),
		Type:    models.UnitTypeKickoff,
		TeamID:  record.TeamID,
		CrawlID: record.ID,
		URL:     record.OriginURL,
	}
	fx.svc.FailUnit(ctx, kickoff, "kickoff attempts exhausted", models.ErrCodeInternal)

	fresh, err := fx.manager.Crawls().GetCrawl(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStateFailed, fresh.State)
	assert.Contains(t, fresh.Error, "kickoff")
}

func TestFailUnit_StandaloneUnitPublishesResult(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()

	unit := &models.Unit{
		ID:     common.NewUnitID(),
		Type:   models.UnitTypeScrape,
		TeamID: "team-1",
		URL:    "https://example.com/solo",
	}

	done := make(chan *models.UnitResult, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		result, err := fx.svc.events.WaitUnitResult(waitCtx, unit.ID)
		if err == nil {
			done <- result
		}
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	fx.svc.FailUnit(ctx, unit, "attempts exhausted", models.ErrCodeInternal)

	result, ok := <-done
	require.True(t, ok, "expected a published result")
	assert.Equal(t, models.UnitStatusFailed, result.Status)
	assert.Equal(t, "attempts exhausted", result.Error)
}

func TestReevaluate_FinishesStalledCrawl(t *testing.T) {
	fx := setupCrawlTest(t, nil)
	ctx := context.Background()
	record, _ := seedCrawl(t, fx, nil)

	// Simulate a crash after the counter moved but before the evaluator ran.
	_, err := fx.manager.KV().IncrBy(ctx, crawlCounterKey(record.ID, "done"), 1)
	require.NoError(t, err)

	fx.svc.Reevaluate(ctx, record.ID)

	fresh, err := fx.manager.Crawls().GetCrawl(ctx, record.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CrawlStateCompleted, fresh.State)
}
