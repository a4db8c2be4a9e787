package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/policy"
)

// fakeScheduler records submitted units.
type fakeScheduler struct {
	mu    sync.Mutex
	units []*models.Unit
	err   error
}

func (f *fakeScheduler) Submit(ctx context.Context, unit *models.Unit) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.units = append(f.units, unit)
	return nil
}

func (f *fakeScheduler) Release(ctx context.Context, teamID, unitID string) error { return nil }
func (f *fakeScheduler) DrainTeam(ctx context.Context, teamID string) error       { return nil }

func (f *fakeScheduler) last() *models.Unit {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.units) == 0 {
		return nil
	}
	return f.units[len(f.units)-1]
}

// fakeEvents hands back a canned result, or the wait error when set.
type fakeEvents struct {
	result  *models.UnitResult
	waitErr error
}

func (f *fakeEvents) PublishUnitResult(ctx context.Context, result *models.UnitResult) error {
	return nil
}

func (f *fakeEvents) WaitUnitResult(ctx context.Context, unitID string) (*models.UnitResult, error) {
	if f.waitErr != nil {
		return nil, f.waitErr
	}
	if f.result != nil {
		out := *f.result
		out.UnitID = unitID
		return &out, nil
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeEvents) PublishCrawlEvent(ctx context.Context, crawlID string, event *models.WebhookEvent) error {
	return nil
}

func (f *fakeEvents) SubscribeCrawlEvents(ctx context.Context, crawlID string) (interfaces.Subscription, error) {
	return newFakeSubscription(), nil
}

func (f *fakeEvents) PublishCancel(ctx context.Context, crawlID string) error { return nil }

func (f *fakeEvents) SubscribeCancel(ctx context.Context, crawlID string) (interfaces.Subscription, error) {
	return newFakeSubscription(), nil
}

type fakeSubscription struct {
	ch   chan string
	once sync.Once
}

func newFakeSubscription() *fakeSubscription {
	return &fakeSubscription{ch: make(chan string, 16)}
}

func (s *fakeSubscription) Channel() <-chan string { return s.ch }

func (s *fakeSubscription) Close() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

// fakeBilling approves or denies by remaining balance; negative means unlimited.
type fakeBilling struct {
	remaining int
	billed    int
}

func (b *fakeBilling) CheckCredits(ctx context.Context, teamID string, n int) (bool, int, error) {
	if b.remaining < 0 {
		return true, -1, nil
	}
	return b.remaining >= n, b.remaining, nil
}

func (b *fakeBilling) Bill(ctx context.Context, teamID string, n int) error {
	b.billed += n
	return nil
}

func newScrapeFixture(t *testing.T, events *fakeEvents, billing interfaces.Billing) (*ScrapeHandler, *fakeScheduler) {
	t.Helper()
	blocklist, err := policy.DefaultBlocklist()
	require.NoError(t, err)
	sched := &fakeScheduler{}
	if billing == nil {
		billing = &fakeBilling{remaining: -1}
	}
	return NewScrapeHandler(sched, events, billing, blocklist, common.GetLogger()), sched
}

func doScrape(t *testing.T, h *ScrapeHandler, team *models.Team, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/v1/scrape", bytes.NewReader(raw))
	if team != nil {
		r = r.WithContext(WithTeam(r.Context(), team))
	}
	w := httptest.NewRecorder()
	h.ScrapeHandler(w, r)
	return w
}

func TestScrape_ReturnsDocument(t *testing.T) {
	events := &fakeEvents{result: &models.UnitResult{
		Status: models.UnitStatusCompleted,
		Document: &models.Document{
			Markdown: "# hello",
			Metadata: models.DocumentMetadata{SourceURL: "https://example.com", StatusCode: 200},
		},
	}}
	h, sched := newScrapeFixture(t, events, nil)

	w := doScrape(t, h, &models.Team{ID: "team-1", Plan: models.PlanStandard}, map[string]interface{}{
		"url": "example.com",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.ScrapeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Data)
	assert.Equal(t, "# hello", resp.Data.Markdown)

	unit := sched.last()
	require.NotNil(t, unit)
	assert.True(t, unit.IsSingleURL)
	assert.Equal(t, models.UnitTypeScrape, unit.Type)
	assert.Equal(t, "https://example.com", unit.URL)
}

func TestScrape_RequiresAuthentication(t *testing.T) {
	h, _ := newScrapeFixture(t, &fakeEvents{}, nil)

	w := doScrape(t, h, nil, map[string]interface{}{"url": "https://example.com"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestScrape_RejectsMissingURL(t *testing.T) {
	h, _ := newScrapeFixture(t, &fakeEvents{}, nil)

	w := doScrape(t, h, &models.Team{ID: "team-1"}, map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestScrape_RejectsBlockedURL(t *testing.T) {
	h, sched := newScrapeFixture(t, &fakeEvents{}, nil)

	w := doScrape(t, h, &models.Team{ID: "team-1"}, map[string]interface{}{
		"url": "https://facebook.com/profile",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Nil(t, sched.last())
}

func TestScrape_RejectsHostWithoutTLD(t *testing.T) {
	h, sched := newScrapeFixture(t, &fakeEvents{}, nil)

	w := doScrape(t, h, &models.Team{ID: "team-1"}, map[string]interface{}{
		"url": "https://intranet/page",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Nil(t, sched.last())
}

func TestScrape_InsufficientCredits(t *testing.T) {
	h, _ := newScrapeFixture(t, &fakeEvents{}, &fakeBilling{remaining: 0})

	w := doScrape(t, h, &models.Team{ID: "team-1"}, map[string]interface{}{
		"url": "https://example.com",
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestScrape_TimeoutEchoesUnitID(t *testing.T) {
	events := &fakeEvents{waitErr: context.DeadlineExceeded}
	h, sched := newScrapeFixture(t, events, nil)

	w := doScrape(t, h, &models.Team{ID: "team-1"}, map[string]interface{}{
		"url":     "https://example.com",
		"timeout": 1000,
	})
	require.Equal(t, http.StatusRequestTimeout, w.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.False(t, body.Success)
	assert.Equal(t, models.ErrCodeTimeout, body.Code)
	require.NotNil(t, sched.last())
	assert.Equal(t, sched.last().ID, body.ID)
}

func TestScrape_FailedUnitMapsStatus(t *testing.T) {
	events := &fakeEvents{result: &models.UnitResult{
		Status: models.UnitStatusFailed,
		Error:  "upstream returned 503",
		Code:   models.ErrCodeUpstream,
	}}
	h, _ := newScrapeFixture(t, events, nil)

	w := doScrape(t, h, &models.Team{ID: "team-1"}, map[string]interface{}{
		"url": "https://example.com",
	})
	require.Equal(t, http.StatusBadGateway, w.Code)

	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, models.ErrCodeUpstream, body.Code)
	assert.Equal(t, "upstream returned 503", body.Error)
}

func TestScrape_MethodNotAllowed(t *testing.T) {
	h, _ := newScrapeFixture(t, &fakeEvents{}, nil)

	r := httptest.NewRequest(http.MethodGet, "/v1/scrape", nil)
	w := httptest.NewRecorder()
	h.ScrapeHandler(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestScrape_ExtractCostsMore(t *testing.T) {
	// 4 credits cover a plain page but not a JSON extraction.
	billing := &fakeBilling{remaining: 4}
	events := &fakeEvents{result: &models.UnitResult{
		Status:   models.UnitStatusCompleted,
		Document: &models.Document{Markdown: "ok"},
	}}
	h, _ := newScrapeFixture(t, events, billing)
	team := &models.Team{ID: "team-1"}

	w := doScrape(t, h, team, map[string]interface{}{
		"url": "https://example.com",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doScrape(t, h, team, map[string]interface{}{
		"url":     "https://example.com",
		"formats": []string{models.FormatJSON},
		"extract": map[string]interface{}{"prompt": "summarize the page"},
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}
