// -----------------------------------------------------------------------
// Crawl Service - crawl/batch state machine over the shared KV store
// -----------------------------------------------------------------------

package crawl

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/metrics"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/policy"
)

const (
	defaultRetention     = 24 * time.Hour
	defaultRobotsTimeout = 10 * time.Second

	// submitBatchSize chunks sitemap seeding so one huge sitemap cannot
	// monopolize the kickoff worker's KV round-trips.
	submitBatchSize = 100

	// errorPageSize bounds one results scan while assembling the error
	// listing.
	errorPageSize = 200
)

func crawlVisitedKey(id string) string       { return "crawl:" + id + ":visited" }
func crawlJobsKey(id string) string          { return "crawl:" + id + ":jobs" }
func crawlCounterKey(id, name string) string { return "crawl:" + id + ":counters:" + name }
func crawlRobotsBlockedKey(id string) string { return "crawl:" + id + ":robots_blocked" }
func crawlTerminalKey(id string) string      { return "crawl:" + id + ":terminal" }

// Options tunes crawl behavior from config.
type Options struct {
	UserAgent     string
	DefaultLimit  int
	MaxLimit      int
	Retention     time.Duration
	RobotsTimeout time.Duration
}

// Request is a validated crawl or batch submission.
type Request struct {
	Kind     models.CrawlKind
	SeedURL  string
	URLs     []string
	Crawler  models.CrawlerOptions
	Scrape   models.ScrapeOptions
	Webhook  *models.WebhookSpec
	Internal models.InternalOptions
}

// Service owns the crawl lifecycle: creation, kickoff seeding, page
// completion and link discovery, cancellation, and the completion
// evaluator. All shared state lives in the KV store so any worker in a
// fleet can advance any crawl.
type Service struct {
	store     interfaces.CrawlStore
	kv        interfaces.KVStore
	events    interfaces.Events
	webhooks  interfaces.WebhookDispatcher
	scheduler interfaces.Scheduler
	billing   interfaces.Billing
	blocklist *policy.Blocklist
	sitemaps  *policy.SitemapFetcher
	logger    arbor.ILogger
	opts      Options

	robotsClient *http.Client

	// Compiled scope and robots rulesets are pure; cache them per crawl
	// so discovery does not recompile regexes on every page.
	scopes sync.Map
	robots sync.Map

	now func() time.Time
}

// NewService wires the crawl state machine.
func NewService(
	store interfaces.CrawlStore,
	kv interfaces.KVStore,
	events interfaces.Events,
	webhooks interfaces.WebhookDispatcher,
	scheduler interfaces.Scheduler,
	billing interfaces.Billing,
	blocklist *policy.Blocklist,
	sitemaps *policy.SitemapFetcher,
	logger arbor.ILogger,
	opts Options,
) *Service {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 10000
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.RobotsTimeout <= 0 {
		opts.RobotsTimeout = defaultRobotsTimeout
	}
	return &Service{
		store:        store,
		kv:           kv,
		events:       events,
		webhooks:     webhooks,
		scheduler:    scheduler,
		billing:      billing,
		blocklist:    blocklist,
		sitemaps:     sitemaps,
		logger:       logger,
		opts:         opts,
		robotsClient: &http.Client{Timeout: opts.RobotsTimeout},
		now:          time.Now,
	}
}

// Create validates and records a crawl or batch, then seeds it. Crawls
// enqueue a kickoff unit so the submit path stays fast; batches lock and
// submit every URL inline since no network enumeration is needed.
func (s *Service) Create(ctx context.Context, team *models.Team, req *Request) (*models.CrawlRecord, error) {
	if req.Internal.ZeroDataRetention && !team.AllowZDR {
		return nil, models.NewBadRequestError("zero data retention is not enabled for this team")
	}
	req.Scrape.ApplyDefaults()
	if err := req.Scrape.Validate(); err != nil {
		return nil, err
	}

	switch req.Kind {
	case models.CrawlKindCrawl:
		return s.createCrawl(ctx, team, req)
	case models.CrawlKindBatch:
		return s.createBatch(ctx, team, req)
	default:
		return nil, models.NewBadRequestError("unknown crawl kind %q", req.Kind)
	}
}

func (s *Service) createCrawl(ctx context.Context, team *models.Team, req *Request) (*models.CrawlRecord, error) {
	req.Crawler.ApplyDefaults(s.opts.DefaultLimit, s.opts.MaxLimit)
	if err := req.Crawler.Validate(); err != nil {
		return nil, err
	}

	origin, err := policy.Normalize(policy.EnsureScheme(req.SeedURL), req.Crawler.IgnoreQueryParameters)
	if err != nil {
		return nil, models.NewBadRequestError("invalid url: %v", err)
	}
	if !policy.ValidHost(origin) {
		return nil, models.NewBadRequestError("invalid url: host must be an IP or include a valid TLD")
	}
	if s.blocklist != nil && s.blocklist.IsBlocked(origin) {
		return nil, models.NewForbiddenError("url is not allowed: %s", req.SeedURL)
	}
	// The scope must compile before we accept the crawl so bad regexes
	// fail the request, not the kickoff.
	if _, err := policy.NewScope(origin, req.Crawler); err != nil {
		return nil, err
	}

	ok, remaining, err := s.billing.CheckCredits(ctx, team.ID, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to check credits: %w", err)
	}
	if !ok {
		return nil, models.NewPaymentRequiredError("insufficient credits")
	}
	if remaining >= 0 && remaining < req.Crawler.Limit {
		req.Crawler.Limit = remaining
	}

	crawlRecord := &models.CrawlRecord{
		ID:            common.NewCrawlID(),
		Kind:          models.CrawlKindCrawl,
		TeamID:        team.ID,
		Plan:          team.Plan,
		State:         models.CrawlStateScraping,
		URL:           req.SeedURL,
		OriginURL:     origin,
		Options:       req.Crawler,
		ScrapeOptions: req.Scrape,
		Internal:      req.Internal,
		Webhook:       req.Webhook,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.SaveCrawl(ctx, crawlRecord); err != nil {
		return nil, fmt.Errorf("failed to save crawl: %w", err)
	}

	kickoff := &models.Unit{
		ID:            common.NewUnitID(),
		Type:          models.UnitTypeKickoff,
		TeamID:        team.ID,
		URL:           origin,
		SourceURL:     req.SeedURL,
		CrawlID:       crawlRecord.ID,
		Kind:          models.CrawlKindCrawl,
		Priority:      team.BasePriority(),
		ScrapeOptions: req.Scrape,
		Internal:      req.Internal,
		Webhook:       req.Webhook,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.scheduler.Submit(ctx, kickoff); err != nil {
		s.finalize(ctx, crawlRecord, models.CrawlStateFailed, "failed to queue crawl kickoff")
		return nil, fmt.Errorf("failed to submit kickoff unit: %w", err)
	}

	s.announceStart(ctx, crawlRecord)
	metrics.CrawlsStarted.WithLabelValues(string(models.CrawlKindCrawl)).Inc()
	s.logger.Info().
		Str("crawl_id", crawlRecord.ID).
		Str("team_id", team.ID).
		Str("url", origin).
		Int("limit", req.Crawler.Limit).
		Msg("Crawl created")
	return crawlRecord, nil
}

func (s *Service) createBatch(ctx context.Context, team *models.Team, req *Request) (*models.CrawlRecord, error) {
	if len(req.URLs) == 0 {
		return nil, models.NewBadRequestError("urls must not be empty")
	}
	if s.opts.MaxLimit > 0 && len(req.URLs) > s.opts.MaxLimit {
		return nil, models.NewBadRequestError("batch exceeds the maximum of %d urls", s.opts.MaxLimit)
	}

	type target struct{ source, normalized string }
	targets := make([]target, 0, len(req.URLs))
	for _, raw := range req.URLs {
		normalized, err := policy.Normalize(policy.EnsureScheme(raw), req.Crawler.IgnoreQueryParameters)
		if err != nil {
			return nil, models.NewBadRequestError("invalid url %q: %v", raw, err)
		}
		if !policy.ValidHost(normalized) {
			return nil, models.NewBadRequestError("invalid url %q: host must be an IP or include a valid TLD", raw)
		}
		if s.blocklist != nil && s.blocklist.IsBlocked(normalized) {
			return nil, models.NewForbiddenError("url is not allowed: %s", raw)
		}
		targets = append(targets, target{source: raw, normalized: normalized})
	}

	ok, _, err := s.billing.CheckCredits(ctx, team.ID, len(targets))
	if err != nil {
		return nil, fmt.Errorf("failed to check credits: %w", err)
	}
	if !ok {
		return nil, models.NewPaymentRequiredError("insufficient credits for %d urls", len(targets))
	}

	req.Crawler.Limit = len(targets)
	crawlRecord := &models.CrawlRecord{
		ID:            common.NewCrawlID(),
		Kind:          models.CrawlKindBatch,
		TeamID:        team.ID,
		Plan:          team.Plan,
		State:         models.CrawlStateScraping,
		URL:           targets[0].source,
		OriginURL:     targets[0].normalized,
		Options:       req.Crawler,
		ScrapeOptions: req.Scrape,
		Internal:      req.Internal,
		Webhook:       req.Webhook,
		// Batches have no enumeration phase.
		KickoffFinished: true,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.SaveCrawl(ctx, crawlRecord); err != nil {
		return nil, fmt.Errorf("failed to save batch: %w", err)
	}

	urls := make([]string, len(targets))
	sources := make(map[string]string, len(targets))
	for i, tgt := range targets {
		urls[i] = tgt.normalized
		if _, dup := sources[tgt.normalized]; !dup {
			sources[tgt.normalized] = tgt.source
		}
	}
	added, err := s.kv.SAddCapped(ctx, crawlVisitedKey(crawlRecord.ID), int64(len(targets)), urls...)
	if err != nil {
		s.finalize(ctx, crawlRecord, models.CrawlStateFailed, "failed to lock batch urls")
		return nil, fmt.Errorf("failed to lock batch urls: %w", err)
	}
	for _, normalized := range added {
		unit := s.newScrapeUnit(crawlRecord, normalized, sources[normalized], 0, team.BasePriority())
		s.submitLocked(ctx, crawlRecord, unit)
	}

	s.announceStart(ctx, crawlRecord)
	metrics.CrawlsStarted.WithLabelValues(string(models.CrawlKindBatch)).Inc()
	s.logger.Info().
		Str("crawl_id", crawlRecord.ID).
		Str("team_id", team.ID).
		Int("urls", len(added)).
		Msg("Batch scrape created")

	s.evaluateCompletion(ctx, crawlRecord.ID)
	return crawlRecord, nil
}

// Status assembles the polling snapshot: counters, state, and one page of
// results. Cancelled and failed crawls report their pages as partial data.
func (s *Service) Status(ctx context.Context, teamID, crawlID, cursor string, limit int) (*models.CrawlStatus, error) {
	crawlRecord, err := s.getOwned(ctx, teamID, crawlID)
	if err != nil {
		return nil, err
	}

	total, err := s.kv.SCard(ctx, crawlVisitedKey(crawlID))
	if err != nil {
		return nil, fmt.Errorf("failed to read visited count: %w", err)
	}
	done := s.counter(ctx, crawlCounterKey(crawlID, "done"))
	failed := s.counter(ctx, crawlCounterKey(crawlID, "errors"))
	credits := s.counter(ctx, crawlCounterKey(crawlID, "credits"))

	results, next, err := s.store.ListResults(ctx, crawlID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list results: %w", err)
	}
	docs := make([]models.Document, 0, len(results))
	for _, result := range results {
		if result.Status == models.UnitStatusCompleted && result.Document != nil {
			docs = append(docs, *result.Document)
		}
	}

	status := &models.CrawlStatus{
		ID:          crawlID,
		Status:      crawlRecord.State,
		Total:       int(total),
		Completed:   int(done),
		Failed:      int(failed),
		CreditsUsed: int(credits),
		Next:        next,
		Data:        docs,
	}
	if crawlRecord.State.IsTerminal() {
		status.ExpiresAt = crawlRecord.FinishedAt.Add(s.opts.Retention)
		if crawlRecord.State != models.CrawlStateCompleted {
			status.PartialData = docs
			status.Data = []models.Document{}
		}
	}
	return status, nil
}

// Errors lists per-unit failures and robots-blocked URLs for a crawl.
func (s *Service) Errors(ctx context.Context, teamID, crawlID string) (*models.CrawlErrorsResponse, error) {
	if _, err := s.getOwned(ctx, teamID, crawlID); err != nil {
		return nil, err
	}

	unitErrors := []models.UnitError{}
	cursor := ""
	for {
		results, next, err := s.store.ListResults(ctx, crawlID, cursor, errorPageSize)
		if err != nil {
			return nil, fmt.Errorf("failed to list results: %w", err)
		}
		for _, result := range results {
			if result.Status == models.UnitStatusCompleted {
				continue
			}
			unitErrors = append(unitErrors, models.UnitError{
				ID:        result.UnitID,
				URL:       result.URL,
				Error:     result.Error,
				Code:      result.Code,
				Timestamp: result.FinishedAt,
			})
		}
		if next == "" {
			break
		}
		cursor = next
	}

	blocked, err := s.kv.LRange(ctx, crawlRobotsBlockedKey(crawlID), 0, -1)
	if err != nil && err != interfaces.ErrKeyNotFound {
		return nil, fmt.Errorf("failed to read robots-blocked urls: %w", err)
	}
	if blocked == nil {
		blocked = []string{}
	}
	return &models.CrawlErrorsResponse{Errors: unitErrors, RobotsBlocked: blocked}, nil
}

// Cancel moves a crawl to Cancelled and signals workers to abandon its
// in-flight units. Completed pages stay readable as partial data.
func (s *Service) Cancel(ctx context.Context, teamID, crawlID string) error {
	crawlRecord, err := s.getOwned(ctx, teamID, crawlID)
	if err != nil {
		return err
	}
	if crawlRecord.State.IsTerminal() {
		return models.NewBadRequestError("crawl is already %s", crawlRecord.State)
	}

	if !s.finalize(ctx, crawlRecord, models.CrawlStateCancelled, "crawl cancelled by client") {
		fresh, err := s.store.GetCrawl(ctx, crawlID)
		if err != nil {
			return err
		}
		if fresh.State == models.CrawlStateCancelled {
			return nil
		}
		return models.NewBadRequestError("crawl is already %s", fresh.State)
	}

	if err := s.events.PublishCancel(ctx, crawlID); err != nil {
		s.logger.Warn().Err(err).Str("crawl_id", crawlID).Msg("Failed to publish cancel signal")
	}
	s.logger.Info().Str("crawl_id", crawlID).Str("team_id", teamID).Msg("Crawl cancelled")
	return nil
}

// Ongoing lists the team's crawls still scraping.
func (s *Service) Ongoing(ctx context.Context, teamID string) ([]*models.CrawlRecord, error) {
	crawls, err := s.store.ListOngoing(ctx, teamID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ongoing crawls: %w", err)
	}
	return crawls, nil
}

// Get returns a crawl owned by the team.
func (s *Service) Get(ctx context.Context, teamID, crawlID string) (*models.CrawlRecord, error) {
	return s.getOwned(ctx, teamID, crawlID)
}

// getOwned hides other teams' crawls behind not-found.
func (s *Service) getOwned(ctx context.Context, teamID, crawlID string) (*models.CrawlRecord, error) {
	crawlRecord, err := s.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return nil, err
	}
	if crawlRecord.TeamID != teamID {
		return nil, models.ErrCrawlNotFound
	}
	return crawlRecord, nil
}

// finalize is the terminal compare-and-set: the first caller to claim the
// terminal marker writes the state, emits the lifecycle event, and puts
// the crawl's side keys on the retention clock. Returns false if another
// caller already finalized the crawl.
func (s *Service) finalize(ctx context.Context, crawlRecord *models.CrawlRecord, state models.CrawlState, errMsg string) bool {
	won, err := s.kv.SetNX(ctx, crawlTerminalKey(crawlRecord.ID), string(state), s.opts.Retention)
	if err != nil {
		s.logger.Error().Err(err).Str("crawl_id", crawlRecord.ID).Msg("Failed to claim terminal state")
		return false
	}
	if !won {
		return false
	}

	crawlRecord.State = state
	crawlRecord.FinishedAt = s.now().UTC()
	if state != models.CrawlStateCompleted && crawlRecord.Error == "" {
		crawlRecord.Error = errMsg
	}
	if err := s.store.SaveCrawl(ctx, crawlRecord); err != nil {
		s.logger.Error().Err(err).Str("crawl_id", crawlRecord.ID).Msg("Failed to persist terminal state")
	}

	s.scopes.Delete(crawlRecord.ID)
	s.robots.Delete(crawlRecord.ID)
	s.expireSideKeys(ctx, crawlRecord.ID)

	event := &models.WebhookEvent{
		ID:        crawlRecord.ID,
		EventID:   common.NewEventID(),
		Timestamp: s.now().UTC(),
	}
	if state == models.CrawlStateCompleted {
		event.Type = models.CompletedEvent(crawlRecord.Kind)
		event.Success = true
	} else {
		event.Type = models.FailedEvent(crawlRecord.Kind)
		event.Error = crawlRecord.Error
	}
	s.webhooks.Dispatch(crawlRecord.TeamID, crawlRecord.Webhook, event)
	if err := s.events.PublishCrawlEvent(ctx, crawlRecord.ID, event); err != nil {
		s.logger.Debug().Err(err).Str("crawl_id", crawlRecord.ID).Msg("Failed to publish terminal event")
	}

	metrics.CrawlsFinished.WithLabelValues(string(crawlRecord.Kind), string(state)).Inc()
	s.logger.Info().
		Str("crawl_id", crawlRecord.ID).
		Str("state", string(state)).
		Msg("Crawl finished")
	return true
}

func (s *Service) expireSideKeys(ctx context.Context, crawlID string) {
	keys := []string{
		crawlVisitedKey(crawlID),
		crawlJobsKey(crawlID),
		crawlCounterKey(crawlID, "done"),
		crawlCounterKey(crawlID, "errors"),
		crawlCounterKey(crawlID, "credits"),
		crawlRobotsBlockedKey(crawlID),
	}
	for _, key := range keys {
		if err := s.kv.Expire(ctx, key, s.opts.Retention); err != nil && err != interfaces.ErrKeyNotFound {
			s.logger.Debug().Err(err).Str("key", key).Msg("Failed to set retention TTL")
		}
	}
}

func (s *Service) announceStart(ctx context.Context, crawlRecord *models.CrawlRecord) {
	event := &models.WebhookEvent{
		Type:      models.StartedEvent(crawlRecord.Kind),
		ID:        crawlRecord.ID,
		EventID:   common.NewEventID(),
		Success:   true,
		Timestamp: s.now().UTC(),
	}
	s.webhooks.Dispatch(crawlRecord.TeamID, crawlRecord.Webhook, event)
	if err := s.events.PublishCrawlEvent(ctx, crawlRecord.ID, event); err != nil {
		s.logger.Debug().Err(err).Str("crawl_id", crawlRecord.ID).Msg("Failed to publish start event")
	}
}

func (s *Service) newScrapeUnit(crawlRecord *models.CrawlRecord, url, source string, depth, priority int) *models.Unit {
	internal := crawlRecord.Internal
	internal.PolitenessDelayMS = crawlRecord.Options.DelayMS
	return &models.Unit{
		ID:             common.NewUnitID(),
		Type:           models.UnitTypeScrape,
		TeamID:         crawlRecord.TeamID,
		URL:            url,
		SourceURL:      source,
		CrawlID:        crawlRecord.ID,
		Kind:           crawlRecord.Kind,
		Priority:       priority,
		DiscoveryDepth: depth,
		ScrapeOptions:  crawlRecord.ScrapeOptions,
		Internal:       internal,
		Webhook:        crawlRecord.Webhook,
		CreatedAt:      s.now().UTC(),
	}
}

// submitLocked registers an already-locked unit on the jobs list and hands
// it to the scheduler. A submit failure records an immediate failed result
// so the completion arithmetic stays consistent.
func (s *Service) submitLocked(ctx context.Context, crawlRecord *models.CrawlRecord, unit *models.Unit) {
	if err := s.kv.RPush(ctx, crawlJobsKey(crawlRecord.ID), unit.ID); err != nil {
		s.logger.Error().Err(err).Str("crawl_id", crawlRecord.ID).Str("unit_id", unit.ID).Msg("Failed to append unit to jobs list")
		return
	}
	if err := s.scheduler.Submit(ctx, unit); err != nil {
		s.logger.Error().Err(err).Str("crawl_id", crawlRecord.ID).Str("unit_id", unit.ID).Msg("Failed to submit unit")
		s.recordFailure(ctx, crawlRecord, unit, "failed to queue unit: "+err.Error(), models.ErrCodeInternal)
	}
}

func (s *Service) counter(ctx context.Context, key string) int64 {
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return 0
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
