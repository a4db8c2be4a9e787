// -----------------------------------------------------------------------
// Crawl Service - page completion, link discovery, completion evaluator
// -----------------------------------------------------------------------

package crawl

import (
	"context"
	"errors"
	"fmt"

	"github.com/temoto/robotstxt"

	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/policy"
)

// OnUnitResult advances the crawl after a unit settles: persists the
// result, feeds discovered links back into the frontier, bumps the
// counters, and runs the completion evaluator. Discovery happens before
// the done counter moves so the evaluator can never observe a complete
// count while children are still being registered.
func (s *Service) OnUnitResult(ctx context.Context, unit *models.Unit, result *models.UnitResult) error {
	crawlRecord, err := s.store.GetCrawl(ctx, unit.CrawlID)
	if errors.Is(err, models.ErrCrawlNotFound) {
		s.logger.Warn().Str("crawl_id", unit.CrawlID).Str("unit_id", unit.ID).Msg("Result for missing crawl, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load crawl: %w", err)
	}

	stored := result
	if crawlRecord.Internal.ZeroDataRetention && result.Document != nil {
		// Zero-data-retention teams get page content through webhooks and
		// the live stream only; the stored result keeps the outcome.
		clone := *result
		clone.Document = nil
		stored = &clone
	}
	if err := s.store.AddResult(ctx, crawlRecord.ID, stored); err != nil {
		return fmt.Errorf("failed to persist unit result: %w", err)
	}

	if crawlRecord.Kind == models.CrawlKindCrawl &&
		result.Status == models.UnitStatusCompleted &&
		crawlRecord.State == models.CrawlStateScraping &&
		result.Document != nil && len(result.Document.Links) > 0 {
		s.discover(ctx, crawlRecord, unit, result.Document.Links)
	}

	switch result.Status {
	case models.UnitStatusCompleted:
		if _, err := s.kv.IncrBy(ctx, crawlCounterKey(crawlRecord.ID, "done"), 1); err != nil {
			return fmt.Errorf("failed to increment done counter: %w", err)
		}
		if result.CreditsUsed > 0 {
			if _, err := s.kv.IncrBy(ctx, crawlCounterKey(crawlRecord.ID, "credits"), int64(result.CreditsUsed)); err != nil {
				s.logger.Warn().Err(err).Str("crawl_id", crawlRecord.ID).Msg("Failed to increment credits counter")
			}
		}
	default:
		// Units cancelled because the crawl itself was cancelled are not
		// errors; everything else counts.
		if !crawlRecord.IsCancelled() {
			if _, err := s.kv.IncrBy(ctx, crawlCounterKey(crawlRecord.ID, "errors"), 1); err != nil {
				return fmt.Errorf("failed to increment error counter: %w", err)
			}
		}
	}

	s.evaluateCompletion(ctx, crawlRecord.ID)
	return nil
}

// FailUnit records a terminal failure for a unit that never reached a
// worker, such as one whose queue attempts ran out.
func (s *Service) FailUnit(ctx context.Context, unit *models.Unit, errMsg string, code models.ErrorCode) {
	result := &models.UnitResult{
		UnitID:     unit.ID,
		CrawlID:    unit.CrawlID,
		URL:        firstNonEmpty(unit.SourceURL, unit.URL),
		Status:     models.UnitStatusFailed,
		Error:      errMsg,
		Code:       code,
		FinishedAt: s.now().UTC(),
	}

	if unit.CrawlID == "" {
		if err := s.events.PublishUnitResult(ctx, result); err != nil {
			s.logger.Debug().Err(err).Str("unit_id", unit.ID).Msg("Failed to publish unit failure")
		}
		return
	}
	if unit.Type == models.UnitTypeKickoff {
		if crawlRecord, err := s.store.GetCrawl(ctx, unit.CrawlID); err == nil {
			s.finalize(ctx, crawlRecord, models.CrawlStateFailed, "crawl kickoff failed: "+errMsg)
		}
		return
	}
	if err := s.OnUnitResult(ctx, unit, result); err != nil {
		s.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Failed to record unit failure")
	}
}

// discover runs each outgoing link through the policy chain and submits
// the survivors as new crawl units. The capped visited-set add is what
// enforces both dedup and the page limit.
func (s *Service) discover(ctx context.Context, crawlRecord *models.CrawlRecord, parent *models.Unit, links []string) {
	scope, err := s.scopeFor(crawlRecord)
	if err != nil {
		s.logger.Warn().Err(err).Str("crawl_id", crawlRecord.ID).Msg("Failed to build crawl scope, skipping discovery")
		return
	}
	robotsData := s.robotsFor(crawlRecord)
	childDepth := parent.DiscoveryDepth + 1

	seen := make(map[string]struct{}, len(links))
	candidates := make([]string, 0, len(links))
	sources := make(map[string]string, len(links))
	for _, link := range links {
		normalized, err := policy.Normalize(link, crawlRecord.Options.IgnoreQueryParameters)
		if err != nil {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		if s.blocklist != nil && s.blocklist.IsBlocked(normalized) {
			continue
		}
		if !scope.Check(normalized, childDepth).Allowed() {
			continue
		}
		if !policy.DataAllows(robotsData, normalized, s.opts.UserAgent) {
			s.recordRobotsBlocked(ctx, crawlRecord.ID, normalized)
			continue
		}
		candidates = append(candidates, normalized)
		sources[normalized] = link
	}
	if len(candidates) == 0 {
		return
	}

	added, err := s.kv.SAddCapped(ctx, crawlVisitedKey(crawlRecord.ID), int64(crawlRecord.Options.Limit), candidates...)
	if err != nil {
		s.logger.Warn().Err(err).Str("crawl_id", crawlRecord.ID).Msg("Failed to lock discovered urls")
		return
	}
	for _, normalized := range added {
		unit := s.newScrapeUnit(crawlRecord, normalized, sources[normalized], childDepth, parent.Priority)
		s.submitLocked(ctx, crawlRecord, unit)
	}
	if len(added) > 0 {
		s.logger.Debug().
			Str("crawl_id", crawlRecord.ID).
			Int("discovered", len(added)).
			Int("depth", childDepth).
			Msg("Links discovered")
	}
}

// recordFailure stores an immediate failed result for a locked unit and
// keeps the counters consistent with the jobs list.
func (s *Service) recordFailure(ctx context.Context, crawlRecord *models.CrawlRecord, unit *models.Unit, errMsg string, code models.ErrorCode) {
	result := &models.UnitResult{
		UnitID:     unit.ID,
		CrawlID:    crawlRecord.ID,
		URL:        firstNonEmpty(unit.SourceURL, unit.URL),
		Status:     models.UnitStatusFailed,
		Error:      errMsg,
		Code:       code,
		FinishedAt: s.now().UTC(),
	}
	if err := s.store.AddResult(ctx, crawlRecord.ID, result); err != nil {
		s.logger.Error().Err(err).Str("unit_id", unit.ID).Msg("Failed to persist submit failure")
		return
	}
	if !crawlRecord.IsCancelled() {
		if _, err := s.kv.IncrBy(ctx, crawlCounterKey(crawlRecord.ID, "errors"), 1); err != nil {
			s.logger.Warn().Err(err).Str("crawl_id", crawlRecord.ID).Msg("Failed to increment error counter")
		}
	}
	s.evaluateCompletion(ctx, crawlRecord.ID)
}

// evaluateCompletion finishes the crawl once seeding is done and every
// registered unit has settled. Safe to call from any worker at any time;
// the terminal CAS in finalize keeps the transition single-shot.
func (s *Service) evaluateCompletion(ctx context.Context, crawlID string) {
	crawlRecord, err := s.store.GetCrawl(ctx, crawlID)
	if err != nil {
		return
	}
	if !crawlRecord.KickoffFinished || crawlRecord.State != models.CrawlStateScraping {
		return
	}

	jobs, err := s.kv.LLen(ctx, crawlJobsKey(crawlID))
	if err != nil {
		s.logger.Warn().Err(err).Str("crawl_id", crawlID).Msg("Failed to read jobs count")
		return
	}
	done := s.counter(ctx, crawlCounterKey(crawlID, "done"))
	failed := s.counter(ctx, crawlCounterKey(crawlID, "errors"))

	if done+failed >= jobs {
		s.finalize(ctx, crawlRecord, models.CrawlStateCompleted, "")
	}
}

// Reevaluate re-runs the completion evaluator. The maintenance sweep uses
// it to finish crawls whose final transition raced a crash.
func (s *Service) Reevaluate(ctx context.Context, crawlID string) {
	s.evaluateCompletion(ctx, crawlID)
}

// IsCancelled reports whether the crawl has been cancelled. Workers check
// this before starting and before persisting each unit.
func (s *Service) IsCancelled(ctx context.Context, crawlID string) (bool, error) {
	crawlRecord, err := s.store.GetCrawl(ctx, crawlID)
	if errors.Is(err, models.ErrCrawlNotFound) {
		// A purged crawl cannot make progress either way.
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return crawlRecord.IsCancelled(), nil
}

func (s *Service) scopeFor(crawlRecord *models.CrawlRecord) (*policy.Scope, error) {
	if cached, ok := s.scopes.Load(crawlRecord.ID); ok {
		return cached.(*policy.Scope), nil
	}
	scope, err := policy.NewScope(crawlRecord.OriginURL, crawlRecord.Options)
	if err != nil {
		return nil, err
	}
	s.scopes.Store(crawlRecord.ID, scope)
	return scope, nil
}

// robotsFor returns the crawl's parsed robots ruleset, nil when robots are
// ignored or absent (nil always allows).
func (s *Service) robotsFor(crawlRecord *models.CrawlRecord) *robotstxt.RobotsData {
	if crawlRecord.Options.IgnoreRobotsTxt || crawlRecord.RobotsTxt == "" {
		return nil
	}
	if cached, ok := s.robots.Load(crawlRecord.ID); ok {
		return cached.(*robotstxt.RobotsData)
	}
	data := policy.ParseRobots(crawlRecord.RobotsTxt)
	s.robots.Store(crawlRecord.ID, data)
	return data
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
