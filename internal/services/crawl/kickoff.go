// -----------------------------------------------------------------------
// Crawl Service - kickoff: robots fetch, seed submit, sitemap seeding
// -----------------------------------------------------------------------

package crawl

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/policy"
)

// robotsMaxBytes bounds the robots.txt read; anything larger is junk.
const robotsMaxBytes = 1 << 20

// RunKickoff seeds a crawl: fetches robots.txt (non-fatal), submits the
// seed scrape, enumerates the sitemap (non-fatal), and marks kickoff
// finished. Re-running after a partial crash is safe because the visited
// set gates every submission.
func (s *Service) RunKickoff(ctx context.Context, unit *models.Unit) error {
	crawlRecord, err := s.store.GetCrawl(ctx, unit.CrawlID)
	if errors.Is(err, models.ErrCrawlNotFound) {
		s.logger.Warn().Str("crawl_id", unit.CrawlID).Msg("Kickoff for missing crawl, dropping")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load crawl for kickoff: %w", err)
	}
	if crawlRecord.State != models.CrawlStateScraping {
		return nil
	}

	if !crawlRecord.Options.IgnoreRobotsTxt {
		body, err := s.fetchRobots(ctx, crawlRecord.OriginURL)
		if err != nil {
			s.logger.Debug().Err(err).Str("crawl_id", crawlRecord.ID).Msg("robots.txt fetch failed, allowing all")
		}
		crawlRecord.RobotsTxt = body
	}

	// The seed is always scraped; robots apply to discovered links and
	// sitemap entries only.
	added, err := s.kv.SAddCapped(ctx, crawlVisitedKey(crawlRecord.ID), int64(crawlRecord.Options.Limit), crawlRecord.OriginURL)
	if err != nil {
		s.finalize(ctx, crawlRecord, models.CrawlStateFailed, "failed to lock seed url")
		return nil
	}
	if len(added) > 0 {
		seed := s.newScrapeUnit(crawlRecord, crawlRecord.OriginURL, crawlRecord.URL, 0, s.priorityFor(crawlRecord))
		if err := s.kv.RPush(ctx, crawlJobsKey(crawlRecord.ID), seed.ID); err != nil {
			s.finalize(ctx, crawlRecord, models.CrawlStateFailed, "failed to record seed unit")
			return nil
		}
		if err := s.scheduler.Submit(ctx, seed); err != nil {
			s.finalize(ctx, crawlRecord, models.CrawlStateFailed, "failed to queue seed scrape")
			return nil
		}
	}

	if !crawlRecord.Options.IgnoreSitemap {
		s.seedFromSitemap(ctx, crawlRecord)
	}

	crawlRecord.KickoffFinished = true
	if err := s.store.SaveCrawl(ctx, crawlRecord); err != nil {
		return fmt.Errorf("failed to finish kickoff: %w", err)
	}

	s.logger.Info().
		Str("crawl_id", crawlRecord.ID).
		Str("url", crawlRecord.OriginURL).
		Msg("Kickoff finished")
	s.evaluateCompletion(ctx, crawlRecord.ID)
	return nil
}

// seedFromSitemap enumerates sitemap URLs, filters them through the full
// policy chain, and submits survivors in batches. Everything here is
// best-effort: a broken sitemap leaves the crawl to link discovery.
func (s *Service) seedFromSitemap(ctx context.Context, crawlRecord *models.CrawlRecord) {
	if s.sitemaps == nil {
		return
	}
	locs := s.sitemaps.Fetch(ctx, crawlRecord.OriginURL, crawlRecord.RobotsTxt)
	if len(locs) == 0 {
		return
	}

	scope, err := s.scopeFor(crawlRecord)
	if err != nil {
		s.logger.Warn().Err(err).Str("crawl_id", crawlRecord.ID).Msg("Failed to build crawl scope, skipping sitemap")
		return
	}
	robotsData := s.robotsFor(crawlRecord)

	seen := make(map[string]struct{}, len(locs))
	candidates := make([]string, 0, len(locs))
	sources := make(map[string]string, len(locs))
	for _, loc := range locs {
		normalized, err := policy.Normalize(loc, crawlRecord.Options.IgnoreQueryParameters)
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
		if !scope.Check(normalized, 0).Allowed() {
			continue
		}
		if !policy.DataAllows(robotsData, normalized, s.opts.UserAgent) {
			s.recordRobotsBlocked(ctx, crawlRecord.ID, normalized)
			continue
		}
		candidates = append(candidates, normalized)
		sources[normalized] = loc
	}

	submitted := 0
	for start := 0; start < len(candidates); start += submitBatchSize {
		end := start + submitBatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		added, err := s.kv.SAddCapped(ctx, crawlVisitedKey(crawlRecord.ID), int64(crawlRecord.Options.Limit), candidates[start:end]...)
		if err != nil {
			s.logger.Warn().Err(err).Str("crawl_id", crawlRecord.ID).Msg("Failed to lock sitemap urls")
			return
		}
		for _, normalized := range added {
			unit := s.newScrapeUnit(crawlRecord, normalized, sources[normalized], 0, s.priorityFor(crawlRecord))
			s.submitLocked(ctx, crawlRecord, unit)
			submitted++
		}
		// A short batch means the visited set hit the crawl limit.
		if len(added) < end-start {
			break
		}
	}

	if submitted > 0 {
		s.logger.Info().
			Str("crawl_id", crawlRecord.ID).
			Int("urls", submitted).
			Msg("Sitemap urls seeded")
	}
}

// fetchRobots retrieves robots.txt from the seed's host. Any failure
// returns an empty body, which parses as allow-all.
func (s *Service) fetchRobots(ctx context.Context, originURL string) (string, error) {
	parsed, err := url.Parse(originURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse origin url: %w", err)
	}
	robotsURL := parsed.Scheme + "://" + parsed.Host + "/robots.txt"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build robots request: %w", err)
	}
	req.Header.Set("User-Agent", s.opts.UserAgent)

	resp, err := s.robotsClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch robots.txt: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsMaxBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read robots.txt: %w", err)
	}
	return string(body), nil
}

func (s *Service) recordRobotsBlocked(ctx context.Context, crawlID, url string) {
	if err := s.kv.RPush(ctx, crawlRobotsBlockedKey(crawlID), url); err != nil {
		s.logger.Debug().Err(err).Str("crawl_id", crawlID).Msg("Failed to record robots-blocked url")
	}
}

// priorityFor derives the unit base priority from the crawl's plan.
func (s *Service) priorityFor(crawlRecord *models.CrawlRecord) int {
	team := models.Team{Plan: crawlRecord.Plan}
	return team.BasePriority()
}
