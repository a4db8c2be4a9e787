// -----------------------------------------------------------------------
// Search - query fan-out with optional inline scraping
// -----------------------------------------------------------------------

package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
)

const (
	// defaultFanOutWidth bounds concurrent hit scrapes per search request.
	defaultFanOutWidth = 5

	// waitMargin pads the per-hit wait beyond the unit's fetch budget.
	waitMargin = 10 * time.Second
)

// Options tunes search behavior.
type Options struct {
	// FanOutWidth is the number of hits scraped concurrently when the
	// request asks for content.
	FanOutWidth int
}

// Service answers search queries. Plain queries return provider hits;
// when the request carries scrape formats, each hit is scraped through
// the normal unit pipeline and the document is attached to its hit.
type Service struct {
	provider  interfaces.SearchProvider
	scheduler interfaces.Scheduler
	events    interfaces.Events
	logger    arbor.ILogger
	opts      Options
}

// NewService wires the search service.
func NewService(provider interfaces.SearchProvider, scheduler interfaces.Scheduler, events interfaces.Events, logger arbor.ILogger, opts Options) *Service {
	if opts.FanOutWidth <= 0 {
		opts.FanOutWidth = defaultFanOutWidth
	}
	return &Service{
		provider:  provider,
		scheduler: scheduler,
		events:    events,
		logger:    logger,
		opts:      opts,
	}
}

// Search runs the query. Provider failures degrade to an empty hit list
// rather than failing the request.
func (s *Service) Search(ctx context.Context, team *models.Team, query string, limit int, scrape *models.ScrapeOptions) ([]models.SearchResult, error) {
	results, err := s.provider.Search(ctx, query, limit)
	if err != nil {
		s.logger.Warn().Err(err).Str("query", query).Msg("Search provider failed, returning empty results")
		return []models.SearchResult{}, nil
	}
	if scrape == nil || len(scrape.Formats) == 0 || len(results) == 0 {
		return results, nil
	}
	s.scrapeHits(ctx, team, results, scrape)
	return results, nil
}

// scrapeHits fetches each hit's content under a bounded semaphore. A hit
// whose scrape fails keeps its title and URL with no document attached.
func (s *Service) scrapeHits(ctx context.Context, team *models.Team, results []models.SearchResult, opts *models.ScrapeOptions) {
	sem := make(chan struct{}, s.opts.FanOutWidth)
	var wg sync.WaitGroup

	for i := range results {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()
			return
		}
		wg.Add(1)
		hit := &results[i]
		common.SafeGo(s.logger, "search-scrape-hit", func() {
			defer wg.Done()
			defer func() { <-sem }()

			doc, err := s.scrapeOne(ctx, team, hit.URL, opts)
			if err != nil {
				s.logger.Debug().Err(err).Str("url", hit.URL).Msg("Search hit scrape failed")
				return
			}
			hit.Document = doc
		})
	}
	wg.Wait()
}

// scrapeOne runs a single hit through submit-and-wait, like a synchronous
// scrape request.
func (s *Service) scrapeOne(ctx context.Context, team *models.Team, sourceURL string, opts *models.ScrapeOptions) (*models.Document, error) {
	unit := &models.Unit{
		ID:            common.NewUnitID(),
		Type:          models.UnitTypeScrape,
		TeamID:        team.ID,
		URL:           sourceURL,
		SourceURL:     sourceURL,
		Priority:      team.BasePriority(),
		IsSingleURL:   true,
		ScrapeOptions: *opts,
		CreatedAt:     time.Now().UTC(),
	}

	waitCtx, cancel := context.WithTimeout(ctx, unit.ScrapeOptions.TimeoutDuration()*3+waitMargin)
	defer cancel()

	if err := s.scheduler.Submit(waitCtx, unit); err != nil {
		return nil, err
	}

	result, err := s.events.WaitUnitResult(waitCtx, unit.ID)
	if err != nil {
		return nil, err
	}
	if result.Status != models.UnitStatusCompleted {
		return nil, fmt.Errorf("scrape failed: %s", result.Error)
	}
	return result.Document, nil
}
