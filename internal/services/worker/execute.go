// -----------------------------------------------------------------------
// Worker - unit execution: fetch, extract, archive, settle
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/metrics"
	"github.com/ternarybob/trawl/internal/models"
)

// Credit pricing per settled page. LLM extraction rides on top of the
// base fetch.
const (
	creditsPerPage    = 1
	creditsPerExtract = 5
)

// process routes a reserved unit to its handler. The queue lease taken at
// Reserve used the configured default; it is re-sized here once the
// unit's real budget is visible.
func (s *Service) process(ctx context.Context, unit *models.Unit) {
	if ttl := s.unitLeaseTTL(unit); ttl > s.opts.ReservationTimeout {
		if err := s.queue.ExtendLease(ctx, unit.ID, ttl); err != nil {
			s.logger.Debug().Err(err).Str("unit_id", unit.ID).Msg("Failed to extend reservation lease")
		}
	}

	switch unit.Type {
	case models.UnitTypeKickoff:
		s.runKickoff(ctx, unit)
	case models.UnitTypeScrape:
		s.runScrape(ctx, unit)
	default:
		s.logger.Error().
			Str("unit_id", unit.ID).
			Str("type", string(unit.Type)).
			Msg("No handler for unit type, discarding")
		s.settle(ctx, unit, "failed")
	}
}

// runKickoff seeds the crawl's frontier. Kickoff failures are treated as
// transient until attempts run out; the crawl itself fails only then.
func (s *Service) runKickoff(ctx context.Context, unit *models.Unit) {
	if err := s.crawls.RunKickoff(ctx, unit); err != nil {
		s.logger.Warn().
			Err(err).
			Str("unit_id", unit.ID).
			Str("crawl_id", unit.CrawlID).
			Int("attempt", unit.AttemptCount).
			Msg("Kickoff failed")
		if s.retryLater(ctx, unit) {
			metrics.UnitsProcessed.WithLabelValues(string(unit.Type), "retried").Inc()
			return
		}
		s.crawls.FailUnit(ctx, unit, err.Error(), models.ErrCodeInternal)
		s.settle(ctx, unit, "failed")
		return
	}
	s.settle(ctx, unit, "completed")
}

// runScrape executes a scrape unit end to end: cancellation check,
// politeness delay, fetch, optional extraction and archive, then result
// propagation.
func (s *Service) runScrape(ctx context.Context, unit *models.Unit) {
	if unit.CrawlID != "" {
		cancelled, err := s.crawls.IsCancelled(ctx, unit.CrawlID)
		if err != nil {
			s.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Failed to check crawl state")
			if s.retryLater(ctx, unit) {
				metrics.UnitsProcessed.WithLabelValues(string(unit.Type), "retried").Inc()
				return
			}
			s.finishFailure(ctx, unit, "failed to check crawl state: "+err.Error(), models.ErrCodeInternal)
			return
		}
		if cancelled {
			s.finishCancelled(ctx, unit)
			return
		}
	}

	if !s.politeWait(ctx, unit) {
		// Shutdown while waiting; the lease lapses and the sweep requeues.
		return
	}

	fetchCtx := ctx
	if unit.CrawlID != "" {
		var stop context.CancelFunc
		fetchCtx, stop = s.watchCancel(ctx, unit.CrawlID)
		defer stop()
	}

	start := s.now()
	doc, err := s.fetchDocument(fetchCtx, unit)
	elapsed := time.Since(start)

	if err != nil {
		metrics.ScrapeDuration.WithLabelValues("failed").Observe(elapsed.Seconds())
		// A fetch aborted by the cancel watch is a cancellation, not an
		// upstream failure.
		if unit.CrawlID != "" && fetchCtx.Err() != nil && ctx.Err() == nil {
			s.finishCancelled(ctx, unit)
			return
		}
		s.handleFetchError(ctx, unit, err)
		return
	}
	metrics.ScrapeDuration.WithLabelValues("completed").Observe(elapsed.Seconds())

	credits := creditsPerPage
	if s.wantsExtraction(unit) {
		if extracted := s.extractJSON(fetchCtx, unit, doc); extracted {
			credits = creditsPerExtract
		}
	}

	if unit.CrawlID != "" {
		// The crawl may have been cancelled mid-fetch; late results must
		// not feed discovery or count against a settled crawl.
		if cancelled, err := s.crawls.IsCancelled(ctx, unit.CrawlID); err == nil && cancelled {
			s.finishCancelled(ctx, unit)
			return
		}
	}

	s.archive(ctx, unit, doc)

	result := &models.UnitResult{
		UnitID:      unit.ID,
		CrawlID:     unit.CrawlID,
		URL:         sourceOf(unit),
		Status:      models.UnitStatusCompleted,
		Document:    doc,
		CreditsUsed: credits,
		FinishedAt:  s.now().UTC(),
	}
	s.finishCompleted(ctx, unit, result)
}

// fetchDocument runs the fetch, giving single-URL submissions one more
// try at double timeout when the first attempt ran out of time.
func (s *Service) fetchDocument(ctx context.Context, unit *models.Unit) (*models.Document, error) {
	doc, err := s.fetcher.Scrape(ctx, unit.URL, unit.ScrapeOptions)
	if err == nil {
		s.stampSource(unit, doc)
		return doc, nil
	}
	if !unit.IsSingleURL || ctx.Err() != nil {
		return nil, err
	}

	var fetchErr *models.FetchError
	if !errors.As(err, &fetchErr) {
		return nil, err
	}
	if !fetchErr.Retriable && fetchErr.Code != models.ErrCodeTimeout {
		return nil, err
	}

	opts := unit.ScrapeOptions
	opts.ApplyDefaults()
	opts.Timeout *= 2
	s.logger.Debug().
		Str("unit_id", unit.ID).
		Str("url", unit.URL).
		Int("timeout_ms", opts.Timeout).
		Msg("Retrying single-URL fetch at doubled timeout")

	doc, err = s.fetcher.Scrape(ctx, unit.URL, opts)
	if err != nil {
		return nil, err
	}
	s.stampSource(unit, doc)
	return doc, nil
}

// stampSource keeps the submitted URL visible in results even after
// normalization and redirects rewrote the fetch target.
func (s *Service) stampSource(unit *models.Unit, doc *models.Document) {
	if src := sourceOf(unit); src != "" {
		doc.Metadata.SourceURL = src
	}
}

// wantsExtraction reports whether the unit asked for LLM extraction.
func (s *Service) wantsExtraction(unit *models.Unit) bool {
	if unit.ScrapeOptions.Extract != nil {
		return true
	}
	return unit.ScrapeOptions.WantsFormat(models.FormatJSON)
}

// extractJSON runs the configured extractor over the fetched document.
// Extraction failures do not fail the unit: the page content already
// exists, so the outcome is recorded on the document instead of burning
// queue retries on provider flakiness.
func (s *Service) extractJSON(ctx context.Context, unit *models.Unit, doc *models.Document) bool {
	if s.extractor == nil {
		doc.Metadata.Error = "json format requested but no extraction provider is configured"
		s.logger.Warn().Str("unit_id", unit.ID).Msg("Extraction requested with no provider configured")
		return false
	}

	var opts models.ExtractOptions
	if unit.ScrapeOptions.Extract != nil {
		opts = *unit.ScrapeOptions.Extract
	}
	raw, err := s.extractor.Extract(ctx, doc, opts)
	if err != nil {
		doc.Metadata.Error = fmt.Sprintf("extraction failed: %v", err)
		s.logger.Warn().Err(err).Str("unit_id", unit.ID).Str("url", unit.URL).Msg("Extraction failed")
		return false
	}
	doc.JSON = raw
	return true
}

// archive writes the document to blob storage when the unit asks for it.
// Zero-data-retention units never archive.
func (s *Service) archive(ctx context.Context, unit *models.Unit, doc *models.Document) {
	if s.blobs == nil || !unit.Internal.SaveToBlob || unit.Internal.ZeroDataRetention {
		return
	}
	data, err := json.Marshal(doc)
	if err != nil {
		s.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Failed to encode document for archive")
		return
	}
	key := blobKey(unit)
	location, err := s.blobs.Put(ctx, key, data, "application/json")
	if err != nil {
		s.logger.Warn().Err(err).Str("unit_id", unit.ID).Str("key", key).Msg("Failed to archive document")
		return
	}
	s.logger.Debug().Str("unit_id", unit.ID).Str("location", location).Msg("Document archived")
}

func blobKey(unit *models.Unit) string {
	if unit.CrawlID != "" {
		return fmt.Sprintf("results/%s/%s.json", unit.CrawlID, unit.ID)
	}
	return fmt.Sprintf("results/scrape/%s.json", unit.ID)
}

// handleFetchError settles a failed fetch: retriable failures go back
// through the queue with backoff, permanent ones fail the unit now.
func (s *Service) handleFetchError(ctx context.Context, unit *models.Unit, err error) {
	code := models.ErrCodeUpstream
	var fetchErr *models.FetchError
	if errors.As(err, &fetchErr) {
		code = fetchErr.Code
	}

	if models.IsRetriable(err) && s.retryLater(ctx, unit) {
		s.logger.Debug().
			Str("unit_id", unit.ID).
			Str("url", unit.URL).
			Int("attempt", unit.AttemptCount).
			Msg("Retriable fetch failure, unit released for retry")
		metrics.UnitsProcessed.WithLabelValues(string(unit.Type), "retried").Inc()
		return
	}

	s.logger.Warn().
		Err(err).
		Str("unit_id", unit.ID).
		Str("url", unit.URL).
		Int("attempt", unit.AttemptCount).
		Msg("Unit failed")
	s.finishFailure(ctx, unit, err.Error(), code)
}

// retryLater releases the unit back to the queue with backoff, keeping
// its concurrency lease. Returns false when attempts are exhausted.
func (s *Service) retryLater(ctx context.Context, unit *models.Unit) bool {
	if s.opts.MaxAttempts > 0 && unit.AttemptCount >= s.opts.MaxAttempts {
		return false
	}
	if err := s.queue.Release(ctx, unit.ID, s.retryBackoff(unit.AttemptCount)); err != nil {
		s.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Failed to release unit for retry")
		return false
	}
	return true
}

// finishCompleted propagates a successful result, emits the page webhook
// and live event, bills the team and settles the unit.
func (s *Service) finishCompleted(ctx context.Context, unit *models.Unit, result *models.UnitResult) {
	if unit.CrawlID != "" {
		if err := s.crawls.OnUnitResult(ctx, unit, result); err != nil {
			s.logger.Error().Err(err).Str("unit_id", unit.ID).Msg("Failed to record unit result")
		}
	} else {
		if err := s.events.PublishUnitResult(ctx, result); err != nil {
			s.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Failed to publish unit result")
		}
	}

	if result.Document != nil {
		event := &models.WebhookEvent{
			Type:      models.PageEvent(unit.Kind),
			ID:        eventSubject(unit),
			EventID:   common.NewEventID(),
			Success:   true,
			Data:      []models.Document{*result.Document},
			Timestamp: s.now().UTC(),
		}
		if unit.Webhook != nil {
			s.webhooks.Dispatch(unit.TeamID, unit.Webhook, event)
		}
		if unit.CrawlID != "" {
			if err := s.events.PublishCrawlEvent(ctx, unit.CrawlID, event); err != nil {
				s.logger.Debug().Err(err).Str("crawl_id", unit.CrawlID).Msg("Failed to publish page event")
			}
		}
	}

	if result.CreditsUsed > 0 && !unit.Internal.BypassBilling && s.billing != nil {
		if err := s.billing.Bill(ctx, unit.TeamID, result.CreditsUsed); err != nil {
			s.logger.Warn().Err(err).Str("team_id", unit.TeamID).Msg("Failed to bill credits")
		}
	}

	s.settle(ctx, unit, "completed")
}

// finishFailure records a terminal failure and settles the unit.
func (s *Service) finishFailure(ctx context.Context, unit *models.Unit, errMsg string, code models.ErrorCode) {
	result := &models.UnitResult{
		UnitID:     unit.ID,
		CrawlID:    unit.CrawlID,
		URL:        sourceOf(unit),
		Status:     models.UnitStatusFailed,
		Error:      errMsg,
		Code:       code,
		FinishedAt: s.now().UTC(),
	}
	if unit.CrawlID != "" {
		if err := s.crawls.OnUnitResult(ctx, unit, result); err != nil {
			s.logger.Error().Err(err).Str("unit_id", unit.ID).Msg("Failed to record unit failure")
		}
	} else {
		if err := s.events.PublishUnitResult(ctx, result); err != nil {
			s.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Failed to publish unit failure")
		}
	}
	s.settle(ctx, unit, "failed")
}

// finishCancelled records a cancelled outcome. Cancelled units count
// toward crawl completion without touching the error counter.
func (s *Service) finishCancelled(ctx context.Context, unit *models.Unit) {
	result := &models.UnitResult{
		UnitID:     unit.ID,
		CrawlID:    unit.CrawlID,
		URL:        sourceOf(unit),
		Status:     models.UnitStatusCancelled,
		Error:      models.ErrCrawlCancelled.Error(),
		Code:       models.ErrCodeCancelled,
		FinishedAt: s.now().UTC(),
	}
	if unit.CrawlID != "" {
		if err := s.crawls.OnUnitResult(ctx, unit, result); err != nil {
			s.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Failed to record cancelled unit")
		}
	} else {
		if err := s.events.PublishUnitResult(ctx, result); err != nil {
			s.logger.Debug().Err(err).Str("unit_id", unit.ID).Msg("Failed to publish cancelled unit")
		}
	}
	s.settle(ctx, unit, "cancelled")
}

// settle completes the queue entry and releases the unit's concurrency
// lease; releasing also drains the team's overflow queue.
func (s *Service) settle(ctx context.Context, unit *models.Unit, outcome string) {
	if err := s.queue.Complete(ctx, unit.ID); err != nil {
		s.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Failed to complete queue entry")
	}
	if err := s.scheduler.Release(ctx, unit.TeamID, unit.ID); err != nil {
		s.logger.Warn().Err(err).Str("unit_id", unit.ID).Str("team_id", unit.TeamID).Msg("Failed to release concurrency lease")
	}
	metrics.UnitsProcessed.WithLabelValues(string(unit.Type), outcome).Inc()
}

// politeWait honors the owning crawl's per-request delay. Returns false
// when the context ended during the wait.
func (s *Service) politeWait(ctx context.Context, unit *models.Unit) bool {
	delay := time.Duration(unit.Internal.PolitenessDelayMS) * time.Millisecond
	if delay <= 0 {
		return true
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// watchCancel derives a context that ends when the crawl's cancel channel
// fires, so a long fetch aborts promptly instead of running out its
// timeout against a crawl nobody wants anymore.
func (s *Service) watchCancel(ctx context.Context, crawlID string) (context.Context, context.CancelFunc) {
	watchCtx, cancel := context.WithCancel(ctx)
	sub, err := s.events.SubscribeCancel(ctx, crawlID)
	if err != nil {
		s.logger.Debug().Err(err).Str("crawl_id", crawlID).Msg("Failed to subscribe to cancel channel")
		return watchCtx, cancel
	}
	common.SafeGo(s.logger, "worker-cancel-watch", func() {
		defer sub.Close()
		select {
		case <-watchCtx.Done():
		case _, ok := <-sub.Channel():
			if ok {
				cancel()
			}
		}
	})
	return watchCtx, cancel
}

// eventSubject is the ID page events carry: the crawl for crawl units,
// the unit itself for standalone scrapes.
func eventSubject(unit *models.Unit) string {
	if unit.CrawlID != "" {
		return unit.CrawlID
	}
	return unit.ID
}

func sourceOf(unit *models.Unit) string {
	if unit.SourceURL != "" {
		return unit.SourceURL
	}
	return unit.URL
}
