// -----------------------------------------------------------------------
// Worker - reserves units from the job queue and executes them
// -----------------------------------------------------------------------

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
)

const (
	defaultPollInterval    = 500 * time.Millisecond
	defaultMaxPollInterval = 5 * time.Second
	defaultReservation     = 2 * time.Minute
	defaultRetryBackoff    = 5 * time.Second
	defaultMaxRetryBackoff = 2 * time.Minute
	defaultShutdownGrace   = 30 * time.Second
)

// Options tunes the worker pool.
type Options struct {
	// Concurrency is the number of worker goroutines polling the queue.
	Concurrency int

	// PollInterval is the base queue poll cadence. Idle workers back off
	// by doubling up to MaxPollInterval and snap back on the next unit.
	PollInterval    time.Duration
	MaxPollInterval time.Duration

	// ReservationTimeout is the initial queue lease taken at Reserve; the
	// lease is extended once the unit's real budget is known.
	ReservationTimeout time.Duration

	// MaxAttempts caps queue retries per unit; 0 means unlimited.
	MaxAttempts int

	// RetryBackoff is the base delay for retriable failures, doubled per
	// attempt up to MaxRetryBackoff.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// LeaseMargin pads queue lease extensions above the fetch budget.
	LeaseMargin time.Duration

	// ShutdownGrace bounds how long Stop waits for in-flight units before
	// cancelling their contexts.
	ShutdownGrace time.Duration
}

func (o *Options) applyDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = defaultPollInterval
	}
	if o.MaxPollInterval <= 0 {
		o.MaxPollInterval = defaultMaxPollInterval
	}
	if o.MaxPollInterval < o.PollInterval {
		o.MaxPollInterval = o.PollInterval
	}
	if o.ReservationTimeout <= 0 {
		o.ReservationTimeout = defaultReservation
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = defaultRetryBackoff
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = defaultMaxRetryBackoff
	}
	if o.MaxRetryBackoff < o.RetryBackoff {
		o.MaxRetryBackoff = o.RetryBackoff
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = defaultShutdownGrace
	}
}

// Service is the worker pool. Each worker polls the shared queue,
// executes the reserved unit and settles it: results flow back into the
// crawl core or the sync result channel, the queue entry completes, and
// the unit's concurrency lease is released.
type Service struct {
	queue     interfaces.Queue
	fetcher   interfaces.Fetcher
	crawls    interfaces.CrawlEngine
	scheduler interfaces.Scheduler
	events    interfaces.Events
	webhooks  interfaces.WebhookDispatcher
	billing   interfaces.Billing

	// extractor and blobs are optional; nil disables the feature.
	extractor interfaces.Extractor
	blobs     interfaces.BlobStore

	logger arbor.ILogger
	opts   Options

	// pollCtx stops reservations first; unitCtx keeps in-flight units
	// alive through the shutdown grace period.
	pollCtx    context.Context
	pollCancel context.CancelFunc
	unitCtx    context.Context
	unitCancel context.CancelFunc

	wg     sync.WaitGroup
	active atomic.Int64
	now    func() time.Time
}

// Deps carries the worker pool's collaborators.
type Deps struct {
	Queue     interfaces.Queue
	Fetcher   interfaces.Fetcher
	Crawls    interfaces.CrawlEngine
	Scheduler interfaces.Scheduler
	Events    interfaces.Events
	Webhooks  interfaces.WebhookDispatcher
	Billing   interfaces.Billing
	Extractor interfaces.Extractor
	Blobs     interfaces.BlobStore
}

// NewService wires the worker pool. Start launches the workers.
func NewService(deps Deps, logger arbor.ILogger, opts Options) *Service {
	opts.applyDefaults()
	pollCtx, pollCancel := context.WithCancel(context.Background())
	unitCtx, unitCancel := context.WithCancel(context.Background())
	return &Service{
		queue:      deps.Queue,
		fetcher:    deps.Fetcher,
		crawls:     deps.Crawls,
		scheduler:  deps.Scheduler,
		events:     deps.Events,
		webhooks:   deps.Webhooks,
		billing:    deps.Billing,
		extractor:  deps.Extractor,
		blobs:      deps.Blobs,
		logger:     logger,
		opts:       opts,
		pollCtx:    pollCtx,
		pollCancel: pollCancel,
		unitCtx:    unitCtx,
		unitCancel: unitCancel,
		now:        time.Now,
	}
}

// Start launches the worker goroutines.
func (s *Service) Start() error {
	s.logger.Info().
		Int("concurrency", s.opts.Concurrency).
		Dur("poll_interval", s.opts.PollInterval).
		Msg("Starting worker pool")

	for i := 0; i < s.opts.Concurrency; i++ {
		s.wg.Add(1)
		go s.run(i)
	}
	return nil
}

// Stop halts reservations, waits out the shutdown grace period for
// in-flight units, then cancels them and waits for the pool to exit.
func (s *Service) Stop() error {
	s.logger.Info().Int64("active", s.active.Load()).Msg("Stopping worker pool")
	s.pollCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.opts.ShutdownGrace):
		s.logger.Warn().
			Int64("active", s.active.Load()).
			Msg("Shutdown grace elapsed, cancelling in-flight units")
		s.unitCancel()
		<-done
	}
	s.unitCancel()
	s.logger.Info().Msg("Worker pool stopped")
	return nil
}

// ActiveUnits returns the number of units currently executing.
func (s *Service) ActiveUnits() int64 {
	return s.active.Load()
}

// run is one worker's poll loop. Starts are staggered across the poll
// interval to spread reservation contention; an idle worker doubles its
// interval up to the cap and snaps back when a unit appears.
func (s *Service) run(workerID int) {
	defer s.wg.Done()

	stagger := (s.opts.PollInterval / time.Duration(s.opts.Concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-s.pollCtx.Done():
			return
		case <-time.After(stagger):
		}
	}

	s.logger.Debug().
		Int("worker_id", workerID).
		Dur("stagger", stagger).
		Msg("Worker started")

	interval := s.opts.PollInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-s.pollCtx.Done():
			s.logger.Debug().Int("worker_id", workerID).Msg("Worker stopped")
			return
		case <-timer.C:
		}

		if s.poll(workerID) {
			interval = s.opts.PollInterval
		} else if interval < s.opts.MaxPollInterval {
			interval *= 2
			if interval > s.opts.MaxPollInterval {
				interval = s.opts.MaxPollInterval
			}
		}
		timer.Reset(interval)
	}
}

// poll reserves and executes at most one unit. Returns whether a unit
// was found.
func (s *Service) poll(workerID int) bool {
	unit, err := s.queue.Reserve(s.pollCtx, s.opts.ReservationTimeout)
	if errors.Is(err, models.ErrNoUnit) {
		return false
	}
	if err != nil {
		if s.pollCtx.Err() == nil {
			s.logger.Warn().Err(err).Int("worker_id", workerID).Msg("Failed to reserve unit")
		}
		return false
	}

	s.active.Add(1)
	defer s.active.Add(-1)

	s.logger.Debug().
		Str("unit_id", unit.ID).
		Str("type", string(unit.Type)).
		Str("url", unit.URL).
		Int("attempt", unit.AttemptCount).
		Int("worker_id", workerID).
		Msg("Unit reserved")

	s.process(s.unitCtx, unit)
	return true
}

// unitLeaseTTL sizes the queue reservation to the unit's real budget.
// Single-URL submissions retry once at double timeout, so their worst
// case is triple.
func (s *Service) unitLeaseTTL(unit *models.Unit) time.Duration {
	budget := unit.ScrapeOptions.TimeoutDuration()
	if unit.IsSingleURL {
		budget *= 3
	}
	return budget + s.opts.LeaseMargin
}

// retryBackoff doubles the base delay per recorded attempt, capped.
func (s *Service) retryBackoff(attempt int) time.Duration {
	backoff := s.opts.RetryBackoff
	for i := 1; i < attempt; i++ {
		backoff *= 2
		if backoff >= s.opts.MaxRetryBackoff {
			return s.opts.MaxRetryBackoff
		}
	}
	if backoff > s.opts.MaxRetryBackoff {
		return s.opts.MaxRetryBackoff
	}
	return backoff
}
