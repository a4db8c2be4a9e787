// -----------------------------------------------------------------------
// Maintenance - cron-driven sweeps for leases, retries and retention
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/metrics"
	"github.com/ternarybob/trawl/internal/models"
)

const (
	defaultSweepBatch = 128
	sweepTimeout      = 5 * time.Minute
)

// ExhaustedHandler settles a unit whose retry attempts ran out. Wired by
// the application so the sweep can fail crawl units without this package
// depending on the crawl service.
type ExhaustedHandler func(ctx context.Context, unit *models.Unit)

// sweepEntry is one registered maintenance job.
type sweepEntry struct {
	name        string
	schedule    string
	description string
	handler     func(ctx context.Context) error
	cronID      cron.EntryID
	lastRun     time.Time
	lastError   string
	isRunning   bool
}

// MaintenanceOptions configures sweep cadence and retention.
type MaintenanceOptions struct {
	LeaseSweepSchedule string
	PurgeSchedule      string
	Retention          time.Duration
	SweepBatch         int
}

// Maintenance runs the background sweeps that keep the system converging:
// lapsed queue reservations return to pending, exhausted units are settled,
// expired concurrency leases are dropped and their teams drained, and
// terminal crawls past retention are purged.
type Maintenance struct {
	scheduler   *Service
	store       interfaces.CrawlStore
	logger      arbor.ILogger
	opts        MaintenanceOptions
	onExhausted ExhaustedHandler

	cron    *cron.Cron
	mu      sync.Mutex
	jobs    map[string]*sweepEntry
	running bool
}

// NewMaintenance builds the sweep registry. The built-in jobs are
// registered immediately; they fire once Start is called.
func NewMaintenance(scheduler *Service, store interfaces.CrawlStore, logger arbor.ILogger, opts MaintenanceOptions) (*Maintenance, error) {
	if opts.LeaseSweepSchedule == "" {
		opts.LeaseSweepSchedule = "@every 30s"
	}
	if opts.PurgeSchedule == "" {
		opts.PurgeSchedule = "@every 1h"
	}
	if opts.Retention <= 0 {
		opts.Retention = 24 * time.Hour
	}
	if opts.SweepBatch <= 0 {
		opts.SweepBatch = defaultSweepBatch
	}

	m := &Maintenance{
		scheduler: scheduler,
		store:     store,
		logger:    logger,
		opts:      opts,
		cron:      cron.New(),
		jobs:      make(map[string]*sweepEntry),
	}

	if err := m.Register("queue-sweep", opts.LeaseSweepSchedule, "Requeue lapsed reservations, settle exhausted units, promote delayed retries", m.sweepQueue); err != nil {
		return nil, err
	}
	if err := m.Register("lease-sweep", opts.LeaseSweepSchedule, "Drop expired concurrency leases and drain team overflow", m.sweepLeases); err != nil {
		return nil, err
	}
	if err := m.Register("purge", opts.PurgeSchedule, "Delete terminal crawls past retention", m.purge); err != nil {
		return nil, err
	}
	return m, nil
}

// SetExhaustedHandler wires the settle callback for units that ran out of
// retry attempts. Must be set before Start.
func (m *Maintenance) SetExhaustedHandler(h ExhaustedHandler) {
	m.onExhausted = h
}

// Register adds a named job to the registry. The application registers
// extra sweeps (stalled-crawl reevaluation) through this.
func (m *Maintenance) Register(name, schedule, description string, handler func(ctx context.Context) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &sweepEntry{
		name:        name,
		schedule:    schedule,
		description: description,
		handler:     handler,
	}

	cronID, err := m.cron.AddFunc(schedule, func() {
		m.executeJob(name)
	})
	if err != nil {
		return fmt.Errorf("failed to add job to cron: %w", err)
	}
	entry.cronID = cronID
	m.jobs[name] = entry

	m.logger.Info().
		Str("job_name", name).
		Str("schedule", schedule).
		Msg("Maintenance job registered")
	return nil
}

// Start begins the cron loop.
func (m *Maintenance) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return fmt.Errorf("maintenance already running")
	}
	m.cron.Start()
	m.running = true
	m.logger.Info().Int("jobs", len(m.jobs)).Msg("Maintenance started")
	return nil
}

// Stop halts the cron loop. In-flight sweeps finish on their own.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.cron.Stop()
	m.running = false
	m.logger.Info().Msg("Maintenance stopped")
}

// RunAll executes every registered job once, sequentially. Used at
// startup to converge state left over from a previous process.
func (m *Maintenance) RunAll() {
	m.mu.Lock()
	names := make([]string, 0, len(m.jobs))
	for name := range m.jobs {
		names = append(names, name)
	}
	m.mu.Unlock()

	for _, name := range names {
		m.executeJob(name)
	}
}

// executeJob wraps a handler with overlap suppression, panic recovery and
// status bookkeeping.
func (m *Maintenance) executeJob(name string) {
	m.mu.Lock()
	entry, exists := m.jobs[name]
	if !exists {
		m.mu.Unlock()
		m.logger.Warn().Str("job_name", name).Msg("Maintenance job not found")
		return
	}
	if entry.isRunning {
		m.mu.Unlock()
		m.logger.Debug().Str("job_name", name).Msg("Maintenance job still running, skipping tick")
		return
	}
	entry.isRunning = true
	entry.lastRun = time.Now()
	handler := entry.handler
	m.mu.Unlock()

	defer func() {
		var errMsg string
		if r := recover(); r != nil {
			errMsg = fmt.Sprintf("panic: %v", r)
			m.logger.Error().
				Str("job_name", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("PANIC RECOVERED in maintenance job")
		}
		m.mu.Lock()
		entry.isRunning = false
		if errMsg != "" {
			entry.lastError = errMsg
		}
		m.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	err := handler(ctx)

	m.mu.Lock()
	if err != nil {
		entry.lastError = err.Error()
	} else {
		entry.lastError = ""
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Warn().Err(err).Str("job_name", name).Msg("Maintenance job failed")
	}
}

// sweepQueue requeues lapsed reservations, settles units that ran out of
// attempts, promotes delayed retries that became due, and refreshes the
// queue depth gauges.
func (m *Maintenance) sweepQueue(ctx context.Context) error {
	for {
		requeued, exhausted, err := m.scheduler.queue.RequeueExpired(ctx, m.opts.SweepBatch)
		if err != nil {
			return fmt.Errorf("failed to requeue expired units: %w", err)
		}
		if len(requeued) > 0 {
			m.logger.Info().Int("count", len(requeued)).Msg("Requeued lapsed reservations")
		}
		for _, unit := range exhausted {
			m.logger.Warn().
				Str("unit_id", unit.ID).
				Str("url", unit.URL).
				Int("attempts", unit.AttemptCount).
				Msg("Unit exhausted retry attempts")
			if m.onExhausted != nil {
				m.onExhausted(ctx, unit)
			}
			if err := m.scheduler.Release(ctx, unit.TeamID, unit.ID); err != nil {
				m.logger.Warn().Err(err).Str("unit_id", unit.ID).Msg("Failed to release exhausted unit lease")
			}
		}
		if len(requeued)+len(exhausted) < m.opts.SweepBatch {
			break
		}
	}

	for {
		promoted, err := m.scheduler.queue.PromoteDelayed(ctx, m.opts.SweepBatch)
		if err != nil {
			return fmt.Errorf("failed to promote delayed units: %w", err)
		}
		if promoted < m.opts.SweepBatch {
			break
		}
	}

	stats, err := m.scheduler.queue.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read queue stats: %w", err)
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
	metrics.QueueDepth.WithLabelValues("reserved").Set(float64(stats.Reserved))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
	return nil
}

// sweepLeases drops lapsed concurrency leases per team and drains whatever
// overflow fits the recovered capacity.
func (m *Maintenance) sweepLeases(ctx context.Context) error {
	var firstErr error
	for _, team := range m.scheduler.auth.Teams() {
		swept, err := m.scheduler.limiter.SweepExpired(ctx, team.ID)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to sweep leases for team %s: %w", team.ID, err)
			}
			continue
		}
		if swept > 0 {
			m.logger.Info().Str("team_id", team.ID).Int64("swept", swept).Msg("Expired leases dropped")
		}

		if err := m.scheduler.DrainTeam(ctx, team.ID); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to drain team %s: %w", team.ID, err)
			}
		}

		active, err := m.scheduler.limiter.ActiveCount(ctx, team.ID)
		if err == nil {
			metrics.ActiveLeases.WithLabelValues(team.ID).Set(float64(active))
		}
	}
	return firstErr
}

// purge deletes terminal crawls whose retention window has passed.
func (m *Maintenance) purge(ctx context.Context) error {
	cutoff := time.Now().Add(-m.opts.Retention)
	purged, err := m.store.PurgeExpired(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to purge expired crawls: %w", err)
	}
	if purged > 0 {
		m.logger.Info().Int("purged", purged).Msg("Expired crawls purged")
	}
	return nil
}
