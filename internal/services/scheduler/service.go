// -----------------------------------------------------------------------
// Scheduler - admission bridge between the limiter and the job queue
// -----------------------------------------------------------------------

package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
)

const (
	defaultLeaseMargin = 30 * time.Second

	// drainBatchCap bounds one drain pass so a single release cannot spin
	// on a deep overflow queue forever.
	drainBatchCap = 256
)

// Options tunes admission behavior.
type Options struct {
	// DefaultMaxConcurrency is the per-team cap for teams that do not set
	// their own; it is also the escalation bucket size.
	DefaultMaxConcurrency int

	// LeaseMargin is added on top of a unit's fetch timeout to size its
	// concurrency lease.
	LeaseMargin time.Duration
}

// Service is the admit -> submit bridge. Every unit enters the queue
// through Submit; the limiter decides whether it runs now or waits in the
// team's overflow queue, and completions drain what waited.
type Service struct {
	queue   interfaces.Queue
	limiter interfaces.Limiter
	auth    interfaces.Authenticator
	logger  arbor.ILogger
	opts    Options
}

// NewService wires the scheduler.
func NewService(queue interfaces.Queue, limiter interfaces.Limiter, auth interfaces.Authenticator, logger arbor.ILogger, opts Options) *Service {
	if opts.DefaultMaxConcurrency <= 0 {
		opts.DefaultMaxConcurrency = 10
	}
	if opts.LeaseMargin <= 0 {
		opts.LeaseMargin = defaultLeaseMargin
	}
	return &Service{
		queue:   queue,
		limiter: limiter,
		auth:    auth,
		logger:  logger,
		opts:    opts,
	}
}

// Submit admits the unit for its team and enqueues it. At capacity the
// limiter parks it instead; parked units surface later through DrainTeam.
func (s *Service) Submit(ctx context.Context, unit *models.Unit) error {
	team := s.teamFor(unit.TeamID)
	unit.Priority = s.effectivePriority(ctx, team, unit.Priority)

	admitted, err := s.limiter.Admit(ctx, team, unit, s.leaseTTL(unit))
	if err != nil {
		return fmt.Errorf("failed to admit unit: %w", err)
	}
	if !admitted {
		s.logger.Debug().
			Str("unit_id", unit.ID).
			Str("team_id", team.ID).
			Int("priority", unit.Priority).
			Msg("Team at capacity, unit parked in overflow")
		return nil
	}

	if err := s.queue.Enqueue(ctx, unit); err != nil {
		// Give the slot back so the failed enqueue cannot starve the team.
		if relErr := s.limiter.Release(ctx, team.ID, unit.ID); relErr != nil {
			s.logger.Warn().Err(relErr).Str("unit_id", unit.ID).Msg("Failed to release lease after enqueue failure")
		}
		return fmt.Errorf("failed to enqueue unit: %w", err)
	}
	return nil
}

// Release frees the unit's concurrency slot and admits waiting overflow.
func (s *Service) Release(ctx context.Context, teamID, unitID string) error {
	if err := s.limiter.Release(ctx, teamID, unitID); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return s.DrainTeam(ctx, teamID)
}

// DrainTeam moves parked units into the queue while capacity remains.
func (s *Service) DrainTeam(ctx context.Context, teamID string) error {
	team := s.teamFor(teamID)
	drained := 0
	for drained < drainBatchCap {
		unit, ok, err := s.limiter.NextOverflow(ctx, team, s.drainLeaseTTL())
		if err != nil {
			return fmt.Errorf("failed to pop overflow: %w", err)
		}
		if !ok {
			break
		}
		if err := s.queue.Enqueue(ctx, unit); err != nil {
			// The overflow pop consumed the parked copy; put the unit back
			// through the front door before reporting the failure.
			if relErr := s.limiter.Release(ctx, teamID, unit.ID); relErr != nil {
				s.logger.Warn().Err(relErr).Str("unit_id", unit.ID).Msg("Failed to release lease after drain enqueue failure")
			}
			if subErr := s.Submit(ctx, unit); subErr != nil {
				s.logger.Error().Err(subErr).Str("unit_id", unit.ID).Msg("Failed to re-park unit after drain failure")
			}
			return fmt.Errorf("failed to enqueue drained unit: %w", err)
		}
		drained++
	}
	if drained > 0 {
		s.logger.Debug().Str("team_id", teamID).Int("drained", drained).Msg("Overflow drained")
	}
	return nil
}

// effectivePriority applies backlog escalation: teams with more parked
// units than their concurrency bucket drift toward later scheduling, at a
// rate set by their plan. Enterprise never drifts.
func (s *Service) effectivePriority(ctx context.Context, team *models.Team, base int) int {
	modifier := team.EffectivePlanModifier()
	if modifier <= 0 {
		return base
	}
	backlog, err := s.limiter.Backlog(ctx, team.ID)
	if err != nil {
		s.logger.Debug().Err(err).Str("team_id", team.ID).Msg("Failed to read backlog, keeping base priority")
		return base
	}
	bucket := int64(team.MaxConcurrency)
	if bucket <= 0 {
		bucket = int64(s.opts.DefaultMaxConcurrency)
	}
	over := backlog - bucket
	if over <= 0 {
		return base
	}
	return base + int(float64(over)*modifier)
}

// leaseTTL sizes a unit's concurrency lease strictly above its worst-case
// fetch wall-clock. Single-URL submissions retry once at double timeout,
// so their worst case is triple.
func (s *Service) leaseTTL(unit *models.Unit) time.Duration {
	budget := unit.ScrapeOptions.TimeoutDuration()
	if unit.IsSingleURL {
		budget *= 3
	}
	return budget + s.opts.LeaseMargin
}

// drainLeaseTTL is used when admitting parked units, whose exact timeout
// is only known after decoding; the default budget covers the common case
// and expiry sweeps reclaim the rest.
func (s *Service) drainLeaseTTL() time.Duration {
	return models.DefaultScrapeTimeoutMS*time.Millisecond*3 + s.opts.LeaseMargin
}

func (s *Service) teamFor(teamID string) *models.Team {
	if team, ok := s.auth.TeamByID(teamID); ok {
		return team
	}
	// Units always carry an authenticated team ID; this fallback only
	// fires when a team was removed from config mid-flight.
	return &models.Team{
		ID:             teamID,
		Plan:           models.PlanFree,
		MaxConcurrency: s.opts.DefaultMaxConcurrency,
		Credits:        -1,
	}
}
