// -----------------------------------------------------------------------
// Billing - team credit ledger in the shared KV store
// -----------------------------------------------------------------------

package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
)

// Service keeps per-team credit balances in the KV store so billing holds
// across the fleet. A balance of -1 means unlimited. Disabled billing
// admits everything and bills nothing.
type Service struct {
	kv             interfaces.KVStore
	logger         arbor.ILogger
	enabled        bool
	defaultCredits int
}

// NewService creates the ledger.
func NewService(kv interfaces.KVStore, logger arbor.ILogger, enabled bool, defaultCredits int) *Service {
	return &Service{
		kv:             kv,
		logger:         logger,
		enabled:        enabled,
		defaultCredits: defaultCredits,
	}
}

func creditsKey(teamID string) string {
	return "team:" + teamID + ":credits"
}

// Seed writes initial balances for configured teams, leaving existing
// balances alone so restarts do not reset spend.
func (s *Service) Seed(ctx context.Context, teams []*models.Team) error {
	if !s.enabled {
		return nil
	}
	for _, team := range teams {
		credits := team.Credits
		if credits == 0 {
			credits = s.defaultCredits
		}
		if _, err := s.kv.SetNX(ctx, creditsKey(team.ID), strconv.Itoa(credits), 0); err != nil {
			return fmt.Errorf("failed to seed credits for team %s: %w", team.ID, err)
		}
	}
	return nil
}

// balance reads the team's balance, seeding the default on first touch.
func (s *Service) balance(ctx context.Context, teamID string) (int, error) {
	val, err := s.kv.Get(ctx, creditsKey(teamID))
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		if _, err := s.kv.SetNX(ctx, creditsKey(teamID), strconv.Itoa(s.defaultCredits), 0); err != nil {
			return 0, fmt.Errorf("failed to seed credits: %w", err)
		}
		return s.defaultCredits, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read credits: %w", err)
	}
	credits, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("corrupt credit balance for team %s: %w", teamID, err)
	}
	return credits, nil
}

// CheckCredits reports whether the team can afford n more credits.
// remaining < 0 means unlimited.
func (s *Service) CheckCredits(ctx context.Context, teamID string, n int) (bool, int, error) {
	if !s.enabled {
		return true, -1, nil
	}
	credits, err := s.balance(ctx, teamID)
	if err != nil {
		return false, 0, err
	}
	if credits < 0 {
		return true, -1, nil
	}
	return credits >= n, credits, nil
}

// Bill deducts n credits. Unlimited teams are never charged; balances may
// briefly go negative under concurrent spend and block further work.
func (s *Service) Bill(ctx context.Context, teamID string, n int) error {
	if !s.enabled || n <= 0 {
		return nil
	}
	credits, err := s.balance(ctx, teamID)
	if err != nil {
		return err
	}
	if credits < 0 {
		return nil
	}
	remaining, err := s.kv.IncrBy(ctx, creditsKey(teamID), int64(-n))
	if err != nil {
		return fmt.Errorf("failed to bill credits: %w", err)
	}
	if remaining < 0 {
		s.logger.Warn().
			Str("team_id", teamID).
			Int64("balance", remaining).
			Msg("Team credit balance went negative")
	}
	return nil
}
