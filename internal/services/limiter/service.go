// -----------------------------------------------------------------------
// Concurrency Limiter - per-team lease accounting with overflow parking
// -----------------------------------------------------------------------

package limiter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
)

// overflowSlot separates priority classes in overflow ordering, matching
// the job queue's score layout.
const overflowSlot = int64(1) << 32

// Service tracks per-team execution slots in the shared KV store. Active
// leases live in a sorted set scored by expiry so stale leases from dead
// workers are swept on the next admission. Units refused admission wait in
// a per-team overflow sorted set ordered by priority then arrival.
type Service struct {
	kv         interfaces.KVStore
	logger     arbor.ILogger
	defaultMax int
	now        func() time.Time
}

// NewService creates the limiter. defaultMax applies to teams without an
// explicit concurrency cap.
func NewService(kv interfaces.KVStore, logger arbor.ILogger, defaultMax int) *Service {
	if defaultMax <= 0 {
		defaultMax = 10
	}
	return &Service{
		kv:         kv,
		logger:     logger,
		defaultMax: defaultMax,
		now:        time.Now,
	}
}

func activeKey(teamID string) string {
	return "team:" + teamID + ":active"
}

func overflowKey(teamID string) string {
	return "team:" + teamID + ":overflow"
}

func overflowSeqKey(teamID string) string {
	return "team:" + teamID + ":overflow:seq"
}

func overflowUnitKey(teamID, unitID string) string {
	return "team:" + teamID + ":overflow:unit:" + unitID
}

func (s *Service) maxFor(team *models.Team) int64 {
	if team.MaxConcurrency > 0 {
		return int64(team.MaxConcurrency)
	}
	return int64(s.defaultMax)
}

func overflowScore(priority int, seq int64) float64 {
	if priority < 0 {
		priority = 0
	}
	return float64(int64(priority)*overflowSlot + seq%overflowSlot)
}

// Admit takes an execution slot for the unit, or parks it in overflow when
// the team is at capacity. Expired leases are evicted as part of the same
// capped add.
func (s *Service) Admit(ctx context.Context, team *models.Team, unit *models.Unit, leaseTTL time.Duration) (bool, error) {
	now := float64(s.now().UnixMilli())
	expiry := float64(s.now().Add(leaseTTL).UnixMilli())

	admitted, err := s.kv.ZAddCapped(ctx, activeKey(team.ID), s.maxFor(team), now, expiry, unit.ID)
	if err != nil {
		return false, fmt.Errorf("failed to take concurrency lease: %w", err)
	}
	if admitted {
		return true, nil
	}

	data, err := unit.Marshal()
	if err != nil {
		return false, fmt.Errorf("failed to marshal overflow unit: %w", err)
	}
	// Payload before index so a popped id always resolves.
	if err := s.kv.Set(ctx, overflowUnitKey(team.ID, unit.ID), string(data), 0); err != nil {
		return false, fmt.Errorf("failed to park overflow unit: %w", err)
	}
	seq, err := s.kv.IncrBy(ctx, overflowSeqKey(team.ID), 1)
	if err != nil {
		return false, fmt.Errorf("failed to advance overflow sequence: %w", err)
	}
	if err := s.kv.ZAdd(ctx, overflowKey(team.ID), overflowScore(unit.Priority, seq), unit.ID); err != nil {
		return false, fmt.Errorf("failed to index overflow unit: %w", err)
	}
	s.logger.Debug().
		Str("team_id", team.ID).
		Str("unit_id", unit.ID).
		Msg("Team at capacity, unit parked in overflow")
	return false, nil
}

// Release frees the unit's slot.
func (s *Service) Release(ctx context.Context, teamID string, unitID string) error {
	if _, err := s.kv.ZRem(ctx, activeKey(teamID), unitID); err != nil {
		return fmt.Errorf("failed to release concurrency lease: %w", err)
	}
	return nil
}

// NextOverflow admits the best-priority parked unit under a fresh lease.
// ok is false when overflow is empty or the team is still at capacity.
// Concurrent callers may race on the same head unit; the ZRem claim lets
// exactly one of them hand the unit out.
func (s *Service) NextOverflow(ctx context.Context, team *models.Team, leaseTTL time.Duration) (*models.Unit, bool, error) {
	ids, err := s.kv.ZRangeByScore(ctx, overflowKey(team.ID), 0, math.MaxFloat64, 1)
	if err != nil {
		return nil, false, fmt.Errorf("failed to peek overflow: %w", err)
	}
	if len(ids) == 0 {
		return nil, false, nil
	}
	unitID := ids[0]

	now := float64(s.now().UnixMilli())
	expiry := float64(s.now().Add(leaseTTL).UnixMilli())
	admitted, err := s.kv.ZAddCapped(ctx, activeKey(team.ID), s.maxFor(team), now, expiry, unitID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to take concurrency lease: %w", err)
	}
	if !admitted {
		return nil, false, nil
	}

	removed, err := s.kv.ZRem(ctx, overflowKey(team.ID), unitID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to claim overflow unit: %w", err)
	}
	if removed == 0 {
		// Another dispatcher claimed it; the shared lease stands for them.
		return nil, false, nil
	}

	payloadKey := overflowUnitKey(team.ID, unitID)
	data, err := s.kv.Get(ctx, payloadKey)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		if relErr := s.Release(ctx, team.ID, unitID); relErr != nil {
			return nil, false, relErr
		}
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load overflow unit: %w", err)
	}
	if err := s.kv.Delete(ctx, payloadKey); err != nil {
		return nil, false, fmt.Errorf("failed to clear overflow unit: %w", err)
	}

	unit, err := models.UnmarshalUnit([]byte(data))
	if err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal overflow unit: %w", err)
	}
	return unit, true, nil
}

// ActiveCount returns live leases, ignoring entries already expired.
func (s *Service) ActiveCount(ctx context.Context, teamID string) (int64, error) {
	card, err := s.kv.ZCard(ctx, activeKey(teamID))
	if err != nil {
		return 0, fmt.Errorf("failed to count leases: %w", err)
	}
	now := float64(s.now().UnixMilli())
	expired, err := s.kv.ZRangeByScore(ctx, activeKey(teamID), 0, now, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired leases: %w", err)
	}
	live := card - int64(len(expired))
	if live < 0 {
		live = 0
	}
	return live, nil
}

// Backlog returns the overflow depth.
func (s *Service) Backlog(ctx context.Context, teamID string) (int64, error) {
	depth, err := s.kv.ZCard(ctx, overflowKey(teamID))
	if err != nil {
		return 0, fmt.Errorf("failed to count overflow: %w", err)
	}
	return depth, nil
}

// SweepExpired drops lapsed leases so overflow can drain even when no
// completion event fires.
func (s *Service) SweepExpired(ctx context.Context, teamID string) (int64, error) {
	now := float64(s.now().UnixMilli())
	expired, err := s.kv.ZRangeByScore(ctx, activeKey(teamID), 0, now, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to scan expired leases: %w", err)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	removed, err := s.kv.ZRem(ctx, activeKey(teamID), expired...)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep expired leases: %w", err)
	}
	if removed > 0 {
		s.logger.Debug().
			Str("team_id", teamID).
			Int64("removed", removed).
			Msg("Swept expired concurrency leases")
	}
	return removed, nil
}
