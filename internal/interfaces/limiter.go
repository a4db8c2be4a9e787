// -----------------------------------------------------------------------
// Concurrency Limiter - per-team admission control with overflow queue
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/trawl/internal/models"
)

// Limiter admits units into per-team execution slots. Admission takes a
// lease keyed by unit ID; leases expire so a crashed worker cannot starve
// its team. Units over the cap wait in a per-team overflow queue and are
// admitted as capacity frees.
type Limiter interface {
	// Admit tries to take an execution slot for the unit. When the team is
	// at capacity the unit is parked in the overflow queue and Admit
	// returns false.
	Admit(ctx context.Context, team *models.Team, unit *models.Unit, leaseTTL time.Duration) (bool, error)

	// Release frees the unit's slot.
	Release(ctx context.Context, teamID string, unitID string) error

	// NextOverflow pops the best-priority overflowed unit and admits it
	// under a fresh lease. ok is false when the overflow queue is empty or
	// the team is still at capacity.
	NextOverflow(ctx context.Context, team *models.Team, leaseTTL time.Duration) (unit *models.Unit, ok bool, err error)

	// ActiveCount returns the team's live (non-expired) lease count.
	ActiveCount(ctx context.Context, teamID string) (int64, error)

	// Backlog returns the team's overflow queue depth.
	Backlog(ctx context.Context, teamID string) (int64, error)

	// SweepExpired drops lapsed leases for the team, returning how many
	// were removed.
	SweepExpired(ctx context.Context, teamID string) (int64, error)
}
