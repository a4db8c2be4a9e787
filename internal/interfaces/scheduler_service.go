package interfaces

import (
	"context"

	"github.com/ternarybob/trawl/internal/models"
)

// Scheduler bridges the concurrency limiter and the job queue. Units enter
// through Submit; admission either enqueues them or parks them on the
// team's overflow queue, which drains on completions and sweep ticks.
type Scheduler interface {
	// Submit admits a unit for its team and enqueues it, or parks it on
	// the overflow queue when the team is at capacity.
	Submit(ctx context.Context, unit *models.Unit) error

	// Release frees the unit's concurrency lease and drains the team's
	// overflow while capacity remains.
	Release(ctx context.Context, teamID string, unitID string) error

	// DrainTeam admits parked units while the team has capacity.
	DrainTeam(ctx context.Context, teamID string) error
}
