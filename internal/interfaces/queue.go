// -----------------------------------------------------------------------
// Job Queue - priority queue with reservation leases
// -----------------------------------------------------------------------

package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/trawl/internal/models"
)

// QueueStats is a point-in-time snapshot of queue depths.
type QueueStats struct {
	Pending  int64 `json:"pending"`
	Reserved int64 `json:"reserved"`
	Delayed  int64 `json:"delayed"`
}

// Queue is the distributed job queue. Units are reserved under a lease;
// a worker that dies without completing lets the lease lapse and the unit
// returns to pending via RequeueExpired.
type Queue interface {
	// Enqueue makes the unit immediately reservable. Priority ordering
	// first, FIFO within a priority.
	Enqueue(ctx context.Context, unit *models.Unit) error

	// EnqueueDelayed holds the unit back until the delay elapses.
	EnqueueDelayed(ctx context.Context, unit *models.Unit, delay time.Duration) error

	// Reserve pops the highest-priority unit under a reservation lease.
	// Returns models.ErrNoUnit when nothing is ready.
	Reserve(ctx context.Context, leaseTTL time.Duration) (*models.Unit, error)

	// ExtendLease pushes a reserved unit's lease expiry out.
	ExtendLease(ctx context.Context, unitID string, leaseTTL time.Duration) error

	// Complete removes a finished unit from the queue.
	Complete(ctx context.Context, unitID string) error

	// Release returns a reserved unit to the queue after a delay, for
	// retriable failures. The unit keeps its attempt count.
	Release(ctx context.Context, unitID string, delay time.Duration) error

	// PromoteDelayed moves ready delayed units to pending. Returns how
	// many were promoted.
	PromoteDelayed(ctx context.Context, limit int) (int, error)

	// RequeueExpired returns lapsed reservations to pending. Units whose
	// attempts are exhausted are not requeued; they are returned for the
	// caller to fail.
	RequeueExpired(ctx context.Context, limit int) (requeued []string, exhausted []*models.Unit, err error)

	// Remove discards a unit regardless of its current state.
	Remove(ctx context.Context, unitID string) error

	// State reports where a unit currently sits. Returns
	// models.ErrUnitNotFound for unknown ids.
	State(ctx context.Context, unitID string) (models.UnitStatus, error)

	// Stats reports current queue depths.
	Stats(ctx context.Context) (*QueueStats, error)
}
