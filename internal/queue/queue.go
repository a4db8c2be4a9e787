// -----------------------------------------------------------------------
// Job Queue - priority queue with reservation leases on the shared KV store
// -----------------------------------------------------------------------

package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
)

const (
	pendingKey  = "queue:pending"
	reservedKey = "queue:reserved"
	delayedKey  = "queue:delayed"
	seqKey      = "queue:seq"
	unitPrefix  = "queue:unit:"

	// prioritySlot separates priority classes in the pending score. FIFO
	// ordering within a class wraps after ~4e9 enqueues, which outlives any
	// deployment between store resets.
	prioritySlot = int64(1) << 32

	// reserveRetries bounds how many orphaned entries a single Reserve call
	// will skip over before giving up.
	reserveRetries = 8
)

// Options tunes queue behavior.
type Options struct {
	// MaxAttempts caps reservation attempts per unit; 0 means unlimited.
	MaxAttempts int
}

// KVQueue implements the job queue on top of the shared KV store. Pending
// units live in a sorted set scored by (priority, sequence) so reservation
// pops the best priority in FIFO order; reserved units carry their lease
// expiry as score, and delayed units their ready-at time.
//
// Every mutation is a short sequence of per-key atomic steps ordered so a
// crash between steps leaves the unit visible in at least one place; the
// maintenance sweeps reconcile the rest.
type KVQueue struct {
	kv          interfaces.KVStore
	logger      arbor.ILogger
	maxAttempts int
	now         func() time.Time
}

// New creates a queue over the given KV store.
func New(kv interfaces.KVStore, logger arbor.ILogger, opts Options) *KVQueue {
	return &KVQueue{
		kv:          kv,
		logger:      logger,
		maxAttempts: opts.MaxAttempts,
		now:         time.Now,
	}
}

func unitKey(id string) string {
	return unitPrefix + id
}

func nowMillis(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// pendingScore composes priority and sequence into a single sortable score.
// Lower priority values reserve first; the sequence breaks ties FIFO.
func pendingScore(priority int, seq int64) float64 {
	if priority < 0 {
		priority = 0
	}
	return float64(int64(priority)*prioritySlot + seq%prioritySlot)
}

func (q *KVQueue) nextSeq(ctx context.Context) (int64, error) {
	return q.kv.IncrBy(ctx, seqKey, 1)
}

func (q *KVQueue) storeUnit(ctx context.Context, unit *models.Unit) error {
	data, err := unit.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal unit: %w", err)
	}
	return q.kv.Set(ctx, unitKey(unit.ID), string(data), 0)
}

func (q *KVQueue) loadUnit(ctx context.Context, unitID string) (*models.Unit, error) {
	data, err := q.kv.Get(ctx, unitKey(unitID))
	if err != nil {
		return nil, err
	}
	unit, err := models.UnmarshalUnit([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal unit %s: %w", unitID, err)
	}
	return unit, nil
}

// Enqueue makes the unit reservable. Idempotent by unit id: re-submitting
// an id already in the queue is a no-op.
func (q *KVQueue) Enqueue(ctx context.Context, unit *models.Unit) error {
	data, err := unit.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal unit: %w", err)
	}
	stored, err := q.kv.SetNX(ctx, unitKey(unit.ID), string(data), 0)
	if err != nil {
		return fmt.Errorf("failed to store unit payload: %w", err)
	}
	if !stored {
		return nil
	}
	seq, err := q.nextSeq(ctx)
	if err != nil {
		return fmt.Errorf("failed to advance queue sequence: %w", err)
	}
	if err := q.kv.ZAdd(ctx, pendingKey, pendingScore(unit.Priority, seq), unit.ID); err != nil {
		return fmt.Errorf("failed to enqueue unit: %w", err)
	}
	return nil
}

// EnqueueDelayed holds the unit back until the delay elapses.
func (q *KVQueue) EnqueueDelayed(ctx context.Context, unit *models.Unit, delay time.Duration) error {
	data, err := unit.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal unit: %w", err)
	}
	stored, err := q.kv.SetNX(ctx, unitKey(unit.ID), string(data), 0)
	if err != nil {
		return fmt.Errorf("failed to store unit payload: %w", err)
	}
	if !stored {
		return nil
	}
	readyAt := nowMillis(q.now().Add(delay))
	if err := q.kv.ZAdd(ctx, delayedKey, readyAt, unit.ID); err != nil {
		return fmt.Errorf("failed to enqueue delayed unit: %w", err)
	}
	return nil
}

// Reserve pops the best pending unit under a lease and increments its
// attempt count. Returns models.ErrNoUnit when nothing is ready.
func (q *KVQueue) Reserve(ctx context.Context, leaseTTL time.Duration) (*models.Unit, error) {
	for i := 0; i < reserveRetries; i++ {
		expiry := nowMillis(q.now().Add(leaseTTL))
		unitID, err := q.kv.ZPopMove(ctx, pendingKey, reservedKey, expiry)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return nil, models.ErrNoUnit
		}
		if err != nil {
			return nil, fmt.Errorf("failed to reserve unit: %w", err)
		}

		unit, err := q.loadUnit(ctx, unitID)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			// Payload gone: the unit was removed while still indexed.
			// Drop the orphaned entry and keep going.
			if _, remErr := q.kv.ZRem(ctx, reservedKey, unitID); remErr != nil {
				return nil, fmt.Errorf("failed to drop orphaned reservation: %w", remErr)
			}
			continue
		}
		if err != nil {
			return nil, err
		}

		unit.AttemptCount++
		if err := q.storeUnit(ctx, unit); err != nil {
			return nil, fmt.Errorf("failed to record attempt: %w", err)
		}
		return unit, nil
	}
	return nil, models.ErrNoUnit
}

// ExtendLease pushes a reserved unit's lease expiry out.
func (q *KVQueue) ExtendLease(ctx context.Context, unitID string, leaseTTL time.Duration) error {
	if _, err := q.kv.Get(ctx, unitKey(unitID)); err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return models.ErrUnitNotFound
		}
		return fmt.Errorf("failed to check unit: %w", err)
	}
	expiry := nowMillis(q.now().Add(leaseTTL))
	if err := q.kv.ZAdd(ctx, reservedKey, expiry, unitID); err != nil {
		return fmt.Errorf("failed to extend lease: %w", err)
	}
	return nil
}

// Complete removes a finished unit from all queue state.
func (q *KVQueue) Complete(ctx context.Context, unitID string) error {
	return q.discard(ctx, unitID)
}

// Remove discards a unit regardless of state.
func (q *KVQueue) Remove(ctx context.Context, unitID string) error {
	return q.discard(ctx, unitID)
}

func (q *KVQueue) discard(ctx context.Context, unitID string) error {
	for _, key := range []string{reservedKey, pendingKey, delayedKey} {
		if _, err := q.kv.ZRem(ctx, key, unitID); err != nil {
			return fmt.Errorf("failed to clear queue index: %w", err)
		}
	}
	if err := q.kv.Delete(ctx, unitKey(unitID)); err != nil {
		return fmt.Errorf("failed to delete unit payload: %w", err)
	}
	return nil
}

// Release returns a reserved unit to the delayed set for a retriable
// failure. The attempt count recorded at reservation stands.
func (q *KVQueue) Release(ctx context.Context, unitID string, delay time.Duration) error {
	if _, err := q.kv.Get(ctx, unitKey(unitID)); err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return models.ErrUnitNotFound
		}
		return fmt.Errorf("failed to check unit: %w", err)
	}
	readyAt := nowMillis(q.now().Add(delay))
	if err := q.kv.ZAdd(ctx, delayedKey, readyAt, unitID); err != nil {
		return fmt.Errorf("failed to delay unit: %w", err)
	}
	if _, err := q.kv.ZRem(ctx, reservedKey, unitID); err != nil {
		return fmt.Errorf("failed to clear reservation: %w", err)
	}
	return nil
}

// PromoteDelayed moves due delayed units back to pending.
func (q *KVQueue) PromoteDelayed(ctx context.Context, limit int) (int, error) {
	now := nowMillis(q.now())
	ids, err := q.kv.ZRangeByScore(ctx, delayedKey, 0, now, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed units: %w", err)
	}

	promoted := 0
	for _, id := range ids {
		unit, err := q.loadUnit(ctx, id)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			if _, remErr := q.kv.ZRem(ctx, delayedKey, id); remErr != nil {
				return promoted, fmt.Errorf("failed to drop orphaned delayed entry: %w", remErr)
			}
			continue
		}
		if err != nil {
			return promoted, err
		}
		seq, err := q.nextSeq(ctx)
		if err != nil {
			return promoted, fmt.Errorf("failed to advance queue sequence: %w", err)
		}
		// Pending first so the unit stays visible if we crash mid-move.
		if err := q.kv.ZAdd(ctx, pendingKey, pendingScore(unit.Priority, seq), id); err != nil {
			return promoted, fmt.Errorf("failed to promote delayed unit: %w", err)
		}
		if _, err := q.kv.ZRem(ctx, delayedKey, id); err != nil {
			return promoted, fmt.Errorf("failed to clear delayed entry: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// RequeueExpired returns lapsed reservations to pending. Units out of
// attempts are removed and returned for the caller to fail.
func (q *KVQueue) RequeueExpired(ctx context.Context, limit int) ([]string, []*models.Unit, error) {
	now := nowMillis(q.now())
	ids, err := q.kv.ZRangeByScore(ctx, reservedKey, 0, now, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to scan expired reservations: %w", err)
	}

	var requeued []string
	var exhausted []*models.Unit
	for _, id := range ids {
		unit, err := q.loadUnit(ctx, id)
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			if _, remErr := q.kv.ZRem(ctx, reservedKey, id); remErr != nil {
				return requeued, exhausted, fmt.Errorf("failed to drop orphaned reservation: %w", remErr)
			}
			continue
		}
		if err != nil {
			return requeued, exhausted, err
		}

		if q.maxAttempts > 0 && unit.AttemptCount >= q.maxAttempts {
			if err := q.discard(ctx, id); err != nil {
				return requeued, exhausted, err
			}
			exhausted = append(exhausted, unit)
			q.logger.Warn().
				Str("unit_id", id).
				Int("attempts", unit.AttemptCount).
				Msg("Unit exhausted reservation attempts")
			continue
		}

		seq, err := q.nextSeq(ctx)
		if err != nil {
			return requeued, exhausted, fmt.Errorf("failed to advance queue sequence: %w", err)
		}
		if err := q.kv.ZAdd(ctx, pendingKey, pendingScore(unit.Priority, seq), id); err != nil {
			return requeued, exhausted, fmt.Errorf("failed to requeue unit: %w", err)
		}
		if _, err := q.kv.ZRem(ctx, reservedKey, id); err != nil {
			return requeued, exhausted, fmt.Errorf("failed to clear expired reservation: %w", err)
		}
		requeued = append(requeued, id)
	}
	return requeued, exhausted, nil
}

// State reports where a unit currently sits.
func (q *KVQueue) State(ctx context.Context, unitID string) (models.UnitStatus, error) {
	if _, err := q.kv.Get(ctx, unitKey(unitID)); err != nil {
		if errors.Is(err, interfaces.ErrKeyNotFound) {
			return "", models.ErrUnitNotFound
		}
		return "", fmt.Errorf("failed to check unit: %w", err)
	}
	if _, err := q.kv.ZScore(ctx, reservedKey, unitID); err == nil {
		return models.UnitStatusActive, nil
	} else if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return "", fmt.Errorf("failed to check reservation: %w", err)
	}
	return models.UnitStatusQueued, nil
}

// Stats reports current queue depths.
func (q *KVQueue) Stats(ctx context.Context) (*interfaces.QueueStats, error) {
	pending, err := q.kv.ZCard(ctx, pendingKey)
	if err != nil {
		return nil, fmt.Errorf("failed to count pending units: %w", err)
	}
	reserved, err := q.kv.ZCard(ctx, reservedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to count reserved units: %w", err)
	}
	delayed, err := q.kv.ZCard(ctx, delayedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to count delayed units: %w", err)
	}
	return &interfaces.QueueStats{
		Pending:  pending,
		Reserved: reserved,
		Delayed:  delayed,
	}, nil
}
