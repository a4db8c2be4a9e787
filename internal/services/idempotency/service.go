// -----------------------------------------------------------------------
// Idempotency - at-most-once submission gate
// -----------------------------------------------------------------------

package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
)

// minTTL is the floor on how long a used key stays claimed.
const minTTL = 24 * time.Hour

// Service enforces at-most-once semantics for client submissions carrying
// an x-idempotency-key header. Claiming is a single atomic set-if-absent
// in the shared store, so two racing submissions resolve to exactly one
// winner across the whole fleet.
type Service struct {
	kv     interfaces.KVStore
	logger arbor.ILogger
	ttl    time.Duration
}

// NewService creates the gate. TTLs below 24h are raised to 24h.
func NewService(kv interfaces.KVStore, logger arbor.ILogger, ttl time.Duration) *Service {
	if ttl < minTTL {
		ttl = minTTL
	}
	return &Service{kv: kv, logger: logger, ttl: ttl}
}

func idempKey(teamID, key string) string {
	return "idemp:" + teamID + ":" + key
}

// Validate checks the key's shape. Empty keys are fine: the caller simply
// opted out of idempotency.
func (s *Service) Validate(key string) error {
	if key == "" {
		return nil
	}
	if _, err := uuid.Parse(key); err != nil {
		return models.NewBadRequestError("invalid idempotency key, must be a uuid")
	}
	return nil
}

// Claim takes the key for the team. The second claim on a live key loses
// with models.ErrIdempotencyConflict.
func (s *Service) Claim(ctx context.Context, teamID, key string) error {
	if key == "" {
		return nil
	}
	stored, err := s.kv.SetNX(ctx, idempKey(teamID, key), "1", s.ttl)
	if err != nil {
		return fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if !stored {
		s.logger.Debug().
			Str("team_id", teamID).
			Str("key", key).
			Msg("Idempotency key replay rejected")
		return models.ErrIdempotencyConflict
	}
	return nil
}
