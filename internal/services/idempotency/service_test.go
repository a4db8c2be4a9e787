package idempotency

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/storage/badger"
)

func setupIdempotencyTest(t *testing.T) (*Service, func()) {
	tmpDir := t.TempDir()
	logger := arbor.NewLogger()

	db, err := badger.NewBadgerDB(logger, &common.BadgerConfig{Path: tmpDir})
	require.NoError(t, err)

	kv := badger.NewKV(db, logger)
	svc := NewService(kv, logger, 24*time.Hour)
	cleanup := func() {
		kv.Close()
		db.Close()
	}
	return svc, cleanup
}

func TestIdempotency_Validate(t *testing.T) {
	svc, cleanup := setupIdempotencyTest(t)
	defer cleanup()

	assert.NoError(t, svc.Validate(""))
	assert.NoError(t, svc.Validate(uuid.New().String()))

	err := svc.Validate("not-a-uuid")
	require.Error(t, err)
	var reqErr *models.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, 400, reqErr.Status)
}

func TestIdempotency_ClaimOnce(t *testing.T) {
	svc, cleanup := setupIdempotencyTest(t)
	defer cleanup()
	ctx := context.Background()
	key := uuid.New().String()

	require.NoError(t, svc.Claim(ctx, "team-1", key))

	err := svc.Claim(ctx, "team-1", key)
	assert.ErrorIs(t, err, models.ErrIdempotencyConflict)
	assert.Equal(t, "Idempotency key already used", err.Error())

	// Different teams do not collide on the same key.
	assert.NoError(t, svc.Claim(ctx, "team-2", key))
}

func TestIdempotency_EmptyKeyAlwaysPasses(t *testing.T) {
	svc, cleanup := setupIdempotencyTest(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, svc.Claim(ctx, "team-1", ""))
	require.NoError(t, svc.Claim(ctx, "team-1", ""))
}

func TestIdempotency_ConcurrentClaimsOneWinner(t *testing.T) {
	svc, cleanup := setupIdempotencyTest(t)
	defer cleanup()
	ctx := context.Background()
	key := uuid.New().String()

	const claimers = 8
	var wg sync.WaitGroup
	results := make([]error, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.Claim(ctx, "team-1", key)
		}(i)
	}
	wg.Wait()

	winners := 0
	for _, err := range results {
		if err == nil {
			winners++
		} else {
			assert.ErrorIs(t, err, models.ErrIdempotencyConflict)
		}
	}
	assert.Equal(t, 1, winners)
}
