// -----------------------------------------------------------------------
// Redis Client - connection setup for the shared fleet backend
// -----------------------------------------------------------------------

package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawl/internal/common"
)

// connectTimeout bounds the startup ping.
const connectTimeout = 5 * time.Second

// NewClient connects to redis and verifies the connection.
func NewClient(logger arbor.ILogger, config *common.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Address, err)
	}

	logger.Info().Str("address", config.Address).Int("db", config.DB).Msg("Connected to redis")

	return client, nil
}
