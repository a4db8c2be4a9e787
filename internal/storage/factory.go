package storage

import (
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/storage/badger"
	"github.com/ternarybob/trawl/internal/storage/redis"
)

// NewStorageManager creates a new storage manager based on config.
// Badger is the embedded single-node backend; redis shares state across
// a worker fleet.
func NewStorageManager(logger arbor.ILogger, config *common.Config) (interfaces.StorageManager, error) {
	switch config.Storage.Type {
	case "badger", "":
		return badger.NewManager(logger, &config.Storage.Badger)
	case "redis":
		return redis.NewManager(logger, &config.Storage.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (expected 'badger' or 'redis')", config.Storage.Type)
	}
}
