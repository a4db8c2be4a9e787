package redis

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/interfaces"
)

// Manager implements the StorageManager interface for Redis
type Manager struct {
	kv     *KV
	crawls *CrawlStore
	logger arbor.ILogger
}

// NewManager creates a new Redis storage manager
func NewManager(logger arbor.ILogger, config *common.RedisConfig) (interfaces.StorageManager, error) {
	client, err := NewClient(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		kv:     NewKV(client, logger),
		crawls: NewCrawlStore(client, logger),
		logger: logger,
	}

	logger.Info().Msg("Redis storage manager initialized")

	return manager, nil
}

// KV returns the key/value store
func (m *Manager) KV() interfaces.KVStore {
	return m.kv
}

// Crawls returns the crawl store
func (m *Manager) Crawls() interfaces.CrawlStore {
	return m.crawls
}

// Close closes the redis client
func (m *Manager) Close() error {
	if m.kv != nil {
		return m.kv.Close()
	}
	return nil
}
