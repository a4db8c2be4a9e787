package badger

import (
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db     *BadgerDB
	kv     *KV
	crawls *CrawlStore
	logger arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		db:     db,
		kv:     NewKV(db, logger),
		crawls: NewCrawlStore(db, logger),
		logger: logger,
	}

	logger.Info().Msg("Badger storage manager initialized")

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

// Close closes the database connection
func (m *Manager) Close() error {
	if m.kv != nil {
		m.kv.Close()
	}
	if m.db != nil {
		return m.db.Close()
	}
	return nil
}
