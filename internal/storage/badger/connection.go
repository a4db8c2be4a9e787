package badger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawl/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// Value log GC runs on a timer. Lease, reservation and queue keys carry
// TTLs and churn the value log far faster than badger's defaults expect.
const gcInterval = 5 * time.Minute

// BadgerDB owns the badger connection shared by the key/value store and
// the crawl store.
type BadgerDB struct {
	store     *badgerhold.Store
	logger    arbor.ILogger
	gcStop    chan struct{}
	closeOnce sync.Once
}

// NewBadgerDB opens the database at config.Path, creating the directory
// if needed. ResetOnStartup wipes existing data first so local
// deployments start from a clean slate.
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.ResetOnStartup {
		if _, err := os.Stat(config.Path); err == nil {
			logger.Debug().Str("path", config.Path).Msg("Removing existing database (reset_on_startup)")
			if err := os.RemoveAll(config.Path); err != nil {
				logger.Warn().Err(err).Str("path", config.Path).Msg("Failed to remove database directory")
			}
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = config.Path
	options.ValueDir = config.Path
	options.Logger = nil // arbor owns process logging

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug().Str("path", config.Path).Msg("Badger database opened")

	b := &BadgerDB{
		store:  store,
		logger: logger,
		gcStop: make(chan struct{}),
	}
	common.SafeGo(logger, "badger-gc", b.runGC)
	return b, nil
}

// runGC reclaims value log space on a timer. Each tick keeps collecting
// until badger reports nothing left to rewrite.
func (b *BadgerDB) runGC() {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.gcStop:
			return
		case <-ticker.C:
			for {
				select {
				case <-b.gcStop:
					return
				default:
				}
				if err := b.store.Badger().RunValueLogGC(0.7); err != nil {
					break
				}
				b.logger.Debug().Msg("Badger value log GC rewrote a file")
			}
		}
	}
}

// Store returns the badgerhold store for indexed record access.
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Badger returns the raw badger handle for key-level transactions.
func (b *BadgerDB) Badger() *badgerdb.DB {
	return b.store.Badger()
}

// Close stops the GC loop and closes the database.
func (b *BadgerDB) Close() error {
	b.closeOnce.Do(func() { close(b.gcStop) })
	if b.store != nil {
		return b.store.Close()
	}
	return nil
}
