// -----------------------------------------------------------------------
// Crawl Store - crawl records via badgerhold, results via raw badger
// -----------------------------------------------------------------------

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// CrawlStore persists crawl records through badgerhold (indexed queries)
// and unit results as raw entries keyed by ULID, which makes the results
// listing naturally ordered and the pagination cursor a plain unit ID.
type CrawlStore struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewCrawlStore creates a CrawlStore on the given connection.
func NewCrawlStore(db *BadgerDB, logger arbor.ILogger) *CrawlStore {
	return &CrawlStore{
		db:     db,
		logger: logger,
	}
}

func resultKey(crawlID, unitID string) []byte {
	return []byte("res:" + crawlID + ":" + unitID)
}

func resultPrefix(crawlID string) []byte {
	return []byte("res:" + crawlID + ":")
}

// SaveCrawl inserts or updates a crawl record.
func (s *CrawlStore) SaveCrawl(ctx context.Context, crawl *models.CrawlRecord) error {
	if err := s.db.Store().Upsert(crawl.ID, crawl); err != nil {
		return fmt.Errorf("failed to save crawl: %w", err)
	}
	return nil
}

// GetCrawl retrieves a crawl record.
func (s *CrawlStore) GetCrawl(ctx context.Context, id string) (*models.CrawlRecord, error) {
	var crawl models.CrawlRecord
	err := s.db.Store().Get(id, &crawl)
	if err == badgerhold.ErrNotFound {
		return nil, models.ErrCrawlNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crawl: %w", err)
	}
	return &crawl, nil
}

// ListOngoing returns a team's crawls still in the scraping state.
func (s *CrawlStore) ListOngoing(ctx context.Context, teamID string) ([]*models.CrawlRecord, error) {
	var crawls []models.CrawlRecord
	query := badgerhold.Where("TeamID").Eq(teamID).And("State").Eq(models.CrawlStateScraping).SortBy("CreatedAt").Reverse()
	if err := s.db.Store().Find(&crawls, query); err != nil {
		return nil, fmt.Errorf("failed to list ongoing crawls: %w", err)
	}
	result := make([]*models.CrawlRecord, len(crawls))
	for i := range crawls {
		result[i] = &crawls[i]
	}
	return result, nil
}

// AddResult appends a finished unit's result to the crawl.
func (s *CrawlStore) AddResult(ctx context.Context, crawlID string, result *models.UnitResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	err = s.db.Badger().Update(func(txn *badgerdb.Txn) error {
		return txn.Set(resultKey(crawlID, result.UnitID), data)
	})
	if err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// ListResults pages through results after the cursor, oldest first. Unit
// IDs are ULIDs, so key order is creation order and the cursor stays
// monotone across pages.
func (s *CrawlStore) ListResults(ctx context.Context, crawlID string, cursor string, limit int) ([]*models.UnitResult, string, error) {
	if limit <= 0 {
		limit = 100
	}
	prefix := resultPrefix(crawlID)
	seek := prefix
	if cursor != "" {
		seek = resultKey(crawlID, cursor)
	}

	var results []*models.UnitResult
	more := false
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(seek); it.Valid(); it.Next() {
			k := it.Item().Key()
			// The cursor names the last unit already returned.
			if cursor != "" && string(k) == string(resultKey(crawlID, cursor)) {
				continue
			}
			if len(results) >= limit {
				more = true
				break
			}
			var result models.UnitResult
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &result)
			})
			if err != nil {
				return err
			}
			results = append(results, &result)
		}
		return nil
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to list results: %w", err)
	}

	next := ""
	if more && len(results) > 0 {
		next = results[len(results)-1].UnitID
	}
	return results, next, nil
}

// CountResults returns how many results the crawl has stored.
func (s *CrawlStore) CountResults(ctx context.Context, crawlID string) (int, error) {
	count := 0
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = resultPrefix(crawlID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return count, nil
}

// PurgeExpired deletes terminal crawls finished before the cutoff, along
// with their stored results.
func (s *CrawlStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	var crawls []models.CrawlRecord
	query := badgerhold.Where("State").In(
		models.CrawlStateCompleted, models.CrawlStateFailed, models.CrawlStateCancelled,
	).And("FinishedAt").Lt(cutoff)
	if err := s.db.Store().Find(&crawls, query); err != nil {
		return 0, fmt.Errorf("failed to find expired crawls: %w", err)
	}

	purged := 0
	for i := range crawls {
		crawl := &crawls[i]
		if err := s.deleteResults(crawl.ID); err != nil {
			s.logger.Warn().Err(err).Str("crawl_id", crawl.ID).Msg("Failed to delete crawl results during purge")
			continue
		}
		if err := s.db.Store().Delete(crawl.ID, &models.CrawlRecord{}); err != nil && err != badgerhold.ErrNotFound {
			s.logger.Warn().Err(err).Str("crawl_id", crawl.ID).Msg("Failed to delete crawl record during purge")
			continue
		}
		purged++
	}
	return purged, nil
}

func (s *CrawlStore) deleteResults(crawlID string) error {
	var doomed [][]byte
	err := s.db.Badger().View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = resultPrefix(crawlID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			doomed = append(doomed, it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return err
	}

	const chunk = 1000
	for start := 0; start < len(doomed); start += chunk {
		end := start + chunk
		if end > len(doomed) {
			end = len(doomed)
		}
		batch := doomed[start:end]
		err := s.db.Badger().Update(func(txn *badgerdb.Txn) error {
			for _, k := range batch {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
