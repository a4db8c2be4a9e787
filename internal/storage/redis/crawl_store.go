// -----------------------------------------------------------------------
// Crawl Store - crawl records and results in shared redis keys
// -----------------------------------------------------------------------

package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/trawl/internal/models"
)

// finishedIndexKey orders terminal crawls by finish time for the purge sweep.
const finishedIndexKey = "crawls:finished"

// CrawlStore persists crawl records as JSON values and results under a
// per-crawl lexicographic index. Unit IDs are ULIDs, so the index order is
// creation order and pagination cursors stay monotone.
type CrawlStore struct {
	client *redis.Client
	logger arbor.ILogger
}

// NewCrawlStore creates a CrawlStore on the given client.
func NewCrawlStore(client *redis.Client, logger arbor.ILogger) *CrawlStore {
	return &CrawlStore{
		client: client,
		logger: logger,
	}
}

func crawlKey(id string) string { return "crawl:" + id }

func ongoingKey(teamID string) string { return "team:" + teamID + ":ongoing" }

func resultsIndexKey(crawlID string) string { return "crawl:" + crawlID + ":results" }

func resultKey(crawlID, unitID string) string { return "crawl:" + crawlID + ":res:" + unitID }

// SaveCrawl inserts or updates a crawl record and maintains the ongoing
// and finished indexes.
func (s *CrawlStore) SaveCrawl(ctx context.Context, crawl *models.CrawlRecord) error {
	data, err := json.Marshal(crawl)
	if err != nil {
		return fmt.Errorf("failed to marshal crawl: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, crawlKey(crawl.ID), data, 0)
	if crawl.State.IsTerminal() {
		pipe.SRem(ctx, ongoingKey(crawl.TeamID), crawl.ID)
		finishedAt := crawl.FinishedAt
		if finishedAt.IsZero() {
			finishedAt = time.Now()
		}
		pipe.ZAdd(ctx, finishedIndexKey, redis.Z{Score: float64(finishedAt.Unix()), Member: crawl.ID})
	} else {
		pipe.SAdd(ctx, ongoingKey(crawl.TeamID), crawl.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save crawl: %w", err)
	}
	return nil
}

// GetCrawl retrieves a crawl record.
func (s *CrawlStore) GetCrawl(ctx context.Context, id string) (*models.CrawlRecord, error) {
	data, err := s.client.Get(ctx, crawlKey(id)).Bytes()
	if err == redis.Nil {
		return nil, models.ErrCrawlNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get crawl: %w", err)
	}
	var crawl models.CrawlRecord
	if err := json.Unmarshal(data, &crawl); err != nil {
		return nil, fmt.Errorf("failed to unmarshal crawl: %w", err)
	}
	return &crawl, nil
}

// ListOngoing returns a team's crawls still in the scraping state. Stale
// index members (already terminal or purged) are dropped as a side effect.
func (s *CrawlStore) ListOngoing(ctx context.Context, teamID string) ([]*models.CrawlRecord, error) {
	ids, err := s.client.SMembers(ctx, ongoingKey(teamID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list ongoing crawl ids: %w", err)
	}

	var crawls []*models.CrawlRecord
	var stale []interface{}
	for _, id := range ids {
		crawl, err := s.GetCrawl(ctx, id)
		if err == models.ErrCrawlNotFound {
			stale = append(stale, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if crawl.State != models.CrawlStateScraping {
			stale = append(stale, id)
			continue
		}
		crawls = append(crawls, crawl)
	}
	if len(stale) > 0 {
		if err := s.client.SRem(ctx, ongoingKey(teamID), stale...).Err(); err != nil {
			s.logger.Warn().Err(err).Str("team_id", teamID).Msg("Failed to drop stale ongoing crawl ids")
		}
	}
	return crawls, nil
}

// AddResult appends a finished unit's result to the crawl.
func (s *CrawlStore) AddResult(ctx context.Context, crawlID string, result *models.UnitResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, resultKey(crawlID, result.UnitID), data, 0)
	pipe.ZAdd(ctx, resultsIndexKey(crawlID), redis.Z{Score: 0, Member: result.UnitID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// ListResults pages through results after the cursor, oldest first.
func (s *CrawlStore) ListResults(ctx context.Context, crawlID string, cursor string, limit int) ([]*models.UnitResult, string, error) {
	if limit <= 0 {
		limit = 100
	}
	min := "-"
	if cursor != "" {
		min = "(" + cursor
	}
	ids, err := s.client.ZRangeByLex(ctx, resultsIndexKey(crawlID), &redis.ZRangeBy{
		Min:   min,
		Max:   "+",
		Count: int64(limit + 1),
	}).Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to range results index: %w", err)
	}

	more := len(ids) > limit
	if more {
		ids = ids[:limit]
	}
	if len(ids) == 0 {
		return nil, "", nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = resultKey(crawlID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch results: %w", err)
	}

	var results []*models.UnitResult
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var result models.UnitResult
		if err := json.Unmarshal([]byte(str), &result); err != nil {
			return nil, "", fmt.Errorf("failed to unmarshal result: %w", err)
		}
		results = append(results, &result)
	}

	next := ""
	if more && len(results) > 0 {
		next = results[len(results)-1].UnitID
	}
	return results, next, nil
}

// CountResults returns how many results the crawl has stored.
func (s *CrawlStore) CountResults(ctx context.Context, crawlID string) (int, error) {
	count, err := s.client.ZCard(ctx, resultsIndexKey(crawlID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count results: %w", err)
	}
	return int(count), nil
}

// PurgeExpired deletes terminal crawls finished before the cutoff.
func (s *CrawlStore) PurgeExpired(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.ZRangeByScore(ctx, finishedIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: formatScore(float64(cutoff.Unix())),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to find expired crawls: %w", err)
	}

	purged := 0
	for _, id := range ids {
		unitIDs, err := s.client.ZRange(ctx, resultsIndexKey(id), 0, -1).Result()
		if err != nil {
			s.logger.Warn().Err(err).Str("crawl_id", id).Msg("Failed to list results during purge")
			continue
		}
		doomed := make([]string, 0, len(unitIDs)+2)
		for _, unitID := range unitIDs {
			doomed = append(doomed, resultKey(id, unitID))
		}
		doomed = append(doomed, resultsIndexKey(id), crawlKey(id))

		const chunk = 500
		failed := false
		for start := 0; start < len(doomed); start += chunk {
			end := start + chunk
			if end > len(doomed) {
				end = len(doomed)
			}
			if err := s.client.Del(ctx, doomed[start:end]...).Err(); err != nil {
				s.logger.Warn().Err(err).Str("crawl_id", id).Msg("Failed to delete crawl keys during purge")
				failed = true
				break
			}
		}
		if failed {
			continue
		}
		if err := s.client.ZRem(ctx, finishedIndexKey, id).Err(); err != nil {
			s.logger.Warn().Err(err).Str("crawl_id", id).Msg("Failed to drop crawl from finished index")
			continue
		}
		purged++
	}
	return purged, nil
}
