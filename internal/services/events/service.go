// -----------------------------------------------------------------------
// Events - fleet-wide progress signalling over KV pub/sub
// -----------------------------------------------------------------------

package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
)

// resultTTL keeps unit results around long enough for a waiting API node
// to read them after the fact.
const resultTTL = 10 * time.Minute

// Service relays unit results and crawl lifecycle events through the
// shared KV store's pub/sub, so the API node that accepted a synchronous
// scrape hears about completion regardless of which worker ran it.
type Service struct {
	kv     interfaces.KVStore
	logger arbor.ILogger
}

// NewService creates the event relay.
func NewService(kv interfaces.KVStore, logger arbor.ILogger) *Service {
	return &Service{kv: kv, logger: logger}
}

func resultKey(unitID string) string {
	return "unit:" + unitID + ":result"
}

func doneChannel(unitID string) string {
	return "unit:" + unitID + ":done"
}

func eventsChannel(crawlID string) string {
	return "crawl:" + crawlID + ":events"
}

func cancelChannel(crawlID string) string {
	return "crawl:" + crawlID + ":cancel"
}

// PublishUnitResult stores the result then signals waiters. The store
// happens first so a subscriber that missed the signal still finds the
// result by key.
func (s *Service) PublishUnitResult(ctx context.Context, result *models.UnitResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal unit result: %w", err)
	}
	if err := s.kv.Set(ctx, resultKey(result.UnitID), string(data), resultTTL); err != nil {
		return fmt.Errorf("failed to store unit result: %w", err)
	}
	if err := s.kv.Publish(ctx, doneChannel(result.UnitID), string(data)); err != nil {
		return fmt.Errorf("failed to publish unit result: %w", err)
	}
	return nil
}

// WaitUnitResult blocks until the unit finishes or ctx is done. The
// subscription is opened before the stored-result check so a publish
// landing between the two is never missed.
func (s *Service) WaitUnitResult(ctx context.Context, unitID string) (*models.UnitResult, error) {
	sub, err := s.kv.Subscribe(ctx, doneChannel(unitID))
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe for unit result: %w", err)
	}
	defer sub.Close()

	if data, err := s.kv.Get(ctx, resultKey(unitID)); err == nil {
		return unmarshalResult([]byte(data))
	} else if !errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, fmt.Errorf("failed to check stored unit result: %w", err)
	}

	select {
	case msg, ok := <-sub.Channel():
		if !ok {
			return nil, fmt.Errorf("result channel closed for unit %s", unitID)
		}
		return unmarshalResult([]byte(msg))
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func unmarshalResult(data []byte) (*models.UnitResult, error) {
	var result models.UnitResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal unit result: %w", err)
	}
	return &result, nil
}

// PublishCrawlEvent announces a crawl lifecycle event to live watchers.
func (s *Service) PublishCrawlEvent(ctx context.Context, crawlID string, event *models.WebhookEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal crawl event: %w", err)
	}
	if err := s.kv.Publish(ctx, eventsChannel(crawlID), string(data)); err != nil {
		return fmt.Errorf("failed to publish crawl event: %w", err)
	}
	return nil
}

// SubscribeCrawlEvents opens a live feed of the crawl's events.
func (s *Service) SubscribeCrawlEvents(ctx context.Context, crawlID string) (interfaces.Subscription, error) {
	return s.kv.Subscribe(ctx, eventsChannel(crawlID))
}

// PublishCancel signals workers to abandon the crawl's in-flight units.
func (s *Service) PublishCancel(ctx context.Context, crawlID string) error {
	if err := s.kv.Publish(ctx, cancelChannel(crawlID), "cancel"); err != nil {
		return fmt.Errorf("failed to publish cancel: %w", err)
	}
	return nil
}

// SubscribeCancel opens the crawl's cancel channel.
func (s *Service) SubscribeCancel(ctx context.Context, crawlID string) (interfaces.Subscription, error) {
	return s.kv.Subscribe(ctx, cancelChannel(crawlID))
}
