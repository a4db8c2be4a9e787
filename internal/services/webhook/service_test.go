package webhook

import (
	"crypto/hmac"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
)

func testEvent(eventType models.EventType) *models.WebhookEvent {
	return &models.WebhookEvent{
		Type:      eventType,
		ID:        "crawl-1",
		EventID:   common.NewEventID(),
		Success:   true,
		Timestamp: time.Now().UTC(),
	}
}

func TestDispatcher_DeliversSignedEvent(t *testing.T) {
	received := make(chan *http.Request, 1)
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- r
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	logger := common.GetLogger()
	d := NewDispatcher(logger, func(teamID string) string {
		require.Equal(t, "team-1", teamID)
		return "hook-secret"
	}, Options{Workers: 1})

	spec := &models.WebhookSpec{
		URL:     srv.URL,
		Headers: map[string]string{"X-Custom": "yes"},
	}
	d.Dispatch("team-1", spec, testEvent(models.EventCrawlPage))
	require.NoError(t, d.Close())

	select {
	case req := <-received:
		body := <-bodies
		assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
		assert.Equal(t, "yes", req.Header.Get("X-Custom"))

		sig := req.Header.Get(SignatureHeader)
		require.NotEmpty(t, sig)
		assert.True(t, hmac.Equal([]byte(sig), []byte(Sign("hook-secret", body))))

		var event models.WebhookEvent
		require.NoError(t, json.Unmarshal(body, &event))
		assert.Equal(t, models.EventCrawlPage, event.Type)
		assert.Equal(t, "crawl-1", event.ID)
		assert.NotEmpty(t, event.EventID)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never delivered")
	}
}

func TestDispatcher_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(common.GetLogger(), nil, Options{
		Workers:     1,
		Backoff:     time.Millisecond,
		MaxAttempts: 3,
	})
	d.Dispatch("team-1", &models.WebhookSpec{URL: srv.URL}, testEvent(models.EventCrawlCompleted))
	require.NoError(t, d.Close())

	assert.Equal(t, int32(3), calls.Load())
}

func TestDispatcher_ClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDispatcher(common.GetLogger(), nil, Options{
		Workers:     1,
		Backoff:     time.Millisecond,
		MaxAttempts: 5,
	})
	d.Dispatch("team-1", &models.WebhookSpec{URL: srv.URL}, testEvent(models.EventCrawlFailed))
	require.NoError(t, d.Close())

	assert.Equal(t, int32(1), calls.Load())
}

func TestDispatcher_EventFilter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(common.GetLogger(), nil, Options{Workers: 1})

	// Filter accepts both full types and bare suffixes.
	spec := &models.WebhookSpec{URL: srv.URL, Events: []string{"completed", "crawl.failed"}}
	d.Dispatch("team-1", spec, testEvent(models.EventCrawlPage))      // filtered out
	d.Dispatch("team-1", spec, testEvent(models.EventCrawlStarted))   // filtered out
	d.Dispatch("team-1", spec, testEvent(models.EventCrawlCompleted)) // suffix match
	d.Dispatch("team-1", spec, testEvent(models.EventCrawlFailed))    // exact match
	require.NoError(t, d.Close())

	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcher_UnsignedWithoutSecret(t *testing.T) {
	received := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received <- r.Header.Get(SignatureHeader)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(common.GetLogger(), func(string) string { return "" }, Options{Workers: 1})
	d.Dispatch("team-1", &models.WebhookSpec{URL: srv.URL}, testEvent(models.EventBatchCompleted))
	require.NoError(t, d.Close())

	select {
	case sig := <-received:
		assert.Empty(t, sig)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never delivered")
	}
}

func TestDispatcher_MetadataAttached(t *testing.T) {
	bodies := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- body
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewDispatcher(common.GetLogger(), nil, Options{Workers: 1})
	spec := &models.WebhookSpec{
		URL:      srv.URL,
		Metadata: map[string]interface{}{"tenant": "acme"},
	}
	d.Dispatch("team-1", spec, testEvent(models.EventCrawlStarted))
	require.NoError(t, d.Close())

	select {
	case body := <-bodies:
		var event models.WebhookEvent
		require.NoError(t, json.Unmarshal(body, &event))
		assert.Equal(t, "acme", event.Metadata["tenant"])
	case <-time.After(2 * time.Second):
		t.Fatal("webhook was never delivered")
	}
}
