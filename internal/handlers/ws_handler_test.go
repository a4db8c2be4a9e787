package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/events"
)

type wsFixture struct {
	crawls *crawlHandlerFixture
	events *events.Service
	server *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	fx := newCrawlHandlerFixture(t)
	logger := common.GetLogger()
	eventService := events.NewService(fx.manager.KV(), logger)
	handler := NewWSHandler(fx.service, eventService, logger)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r = r.WithContext(WithTeam(r.Context(), crawlTeam()))
		handler.StreamHandler(w, r)
	}))
	t.Cleanup(srv.Close)

	return &wsFixture{crawls: fx, events: eventService, server: srv}
}

func (fx *wsFixture) dial(t *testing.T, crawlID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/v1/crawl/" + crawlID + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame wsFrame
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

func (fx *wsFixture) createCrawl(t *testing.T) string {
	t.Helper()
	w := submitCrawl(t, fx.crawls, map[string]interface{}{"url": "https://example.com"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var created models.SubmitResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	return created.ID
}

func TestWSStream_CatchupThenPagesThenClose(t *testing.T) {
	fx := newWSFixture(t)
	crawlID := fx.createCrawl(t)

	conn := fx.dial(t, crawlID)

	catchup := readFrame(t, conn)
	assert.Equal(t, "catchup", catchup.Type)
	require.NotNil(t, catchup.Status)
	assert.Equal(t, models.CrawlStateScraping, catchup.Status.Status)
	assert.Equal(t, 0, catchup.DocumentCount)

	// Give the handler's subscription a beat before publishing.
	time.Sleep(50 * time.Millisecond)
	ctx := context.Background()
	require.NoError(t, fx.events.PublishCrawlEvent(ctx, crawlID, &models.WebhookEvent{
		Type:    models.EventCrawlPage,
		ID:      crawlID,
		EventID: "evt-1",
		Success: true,
		Data: []models.Document{{
			Markdown: "# page",
			Metadata: models.DocumentMetadata{SourceURL: "https://example.com/docs"},
		}},
		Timestamp: time.Now().UTC(),
	}))

	page := readFrame(t, conn)
	assert.Equal(t, string(models.EventCrawlPage), page.Type)
	assert.Equal(t, "https://example.com/docs", page.URL)
	assert.Equal(t, 1, page.DocumentCount)

	require.NoError(t, fx.events.PublishCrawlEvent(ctx, crawlID, &models.WebhookEvent{
		Type:      models.EventCrawlCompleted,
		ID:        crawlID,
		EventID:   "evt-2",
		Success:   true,
		Timestamp: time.Now().UTC(),
	}))

	done := readFrame(t, conn)
	assert.Equal(t, string(models.EventCrawlCompleted), done.Type)

	// The server closes the stream after the terminal frame.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestWSStream_UnknownCrawlRejectedBeforeUpgrade(t *testing.T) {
	fx := newWSFixture(t)

	url := "ws" + strings.TrimPrefix(fx.server.URL, "http") + "/v1/crawl/no-such-crawl/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	if conn != nil {
		conn.Close()
	}
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWSStream_TerminalCrawlClosesAfterCatchup(t *testing.T) {
	fx := newWSFixture(t)
	crawlID := fx.createCrawl(t)

	r := authedRequest(t, http.MethodDelete, "/v1/crawl/"+crawlID, nil)
	w := httptest.NewRecorder()
	fx.crawls.crawl.CancelHandler(w, r)
	require.Equal(t, http.StatusOK, w.Code)

	conn := fx.dial(t, crawlID)

	catchup := readFrame(t, conn)
	assert.Equal(t, "catchup", catchup.Type)
	require.NotNil(t, catchup.Status)
	assert.Equal(t, models.CrawlStateCancelled, catchup.Status.Status)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure))
}
