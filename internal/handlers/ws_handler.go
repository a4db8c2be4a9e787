// -----------------------------------------------------------------------
// WebSocket Handler - live crawl progress stream
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/interfaces"
	"github.com/ternarybob/trawl/internal/models"
	"github.com/ternarybob/trawl/internal/services/crawl"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 54 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// API-key auth covers cross-origin access; browsers connect with
		// the key in the query string.
		return true
	},
}

// wsFrame is one message on the progress stream. The first frame carries
// a catch-up snapshot; page frames carry the URL and a running document
// count; the terminal frame closes the stream.
type wsFrame struct {
	Type          string              `json:"type"`
	EventID       string              `json:"event_id,omitempty"`
	URL           string              `json:"url,omitempty"`
	Error         string              `json:"error,omitempty"`
	DocumentCount int                 `json:"document_count"`
	Status        *models.CrawlStatus `json:"status,omitempty"`
	Timestamp     time.Time           `json:"timestamp"`
}

// WSHandler streams crawl progress over a WebSocket, fed by the same
// event channel that webhooks consume.
type WSHandler struct {
	crawls *crawl.Service
	events interfaces.Events
	logger arbor.ILogger
}

// NewWSHandler creates a WebSocket progress handler.
func NewWSHandler(crawls *crawl.Service, events interfaces.Events, logger arbor.ILogger) *WSHandler {
	return &WSHandler{
		crawls: crawls,
		events: events,
		logger: logger,
	}
}

// StreamHandler handles GET /v1/crawl/{id}/ws.
func (h *WSHandler) StreamHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	team, ok := RequireTeam(w, r)
	if !ok {
		return
	}
	crawlID := PathID(r.URL.Path, "/v1/crawl/")
	if crawlID == "" {
		WriteError(w, http.StatusBadRequest, models.ErrCodeBadRequest, "crawl id is required")
		return
	}

	// Ownership check and initial snapshot before the upgrade, so a bad
	// id still gets a proper HTTP error.
	status, err := h.crawls.Status(r.Context(), team.ID, crawlID, "", 1)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	status.Data = nil
	status.PartialData = nil

	// Subscribe before sending the snapshot so no event falls between.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	sub, err := h.events.SubscribeCrawlEvents(ctx, crawlID)
	if err != nil {
		WriteRequestError(w, err)
		return
	}
	defer sub.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn().Err(err).Str("crawl_id", crawlID).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	h.logger.Debug().
		Str("crawl_id", crawlID).
		Str("team_id", team.ID).
		Str("remote", r.RemoteAddr).
		Msg("WebSocket stream opened")

	// Read pump: the client sends nothing we act on, but reads surface
	// pongs and closure.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	docCount := status.Completed
	if err := h.writeFrame(conn, wsFrame{
		Type:          "catchup",
		DocumentCount: docCount,
		Status:        status,
		Timestamp:     time.Now().UTC(),
	}); err != nil {
		return
	}
	if status.Status.IsTerminal() {
		h.closeStream(conn)
		return
	}

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, open := <-sub.Channel():
			if !open {
				h.closeStream(conn)
				return
			}
			var event models.WebhookEvent
			if err := json.Unmarshal([]byte(msg), &event); err != nil {
				h.logger.Debug().Err(err).Str("crawl_id", crawlID).Msg("Dropping malformed crawl event")
				continue
			}
			frame := wsFrame{
				Type:      string(event.Type),
				EventID:   event.EventID,
				Error:     event.Error,
				Timestamp: event.Timestamp,
			}
			if event.Type == models.EventCrawlPage || event.Type == models.EventBatchPage {
				docCount++
				if len(event.Data) > 0 {
					frame.URL = event.Data[0].Metadata.SourceURL
				}
			}
			frame.DocumentCount = docCount
			if err := h.writeFrame(conn, frame); err != nil {
				return
			}
			if terminalEvent(event.Type) {
				h.closeStream(conn)
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *WSHandler) writeFrame(conn *websocket.Conn, frame wsFrame) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return conn.WriteJSON(frame)
}

func (h *WSHandler) closeStream(conn *websocket.Conn) {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "crawl finished"))
}

func terminalEvent(t models.EventType) bool {
	switch t {
	case models.EventCrawlCompleted, models.EventCrawlFailed,
		models.EventBatchCompleted, models.EventBatchFailed:
		return true
	}
	return false
}
