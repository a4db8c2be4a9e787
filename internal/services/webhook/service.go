// -----------------------------------------------------------------------
// Webhook Dispatcher - At-least-once delivery of lifecycle events
// -----------------------------------------------------------------------

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/trawl/internal/common"
	"github.com/ternarybob/trawl/internal/metrics"
	"github.com/ternarybob/trawl/internal/models"
)

const (
	defaultQueueSize   = 1024
	defaultWorkers     = 4
	defaultTimeout     = 10 * time.Second
	defaultBackoff     = 2 * time.Second
	defaultMaxAttempts = 3

	// SignatureHeader carries the HMAC-SHA256 of the request body, keyed
	// with the team's webhook secret: "sha256=<hex>".
	SignatureHeader = "X-Trawl-Signature"
)

// Options tunes delivery behavior. Zero values fall back to defaults.
type Options struct {
	QueueSize   int
	Workers     int
	Timeout     time.Duration
	Backoff     time.Duration
	MaxAttempts int
}

type delivery struct {
	spec   *models.WebhookSpec
	secret string
	event  *models.WebhookEvent
}

// Dispatcher posts webhook events from a bounded queue. Dispatch never
// blocks the crawl path: when the queue is full the event is dropped and
// logged, and the receiver recovers state from the status endpoint.
type Dispatcher struct {
	client      *http.Client
	logger      arbor.ILogger
	secretFor   func(teamID string) string
	queue       chan delivery
	maxAttempts int
	backoff     time.Duration
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewDispatcher starts the delivery workers. secretFor resolves a team's
// signing secret; returning "" sends the event unsigned.
func NewDispatcher(logger arbor.ILogger, secretFor func(teamID string) string, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if secretFor == nil {
		secretFor = func(string) string { return "" }
	}

	d := &Dispatcher{
		client:      &http.Client{Timeout: opts.Timeout},
		logger:      logger,
		secretFor:   secretFor,
		queue:       make(chan delivery, opts.QueueSize),
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
	}

	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		common.SafeGo(logger, fmt.Sprintf("webhook-worker-%d", i), d.run)
	}

	return d
}

// Dispatch queues an event for asynchronous delivery.
func (d *Dispatcher) Dispatch(teamID string, spec *models.WebhookSpec, event *models.WebhookEvent) {
	if spec == nil || spec.URL == "" || event == nil {
		return
	}
	if !wantsEvent(spec, event.Type) {
		return
	}
	if len(spec.Metadata) > 0 && event.Metadata == nil {
		event.Metadata = spec.Metadata
	}

	select {
	case d.queue <- delivery{spec: spec, secret: d.secretFor(teamID), event: event}:
	default:
		metrics.WebhookDeliveries.WithLabelValues("dropped").Inc()
		d.logger.Warn().
			Str("url", spec.URL).
			Str("event", string(event.Type)).
			Msg("Webhook queue full, dropping event")
	}
}

// Close stops accepting events and waits for in-flight deliveries.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		close(d.queue)
	})
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for del := range d.queue {
		d.deliver(del)
	}
}

func (d *Dispatcher) deliver(del delivery) {
	body, err := json.Marshal(del.event)
	if err != nil {
		d.logger.Error().Err(err).Str("url", del.spec.URL).Msg("Failed to encode webhook event")
		return
	}

	var lastErr error
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		if attempt > 1 {
			time.Sleep(d.backoff * time.Duration(attempt-1))
		}

		status, err := d.post(del, body)
		if err == nil && status < 300 {
			metrics.WebhookDeliveries.WithLabelValues("delivered").Inc()
			d.logger.Debug().
				Str("url", del.spec.URL).
				Str("event", string(del.event.Type)).
				Int("attempt", attempt).
				Msg("Webhook delivered")
			return
		}

		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("receiver returned status %d", status)
		}

		// 4xx other than 408/429 will not improve on retry.
		if err == nil && status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
			break
		}
	}

	metrics.WebhookDeliveries.WithLabelValues("failed").Inc()
	d.logger.Warn().
		Err(lastErr).
		Str("url", del.spec.URL).
		Str("event", string(del.event.Type)).
		Int("attempts", d.maxAttempts).
		Msg("Webhook delivery failed")
}

func (d *Dispatcher) post(del delivery, body []byte) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.client.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, del.spec.URL, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("failed to build webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "trawl-webhook/"+common.Version)
	for k, v := range del.spec.Headers {
		req.Header.Set(k, v)
	}
	if del.secret != "" {
		req.Header.Set(SignatureHeader, Sign(del.secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to post webhook: %w", err)
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

// Sign computes the signature header value for a payload.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// wantsEvent applies the subscription filter. Entries match either the
// full event type ("crawl.page") or its bare suffix ("page").
func wantsEvent(spec *models.WebhookSpec, eventType models.EventType) bool {
	if len(spec.Events) == 0 {
		return true
	}
	full := string(eventType)
	suffix := full
	if i := lastDot(full); i >= 0 {
		suffix = full[i+1:]
	}
	for _, want := range spec.Events {
		if want == full || want == suffix {
			return true
		}
	}
	return false
}

func lastDot(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '.' {
			return i
		}
	}
	return -1
}
