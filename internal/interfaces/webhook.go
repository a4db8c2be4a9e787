package interfaces

import (
	"github.com/ternarybob/trawl/internal/models"
)

// WebhookDispatcher delivers lifecycle events to client webhooks.
// Delivery is at-least-once: transient failures are retried with bounded
// attempts, and events carry identifiers so receivers can deduplicate.
type WebhookDispatcher interface {
	// Dispatch queues an event for asynchronous delivery. The team ID
	// selects the HMAC signing secret. Never blocks the caller; a full
	// dispatch queue drops the event with a warning.
	Dispatch(teamID string, spec *models.WebhookSpec, event *models.WebhookEvent)

	// Close drains in-flight deliveries.
	Close() error
}
