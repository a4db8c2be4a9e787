// -----------------------------------------------------------------------
// Metrics - Prometheus collectors for the /metrics endpoint
// -----------------------------------------------------------------------

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth tracks pending/reserved/delayed unit counts, refreshed by
	// the maintenance sweep.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "trawl",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Units in the job queue by state.",
	}, []string{"state"})

	// UnitsProcessed counts finished units by type and outcome.
	UnitsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trawl",
		Subsystem: "worker",
		Name:      "units_processed_total",
		Help:      "Units processed by unit type and outcome.",
	}, []string{"type", "outcome"})

	// ScrapeDuration observes wall-clock fetch time by outcome.
	ScrapeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trawl",
		Subsystem: "worker",
		Name:      "scrape_duration_seconds",
		Help:      "Fetch duration by outcome.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"outcome"})

	// WebhookDeliveries counts webhook POST attempts by outcome.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trawl",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})

	// HTTPRequests counts API requests by route and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trawl",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests by method, route and status.",
	}, []string{"method", "route", "status"})

	// HTTPDuration observes API latency by route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "trawl",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request duration by route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	// CrawlsStarted counts crawl/batch submissions accepted.
	CrawlsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trawl",
		Subsystem: "crawl",
		Name:      "started_total",
		Help:      "Crawls started by kind.",
	}, []string{"kind"})

	// CrawlsFinished counts crawls reaching a terminal state.
	CrawlsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "trawl",
		Subsystem: "crawl",
		Name:      "finished_total",
		Help:      "Crawls finished by kind and terminal state.",
	}, []string{"kind", "state"})

	// ActiveLeases tracks live concurrency leases per team, refreshed by
	// the maintenance sweep.
	ActiveLeases = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "trawl",
		Subsystem: "limiter",
		Name:      "active_leases",
		Help:      "Live concurrency leases per team.",
	}, []string{"team"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
