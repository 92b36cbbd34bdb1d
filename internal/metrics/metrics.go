// Package metrics exposes the engine's operational counters on the default
// prometheus registry; the API serves them at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RequestsCompleted counts requests that reached the completed state.
	RequestsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "verifier",
		Name:      "requests_completed_total",
		Help:      "Verification requests completed.",
	})

	// RequestsFailed counts requests routed to the failed terminal state.
	RequestsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "verifier",
		Name:      "requests_failed_total",
		Help:      "Verification requests failed.",
	})

	// RCPTProbes counts RCPT TO commands sent over SMTP sessions.
	RCPTProbes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "verifier",
		Name:      "rcpt_probes_total",
		Help:      "RCPT TO probes issued.",
	})

	// GreylistHits counts responses classified as greylisting.
	GreylistHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "verifier",
		Name:      "greylist_hits_total",
		Help:      "SMTP responses classified as greylisting.",
	})

	// CacheHits counts catch-all cache verdicts used in place of a probe.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "verifier",
		Name:      "catchall_cache_hits_total",
		Help:      "Catch-all cache verdicts that replaced an RCPT probe.",
	})

	// WebhooksFailed counts completion webhooks that exhausted their retries.
	WebhooksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "verifier",
		Name:      "webhooks_failed_total",
		Help:      "Completion webhooks that exhausted their attempts.",
	})

	// BusyWorkers tracks pool slots currently holding an assignment.
	BusyWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "verifier",
		Name:      "busy_workers",
		Help:      "Worker slots with a request in flight.",
	})

	// QueueDepth tracks the number of pending requests at last poll.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "verifier",
		Name:      "queue_depth",
		Help:      "Pending requests in the durable queue.",
	})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
