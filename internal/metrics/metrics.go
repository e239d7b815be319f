// Package metrics holds the relay core's in-process counters. Nothing
// here serves an HTTP endpoint; callers read the registry through
// Snapshot, and an optional Valkey mirror keeps counts visible across
// process restarts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// Registry owns the core's Prometheus collectors on a private registry
// so nothing leaks into the default global one.
type Registry struct {
	reg *prometheus.Registry

	MessagesQueued    prometheus.Counter
	MessagesSent      prometheus.Counter
	MessagesDeferred  prometheus.Counter
	MessagesFailed    *prometheus.CounterVec // label: kind (transient|permanent|rate_limited)
	MessagesReported  prometheus.Counter
	MessagesPurged    prometheus.Counter
	AttachCacheHits   prometheus.Counter
	AttachCacheMisses prometheus.Counter
	SendDuration      prometheus.Histogram
	ReportDuration    prometheus.Histogram
}

// New creates a Registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		MessagesQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore", Name: "messages_queued_total",
			Help: "Messages accepted by submit.",
		}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore", Name: "messages_sent_total",
			Help: "Messages delivered with SMTP 2xx on DATA.",
		}),
		MessagesDeferred: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore", Name: "messages_deferred_total",
			Help: "Messages pushed back to pending (retry backoff or rate limit).",
		}),
		MessagesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "relaycore", Name: "messages_failed_total",
			Help: "Messages that reached a terminal error state.",
		}, []string{"kind"}),
		MessagesReported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore", Name: "messages_reported_total",
			Help: "Messages acknowledged by a report sink.",
		}),
		MessagesPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore", Name: "messages_purged_total",
			Help: "Reported messages removed by the cleanup loop.",
		}),
		AttachCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore", Name: "attachment_cache_hits_total",
			Help: "Attachment materializations served from cache.",
		}),
		AttachCacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "relaycore", Name: "attachment_cache_misses_total",
			Help: "Attachment materializations that required a fetch.",
		}),
		SendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaycore", Name: "send_duration_seconds",
			Help:    "Wall time of one SMTP transaction.",
			Buckets: prometheus.DefBuckets,
		}),
		ReportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "relaycore", Name: "report_post_duration_seconds",
			Help:    "Wall time of one report sink POST.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		r.MessagesQueued, r.MessagesSent, r.MessagesDeferred, r.MessagesFailed,
		r.MessagesReported, r.MessagesPurged,
		r.AttachCacheHits, r.AttachCacheMisses,
		r.SendDuration, r.ReportDuration,
	)
	return r
}

// Snapshot gathers the current state of every collector. Callers that
// want a scrape surface can render these families themselves; the core
// deliberately exposes no /metrics handler.
func (r *Registry) Snapshot() ([]*dto.MetricFamily, error) {
	return r.reg.Gather()
}
