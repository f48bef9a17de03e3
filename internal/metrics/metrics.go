// Package metrics exports fetch and transport activity to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"Keyhold/internal/fetch"
	"Keyhold/internal/fetcherr"
	"Keyhold/internal/transport"
)

const (
	namespace          = "keyhold"
	subsystemFetch     = "fetch"
	subsystemTransport = "transport"

	LabelMode   = "mode"
	LabelFatal  = "fatal"
	LabelSource = "source"
	LabelCode   = "code"
	LabelResult = "result"
)

// Collector implements fetch.Metrics and transport.Metrics.
type Collector struct {
	retried     *prometheus.CounterVec
	succeeded   *prometheus.CounterVec
	failed      *prometheus.CounterVec
	attempts    prometheus.Histogram
	found       *prometheus.CounterVec
	lookupFail  *prometheus.CounterVec
	peerRequest *prometheus.HistogramVec
}

var (
	_ fetch.Metrics     = (*Collector)(nil)
	_ transport.Metrics = (*Collector)(nil)
)

// New registers the collector's metrics with reg.
func New(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)

	return &Collector{
		retried: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemFetch,
			Name:      "retries_total",
			Help:      "the number of silent fetch retries by failure mode",
		}, []string{LabelMode}),

		succeeded: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemFetch,
			Name:      "succeeded_total",
			Help:      "the number of fetches that delivered data",
		}, []string{LabelSource}),

		failed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemFetch,
			Name:      "failed_total",
			Help:      "the number of fetches that reported a failure",
		}, []string{LabelMode, LabelFatal}),

		attempts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemFetch,
			Name:      "retries_before_success",
			Help:      "retries consumed by successful fetches",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 20},
		}),

		found: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransport,
			Name:      "blocks_found_total",
			Help:      "the number of blocks found by the dispatcher",
		}, []string{LabelSource}),

		lookupFail: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTransport,
			Name:      "lookups_failed_total",
			Help:      "the number of lookups that failed by low-level code",
		}, []string{LabelCode}),

		peerRequest: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemTransport,
			Name:      "peer_request_seconds",
			Help:      "latency of block requests to peers",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{LabelResult}),
	}
}

// FetchRetried implements fetch.Metrics.
func (c *Collector) FetchRetried(mode fetcherr.Mode) {
	c.retried.With(prometheus.Labels{LabelMode: mode.String()}).Inc()
}

// FetchSucceeded implements fetch.Metrics.
func (c *Collector) FetchSucceeded(attempts int, fromStore bool) {
	c.succeeded.With(prometheus.Labels{LabelSource: source(fromStore)}).Inc()
	c.attempts.Observe(float64(attempts))
}

// FetchFailed implements fetch.Metrics.
func (c *Collector) FetchFailed(mode fetcherr.Mode, fatal bool) {
	c.failed.With(prometheus.Labels{
		LabelMode:  mode.String(),
		LabelFatal: strconv.FormatBool(fatal),
	}).Inc()
}

// BlockFound implements transport.Metrics.
func (c *Collector) BlockFound(fromStore bool) {
	c.found.With(prometheus.Labels{LabelSource: source(fromStore)}).Inc()
}

// LookupFailed implements transport.Metrics.
func (c *Collector) LookupFailed(code fetcherr.Code) {
	c.lookupFail.With(prometheus.Labels{LabelCode: code.String()}).Inc()
}

// PeerRequest implements transport.Metrics.
func (c *Collector) PeerRequest(ok bool, elapsed time.Duration) {
	result := "ok"
	if !ok {
		result = "error"
	}

	c.peerRequest.With(prometheus.Labels{LabelResult: result}).Observe(elapsed.Seconds())
}

// source names where a block came from.
func source(fromStore bool) string {
	if fromStore {
		return "store"
	}

	return "network"
}
