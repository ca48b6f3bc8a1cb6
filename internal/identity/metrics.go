package identity

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var handleResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "statusphere_identity_resolve_handle",
	Help: "Handle resolutions",
}, []string{"status"})

var handleResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "statusphere_identity_resolve_handle_duration",
	Help:    "Time to resolve a handle",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 2, 20),
}, []string{"status"})

var didResolution = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "statusphere_identity_resolve_did",
	Help: "DID resolutions",
}, []string{"status"})

var didResolutionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "statusphere_identity_resolve_did_duration",
	Help:    "Time to resolve a DID",
	Buckets: prometheus.ExponentialBucketsRange(0.0001, 2, 20),
}, []string{"status"})

func observe(counter *prometheus.CounterVec, hist *prometheus.HistogramVec, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	counter.WithLabelValues(status).Inc()
	hist.WithLabelValues(status).Observe(time.Since(start).Seconds())
}
