package firehose

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "statusphere_firehose_events_total",
	Help: "Jetstream events received, by decoded type",
}, []string{"type"})

var ingestResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "statusphere_firehose_ingest_total",
	Help: "Outcome of reconciling firehose commits into the store",
}, []string{"collection", "result"})

var connectionState = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "statusphere_firehose_state",
	Help: "Connection state: 0 disconnected, 1 connecting, 2 streaming",
})

var cursorPosition = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "statusphere_firehose_cursor_seconds",
	Help: "Time of the last processed event, as a unix timestamp",
})
