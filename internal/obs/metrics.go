package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveTunnels        = promauto.NewGauge(prometheus.GaugeOpts{Name: "bore_active_tunnels", Help: "Tunnels with a live listener task"})
	PendingConnections   = promauto.NewGauge(prometheus.GaugeOpts{Name: "bore_pending_connections", Help: "Visitor connections accepted but not yet claimed"})
	TunnelsTotal         = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_tunnels_total", Help: "Tunnels established"})
	VisitorsTotal        = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_visitor_connections_total", Help: "Visitor connections accepted on tunnel ports"})
	ClaimsTotal          = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_claims_total", Help: "Pending visitor connections claimed by clients"})
	PendingExpiredTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_pending_expired_total", Help: "Pending visitor connections dropped after their TTL"})
	EvictionsTotal       = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_evictions_total", Help: "Listener tasks canceled by a reconnect on the same port and address"})
	ErrorsTotal          = promauto.NewCounterVec(prometheus.CounterOpts{Name: "bore_errors_total", Help: "Errors by type"}, []string{"type"})
	RelayDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bore_relay_duration_seconds", Help: "Visitor relay lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	AllocationAttempts   = promauto.NewHistogram(prometheus.HistogramOpts{Name: "bore_allocation_attempts", Help: "Bind attempts per successful random port allocation", Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 150}})
	RejectedConnsTotal   = promauto.NewCounter(prometheus.CounterOpts{Name: "bore_rejected_connections_total", Help: "Control connections rejected by the admission limiter"})
)
