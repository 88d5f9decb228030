package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SamplesAccepted = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_core", Name: "location_samples_accepted_total", Help: "Driver location samples accepted by the stream policy"})
	SamplesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_core", Name: "location_samples_dropped_total", Help: "Driver location samples dropped, by reason"},
		[]string{"reason"},
	)

	RouteComputations = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_core", Name: "route_computations_total", Help: "External routing provider calls"})
	RouteCacheHits    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_core", Name: "route_cache_hits_total", Help: "Route recomputations avoided by the cache key guard"})
	RouteFallbacks    = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_core", Name: "route_fallbacks_total", Help: "Straight-line fallbacks after provider failure"})

	GeocodeFallbackDepth = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "delivery_core",
		Name:      "geocode_fallback_depth",
		Help:      "How far down the geocoding fallback ladder a query resolved (0 = primary)",
		Buckets:   []float64{0, 1, 2, 3, 4},
	})

	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_core", Name: "status_transitions_total", Help: "Delivery status transitions applied"},
		[]string{"to"},
	)
	StaleWrites = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_core", Name: "stale_writes_total", Help: "Status advances lost to a concurrent writer"})

	MessagesSent  = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_core", Name: "chat_messages_sent_total", Help: "Chat messages accepted"})
	WSClients     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "delivery_core", Name: "ws_clients", Help: "Connected WebSocket subscribers"})
	FeedPublished = promauto.NewCounter(prometheus.CounterOpts{Namespace: "delivery_core", Name: "feed_events_published_total", Help: "Change feed events published"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "delivery_core", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "delivery_core",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
