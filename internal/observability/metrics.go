package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "delivery_dispatch"

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "assignment_transitions_total", Help: "Committed assignment transitions"},
		[]string{"from", "to"},
	)
	TransitionConflicts = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "assignment_transition_conflicts_total", Help: "Transitions lost to a concurrent writer"})
	OffersTotal         = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offers_total", Help: "Dispatch offers by outcome"},
		[]string{"outcome"},
	)
	OfferTimeouts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offer_timeouts_total", Help: "Offers reverted by the sweeper"})
	MatchLatency    = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "Candidate search and offer latency"})
	PartnersOnline  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "partners_online", Help: "Number of online partners"})
	PresenceEvicted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "presence_evicted_total", Help: "Presence entries evicted for inactivity"})

	LocationSamples = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_samples_total", Help: "Location samples by ingestion outcome"},
		[]string{"outcome"},
	)

	HubDelivered = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "hub_delivered_total", Help: "Envelopes written to subscriber sinks"})
	HubDropped   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "hub_dropped_total", Help: "Envelopes dropped per reason"},
		[]string{"reason"},
	)
	HubSubscriptions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "hub_subscriptions", Help: "Active topic subscriptions"})

	EmergenciesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "emergencies_total", Help: "Emergency alerts raised"},
		[]string{"type"},
	)
	ChatMessagesTotal  = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "chat_messages_total", Help: "Chat messages relayed"})
	NotificationErrors = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "notification_errors_total", Help: "Failed push notifications"})
	RealtimeMessages   = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "realtime_messages_total", Help: "Inbound realtime messages by kind and result"},
		[]string{"kind", "result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
