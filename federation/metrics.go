package federation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var deliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federa_deliveries_total",
	Help: "Outbound activity deliveries by node, kind and outcome",
}, []string{"node", "kind", "outcome"})

var deliveryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "federa_delivery_duration_seconds",
	Help:    "Time spent pushing one activity to a peer",
	Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
}, []string{"node"})

var activitiesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federa_activities_processed_total",
	Help: "Inbound activities by kind and outcome",
}, []string{"kind", "outcome"})

var syncObjects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federa_sync_objects_total",
	Help: "Objects pulled from peers by node, kind and operation",
}, []string{"node", "kind", "op"})

var resolverLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "federa_resolver_lookups_total",
	Help: "Author resolutions by where the answer came from",
}, []string{"source"})

const (
	outcomeOK        = "ok"
	outcomeDuplicate = "duplicate"
	outcomeFailed    = "failed"
	outcomeSelf      = "self"
	outcomeRejected  = "rejected"
)
