package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PasteCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_paste_created_total",
		Help: "no. of pastes created",
	})
	PasteRetrieved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_paste_retrieved_total",
		Help: "no. of successful paste views",
	})
	PasteNotFound = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_paste_not_found_total",
			Help: "no. of fetches answered with not found, by reason",
		},
		[]string{"reason"},
	)
	TombstoneHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_tombstone_hits_total",
		Help: "no. of fetches answered from the tombstone cache",
	})
	StorageErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_storage_errors_total",
			Help: "no. of storage failures",
		},
		[]string{"op"},
	)
	IDCollisions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pastelite_id_collisions_total",
		Help: "no. of generated ids that were already taken",
	})
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pastelite_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	EncryptionOps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pastelite_encryption_operations_total",
			Help: "no. of encryption/decryption operations",
		},
		[]string{"operation"},
	)
)
