package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "timebank"

var (
	once sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status class.",
		},
		[]string{"route", "code"},
	)

	grpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method and status code.",
		},
		[]string{"method", "code"},
	)

	bookingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "booking_transitions_total",
			Help:      "Booking engine operations by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_entries_total",
			Help:      "Ledger entries posted by kind.",
		},
		[]string{"kind"},
	)

	ledgerViolations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_invariant_violations_total",
			Help:      "Entries refused or balances found inconsistent by the ledger.",
		},
	)

	slotsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slots_expired_total",
			Help:      "Available slots marked expired by the sweeper.",
		},
	)

	journalDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_deliveries_total",
			Help:      "Outbox journal deliveries by result.",
		},
		[]string{"result"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			grpcRequests,
			bookingTransitions,
			ledgerEntries,
			ledgerViolations,
			slotsExpired,
			journalDeliveries,
		)
	})
}

func IncHTTP(route, code string) {
	httpRequests.WithLabelValues(route, code).Inc()
}

func IncGRPC(method, code string) {
	grpcRequests.WithLabelValues(method, code).Inc()
}

// ObserveTransition counts a booking engine call; outcome is "ok" or an error kind.
func ObserveTransition(action, outcome string) {
	bookingTransitions.WithLabelValues(action, outcome).Inc()
}

func IncLedgerEntry(kind string) {
	ledgerEntries.WithLabelValues(kind).Inc()
}

func IncLedgerViolation() {
	ledgerViolations.Inc()
}

func AddSlotsExpired(n int64) {
	if n > 0 {
		slotsExpired.Add(float64(n))
	}
}

func IncJournal(result string) {
	journalDeliveries.WithLabelValues(result).Inc()
}
