package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// ExchangeMetrics tracks group execution and exchange lifecycle outcomes.
type ExchangeMetrics struct {
	groupsApplied  prometheus.Counter
	txnsApplied    prometheus.Counter
	groupsRejected *prometheus.CounterVec
	bidsAccepted   prometheus.Counter
	closed         prometheus.Counter
}

var (
	exchangeOnce     sync.Once
	exchangeRegistry *ExchangeMetrics
)

func Exchange() *ExchangeMetrics {
	exchangeOnce.Do(func() {
		exchangeRegistry = &ExchangeMetrics{
			groupsApplied: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "exchange_groups_applied_total",
				Help: "Count of atomic transaction groups committed.",
			}),
			txnsApplied: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "exchange_txns_applied_total",
				Help: "Count of transactions committed inside applied groups.",
			}),
			groupsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "exchange_groups_rejected_total",
				Help: "Count of rejected transaction groups by reason.",
			}, []string{"reason"}),
			bidsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "exchange_bids_accepted_total",
				Help: "Count of bids that superseded the lead bid.",
			}),
			closed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "exchange_closed_total",
				Help: "Count of exchange instances cancelled or settled.",
			}),
		}
		prometheus.MustRegister(
			exchangeRegistry.groupsApplied,
			exchangeRegistry.txnsApplied,
			exchangeRegistry.groupsRejected,
			exchangeRegistry.bidsAccepted,
			exchangeRegistry.closed,
		)
	})
	return exchangeRegistry
}

func (m *ExchangeMetrics) ObserveGroupApplied(size int) {
	if m == nil {
		return
	}
	m.groupsApplied.Inc()
	m.txnsApplied.Add(float64(size))
}

func (m *ExchangeMetrics) ObserveGroupRejected(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "other"
	}
	m.groupsRejected.WithLabelValues(reason).Inc()
}

func (m *ExchangeMetrics) ObserveBidAccepted() {
	if m == nil {
		return
	}
	m.bidsAccepted.Inc()
}

func (m *ExchangeMetrics) ObserveClosed() {
	if m == nil {
		return
	}
	m.closed.Inc()
}
