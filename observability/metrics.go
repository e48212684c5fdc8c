package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ledgerdMetricsOnce sync.Once
	ledgerdRegistry    *LedgerdMetrics
)

// LedgerdMetrics wraps collectors tracking deposit reconciliation and ledger health.
type LedgerdMetrics struct {
	depositsCredited   prometheus.Counter
	unclaimedStored    prometheus.Counter
	duplicatesSkipped  prometheus.Counter
	monitorErrors      *prometheus.CounterVec
	lastProcessedBlock prometheus.Gauge
	oracleRefreshes    *prometheus.CounterVec
	staleRateServes    prometheus.Counter
	reservationsSwept  prometheus.Counter
}

// Ledgerd exposes the metrics registry for ledgerd.
func Ledgerd() *LedgerdMetrics {
	ledgerdMetricsOnce.Do(func() {
		ledgerdRegistry = &LedgerdMetrics{
			depositsCredited: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskledger",
				Subsystem: "monitor",
				Name:      "deposits_credited_total",
				Help:      "Count of chain deposits credited to linked accounts.",
			}),
			unclaimedStored: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskledger",
				Subsystem: "monitor",
				Name:      "unclaimed_deposits_total",
				Help:      "Count of deposits stored for later claiming because the sender was unlinked.",
			}),
			duplicatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskledger",
				Subsystem: "monitor",
				Name:      "duplicate_events_total",
				Help:      "Count of transfer events skipped because their hash was already processed.",
			}),
			monitorErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskledger",
				Subsystem: "monitor",
				Name:      "errors_total",
				Help:      "Count of monitor failures segmented by stage.",
			}, []string{"stage"}),
			lastProcessedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "taskledger",
				Subsystem: "monitor",
				Name:      "last_processed_block",
				Help:      "Highest chain block the deposit monitor has reconciled.",
			}),
			oracleRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "taskledger",
				Subsystem: "oracle",
				Name:      "refreshes_total",
				Help:      "Count of price oracle fetch attempts segmented by outcome.",
			}, []string{"outcome"}),
			staleRateServes: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskledger",
				Subsystem: "oracle",
				Name:      "stale_serves_total",
				Help:      "Count of rate reads served from a stale cache after a failed fetch.",
			}),
			reservationsSwept: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "taskledger",
				Subsystem: "ledger",
				Name:      "reservations_swept_total",
				Help:      "Count of expired reservations removed by the sweep loop.",
			}),
		}
		prometheus.MustRegister(
			ledgerdRegistry.depositsCredited,
			ledgerdRegistry.unclaimedStored,
			ledgerdRegistry.duplicatesSkipped,
			ledgerdRegistry.monitorErrors,
			ledgerdRegistry.lastProcessedBlock,
			ledgerdRegistry.oracleRefreshes,
			ledgerdRegistry.staleRateServes,
			ledgerdRegistry.reservationsSwept,
		)
	})
	return ledgerdRegistry
}

// RecordDepositCredited increments the credited deposit counter.
func (m *LedgerdMetrics) RecordDepositCredited() {
	if m == nil {
		return
	}
	m.depositsCredited.Inc()
}

// RecordUnclaimedStored increments the unclaimed deposit counter.
func (m *LedgerdMetrics) RecordUnclaimedStored() {
	if m == nil {
		return
	}
	m.unclaimedStored.Inc()
}

// RecordDuplicateSkipped increments the duplicate event counter.
func (m *LedgerdMetrics) RecordDuplicateSkipped() {
	if m == nil {
		return
	}
	m.duplicatesSkipped.Inc()
}

// RecordMonitorError counts a monitor failure for the supplied stage.
func (m *LedgerdMetrics) RecordMonitorError(stage string) {
	if m == nil {
		return
	}
	m.monitorErrors.WithLabelValues(stage).Inc()
}

// SetLastProcessedBlock publishes the reconciliation cursor.
func (m *LedgerdMetrics) SetLastProcessedBlock(block uint64) {
	if m == nil {
		return
	}
	m.lastProcessedBlock.Set(float64(block))
}

// RecordOracleRefresh counts a price fetch attempt by outcome.
func (m *LedgerdMetrics) RecordOracleRefresh(outcome string) {
	if m == nil {
		return
	}
	m.oracleRefreshes.WithLabelValues(outcome).Inc()
}

// RecordStaleRateServe counts a rate read satisfied from a stale cache.
func (m *LedgerdMetrics) RecordStaleRateServe() {
	if m == nil {
		return
	}
	m.staleRateServes.Inc()
}

// RecordReservationsSwept counts released expired holds.
func (m *LedgerdMetrics) RecordReservationsSwept(count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.reservationsSwept.Add(float64(count))
}
