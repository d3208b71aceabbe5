// Package metrics 暴露引擎的 Prometheus 指标
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"grid-engine/internal/exchange"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics 持有引擎的全部指标。nil 接收者上的方法都是空操作，方便测试中不注入指标。
type Metrics struct {
	registry      *prometheus.Registry
	exchangeCalls *prometheus.CounterVec
	exchangeLat   *prometheus.HistogramVec
	fills         *prometheus.CounterVec
	placements    *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	drift         *prometheus.CounterVec
	openOrders    *prometheus.GaugeVec
	pendingLevels *prometheus.GaugeVec
	lifecycle     *prometheus.GaugeVec
	ledgerErrors  prometheus.Counter
	coalesced     *prometheus.CounterVec
}

// New 创建独立的 registry 并注册所有指标
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		exchangeCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_exchange_calls_total",
			Help: "Exchange gateway calls by operation and outcome.",
		}, []string{"op", "outcome"}),
		exchangeLat: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "grid_exchange_call_seconds",
			Help:    "Exchange gateway call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_fills_total",
			Help: "Confirmed or inferred fills by side and source.",
		}, []string{"bot_id", "side", "source"}),
		placements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_placements_total",
			Help: "Orders successfully placed.",
		}, []string{"bot_id", "side"}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_rejections_total",
			Help: "Orders rejected by the exchange by reason.",
		}, []string{"bot_id", "reason"}),
		drift: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_drift_actions_total",
			Help: "Health monitor and recovery corrections by action.",
		}, []string{"bot_id", "action"}),
		openOrders: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grid_open_orders",
			Help: "Orders the engine believes are resting on the exchange.",
		}, []string{"bot_id"}),
		pendingLevels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grid_pending_levels",
			Help: "Ladder levels intended but not live.",
		}, []string{"bot_id"}),
		lifecycle: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "grid_bot_lifecycle",
			Help: "1 for the current lifecycle state of each bot.",
		}, []string{"bot_id", "state"}),
		ledgerErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "grid_ledger_write_failures_total",
			Help: "Failed ledger commits.",
		}),
		coalesced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "grid_ticks_coalesced_total",
			Help: "Periodic ticks skipped because one was already queued or running.",
		}, []string{"kind"}),
	}
	registry.MustRegister(m.exchangeCalls, m.exchangeLat, m.fills, m.placements, m.rejections,
		m.drift, m.openOrders, m.pendingLevels, m.lifecycle, m.ledgerErrors, m.coalesced)
	return m
}

// Handler 通过 HTTP 暴露 registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func botLabel(botID int64) string { return strconv.FormatInt(botID, 10) }

// ObserveExchangeCall 实现 exchange.CallObserver
func (m *Metrics) ObserveExchangeCall(op string, d time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = exchange.KindOf(err).String()
	}
	m.exchangeCalls.WithLabelValues(op, outcome).Inc()
	m.exchangeLat.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) IncFill(botID int64, side, source string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(botLabel(botID), side, source).Inc()
}

func (m *Metrics) IncPlacement(botID int64, side string) {
	if m == nil {
		return
	}
	m.placements.WithLabelValues(botLabel(botID), side).Inc()
}

func (m *Metrics) IncRejection(botID int64, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(botLabel(botID), reason).Inc()
}

func (m *Metrics) IncDrift(botID int64, action string) {
	if m == nil {
		return
	}
	m.drift.WithLabelValues(botLabel(botID), action).Inc()
}

// SetBotState 更新 bot 的挂单数、待挂档位数和生命周期
func (m *Metrics) SetBotState(botID int64, lifecycle string, open, pending int) {
	if m == nil {
		return
	}
	id := botLabel(botID)
	m.openOrders.WithLabelValues(id).Set(float64(open))
	m.pendingLevels.WithLabelValues(id).Set(float64(pending))
	m.lifecycle.DeletePartialMatch(prometheus.Labels{"bot_id": id})
	m.lifecycle.WithLabelValues(id, lifecycle).Set(1)
}

func (m *Metrics) IncLedgerFailure() {
	if m == nil {
		return
	}
	m.ledgerErrors.Inc()
}

func (m *Metrics) IncCoalesced(kind string) {
	if m == nil {
		return
	}
	m.coalesced.WithLabelValues(kind).Inc()
}
