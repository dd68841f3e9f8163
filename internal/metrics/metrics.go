// Package metrics 暴露调度与投递相关的 Prometheus 指标。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector 汇总 outreach 指标。nil Collector 的所有记录方法都是空操作。
type Collector struct {
	gatherer prometheus.Gatherer

	runsCreated     prometheus.Counter
	runsClosed      *prometheus.CounterVec
	claimConflicts  prometheus.Counter
	prepareFailures *prometheus.CounterVec
	recipients      prometheus.Counter
	dispatchLatency prometheus.Histogram
	tickDuration    prometheus.Histogram
	lastTick        prometheus.Gauge
}

// NewCollector 在给定 registry 上注册指标。reg 为 nil 时新建独立 registry。
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		gatherer: reg,
		runsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_runs_created_total",
			Help: "Job runs created by schedule preparation",
		}),
		runsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_runs_closed_total",
			Help: "Job runs closed, by terminal status",
		}, []string{"status"}),
		claimConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_claim_conflicts_total",
			Help: "Schedule claims lost to another worker",
		}),
		prepareFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "outreach_prepare_failures_total",
			Help: "Failed schedule preparations, by error kind",
		}, []string{"kind"}),
		recipients: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "outreach_recipients_dispatched_total",
			Help: "Recipients handed to the send service",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outreach_dispatch_latency_seconds",
			Help:    "Latency of calls to the send service",
			Buckets: prometheus.DefBuckets,
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "outreach_tick_duration_seconds",
			Help:    "Duration of one polling tick",
			Buckets: prometheus.DefBuckets,
		}),
		lastTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outreach_last_tick_timestamp_seconds",
			Help: "Unix time of the last completed polling tick",
		}),
	}
	reg.MustRegister(
		c.runsCreated,
		c.runsClosed,
		c.claimConflicts,
		c.prepareFailures,
		c.recipients,
		c.dispatchLatency,
		c.tickDuration,
		c.lastTick,
	)
	return c
}

// Handler 返回 /metrics 处理器。
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// RunCreated 记录新建执行及其收件人数量。
func (c *Collector) RunCreated(recipients int) {
	if c == nil {
		return
	}
	c.runsCreated.Inc()
	c.recipients.Add(float64(recipients))
}

// RunClosed 记录执行结束。
func (c *Collector) RunClosed(status string) {
	if c == nil {
		return
	}
	c.runsClosed.WithLabelValues(status).Inc()
}

// ClaimConflict 记录一次租约冲突。
func (c *Collector) ClaimConflict() {
	if c == nil {
		return
	}
	c.claimConflicts.Inc()
}

// PrepareFailed 记录准备失败。
func (c *Collector) PrepareFailed(kind string) {
	if c == nil {
		return
	}
	c.prepareFailures.WithLabelValues(kind).Inc()
}

// ObserveDispatch 记录一次投递调用耗时。
func (c *Collector) ObserveDispatch(d time.Duration) {
	if c == nil {
		return
	}
	c.dispatchLatency.Observe(d.Seconds())
}

// TickDone 记录一轮轮询结束。
func (c *Collector) TickDone(started, finished time.Time) {
	if c == nil {
		return
	}
	c.tickDuration.Observe(finished.Sub(started).Seconds())
	c.lastTick.Set(float64(finished.Unix()))
}
