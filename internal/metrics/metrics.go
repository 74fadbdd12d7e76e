// Package metrics 平台核心的 prometheus 指标。
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "riveredge"

// Metrics 全部指标
type Metrics struct {
	JobAttempts     *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobsPublished   *prometheus.CounterVec
	CodeAllocations *prometheus.CounterVec
	LoginAttempts   *prometheus.CounterVec
	Messages        *prometheus.CounterVec
	HTTPRequests    *prometheus.CounterVec
	HTTPLatency     *prometheus.HistogramVec
}

// New 创建指标；reg 非 nil 时一并注册
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "attempts_total",
			Help:      "Count of job handler executions by event and outcome",
		}, []string{"event", "outcome"}),

		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "attempt_duration_seconds",
			Help:      "Histogram of job handler execution time",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 8),
		}, []string{"event"}),

		JobsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "published_total",
			Help:      "Count of published events",
		}, []string{"event"}),

		CodeAllocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "code_rules",
			Name:      "allocations_total",
			Help:      "Count of code generation requests by result",
		}, []string{"result"}),

		LoginAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "login_attempts_total",
			Help:      "Count of login attempts by result",
		}, []string{"result"}),

		Messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "delivered_total",
			Help:      "Count of message deliveries by channel and status",
		}, []string{"type", "status"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Count of HTTP requests",
		}, []string{"method", "status"}),

		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Histogram of HTTP request latency",
			Buckets:   prometheus.ExponentialBuckets(1e-3, 4, 8),
		}, []string{"method"}),
	}
	if reg != nil {
		reg.MustRegister(m.PrometheusCollectors()...)
	}
	return m
}

// PrometheusCollectors 全部 collector
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobAttempts,
		m.JobDuration,
		m.JobsPublished,
		m.CodeAllocations,
		m.LoginAttempts,
		m.Messages,
		m.HTTPRequests,
		m.HTTPLatency,
	}
}

// Nop 未注册的指标（测试使用）
func Nop() *Metrics { return New(nil) }
