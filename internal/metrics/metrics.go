// Package metrics Prometheus 指标：后台任务运行情况和状态迁移计数
package metrics

import (
	"time"

	"aliquot-sync/internal/domain"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "aliquot_sync"

// Metrics 所有方法对 nil 接收者安全，测试中可直接传 nil
type Metrics struct {
	jobRuns     *prometheus.CounterVec
	jobItems    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	transitions *prometheus.CounterVec
}

// New 创建并注册到 reg
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job runs by final status.",
		}, []string{"job", "status"}),
		jobItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_items_total",
			Help:      "Items processed by jobs, by outcome.",
		}, []string{"job", "outcome"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job run duration.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"job"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "State transitions applied, by entity and target state.",
		}, []string{"entity", "to"}),
	}
	reg.MustRegister(m.jobRuns, m.jobItems, m.jobDuration, m.transitions)
	return m
}

// ObserveJob 记录一次任务运行
func (m *Metrics) ObserveJob(job string, started time.Time, r *domain.Result) {
	if m == nil || r == nil {
		return
	}
	m.jobRuns.WithLabelValues(job, string(r.Status)).Inc()
	m.jobDuration.WithLabelValues(job).Observe(time.Since(started).Seconds())
	m.jobItems.WithLabelValues(job, "successful").Add(float64(r.NumSuccessful))
	m.jobItems.WithLabelValues(job, "skipped").Add(float64(r.NumSkipped))
	m.jobItems.WithLabelValues(job, "errors").Add(float64(r.NumErrors))
}

func (m *Metrics) ShipmentTransition(to domain.ShipmentStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("shipment", string(to)).Inc()
}

func (m *Metrics) AliquotTransition(to domain.AliquotStatus) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues("aliquot", string(to)).Inc()
}
