package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器。实现 workflow、queue、lock、limiter 与 schedule
// 各自的 Observer 接口；nil *Collector 上的所有方法都是空操作。
type Collector struct {
	// 执行指标
	executionsStarted  *prometheus.CounterVec
	executionsFinished *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	nodeTransitions    *prometheus.CounterVec

	// 队列指标
	jobsTotal   *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec

	// 协调指标
	lockAcquires        *prometheus.CounterVec
	limiterReservations *prometheus.CounterVec

	// 调度指标
	scheduleRecords *prometheus.CounterVec

	// 连接池指标
	redisConns        *prometheus.GaugeVec
	dbConnectionsOpen prometheus.Gauge
	dbConnectionsIdle prometheus.Gauge

	logger *zap.Logger
}

// NewCollector 在 reg 上注册全部指标
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	factory := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.executionsStarted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_started_total",
			Help:      "Total number of workflow executions started",
		},
		[]string{"trigger"},
	)

	c.executionsFinished = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_finished_total",
			Help:      "Total number of workflow executions that reached a terminal state",
		},
		[]string{"status", "reason"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Wall-clock duration of workflow executions",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
		},
		[]string{"status"},
	)

	c.nodeTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_transitions_total",
			Help:      "Total number of node status transitions",
		},
		[]string{"node_type", "status"},
	)

	c.jobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_jobs_total",
			Help:      "Total number of processed queue jobs by outcome",
		},
		[]string{"type", "outcome"},
	)

	c.jobDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_job_duration_seconds",
			Help:      "Queue job handler duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	c.queueDepth = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Current number of queue jobs by state",
		},
		[]string{"state"},
	)

	c.lockAcquires = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lock_acquire_total",
			Help:      "Distributed lock acquisition attempts",
		},
		[]string{"name", "acquired"},
	)

	c.limiterReservations = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "limiter_reservations_total",
			Help:      "Concurrency slot reservation attempts by result",
		},
		[]string{"result"},
	)

	c.scheduleRecords = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "schedule_records_total",
			Help:      "Schedule record state changes",
		},
		[]string{"status", "reason"},
	)

	c.redisConns = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "redis_connections",
			Help:      "Redis pool connections by state",
		},
		[]string{"state"},
	)

	c.dbConnectionsOpen = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
	)

	c.dbConnectionsIdle = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// =============================================================================
// 🔄 执行指标
// =============================================================================

// ObserveExecutionStarted 实现 workflow.Observer
func (c *Collector) ObserveExecutionStarted(trigger string) {
	if c == nil {
		return
	}
	c.executionsStarted.WithLabelValues(trigger).Inc()
}

// ObserveExecutionFinished 实现 workflow.Observer
func (c *Collector) ObserveExecutionFinished(status, reason string, d time.Duration) {
	if c == nil {
		return
	}
	c.executionsFinished.WithLabelValues(status, reason).Inc()
	c.executionDuration.WithLabelValues(status).Observe(d.Seconds())
}

// ObserveNodeTransition 实现 workflow.Observer
func (c *Collector) ObserveNodeTransition(nodeType, status string) {
	if c == nil {
		return
	}
	c.nodeTransitions.WithLabelValues(nodeType, status).Inc()
}

// =============================================================================
// 📬 队列指标
// =============================================================================

// ObserveJob 实现 queue.Observer
func (c *Collector) ObserveJob(jobType, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.jobsTotal.WithLabelValues(jobType, outcome).Inc()
	c.jobDuration.WithLabelValues(jobType).Observe(d.Seconds())
}

// RecordQueueDepth 记录队列中各状态的任务数
func (c *Collector) RecordQueueDepth(delayed, processing, dead int64) {
	if c == nil {
		return
	}
	c.queueDepth.WithLabelValues("delayed").Set(float64(delayed))
	c.queueDepth.WithLabelValues("processing").Set(float64(processing))
	c.queueDepth.WithLabelValues("dead").Set(float64(dead))
}

// =============================================================================
// 🔒 协调指标
// =============================================================================

// ObserveLockAcquire 实现 lock.Observer
func (c *Collector) ObserveLockAcquire(name string, acquired bool) {
	if c == nil {
		return
	}
	c.lockAcquires.WithLabelValues(name, strconv.FormatBool(acquired)).Inc()
}

// ObserveReservation 实现 limiter.Observer
func (c *Collector) ObserveReservation(result string) {
	if c == nil {
		return
	}
	c.limiterReservations.WithLabelValues(result).Inc()
}

// ObserveRecord 实现 schedule.Observer
func (c *Collector) ObserveRecord(status, reason string) {
	if c == nil {
		return
	}
	c.scheduleRecords.WithLabelValues(status, reason).Inc()
}

// =============================================================================
// 🗄️ 连接池指标
// =============================================================================

// RecordRedisPool 记录 Redis 连接池状态
func (c *Collector) RecordRedisPool(total, idle uint32) {
	if c == nil {
		return
	}
	c.redisConns.WithLabelValues("total").Set(float64(total))
	c.redisConns.WithLabelValues("idle").Set(float64(idle))
}

// RecordDBConnections 记录数据库连接数
func (c *Collector) RecordDBConnections(open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.Set(float64(open))
	c.dbConnectionsIdle.Set(float64(idle))
}
