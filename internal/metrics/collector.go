// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records engine metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	// stage metrics
	stageExecutions *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	suspensions     *prometheus.CounterVec

	// task metrics
	tasksTotal     *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	unitSelections *prometheus.CounterVec

	// reasoner metrics
	reasonerRequests *prometheus.CounterVec
	reasonerDuration *prometheus.HistogramVec

	// persistence metrics
	checkpointsTotal  *prometheus.CounterVec
	dbConnectionsOpen *prometheus.GaugeVec
	dbConnectionsIdle *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector registers the engine metrics on reg. A nil reg means the
// default Prometheus registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.stageExecutions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_executions_total",
			Help:      "Total number of pipeline stage executions",
		},
		[]string{"stage", "status"},
	)

	c.stageDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"stage"},
	)

	c.suspensions = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspensions_total",
			Help:      "Total number of runs suspended for human input",
		},
		[]string{"next_stage"},
	)

	c.tasksTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Total number of executed tasks by final status",
		},
		[]string{"status"},
	)

	c.taskDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"unit_id"},
	)

	c.unitSelections = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unit_selections_total",
			Help:      "Total number of tasks routed to each unit",
		},
		[]string{"unit_id", "capability"},
	)

	c.reasonerRequests = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reasoner_requests_total",
			Help:      "Total number of reasoning service requests",
		},
		[]string{"kind", "status"},
	)

	c.reasonerDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reasoner_request_duration_seconds",
			Help:      "Reasoning service request duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	c.checkpointsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoint writes",
		},
		[]string{"node", "status"},
	)

	c.dbConnectionsOpen = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_open",
			Help:      "Number of open database connections",
		},
		[]string{"database"},
	)

	c.dbConnectionsIdle = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "db_connections_idle",
			Help:      "Number of idle database connections",
		},
		[]string{"database"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// RecordStage records one stage execution.
func (c *Collector) RecordStage(stage string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageExecutions.WithLabelValues(stage, status(err)).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordSuspension records a run suspended before nextStage.
func (c *Collector) RecordSuspension(nextStage string) {
	if c == nil {
		return
	}
	c.suspensions.WithLabelValues(nextStage).Inc()
}

// RecordTask records a task reaching a final status.
func (c *Collector) RecordTask(unitID, taskStatus string, duration time.Duration) {
	if c == nil {
		return
	}
	c.tasksTotal.WithLabelValues(taskStatus).Inc()
	c.taskDuration.WithLabelValues(unitID).Observe(duration.Seconds())
}

// RecordUnitSelection records a task routed to unitID.
func (c *Collector) RecordUnitSelection(unitID, capability string) {
	if c == nil {
		return
	}
	c.unitSelections.WithLabelValues(unitID, capability).Inc()
}

// RecordReasonerRequest records one reasoning service call.
func (c *Collector) RecordReasonerRequest(kind string, err error, duration time.Duration) {
	if c == nil {
		return
	}
	c.reasonerRequests.WithLabelValues(kind, status(err)).Inc()
	c.reasonerDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCheckpoint records a checkpoint write.
func (c *Collector) RecordCheckpoint(node string, err error) {
	if c == nil {
		return
	}
	c.checkpointsTotal.WithLabelValues(node, status(err)).Inc()
}

// RecordDBConnections records database pool occupancy.
func (c *Collector) RecordDBConnections(database string, open, idle int) {
	if c == nil {
		return
	}
	c.dbConnectionsOpen.WithLabelValues(database).Set(float64(open))
	c.dbConnectionsIdle.WithLabelValues(database).Set(float64(idle))
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
