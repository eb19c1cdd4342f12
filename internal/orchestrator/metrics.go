package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// WorkflowMetrics holds Prometheus metrics for the workflow.
type WorkflowMetrics struct {
	RunsTotal        *prometheus.CounterVec
	RunDuration      prometheus.Histogram
	NodeDuration     *prometheus.HistogramVec
	DegradedTotal    *prometheus.CounterVec
	DecisionsTotal   *prometheus.CounterVec
	ConsensusScore   prometheus.Histogram
	CheckpointErrors prometheus.Counter
}

var (
	workflowMetricsInstance *WorkflowMetrics
	workflowMetricsOnce     sync.Once
)

// getOrCreateWorkflowMetrics registers the metrics once per process.
func getOrCreateWorkflowMetrics() *WorkflowMetrics {
	workflowMetricsOnce.Do(func() {
		workflowMetricsInstance = &WorkflowMetrics{
			RunsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "moexadvisor_workflow_runs_total",
				Help: "Workflow turns by outcome",
			}, []string{"outcome"}),
			RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "moexadvisor_workflow_duration_seconds",
				Help:    "Duration of a full workflow turn",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}),
			NodeDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "moexadvisor_workflow_node_duration_seconds",
				Help:    "Duration of individual workflow nodes",
				Buckets: prometheus.DefBuckets,
			}, []string{"node"}),
			DegradedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "moexadvisor_degraded_results_total",
				Help: "Placeholder results produced after a failed or unparseable completion",
			}, []string{"kind"}),
			DecisionsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "moexadvisor_decisions_total",
				Help: "Aggregated decisions by final action",
			}, []string{"action"}),
			ConsensusScore: promauto.NewHistogram(prometheus.HistogramOpts{
				Name:    "moexadvisor_consensus_strength",
				Help:    "Consensus strength of aggregated decisions",
				Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
			}),
			CheckpointErrors: promauto.NewCounter(prometheus.CounterOpts{
				Name: "moexadvisor_checkpoint_errors_total",
				Help: "Failed checkpoint loads and saves",
			}),
		}
	})
	return workflowMetricsInstance
}
