package metrics

import (
	"context"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taskmesh/orchestrator/internal/store"
)

// StateSource is the aggregate-count read the collector performs per
// scrape; satisfied by the store.
type StateSource interface {
	StatusCounts(ctx context.Context) (store.StatusCounts, error)
}

var (
	tasksDesc = prometheus.NewDesc(
		"orchestrator_tasks",
		"Current tasks by status",
		[]string{"status"}, nil)
	subtasksDesc = prometheus.NewDesc(
		"orchestrator_subtasks",
		"Current subtasks by status",
		[]string{"status"}, nil)
	workersDesc = prometheus.NewDesc(
		"orchestrator_workers",
		"Current workers by status",
		[]string{"status"}, nil)
)

// StateCollector refreshes the entity-count gauges on demand, at the
// scrape, by one batched aggregate read; no background goroutine
// computes values nobody is about to read.
type StateCollector struct {
	source  StateSource
	timeout time.Duration
}

func NewStateCollector(source StateSource) *StateCollector {
	return &StateCollector{source: source, timeout: 5 * time.Second}
}

func (c *StateCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- tasksDesc
	ch <- subtasksDesc
	ch <- workersDesc
}

func (c *StateCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	counts, err := c.source.StatusCounts(ctx)
	if err != nil {
		log.Printf("metrics: status counts unavailable: %v", err)
		return
	}
	emit := func(desc *prometheus.Desc, byStatus map[string]int) {
		for status, n := range byStatus {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, float64(n), status)
		}
	}
	emit(tasksDesc, counts.TasksByStatus)
	emit(subtasksDesc, counts.SubtasksByStatus)
	emit(workersDesc, counts.WorkersByStatus)
}
