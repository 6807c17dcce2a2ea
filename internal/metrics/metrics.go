package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pressmill/pdf-compress-service/config"
	"github.com/pressmill/pdf-compress-service/internal/ledger"
)

var (
	tasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pdf_compress_tasks_by_status",
			Help: "Number of ledger tasks in each status",
		},
		[]string{"status"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pdf_compress_task_duration_seconds",
			Help:    "Wall-clock time one task spent in the processing slot",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"outcome"}, // completed, failed, cancelled
	)

	bytesOriginal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdf_compress_original_bytes_total",
			Help: "Total bytes of source documents of completed tasks",
		},
	)

	bytesProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdf_compress_processed_bytes_total",
			Help: "Total bytes of output artifacts of completed tasks",
		},
	)

	sweptTasks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pdf_compress_swept_tasks_total",
			Help: "Tasks deleted by the retention sweeper",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksByStatus)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(bytesOriginal)
	prometheus.MustRegister(bytesProcessed)
	prometheus.MustRegister(sweptTasks)
}

// ObserveOutcome records one finished dispatch run.
func ObserveOutcome(outcome string, d time.Duration) {
	taskDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveSizes records the size accounting of one completed task.
func ObserveSizes(originalBytes, processedBytes int64) {
	bytesOriginal.Add(float64(originalBytes))
	bytesProcessed.Add(float64(processedBytes))
}

// ObserveSwept counts tasks reclaimed by the sweeper.
func ObserveSwept(n int) {
	sweptTasks.Add(float64(n))
}

// StartMetricsServer starts the Prometheus metrics HTTP server and the
// background refresh of the status gauges.
func StartMetricsServer(cfg *config.Config, led *ledger.Ledger, logger *zap.Logger) {
	go updateStatusGauges(led, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", cfg.MetricsPort)
	logger.Info("Starting metrics server", zap.String("addr", addr))

	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("Metrics server error", zap.Error(err))
		}
	}()
}

func updateStatusGauges(led *ledger.Ledger, logger *zap.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		counts, err := led.CountByStatus(context.Background())
		if err != nil {
			logger.Warn("Error refreshing status gauges", zap.Error(err))
			continue
		}
		for status, n := range counts {
			tasksByStatus.WithLabelValues(string(status)).Set(float64(n))
		}
	}
}
