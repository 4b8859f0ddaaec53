package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/Procwarden/pkg/logger"
)

var (
	// ProcessStarts counts launch attempts, partitioned by result ("ok", "failed").
	ProcessStarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procwarden_process_starts_total",
		Help: "Total number of child process launch attempts",
	}, []string{"result"})
	// ChildrenReaped counts reaped children, partitioned by status ("normal", "crashed").
	ChildrenReaped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procwarden_children_reaped_total",
		Help: "Total number of child processes reaped",
	}, []string{"status"})
	// ReaperWakeups counts SIGCHLD-driven fan-outs performed by the reaper.
	ReaperWakeups = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "procwarden_reaper_wakeups_total",
		Help: "Total number of reaper wakeups",
	})
	// ReaperChildren tracks the number of children currently registered with the reaper.
	ReaperChildren = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "procwarden_reaper_children",
		Help: "Children currently registered with the reaper",
	})
	// WaitTimeouts counts blocking waits that hit their deadline, partitioned by operation.
	WaitTimeouts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procwarden_wait_timeouts_total",
		Help: "Total number of timed out wait operations",
	}, []string{"op"})
	// ProcessLifetime tracks the time between fork and reap in seconds.
	ProcessLifetime = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "procwarden_process_lifetime_seconds",
		Help:    "Time between launch and reap of a child process",
		Buckets: prometheus.ExponentialBuckets(0.005, 4, 10),
	})
	// DetachedLaunches counts double-fork launches, partitioned by result.
	DetachedLaunches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "procwarden_detached_launches_total",
		Help: "Total number of detached launches",
	}, []string{"result"})
)

var registerOnce sync.Once

// Register adds every collector to the default registry. Repeated calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			ProcessStarts,
			ChildrenReaped,
			ReaperWakeups,
			ReaperChildren,
			WaitTimeouts,
			ProcessLifetime,
			DetachedLaunches,
		)
	})
}

// InitMetrics registers Prometheus metrics and starts an HTTP server to expose them.
// It takes an address string (e.g., ":9090") on which to listen for requests.
func InitMetrics(addr string) {
	Register()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
}

// Personal.AI order the ending
