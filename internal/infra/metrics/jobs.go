package metrics

import (
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(solveJobsTotal, solveDurationSeconds, queueDepth, activeJobs)
}

var solveJobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "solve_jobs_total",
		Help: "Total number of solve jobs finished, labeled by status and reason.",
	},
	[]string{"status", "reason"}, // status 'completed'/'failed', reason '' on success
)

var solveDurationSeconds = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "solve_duration_seconds",
		Help:    "Wall-clock duration of solve attempts.",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 180, 300, 600},
	},
	[]string{"solved"},
)

var queueDepth = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "solve_queue_depth",
		Help: "Number of jobs waiting in the FIFO queue.",
	},
)

var activeJobs = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "solve_active_jobs",
		Help: "Number of jobs currently processing.",
	},
)

func norm(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func IncSolveJob(status, reason string) {
	solveJobsTotal.WithLabelValues(norm(status), norm(reason)).Inc()
}

func ObserveSolveDuration(seconds float64, solved bool) {
	solveDurationSeconds.WithLabelValues(strconv.FormatBool(solved)).Observe(seconds)
}

func SetQueueDepth(n int64) { queueDepth.Set(float64(n)) }
func SetActiveJobs(n int64) { activeJobs.Set(float64(n)) }
