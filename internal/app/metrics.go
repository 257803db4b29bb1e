package app

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	forumMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nomicms_forum",
			Name:      "mutations_total",
			Help:      "Count of forum write operations by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	storeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nomicms_forum",
			Name:      "store_seconds",
			Help:      "Histogram of the time spent reading or mutating the forum snapshot.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nomicms",
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of response latency (seconds) for HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path", "method", "code"},
	)

	// Entity ids are uuids, optionally behind a short prefix.
	entityIDPattern = regexp.MustCompile(`/([a-z]+_)?[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
)

func init() {
	prometheus.MustRegister(forumMutations)
	prometheus.MustRegister(storeDuration)
	prometheus.MustRegister(httpRequestDuration)
}

func observeStore(op string, started time.Time) {
	storeDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

// mutationOutcome buckets an error into a low-cardinality label.
func mutationOutcome(err error) string {
	if err == nil {
		return "ok"
	}
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return "rejected"
	}
	return "error"
}

func recordMutation(operation string, err error) {
	forumMutations.WithLabelValues(operation, mutationOutcome(err)).Inc()
}

func metricsHandler() http.Handler {
	return promhttp.Handler()
}

func sanitizeMetricPath(path string) string {
	return entityIDPattern.ReplaceAllString(path, "/:id")
}

// withRequestMetrics records request latency, collapsing ids in the path.
func withRequestMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		httpRequestDuration.
			WithLabelValues(sanitizeMetricPath(r.URL.Path), r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(started).Seconds())
	})
}
