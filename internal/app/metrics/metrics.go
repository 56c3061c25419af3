// Package metrics exposes Prometheus metrics for the ledger.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

var (
	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lottery",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	httpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lottery",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	roundsStarted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lottery",
		Name:      "rounds_started_total",
		Help:      "Rounds opened for registration.",
	})

	roundsInvalidated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lottery",
		Name:      "rounds_invalidated_total",
		Help:      "Rounds closed as invalid with a refund batch.",
	})

	winnersSelected = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lottery",
		Name:      "winners_selected_total",
		Help:      "Rounds resolved with a winner.",
	})

	ticketsSold = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lottery",
		Name:      "tickets_sold_total",
		Help:      "Tickets sold across all rounds.",
	})

	ticketsReturned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lottery",
		Name:      "tickets_returned_total",
		Help:      "Tickets returned during registration.",
	})

	refundsClaimed = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lottery",
		Name:      "refunds_claimed_units_total",
		Help:      "Refunded value claimed by participants, in smallest units.",
	})

	refundsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lottery",
		Name:      "refunds_swept_units_total",
		Help:      "Expired refund value swept by the organizer, in smallest units.",
	})

	recordsCleared = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "lottery",
		Name:      "participant_records_cleared_total",
		Help:      "Participant records garbage-collected from old rounds.",
	})

	randomRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lottery",
		Subsystem: "randomness",
		Name:      "requests_total",
		Help:      "Randomness requests by outcome.",
	}, []string{"status"})
)

func init() {
	registry.MustRegister(
		httpRequests, httpDuration,
		roundsStarted, roundsInvalidated, winnersSelected,
		ticketsSold, ticketsReturned,
		refundsClaimed, refundsSwept, recordsCleared,
		randomRequests,
	)
}

// Handler serves the metrics endpoint.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordRoundStarted counts an opened round.
func RecordRoundStarted() { roundsStarted.Inc() }

// RecordRoundInvalidated counts an invalidated round.
func RecordRoundInvalidated() { roundsInvalidated.Inc() }

// RecordWinnerSelected counts a resolved round.
func RecordWinnerSelected() { winnersSelected.Inc() }

// RecordTicketsSold counts sold tickets.
func RecordTicketsSold(n uint64) { ticketsSold.Add(float64(n)) }

// RecordTicketsReturned counts returned tickets.
func RecordTicketsReturned(n uint64) { ticketsReturned.Add(float64(n)) }

// RecordRefundClaimed counts claimed refund value.
func RecordRefundClaimed(amount int64) { refundsClaimed.Add(float64(amount)) }

// RecordRefundSwept counts swept refund value.
func RecordRefundSwept(amount int64) { refundsSwept.Add(float64(amount)) }

// RecordDataCleared counts garbage-collected participant records.
func RecordDataCleared(n uint64) { recordsCleared.Add(float64(n)) }

// RecordRandomRequest counts a randomness request outcome.
func RecordRandomRequest(status string) { randomRequests.WithLabelValues(status).Inc() }

// InstrumentHandler wraps an HTTP handler with request metrics.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := canonicalPath(r.URL.Path)
		httpRequests.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
		httpDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// canonicalPath collapses identifier segments so the label set stays
// bounded.
func canonicalPath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		if seg == "" {
			continue
		}
		if _, err := strconv.ParseUint(seg, 10, 64); err == nil {
			segments[i] = "{id}"
			continue
		}
		if strings.HasPrefix(seg, "0x") || len(seg) > 24 {
			segments[i] = "{addr}"
		}
	}
	return strings.Join(segments, "/")
}
