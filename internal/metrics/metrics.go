package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// submissions tracks accepted task submissions per tool.
	submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_submissions_total",
		Help: "Total number of accepted task submissions by tool",
	}, []string{"tool"})

	// submissionRejections tracks rejected submissions by reason.
	submissionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_submission_rejections_total",
		Help: "Total number of rejected submissions by reason",
	}, []string{"reason"}) // reason: capacity, tool_not_found, tool_inactive, parent_not_found, validation

	// idempotencyHits tracks submissions answered from an existing mapping.
	idempotencyHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tasks_idempotency_hits_total",
		Help: "Total number of submissions deduplicated by idempotency key",
	})

	// enqueued tracks jobs placed on a queue.
	enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_enqueued_total",
		Help: "Total number of jobs enqueued by queue",
	}, []string{"queue"})

	// jobDuration tracks worker execution time per tool.
	jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tasks_job_duration_seconds",
		Help:    "Worker job execution time by tool",
		Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"tool"})

	// deadLetters tracks jobs absorbed after exhausting their retry budget.
	deadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tasks_dead_letters_total",
		Help: "Total number of jobs absorbed into the dead letter queue by queue",
	}, []string{"queue"})

	// streamConnections tracks currently open SSE streams.
	streamConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tasks_stream_connections",
		Help: "Currently open status stream connections by scope",
	}, []string{"scope"}) // scope: task, user
)

func RecordSubmission(tool string) { submissions.WithLabelValues(tool).Inc() }
func RecordRejection(reason string) { submissionRejections.WithLabelValues(reason).Inc() }
func RecordIdempotencyHit() { idempotencyHits.Inc() }
func RecordEnqueue(queue string) { enqueued.WithLabelValues(queue).Inc() }
func RecordDeadLetter(queue string) { deadLetters.WithLabelValues(queue).Inc() }
func ObserveJobDuration(tool string, sec float64) {
	jobDuration.WithLabelValues(tool).Observe(sec)
}

func StreamOpened(scope string) { streamConnections.WithLabelValues(scope).Inc() }
func StreamClosed(scope string) { streamConnections.WithLabelValues(scope).Dec() }
