// Package metrics provides standardised metric emission helpers for the
// job engine.
package metrics

import (
	"time"

	"github.com/sheet-assist/sssystem/internal/observability/statsd"
)

// Job lifecycle transition labels.
const (
	TransitionSubmitted      = "submitted"
	TransitionRunning        = "running"
	TransitionSucceeded      = "succeeded"
	TransitionFailed         = "failed"
	TransitionRetryScheduled = "retry_scheduled"
	TransitionCancelled      = "cancelled"
)

// JobMetric captures details about a job lifecycle event for metric emission.
type JobMetric struct {
	Transition    string
	ErrorCategory string
	Attempt       int
	Duration      time.Duration
}

// EmitJobLifecycle emits standardised job lifecycle metrics. A nil sink is a
// no-op so callers never need to guard.
func EmitJobLifecycle(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{"transition": in.Transition}
	if in.ErrorCategory != "" {
		tags["error_category"] = in.ErrorCategory
	}

	sink.Count("job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("job.attempt_duration", in.Duration, cloneTags(tags))
	}
}

// EmitPersistFailure counts a persistence collaborator failure. Persistence
// errors never change job state, so the metric is their primary surface
// besides the warning log.
func EmitPersistFailure(sink statsd.Sink) {
	if sink == nil {
		return
	}
	sink.Count("job.persist_failure", 1, nil)
}

func cloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
