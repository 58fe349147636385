package orchestrator

import (
	"github.com/fpang/topic-explorer/internal/jobs"
	"github.com/fpang/topic-explorer/internal/metrics"
)

func (o *Orchestrator) recordJob(j jobs.Job) {
	if o.opts.MetricsNamespace == "" {
		return
	}
	outcome := "JobCompleted"
	if j.Status == jobs.StatusFailed {
		outcome = "JobFailed"
	}
	m := metrics.New(o.opts.MetricsNamespace).
		Dimension("Kind", string(j.Kind)).
		Metric("JobDuration", float64(j.UpdatedAt.Sub(j.CreatedAt).Milliseconds()), metrics.UnitMilliseconds).
		Count(outcome).
		Property("jobId", j.ID)
	if j.FailureKind != "" {
		m.Property("failureKind", string(j.FailureKind))
	}
	if len(j.ResultNodeIDs) > 0 {
		m.Metric("SegmentsCommitted", float64(len(j.ResultNodeIDs)), metrics.UnitCount)
	}
	m.Flush()
}

func (o *Orchestrator) recordCacheHit(kind jobs.Kind, key string, nodes int) {
	if o.opts.MetricsNamespace == "" {
		return
	}
	metrics.New(o.opts.MetricsNamespace).
		Dimension("Kind", string(kind)).
		Count("CacheHit").
		Metric("CachedNodesMerged", float64(nodes), metrics.UnitCount).
		Property("cacheKey", key).
		Flush()
}
