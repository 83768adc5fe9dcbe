package metrics

import (
	"context"

	"github.com/hazyhaar/dipcrawl/crawler/internal/jobs"
	"github.com/hazyhaar/dipcrawl/crawler/internal/pipeline"
)

// ObserveOutcome is a pipeline outcome hook.
func (r *Recorder) ObserveOutcome(_ context.Context, out *pipeline.Outcome) {
	if out.FetchElapsed > 0 {
		r.Record(Metric{
			Name:   FetchLatencyMs,
			Value:  float64(out.FetchElapsed.Milliseconds()),
			Labels: map[string]string{"domain": out.Domain},
			Unit:   "ms",
		})
	}
	if out.RenderInvoked {
		r.Record(Metric{
			Name:   RenderLatencyMs,
			Value:  float64(out.RenderElapsed.Milliseconds()),
			Labels: map[string]string{"domain": out.Domain},
			Unit:   "ms",
		})
	}
	labels := map[string]string{"state": string(out.State), "domain": out.Domain}
	if out.Class != "" {
		labels["class"] = string(out.Class)
	}
	if out.Tier != "" {
		labels["tier"] = out.Tier
	}
	r.Record(Metric{Name: PipelineOutcome, Value: 1, Labels: labels, Unit: "count"})
}

// ObserveExtractorCall is an extraction call hook.
func (r *Recorder) ObserveExtractorCall(_ context.Context, attempt int, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	kind := "initial"
	if attempt > 1 {
		kind = "repair"
	}
	r.Record(Metric{
		Name:   ExtractorCalls,
		Value:  1,
		Labels: map[string]string{"result": result, "attempt": kind},
		Unit:   "count",
	})
}

// ObserveResult is a job result hook.
func (r *Recorder) ObserveResult(_ context.Context, res *jobs.Result) {
	labels := map[string]string{"status": res.Status}
	if res.Reason != "" {
		labels["reason"] = res.Reason
	}
	r.Record(Metric{Name: JobResult, Value: 1, Labels: labels, Unit: "count"})
}
