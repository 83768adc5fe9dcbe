package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/dipcrawl/crawler/internal/evidence"
	"github.com/hazyhaar/dipcrawl/crawler/internal/extract"
	"github.com/hazyhaar/dipcrawl/crawler/internal/pipeline"
)

// process runs one item: the escalation pipeline, then on usable content
// the extraction and the evidence. It returns the result, the in-scope
// links to follow and whether the browser was used. An error means the
// item should be retried (store failure or cancellation).
func (m *Manager) process(ctx context.Context, job *Job, it item, log *slog.Logger) (*Result, []string, bool, error) {
	r := m.baseResult(it)
	crawl := job.Request.Crawl

	out, err := m.pipeline.Run(ctx, pipeline.Request{
		URL:              it.URL,
		IgnoreValidators: job.Request.Force,
		DiscoverLinks:    crawl != nil && it.Depth < crawl.MaxDepth,
	})
	if err != nil {
		return nil, nil, false, fmt.Errorf("jobs: pipeline: %w", err)
	}
	fillFromOutcome(r, out)
	if timedOut(ctx) {
		r.Status, r.Reason, r.Category = StatusAbstained, ReasonItemTimeout, string(pipeline.ClassTransient)
		return r, nil, out.RenderInvoked, nil
	}
	if ctx.Err() != nil {
		return nil, nil, out.RenderInvoked, ctx.Err()
	}

	switch out.State {
	case pipeline.StateDoneSuccess:
		if err := m.extract(ctx, job, out, r, log); err != nil {
			if timedOut(ctx) {
				r.Data, r.Evidence = nil, nil
				r.Status, r.Reason, r.Category = StatusAbstained, ReasonItemTimeout, string(pipeline.ClassTransient)
				return r, nil, out.RenderInvoked, nil
			}
			return nil, nil, out.RenderInvoked, err
		}
	case pipeline.StateDoneUnchanged, pipeline.StateDoneInsufficient:
		r.Status, r.Reason, r.Category = StatusAbstained, out.Reason, string(out.Class)
	default:
		r.Status, r.Reason, r.Category = StatusAbstained, out.Reason, string(out.Class)
		if out.Class == pipeline.ClassFatal {
			r.Status = StatusError
		}
	}

	var links []string
	if crawl != nil {
		for _, l := range out.Links {
			if crawl.allows(l) {
				links = append(links, l)
			}
		}
	}
	return r, links, out.RenderInvoked, nil
}

// timedOut reports an item that used up its own time budget, as opposed to
// a cancelled one.
func timedOut(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

func fillFromOutcome(r *Result, out *pipeline.Outcome) {
	r.URL = out.URL
	r.State = out.State
	r.Trace = out.Trace
	r.Tier = out.Tier
	if !out.FetchedAt.IsZero() {
		t := out.FetchedAt.UTC()
		r.FetchedAt = &t
	}
	md := &r.Metadata
	md.FinalURL = out.FinalURL
	md.Domain = out.Domain
	md.Strategy = string(out.Strategy)
	md.RenderInvoked = out.RenderInvoked
	md.Partial = out.Partial
	md.FetchAttempts = out.Attempts
	md.ElapsedMs = out.Elapsed.Milliseconds()
	if c := out.Classification; c != nil {
		md.Label = string(c.Label)
		md.NeedsRender = c.NeedsRender
		md.Confidence = c.Confidence
	}
}

// extract runs the extraction on the pipeline content and records one
// evidence row per accepted field. A field whose evidence cannot be
// written is removed from the data; losing a required one abstains.
func (m *Manager) extract(ctx context.Context, job *Job, out *pipeline.Outcome, r *Result, log *slog.Logger) error {
	schema, err := extract.ParseSchema(job.Request.Schema)
	if err != nil {
		// Validated at submission; a stored job can only fail here if the
		// schema rules changed since.
		r.Status, r.Reason, r.Category = StatusError, err.Error(), string(pipeline.ClassFatal)
		return nil
	}

	source := out.FinalURL
	if source == "" {
		source = out.URL
	}
	eo, err := m.extractor.Run(ctx, extract.Input{
		URL:         source,
		Content:     out.Content,
		ContentType: out.ContentType,
		Schema:      schema,
		Instruction: job.Request.Instruction,
		Reserve: func(ctx context.Context) error {
			ok, err := m.reserveCall(ctx, job.ID)
			if err != nil {
				return err
			}
			if !ok {
				return extract.ErrBudgetExhausted
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("jobs: extract: %w", err)
	}

	md := &r.Metadata
	md.ExtractorCalls = eo.Calls
	md.ContentFormat = eo.Format
	md.ContentChars = eo.Chars
	md.ValidationErrors = eo.Errors
	for _, d := range eo.Dropped {
		md.Dropped = append(md.Dropped, d.Field+": "+d.Reason)
	}

	switch eo.Status {
	case extract.StatusOK:
	case extract.StatusAbstained:
		r.Status, r.Reason, r.Category = StatusAbstained, eo.Reason, string(pipeline.ClassContent)
		if eo.Reason == extract.ReasonBudgetExhausted {
			r.Category = string(pipeline.ClassPolicy)
		}
		return nil
	default:
		r.Status, r.Reason, r.Category = StatusError, eo.Reason, "extractor"
		return nil
	}

	r.Data = make(map[string]any, len(eo.Fields))
	r.Evidence = make(map[string]string, len(eo.Fields))
	for _, f := range eo.Fields {
		rec, err := m.evidence.Record(ctx, evidence.Input{
			JobID:       job.ID,
			ResultID:    r.ID,
			URL:         source,
			Field:       f.Name,
			FetchedAt:   out.FetchedAt,
			Tier:        out.Tier,
			Content:     out.Content,
			ContentType: out.ContentType,
			Locator:     f.Locator,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Warn("jobs: evidence not recorded, dropping field", "field", f.Name, "error", err)
			md.Dropped = append(md.Dropped, f.Name+": "+ReasonNoEvidence)
			if spec := schema.Fields[f.Name]; spec != nil && spec.Required {
				r.Data, r.Evidence = nil, nil
				r.Status, r.Reason, r.Category = StatusAbstained, ReasonNoEvidence, string(pipeline.ClassContent)
				return nil
			}
			continue
		}
		r.Data[f.Name] = f.Value
		r.Evidence[f.Name] = rec.ID
	}
	r.Status = StatusOK
	return nil
}
