// Package extract turns fetched content into schema-conformant data. It
// pre-filters the content, calls the external extractor, validates every
// field strictly, and makes exactly one repair call before abstaining.
// Fields without a resolvable locator are dropped, never kept unproven.
package extract

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/hazyhaar/dipcrawl/crawler/internal/evidence"
	"github.com/hazyhaar/dipcrawl/kit"
)

// Result statuses.
const (
	StatusOK        = "ok"
	StatusAbstained = "abstained"
	StatusError     = "error"
)

// Abstain and error reasons produced here.
const (
	ReasonContentTooShort        = "content_too_short"
	ReasonSchemaValidationFailed = "schema_validation_failed"
	ReasonBudgetExhausted        = "budget_exhausted"
	ReasonExtractorUnavailable   = "extractor_unavailable"
	ReasonUnreadableContent      = "unreadable_content"
)

var (
	// ErrMalformedResponse marks an extractor answer that is not a fields
	// object. It counts as a validation failure, not a transport failure.
	ErrMalformedResponse = errors.New("extract: malformed extractor response")
	// ErrBudgetExhausted is returned by a Reserve func when the job has no
	// extractor calls left.
	ErrBudgetExhausted = errors.New("extract: extractor budget exhausted")
)

// Input is one extraction.
type Input struct {
	URL         string
	Content     []byte
	ContentType string
	Schema      *Schema
	Instruction string
	// Reserve consumes one unit of the job's extractor budget before each
	// call. Nil means unlimited.
	Reserve func(ctx context.Context) error
}

// Field is an accepted value with its resolved source region.
type Field struct {
	Name    string           `json:"name"`
	Value   any              `json:"value"`
	Locator evidence.Locator `json:"locator"`
	Region  []byte           `json:"-"`
}

// Dropped is a candidate value that was discarded before validation.
type Dropped struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Outcome is the result of Run. Data and Fields are set only when Status
// is ok.
type Outcome struct {
	Status  string         `json:"status"`
	Reason  string         `json:"reason,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
	Fields  []Field        `json:"-"`
	Dropped []Dropped      `json:"dropped,omitempty"`
	Errors  []string       `json:"validation_errors,omitempty"`
	Calls   int            `json:"extractor_calls"`
	Format  string         `json:"content_format,omitempty"`
	Chars   int            `json:"content_chars,omitempty"`
}

// Engine runs extractions.
type Engine struct {
	extractor Extractor
	prefilter *Prefilter
	logger    *slog.Logger
	onCall    func(ctx context.Context, attempt int, err error)
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithCallHook is invoked after every extractor call (metrics).
func WithCallHook(fn func(ctx context.Context, attempt int, err error)) Option {
	return func(e *Engine) { e.onCall = fn }
}

// NewEngine creates an Engine.
func NewEngine(x Extractor, pf *Prefilter, opts ...Option) *Engine {
	if pf == nil {
		pf = NewPrefilter(PrefilterConfig{})
	}
	e := &Engine{extractor: x, prefilter: pf, logger: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Run extracts in.Schema from in.Content. The returned error is non-nil only
// for caller cancellation or a failing Reserve; every other failure is an
// Outcome status.
func (e *Engine) Run(ctx context.Context, in Input) (*Outcome, error) {
	log := e.logger.With(append(kit.LogAttrs(ctx), "url", in.URL)...)

	prep, err := e.prefilter.Prepare(in.Content, in.ContentType, in.URL)
	if err != nil {
		reason := ReasonUnreadableContent
		if errors.Is(err, ErrContentTooShort) {
			reason = ReasonContentTooShort
		}
		return &Outcome{Status: StatusAbstained, Reason: reason, Errors: []string{err.Error()}}, nil
	}

	out := &Outcome{Format: prep.Format, Chars: prep.Chars}
	req := Request{
		URL:           in.URL,
		Instruction:   in.Instruction,
		Schema:        in.Schema.JSON(),
		Content:       prep.Text,
		ContentFormat: prep.Format,
		ContentType:   in.ContentType,
	}

	for attempt := 1; attempt <= 2; attempt++ {
		if in.Reserve != nil {
			if err := in.Reserve(ctx); err != nil {
				if errors.Is(err, ErrBudgetExhausted) {
					out.Status, out.Reason = StatusAbstained, ReasonBudgetExhausted
					return out, nil
				}
				return nil, err
			}
		}
		req.Attempt = attempt
		resp, callErr := e.extractor.Extract(ctx, req)
		out.Calls++
		if e.onCall != nil {
			e.onCall(ctx, attempt, callErr)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		var fields []Field
		var dropped []Dropped
		var errs []string
		switch {
		case callErr == nil:
			fields, dropped, errs = e.check(resp, in)
		case errors.Is(callErr, ErrMalformedResponse):
			errs = []string{callErr.Error()}
		default:
			log.Warn("extract: extractor call failed", "attempt", attempt, "error", callErr)
			out.Status, out.Reason = StatusError, ReasonExtractorUnavailable
			out.Errors = []string{callErr.Error()}
			return out, nil
		}

		out.Dropped = dropped
		if len(errs) == 0 {
			out.Status = StatusOK
			out.Fields = fields
			out.Data = make(map[string]any, len(fields))
			for _, f := range fields {
				out.Data[f.Name] = f.Value
			}
			out.Errors = nil
			return out, nil
		}
		out.Errors = errs
		log.Info("extract: validation failed", "attempt", attempt, "errors", len(errs))
		req.ValidationErrors = errs
	}

	out.Status, out.Reason = StatusAbstained, ReasonSchemaValidationFailed
	return out, nil
}

// check validates a response. Unknown fields and fields whose locator does
// not resolve are dropped first; required-ness is checked afterwards, so a
// required value without evidence is a validation error. String values must
// also appear in the visible text of their region.
func (e *Engine) check(resp *Response, in Input) ([]Field, []Dropped, []string) {
	var (
		fields  []Field
		dropped []Dropped
		errs    []string
	)
	for name := range resp.Fields {
		if _, ok := in.Schema.Fields[name]; !ok {
			dropped = append(dropped, Dropped{Field: name, Reason: "not in schema"})
		}
	}

	for _, name := range in.Schema.Names() {
		spec := in.Schema.Fields[name]
		fv, present := resp.Fields[name]
		if present && isNull(fv.Value) {
			present = false
		}
		accepted := false
		switch {
		case !present:
		case fv.Locator == nil:
			dropped = append(dropped, Dropped{Field: name, Reason: "no locator"})
		default:
			reg, err := evidence.Resolve(in.Content, in.ContentType, *fv.Locator)
			if err != nil {
				dropped = append(dropped, Dropped{Field: name, Reason: err.Error()})
				break
			}
			v, verrs := spec.validateValue(name, fv.Value)
			if len(verrs) == 0 && (spec.Type == TypeString || spec.Type == TypeArray) {
				verrs = spec.checkGrounded(name, v, evidence.VisibleText(reg.Bytes, in.ContentType))
			}
			if len(verrs) > 0 {
				errs = append(errs, verrs...)
				break
			}
			fields = append(fields, Field{Name: name, Value: v, Locator: reg.Locator, Region: reg.Bytes})
			accepted = true
		}
		if spec.Required && !accepted && !hasErrorFor(errs, name) {
			if present {
				errs = append(errs, fmt.Sprintf("%s: required field has no resolvable locator", name))
			} else {
				errs = append(errs, fmt.Sprintf("%s: required field missing", name))
			}
		}
	}
	slices.SortFunc(dropped, func(a, b Dropped) int { return strings.Compare(a.Field, b.Field) })
	return fields, dropped, errs
}

func isNull(raw []byte) bool {
	return len(raw) == 0 || string(raw) == "null"
}

func hasErrorFor(errs []string, name string) bool {
	return slices.ContainsFunc(errs, func(e string) bool {
		return strings.HasPrefix(e, name+": ") || strings.HasPrefix(e, name+"[")
	})
}
