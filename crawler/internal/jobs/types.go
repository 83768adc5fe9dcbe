package jobs

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/hazyhaar/dipcrawl/crawler/internal/pipeline"
)

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobCancelled = "cancelled"
)

// Result statuses, identical to the extraction outcome statuses.
const (
	StatusOK        = "ok"
	StatusAbstained = "abstained"
	StatusError     = "error"
)

// Reasons set by the job layer itself.
const (
	ReasonCancelled   = "cancelled"
	ReasonInternal    = "internal_error"
	ReasonNoEvidence  = "evidence_unrecordable"
	ReasonItemTimeout = "item_timeout"
)

var (
	// ErrNotFound is returned for an unknown job id.
	ErrNotFound = errors.New("jobs: not found")
	// ErrInvalidRequest wraps every synchronous submission rejection.
	ErrInvalidRequest = errors.New("jobs: invalid request")
	// ErrJobCancelled is the cancel cause of the items of a cancelled job.
	ErrJobCancelled = errors.New("jobs: job cancelled")
)

// Budget bounds the cost of a job.
type Budget struct {
	// MaxPages bounds the pages attempted, crawl included. Zero takes the
	// configured default, never less than the number of URLs.
	MaxPages int `json:"max_pages,omitempty"`
	// MaxExtractorCalls bounds extractor invocations, repairs included.
	MaxExtractorCalls int `json:"max_extractor_calls,omitempty"`
}

// Crawl turns the submitted URLs into crawl roots. Links found in
// successful pages are followed when they stay on the root's registrable
// domain, match Include (if any) and no Exclude, and are at most MaxDepth
// links away from a root. Globs use path.Match syntax against the URL path.
type Crawl struct {
	MaxDepth int      `json:"max_depth"`
	Include  []string `json:"include,omitempty"`
	Exclude  []string `json:"exclude,omitempty"`
}

// Request is a submission.
type Request struct {
	URLs []string `json:"urls"`
	// Schema is an inline schema; SchemaID names a configured one. Exactly
	// one must be set.
	Schema      json.RawMessage `json:"schema,omitempty"`
	SchemaID    string          `json:"schema_id,omitempty"`
	Instruction string          `json:"instruction,omitempty"`
	Budget      Budget          `json:"budget,omitempty"`
	Crawl       *Crawl          `json:"crawl,omitempty"`
	// Force ignores stored validators, so unchanged pages are extracted again.
	Force bool `json:"force,omitempty"`
}

// Counters are the aggregate page counters of a job.
type Counters struct {
	Enqueued  int `json:"pages_enqueued"`
	Attempted int `json:"pages_attempted"`
	Succeeded int `json:"pages_succeeded"`
	Abstained int `json:"pages_abstained"`
	Failed    int `json:"pages_failed"`
}

// Usage is the resource usage of a job.
type Usage struct {
	ExtractorCalls    int `json:"extractor_calls"`
	RenderInvocations int `json:"render_invocations"`
}

// Job is the persisted job row.
type Job struct {
	ID          string     `json:"id"`
	Status      string     `json:"status"`
	Request     Request    `json:"request"`
	Budget      Budget     `json:"budget"`
	Counters    Counters   `json:"counters"`
	Usage       Usage      `json:"usage"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Result is the terminal result of one URL of a job. Rows are append-only.
type Result struct {
	ID       string `json:"id"`
	JobID    string `json:"job_id"`
	Seq      int64  `json:"seq"`
	URL      string `json:"url"`
	Depth    int    `json:"depth"`
	Status   string `json:"status"`
	Reason   string `json:"reason,omitempty"`
	Category string `json:"category,omitempty"`
	// Data holds only fields with evidence; Evidence maps each to its
	// evidence record id.
	Data        map[string]any        `json:"data,omitempty"`
	Evidence    map[string]string     `json:"evidence,omitempty"`
	State       pipeline.State        `json:"state,omitempty"`
	Trace       []pipeline.Transition `json:"trace,omitempty"`
	Metadata    Metadata              `json:"metadata"`
	Tier        string                `json:"tier,omitempty"`
	FetchedAt   *time.Time            `json:"fetched_at,omitempty"`
	CompletedAt time.Time             `json:"completed_at"`
}

// Metadata is the diagnostic part of a Result.
type Metadata struct {
	FinalURL         string   `json:"final_url,omitempty"`
	Domain           string   `json:"domain,omitempty"`
	Strategy         string   `json:"strategy,omitempty"`
	Label            string   `json:"label,omitempty"`
	NeedsRender      bool     `json:"needs_render,omitempty"`
	Confidence       float64  `json:"confidence,omitempty"`
	RenderInvoked    bool     `json:"render_invoked,omitempty"`
	Partial          bool     `json:"partial,omitempty"`
	FetchAttempts    int      `json:"fetch_attempts,omitempty"`
	ExtractorCalls   int      `json:"extractor_calls,omitempty"`
	ContentFormat    string   `json:"content_format,omitempty"`
	ContentChars     int      `json:"content_chars,omitempty"`
	Dropped          []string `json:"dropped,omitempty"`
	ValidationErrors []string `json:"validation_errors,omitempty"`
	LinksEnqueued    int      `json:"links_enqueued,omitempty"`
	ElapsedMs        int64    `json:"elapsed_ms"`
}

// Status is what Poll returns.
type Status struct {
	Job     *Job      `json:"job"`
	Results []*Result `json:"results"`
}

// item is the queue payload of one URL.
type item struct {
	JobID string `json:"job_id"`
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}
