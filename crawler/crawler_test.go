package crawler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/dipcrawl/connectivity"
	"github.com/hazyhaar/dipcrawl/safeurl"

	_ "modernc.org/sqlite"
)

const testPage = `<html><head><title>Municipal code</title></head><body>
<main><article>
<h1>Article 12 Opening hours of public parks</h1>
<p>Public parks open at 07:00 and close at 21:00 from April to September and at 18:00 for the rest of the year. Dogs must be kept on a leash at all times.</p>
<p class="fine">Breaches are punished by a fine of 150 EUR.</p>
</article></main>
</body></html>`

const testSchema = `{
	"article": {"type": "string", "required": true, "pattern": "^\\d+$"},
	"fine": {"type": "string"}
}`

const testResponse = `{"fields": {
	"article": {"value": "12", "locator": {"type": "quote", "quote": "Article 12"}},
	"fine": {"value": "150 EUR", "locator": {"type": "selector", "selector": "p.fine"}}
}}`

type testEnv struct {
	c     *Crawler
	srv   *httptest.Server
	calls *atomic.Int64
}

// newTestCrawler starts a crawler backed by a temporary database, an
// httptest site and an in-process extractor answering resp.
func newTestCrawler(t *testing.T, resp string) *testEnv {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte(testPage))
	}))
	t.Cleanup(srv.Close)

	calls := &atomic.Int64{}
	router := connectivity.New()
	router.RegisterLocal("extractor", func(_ context.Context, _ []byte) ([]byte, error) {
		calls.Add(1)
		return []byte(resp), nil
	})
	t.Cleanup(func() { router.Close() })

	cfg := &Config{
		DBPath:  filepath.Join(t.TempDir(), "dipcrawl.db"),
		Schemas: map[string]map[string]any{"parks": {"fine": map[string]any{"type": "string", "required": true}}},
	}
	cfg.Profile.DefaultInterval = -1
	cfg.Pipeline.BackoffBase = time.Millisecond
	cfg.Jobs.PollInterval = 10 * time.Millisecond
	cfg.Jobs.Workers = 2
	cfg.Metrics.FlushInterval = 20 * time.Millisecond

	c, err := New(cfg, nil, WithRouter(router), WithURLValidator(safeurl.AllowPrivate))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		if err := c.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return &testEnv{c: c, srv: srv, calls: calls}
}

func (e *testEnv) wait(t *testing.T, id string) *JobStatus {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		st, err := e.c.Poll(context.Background(), id, 0)
		if err != nil {
			t.Fatal(err)
		}
		if st.Job.Status == "completed" && len(st.Results) >= st.Job.Counters.Enqueued {
			return st
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("job %s did not complete", id)
	return nil
}

func TestNew_RejectsRobotsOffWithoutAck(t *testing.T) {
	cfg := &Config{DBPath: filepath.Join(t.TempDir(), "x.db")}
	cfg.Robots.Mode = "off"
	if _, err := New(cfg, nil); err == nil {
		t.Fatal("expected an error for robots mode off without ack")
	}
}

func TestCrawler_EndToEnd(t *testing.T) {
	e := newTestCrawler(t, testResponse)
	ctx := context.Background()

	id, err := e.c.Submit(ctx, JobRequest{URLs: []string{e.srv.URL + "/parks"}, Schema: json.RawMessage(testSchema)})
	if err != nil {
		t.Fatal(err)
	}
	st := e.wait(t, id)
	if len(st.Results) != 1 {
		t.Fatalf("results = %d", len(st.Results))
	}
	r := st.Results[0]
	if r.Status != "ok" || r.Data["article"] != "12" || r.Data["fine"] != "150 EUR" {
		t.Fatalf("result = %+v", r)
	}
	if e.calls.Load() != 1 {
		t.Fatalf("extractor calls = %d", e.calls.Load())
	}

	ev, err := e.c.Evidence(ctx, r.Evidence["fine"])
	if err != nil {
		t.Fatal(err)
	}
	if ev.Field != "fine" || ev.ContentHash == "" {
		t.Fatalf("evidence = %+v", ev)
	}
	hist, err := e.c.EvidenceHistory(ctx, ev.URL, "", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history = %d records, want 2", len(hist))
	}

	p, err := e.c.Profile(ctx, e.srv.URL+"/anything")
	if err != nil {
		t.Fatal(err)
	}
	if p.Domain != "127.0.0.1" || p.PreferredStrategy == "" {
		t.Fatalf("profile = %+v", p.Profile)
	}
	host := e.srv.Listener.Addr().String()
	if _, err := e.c.Profile(ctx, host); err != nil {
		t.Fatalf("profile by host:port: %v", err)
	}
	ps, err := e.c.Profiles(ctx, 10)
	if err != nil || len(ps) != 1 {
		t.Fatalf("profiles = %v, %v", ps, err)
	}

	h, err := e.c.Health(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if h.Status != "ok" || h.RenderPool != nil {
		t.Fatalf("health = %+v", h)
	}
}

func TestCrawler_NotFound(t *testing.T) {
	e := newTestCrawler(t, testResponse)
	ctx := context.Background()
	if _, err := e.c.Poll(ctx, "job_missing", 0); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Poll: %v", err)
	}
	if err := e.c.Cancel(ctx, "job_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Cancel: %v", err)
	}
	if _, err := e.c.Evidence(ctx, "ev_missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Evidence: %v", err)
	}
	if _, err := e.c.Profile(ctx, "unknown.example.org"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Profile: %v", err)
	}
	if _, err := e.c.Profile(ctx, " "); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Profile(blank): %v", err)
	}
	if _, err := e.c.Submit(ctx, JobRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("Submit: %v", err)
	}
}

func TestCrawler_SchemaID(t *testing.T) {
	e := newTestCrawler(t, testResponse)
	id, err := e.c.Submit(context.Background(), JobRequest{URLs: []string{e.srv.URL + "/parks"}, SchemaID: "parks"})
	if err != nil {
		t.Fatal(err)
	}
	st := e.wait(t, id)
	r := st.Results[0]
	if r.Status != "ok" || r.Data["fine"] != "150 EUR" {
		t.Fatalf("result = %+v", r)
	}
	// Fields outside the schema are not returned.
	if _, ok := r.Data["article"]; ok {
		t.Fatalf("unexpected field in %+v", r.Data)
	}
}

func TestConnectivity_Handlers(t *testing.T) {
	e := newTestCrawler(t, testResponse)
	router := connectivity.New()
	e.c.RegisterConnectivity(router)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{
		"urls":   []string{e.srv.URL + "/parks"},
		"schema": json.RawMessage(testSchema),
	})
	out, err := router.Call(ctx, "dipcrawl_submit_job", payload)
	if err != nil {
		t.Fatal(err)
	}
	var sub submitResponse
	if err := json.Unmarshal(out, &sub); err != nil || sub.JobID == "" {
		t.Fatalf("submit: %s %v", out, err)
	}
	st := e.wait(t, sub.JobID)

	out, err = router.Call(ctx, "dipcrawl_job_status", []byte(`{"job_id":"`+sub.JobID+`","after_seq":`+
		jsonInt(st.Results[0].Seq)+`}`))
	if err != nil {
		t.Fatal(err)
	}
	var polled JobStatus
	if err := json.Unmarshal(out, &polled); err != nil {
		t.Fatal(err)
	}
	if len(polled.Results) != 0 {
		t.Fatalf("after_seq returned %d results", len(polled.Results))
	}

	out, err = router.Call(ctx, "dipcrawl_get_evidence", []byte(`{"id":"`+st.Results[0].Evidence["article"]+`"}`))
	if err != nil {
		t.Fatal(err)
	}
	var ev Evidence
	if err := json.Unmarshal(out, &ev); err != nil || ev.Field != "article" {
		t.Fatalf("evidence: %s %v", out, err)
	}

	out, err = router.Call(ctx, "dipcrawl_evidence_history", []byte(`{"url":"`+ev.URL+`","field":"fine"}`))
	if err != nil {
		t.Fatal(err)
	}
	var hist []Evidence
	if err := json.Unmarshal(out, &hist); err != nil || len(hist) != 1 {
		t.Fatalf("history: %s %v", out, err)
	}

	if _, err := router.Call(ctx, "dipcrawl_get_profile", []byte(`{"domain":"127.0.0.1"}`)); err != nil {
		t.Fatal(err)
	}
	if _, err := router.Call(ctx, "dipcrawl_cancel_job", []byte(`{"job_id":"`+sub.JobID+`"}`)); err != nil {
		t.Fatalf("cancel of a finished job: %v", err)
	}
	if _, err := router.Call(ctx, "dipcrawl_cancel_job", []byte(`{"job_id":"nope"}`)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("cancel unknown: %v", err)
	}
	if _, err := router.Call(ctx, "dipcrawl_submit_job", []byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
