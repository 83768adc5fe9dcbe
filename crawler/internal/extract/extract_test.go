package extract

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/hazyhaar/dipcrawl/connectivity"
	"github.com/hazyhaar/dipcrawl/crawler/internal/evidence"
)

const article = `<html><head><title>City code</title></head><body>
<nav><a href="/">Home</a> <a href="/about">About</a> <a href="/contact">Contact</a></nav>
<main><article>
<h1>Section 8.3.1 Construction noise</h1>
<p>Construction work that produces noise audible from a neighbouring dwelling is prohibited between 22:00 and 07:00 on weekdays and at any time on Sundays and public holidays.</p>
<p class="penalty">A first offence is punished by a fine of 500 EUR. Repeat offences within twelve months double the fine.</p>
</article></main>
<footer>Copyright City Council</footer>
</body></html>`

const articleSchema = `{
	"section": {"type": "string", "required": true, "pattern": "^\\d+(\\.\\d+)*$"},
	"title": {"type": "string", "required": true, "min_length": 10},
	"penalty": {"type": "string"}
}`

// scripted is an Extractor returning canned responses in order.
type scripted struct {
	mu    sync.Mutex
	resps []string
	reqs  []Request
	err   error
}

func (s *scripted) Extract(_ context.Context, req Request) (*Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reqs = append(s.reqs, req)
	if s.err != nil {
		return nil, s.err
	}
	raw := s.resps[0]
	if len(s.resps) > 1 {
		s.resps = s.resps[1:]
	}
	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil || resp.Fields == nil {
		return nil, ErrMalformedResponse
	}
	return &resp, nil
}

func mustSchema(t *testing.T, raw string) *Schema {
	t.Helper()
	s, err := ParseSchema([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func input(t *testing.T) Input {
	return Input{
		URL:         "https://city.example/code/8-3-1",
		Content:     []byte(article),
		ContentType: "text/html; charset=utf-8",
		Schema:      mustSchema(t, articleSchema),
		Instruction: "Extract the section number, its title and the penalty.",
	}
}

const goodResponse = `{"fields": {
	"section": {"value": "8.3.1", "locator": {"type": "quote", "quote": "Section 8.3.1"}},
	"title": {"value": "Construction noise", "locator": {"type": "selector", "selector": "article h1"}},
	"penalty": {"value": "500 EUR", "locator": {"type": "selector", "selector": "p.penalty"}}
}}`

func TestRun_OK(t *testing.T) {
	x := &scripted{resps: []string{goodResponse}}
	e := NewEngine(x, nil)
	out, err := e.Run(context.Background(), input(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusOK || out.Calls != 1 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Data["section"] != "8.3.1" || out.Data["title"] != "Construction noise" {
		t.Fatalf("data = %v", out.Data)
	}
	if len(out.Fields) != 3 {
		t.Fatalf("fields = %d", len(out.Fields))
	}
	for _, f := range out.Fields {
		reg, err := evidence.Resolve([]byte(article), "text/html", f.Locator)
		if err != nil || string(reg.Bytes) != string(f.Region) {
			t.Errorf("%s: region does not re-resolve: %v", f.Name, err)
		}
	}

	req := x.reqs[0]
	if req.ContentFormat != FormatMarkdown || strings.Contains(req.Content, "Copyright") || strings.Contains(req.Content, "Contact") {
		t.Errorf("content not narrowed to the main region: %q", req.Content)
	}
	if !strings.Contains(req.Content, "# Section 8.3.1") {
		t.Errorf("markdown heading missing: %q", req.Content)
	}
	if len(req.ValidationErrors) != 0 || req.Attempt != 1 {
		t.Errorf("first request = %+v", req)
	}
}

func TestRun_RepairThenAbstain(t *testing.T) {
	missing := `{"fields": {
		"section": {"value": "8.3.1", "locator": {"type": "quote", "quote": "Section 8.3.1"}}
	}}`
	x := &scripted{resps: []string{missing, missing}}
	out, err := NewEngine(x, nil).Run(context.Background(), input(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAbstained || out.Reason != ReasonSchemaValidationFailed {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Calls != 2 || len(x.reqs) != 2 {
		t.Fatalf("calls = %d, want exactly one repair", out.Calls)
	}
	if out.Data != nil || out.Fields != nil {
		t.Fatalf("abstained outcome carries data: %v", out.Data)
	}
	repair := x.reqs[1]
	if repair.Attempt != 2 || len(repair.ValidationErrors) == 0 || !strings.Contains(repair.ValidationErrors[0], "title: required field missing") {
		t.Fatalf("repair request errors = %v", repair.ValidationErrors)
	}
}

func TestRun_RepairSucceeds(t *testing.T) {
	bad := `{"fields": {
		"section": {"value": "§08.03.01", "locator": {"type": "quote", "quote": "Section 8.3.1"}},
		"title": {"value": "Construction noise", "locator": {"type": "selector", "selector": "article h1"}}
	}}`
	x := &scripted{resps: []string{bad, goodResponse}}
	out, _ := NewEngine(x, nil).Run(context.Background(), input(t))
	if out.Status != StatusOK || out.Calls != 2 {
		t.Fatalf("outcome = %+v", out)
	}
	if !strings.Contains(strings.Join(x.reqs[1].ValidationErrors, "\n"), "does not match pattern") {
		t.Fatalf("repair errors = %v", x.reqs[1].ValidationErrors)
	}
}

func TestRun_DropsUnlocatedFields(t *testing.T) {
	resp := `{"fields": {
		"section": {"value": "8.3.1", "locator": {"type": "quote", "quote": "Section 8.3.1"}},
		"title": {"value": "Construction noise", "locator": {"type": "selector", "selector": "article h1"}},
		"penalty": {"value": "1000 EUR"},
		"extra": {"value": "x", "locator": {"type": "quote", "quote": "Section"}}
	}}`
	out, _ := NewEngine(&scripted{resps: []string{resp}}, nil).Run(context.Background(), input(t))
	if out.Status != StatusOK {
		t.Fatalf("outcome = %+v", out)
	}
	if _, ok := out.Data["penalty"]; ok {
		t.Fatal("penalty kept without a locator")
	}
	if len(out.Dropped) != 2 || out.Dropped[0].Field != "extra" || out.Dropped[1].Field != "penalty" {
		t.Fatalf("dropped = %+v", out.Dropped)
	}
}

// Short content never yields a fabricated value: the fabricated quote does
// not resolve, the field is dropped, and the required check abstains.
func TestRun_AbstainOverFabricate(t *testing.T) {
	short := `<html><body><main><p>Coming soon. This page has no body text yet, check back later please.</p></main></body></html>`
	fabricated := `{"fields": {
		"section": {"value": "1.0", "locator": {"type": "quote", "quote": "Section 1.0"}},
		"title": {"value": "A long invented title", "locator": {"type": "quote", "quote": "A long invented title"}}
	}}`
	for _, resp := range []string{fabricated, `{"fields": {}}`} {
		in := input(t)
		in.Content = []byte(short)
		out, _ := NewEngine(&scripted{resps: []string{resp}}, nil).Run(context.Background(), in)
		if out.Status != StatusAbstained || out.Reason != ReasonSchemaValidationFailed {
			t.Fatalf("outcome = %+v", out)
		}
		if len(out.Data) != 0 {
			t.Fatalf("fabricated data leaked: %v", out.Data)
		}
	}
}

// A value is only accepted when it can be read from its region: a valid
// selector does not vouch for text the page does not contain.
func TestRun_RejectsUngroundedValues(t *testing.T) {
	short := `<html><body><main><p>Coming soon. This page has no body text yet, check back later please.</p></main></body></html>`
	invented := strings.Repeat("Residents must keep noise below 40 dB after dark. ", 6)
	long, _ := json.Marshal(invented)

	for _, tc := range []struct {
		name, schema, resp, wantErr string
	}{
		{
			name:    "longer than region",
			schema:  `{"body": {"type": "string", "required": true, "min_length": 200}}`,
			resp:    `{"fields": {"body": {"value": ` + string(long) + `, "locator": {"type": "selector", "selector": "main"}}}}`,
			wantErr: "longer than its region",
		},
		{
			name:    "absent from region",
			schema:  `{"body": {"type": "string", "required": true}}`,
			resp:    `{"fields": {"body": {"value": "Opening soon", "locator": {"type": "selector", "selector": "main"}}}}`,
			wantErr: "does not appear in its located region",
		},
		{
			name:    "array element absent",
			schema:  `{"tags": {"type": "array", "items": "string", "required": true}}`,
			resp:    `{"fields": {"tags": {"value": ["coming soon", "noise"], "locator": {"type": "selector", "selector": "main p"}}}}`,
			wantErr: "tags[1]",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			x := &scripted{resps: []string{tc.resp}}
			in := input(t)
			in.Content = []byte(short)
			in.Schema = mustSchema(t, tc.schema)
			out, err := NewEngine(x, nil).Run(context.Background(), in)
			if err != nil {
				t.Fatal(err)
			}
			if out.Status != StatusAbstained || out.Reason != ReasonSchemaValidationFailed {
				t.Fatalf("outcome = %+v", out)
			}
			if len(out.Data) != 0 {
				t.Fatalf("ungrounded data accepted: %v", out.Data)
			}
			if len(x.reqs) != 2 || !strings.Contains(strings.Join(x.reqs[1].ValidationErrors, "\n"), tc.wantErr) {
				t.Fatalf("repair errors = %v, want %q", x.reqs[len(x.reqs)-1].ValidationErrors, tc.wantErr)
			}
		})
	}

	// Case and line breaks of the markup do not matter.
	x := &scripted{resps: []string{`{"fields": {"body": {"value": "coming soon.  this page", "locator": {"type": "selector", "selector": "main"}}}}`}}
	in := input(t)
	in.Content = []byte(strings.Replace(short, "This page", "This\n\tpage", 1))
	in.Schema = mustSchema(t, `{"body": {"type": "string", "required": true}}`)
	out, _ := NewEngine(x, nil).Run(context.Background(), in)
	if out.Status != StatusOK || out.Data["body"] != "coming soon.  this page" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRun_ContentTooShort_NoCalls(t *testing.T) {
	x := &scripted{resps: []string{goodResponse}}
	in := input(t)
	in.Content = []byte(`<html><body><p>Hi</p></body></html>`)
	out, _ := NewEngine(x, nil).Run(context.Background(), in)
	if out.Status != StatusAbstained || out.Reason != ReasonContentTooShort {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Calls != 0 || len(x.reqs) != 0 {
		t.Fatalf("extractor called %d times on short content", len(x.reqs))
	}
}

func TestRun_Budget(t *testing.T) {
	missing := `{"fields": {}}`
	x := &scripted{resps: []string{missing}}
	left := 1
	in := input(t)
	in.Reserve = func(context.Context) error {
		if left == 0 {
			return ErrBudgetExhausted
		}
		left--
		return nil
	}
	out, err := NewEngine(x, nil).Run(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusAbstained || out.Reason != ReasonBudgetExhausted || out.Calls != 1 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRun_ExtractorUnavailable(t *testing.T) {
	x := &scripted{err: &connectivity.ErrCircuitOpen{Service: Service}}
	out, err := NewEngine(x, nil).Run(context.Background(), input(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusError || out.Reason != ReasonExtractorUnavailable || out.Calls != 1 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRun_MalformedResponseIsRepaired(t *testing.T) {
	x := &scripted{resps: []string{`not json`, goodResponse}}
	out, _ := NewEngine(x, nil).Run(context.Background(), input(t))
	if out.Status != StatusOK || out.Calls != 2 {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestRun_CallHook(t *testing.T) {
	var attempts []int
	e := NewEngine(&scripted{resps: []string{`{"fields":{}}`}}, nil, WithCallHook(func(_ context.Context, a int, _ error) {
		attempts = append(attempts, a)
	}))
	e.Run(context.Background(), input(t))
	if len(attempts) != 2 || attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("attempts = %v", attempts)
	}
}

func TestRouterExtractor(t *testing.T) {
	r := connectivity.New()
	var got Request
	r.RegisterLocal(Service, func(_ context.Context, p []byte) ([]byte, error) {
		if err := json.Unmarshal(p, &got); err != nil {
			return nil, err
		}
		return []byte(goodResponse), nil
	})
	x := NewRouterExtractor(r)
	out, err := NewEngine(x, nil).Run(context.Background(), input(t))
	if err != nil || out.Status != StatusOK {
		t.Fatalf("outcome = %+v, %v", out, err)
	}
	if got.URL != "https://city.example/code/8-3-1" || !json.Valid(got.Schema) || got.Instruction == "" {
		t.Fatalf("request over router = %+v", got)
	}

	r.RegisterLocal(Service, func(context.Context, []byte) ([]byte, error) { return []byte(`[1,2]`), nil })
	if _, err := x.Extract(context.Background(), Request{}); !errors.Is(err, ErrMalformedResponse) {
		t.Fatalf("err = %v, want ErrMalformedResponse", err)
	}

	r.RegisterLocal(Service, func(context.Context, []byte) ([]byte, error) { panic("extractor bug") })
	out, err = NewEngine(x, nil).Run(context.Background(), input(t))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != StatusError || out.Reason != ReasonExtractorUnavailable || len(out.Data) != 0 {
		t.Fatalf("outcome after extractor panic = %+v", out)
	}
	var p *connectivity.ErrPanic
	if _, err := x.Extract(context.Background(), Request{}); !errors.As(err, &p) {
		t.Fatalf("err = %v, want ErrPanic", err)
	}
}

func TestPrefilter(t *testing.T) {
	pf := NewPrefilter(PrefilterConfig{MinChars: 10, MaxChars: 30})

	js, err := pf.Prepare([]byte(`{ "items": [ {"title": "A long enough title"} ] }`), "application/json", "")
	if err != nil || js.Format != FormatJSON || js.Text != `{"items":[{"title":"A long enough title"}]}`[:30] || !js.Truncated {
		t.Fatalf("json = %+v, %v", js, err)
	}

	if _, err := pf.Prepare([]byte("tiny"), "text/plain", ""); !errors.Is(err, ErrContentTooShort) {
		t.Fatalf("err = %v", err)
	}

	htmlPF := NewPrefilter(PrefilterConfig{Format: FormatHTML})
	h, err := htmlPF.Prepare([]byte(article), "", "https://city.example/")
	if err != nil || h.Format != FormatHTML || !strings.Contains(h.Text, "<article>") || strings.Contains(h.Text, "<nav>") {
		t.Fatalf("html = %+v, %v", h, err)
	}
}
