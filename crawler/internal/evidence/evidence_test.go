package evidence

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/dipcrawl/dbopen"
	"github.com/hazyhaar/dipcrawl/idgen"
)

const page = `<html><head><title>Code</title></head><body>
<nav>Home | About</nav>
<article><h1>Section 8.3.1 Noise</h1>
<p>Construction work is <b>prohibited</b> between 22:00 and 07:00.</p>
<p class="penalty">Fines start at 500 EUR.</p></article>
</body></html>`

func testRecorder(t *testing.T, opts ...Option) *Recorder {
	t.Helper()
	db := dbopen.OpenMemory(t, dbopen.WithSchema(Schema))
	return NewRecorder(db, opts...)
}

func TestResolve_Selector(t *testing.T) {
	reg, err := Resolve([]byte(page), "text/html", Locator{Type: LocSelector, Selector: "article p.penalty"})
	if err != nil {
		t.Fatal(err)
	}
	if string(reg.Bytes) != `<p class="penalty">Fines start at 500 EUR.</p>` {
		t.Fatalf("region = %q", reg.Bytes)
	}

	multi, err := Resolve([]byte(page), "text/html", Locator{Type: LocSelector, Selector: "article p"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(multi.Bytes), "<p") != 2 {
		t.Fatalf("multi-match region = %q", multi.Bytes)
	}

	for _, sel := range []string{"table.none", "p[", ""} {
		if _, err := Resolve([]byte(page), "text/html", Locator{Type: LocSelector, Selector: sel}); !errors.Is(err, ErrUnresolved) {
			t.Errorf("selector %q: err = %v, want ErrUnresolved", sel, err)
		}
	}
}

func TestResolve_SelectorOffsets(t *testing.T) {
	reg, err := Resolve([]byte(page), "text/html", Locator{Type: LocSelector, Selector: "p.penalty"})
	if err != nil {
		t.Fatal(err)
	}
	loc := reg.Locator
	if loc.End <= loc.Start || page[loc.Start:loc.End] != string(reg.Bytes) {
		t.Fatalf("locator %s does not cut the region %q from the page", loc, reg.Bytes)
	}

	// Markup rewritten by the parser has no verbatim range.
	rewritten := `<html><body><P CLASS=penalty>Fines start at 500 EUR.</body></html>`
	reg, err = Resolve([]byte(rewritten), "text/html", Locator{Type: LocSelector, Selector: "p.penalty"})
	if err != nil {
		t.Fatal(err)
	}
	if reg.Locator.Start != 0 || reg.Locator.End != 0 {
		t.Fatalf("offsets recorded for re-serialised markup: %s", reg.Locator)
	}
	if string(reg.Bytes) != `<p class="penalty">Fines start at 500 EUR.</p>` {
		t.Fatalf("region = %q", reg.Bytes)
	}

	// The same markup twice is ambiguous.
	twice := `<html><body><p>same</p><div><p>same</p></div></body></html>`
	reg, err = Resolve([]byte(twice), "text/html", Locator{Type: LocSelector, Selector: "div p"})
	if err != nil || reg.Locator.End != 0 {
		t.Fatalf("ambiguous match: %s, %v", reg.Locator, err)
	}
}

func TestVisibleText(t *testing.T) {
	for _, tc := range []struct {
		region, contentType, want string
	}{
		{`<p>Fines <b>start</b> at 500&nbsp;EUR.<script>var x = "hidden";</script></p>`, "text/html; charset=utf-8", "Fines start at 500\u00a0EUR."},
		{`{"title": "Parks", "hours": [7, 21]}`, "application/json", "Parks\n"},
		{"--- page 1 ---\nPlain text", "application/pdf", "--- page 1 ---\nPlain text"},
		{`<h1>Sniffed</h1>`, "", "Sniffed"},
	} {
		got := VisibleText([]byte(tc.region), tc.contentType)
		if !strings.Contains(got, tc.want) {
			t.Errorf("VisibleText(%q) = %q, want it to contain %q", tc.region, got, tc.want)
		}
		if strings.Contains(got, "hidden") || strings.Contains(got, "<") {
			t.Errorf("VisibleText(%q) kept markup or scripts: %q", tc.region, got)
		}
	}
}

func TestResolve_ByteRange(t *testing.T) {
	content := []byte("0123456789")
	reg, err := Resolve(content, "text/plain", Locator{Type: LocByteRange, Start: 2, End: 5})
	if err != nil || string(reg.Bytes) != "234" {
		t.Fatalf("got %q, %v", reg.Bytes, err)
	}
	bad := []Locator{
		{Type: LocByteRange, Start: 5, End: 5},
		{Type: LocByteRange, Start: -1, End: 3},
		{Type: LocByteRange, Start: 8, End: 11},
		{Type: "xpath"},
	}
	for _, l := range bad {
		if _, err := Resolve(content, "text/plain", l); !errors.Is(err, ErrUnresolved) {
			t.Errorf("%+v: err = %v", l, err)
		}
	}
}

func TestResolve_Quote(t *testing.T) {
	reg, err := Resolve([]byte(page), "text/html", Locator{Type: LocQuote, Quote: "Fines start at 500 EUR."})
	if err != nil {
		t.Fatal(err)
	}
	if reg.Locator.Start == 0 || string(reg.Bytes) != "Fines start at 500 EUR." {
		t.Fatalf("region = %q at %d", reg.Bytes, reg.Locator.Start)
	}

	// Words split by inline markup still resolve, to the raw bytes.
	loose, err := Resolve([]byte(page), "text/html", Locator{Type: LocQuote, Quote: "work is prohibited between"})
	if err != nil {
		t.Fatal(err)
	}
	if string(loose.Bytes) != "work is <b>prohibited</b> between" {
		t.Fatalf("loose region = %q", loose.Bytes)
	}

	// A resolved quote is re-checked in place.
	again, err := Resolve([]byte(page), "text/html", loose.Locator)
	if err != nil || string(again.Bytes) != string(loose.Bytes) {
		t.Fatalf("re-resolve: %q, %v", again.Bytes, err)
	}
	shifted := "<!-- banner -->" + page
	if _, err := Resolve([]byte(shifted), "text/html", loose.Locator); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("moved quote: err = %v", err)
	}

	if _, err := Resolve([]byte(page), "text/html", Locator{Type: LocQuote, Quote: "not on the page"}); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("missing quote: err = %v", err)
	}
}

func TestResolve_PDFPagesOnHTML(t *testing.T) {
	if _, err := Resolve([]byte(page), "text/html", Locator{Type: LocPDFPages, Pages: []int{1}}); !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v", err)
	}
}

func TestRecord_RoundTrip(t *testing.T) {
	r := testRecorder(t)
	ctx := context.Background()
	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := r.Record(ctx, Input{
		JobID: "job-1", ResultID: "res-1",
		URL: "https://city.example/code/8", Field: "penalty",
		FetchedAt: fetched, Tier: "fetch",
		Content: []byte(page), ContentType: "text/html",
		Locator: Locator{Type: LocSelector, Selector: "p.penalty"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := idgen.Parse(rec.ID); err != nil {
		t.Errorf("id %q: %v", rec.ID, err)
	}
	if rec.ContentHash != Hash([]byte(`<p class="penalty">Fines start at 500 EUR.</p>`)) {
		t.Errorf("hash covers the wrong bytes: %s", rec.ContentHash)
	}
	if rec.Snippet != "Fines start at 500 EUR." {
		t.Errorf("snippet = %q", rec.Snippet)
	}

	got, err := r.Get(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ContentHash != rec.ContentHash || !got.FetchedAt.Equal(fetched) || got.Locator.Selector != "p.penalty" || got.JobID != "job-1" {
		t.Fatalf("Get = %+v", got)
	}

	ok, err := Verify(got, []byte(page), "text/html")
	if err != nil || !ok {
		t.Fatalf("Verify on original = %v, %v", ok, err)
	}
	changed := strings.Replace(page, "500 EUR", "750 EUR", 1)
	ok, err = Verify(got, []byte(changed), "text/html")
	if err != nil || ok {
		t.Fatalf("Verify on changed region = %v, %v; want false, nil", ok, err)
	}
	// Changes outside the region do not affect the record.
	elsewhere := strings.Replace(page, "Home | About", "Start", 1)
	if ok, _ := Verify(got, []byte(elsewhere), "text/html"); !ok {
		t.Fatal("change outside region invalidated the record")
	}

	if _, err := r.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing: err = %v", err)
	}
}

func TestRecord_UnresolvableLocator(t *testing.T) {
	r := testRecorder(t)
	_, err := r.Record(context.Background(), Input{
		URL: "https://x/", Field: "f", Content: []byte(page), ContentType: "text/html",
		Locator: Locator{Type: LocSelector, Selector: "#nope"},
	})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v", err)
	}
}

func TestAppendOnly(t *testing.T) {
	r := testRecorder(t)
	ctx := context.Background()
	rec, err := r.Record(ctx, Input{URL: "https://x/", Field: "f", Content: []byte("abc"), ContentType: "text/plain",
		Locator: Locator{Type: LocByteRange, Start: 0, End: 3}})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.db.ExecContext(ctx, `UPDATE evidence SET content_hash = 'x' WHERE id = ?`, rec.ID); err == nil {
		t.Fatal("UPDATE succeeded on evidence")
	}
	if _, err := r.db.ExecContext(ctx, `DELETE FROM evidence WHERE id = ?`, rec.ID); err == nil {
		t.Fatal("DELETE succeeded on evidence")
	}
	got, err := r.Get(ctx, rec.ID)
	if err != nil || got.ContentHash != rec.ContentHash {
		t.Fatalf("record altered: %+v, %v", got, err)
	}
}

func TestListByURL_Versions(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := testRecorder(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	url := "https://x/doc"

	v1 := "title: First"
	v2 := "title: Second"
	for _, content := range []string{v1, v2} {
		if _, err := r.Record(ctx, Input{URL: url, Field: "title", Content: []byte(content), ContentType: "text/plain",
			Locator: Locator{Type: LocByteRange, Start: 7, End: len(content)}}); err != nil {
			t.Fatal(err)
		}
		now = now.Add(time.Minute)
	}
	if _, err := r.Record(ctx, Input{URL: url, Field: "body", Content: []byte(v1), ContentType: "text/plain",
		Locator: Locator{Type: LocByteRange, Start: 0, End: 5}}); err != nil {
		t.Fatal(err)
	}

	hist, err := r.ListByURL(ctx, url, "title", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 {
		t.Fatalf("history = %d, want 2", len(hist))
	}
	if hist[0].ContentHash != Hash([]byte("Second")) || hist[1].ContentHash != Hash([]byte("First")) {
		t.Fatal("history not newest first")
	}
	all, _ := r.ListByURL(ctx, url, "", 0)
	if len(all) != 3 {
		t.Fatalf("all fields = %d, want 3", len(all))
	}
}

func TestSnippet_Sanitised(t *testing.T) {
	r := testRecorder(t, WithSnippetMax(10))
	got := r.snippet([]byte(`<script>alert(1)</script><p onclick="x()">Hello   brave new world</p>`))
	if strings.Contains(got, "<") || strings.Contains(got, "alert") {
		t.Fatalf("snippet not sanitised: %q", got)
	}
	if got != "Hello brav…" {
		t.Fatalf("snippet = %q", got)
	}
}
