package evidence

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/dipcrawl/crawler/internal/pdftext"
)

// Locator kinds.
const (
	LocSelector  = "selector"
	LocByteRange = "byte_range"
	LocPDFPages  = "pdf_pages"
	LocQuote     = "quote"
)

// maxQuote bounds quotes so that the tag-tolerant fallback stays cheap.
const maxQuote = 4000

// ErrUnresolved is returned when a locator does not identify any region of
// the content it was resolved against.
var ErrUnresolved = errors.New("evidence: locator does not resolve")

// Locator identifies the region of the original content a value came from.
//
//	{"type":"selector","selector":"article h1"}
//	{"type":"byte_range","start":120,"end":180}
//	{"type":"pdf_pages","pages":[3,4]}
//	{"type":"quote","quote":"Section 8.3.1 applies"}
type Locator struct {
	Type     string `json:"type"`
	Selector string `json:"selector,omitempty"`
	Start    int    `json:"start,omitempty"`
	End      int    `json:"end,omitempty"`
	Pages    []int  `json:"pages,omitempty"`
	Quote    string `json:"quote,omitempty"`
}

// String renders the locator for logs and validation messages.
func (l Locator) String() string {
	switch l.Type {
	case LocSelector:
		if l.End > l.Start {
			return fmt.Sprintf("selector:%s@[%d,%d)", l.Selector, l.Start, l.End)
		}
		return "selector:" + l.Selector
	case LocByteRange:
		return fmt.Sprintf("byte_range:[%d,%d)", l.Start, l.End)
	case LocPDFPages:
		return fmt.Sprintf("pdf_pages:%v", l.Pages)
	case LocQuote:
		return fmt.Sprintf("quote:[%d,%d)", l.Start, l.End)
	}
	return l.Type
}

// Region is the exact byte region a locator designates.
type Region struct {
	Bytes []byte
	// Locator is the normalised locator: quotes carry their resolved byte
	// range so that later verification does not search again.
	Locator Locator
}

// Resolve returns the region of content designated by loc. A selector
// matching one element whose markup occurs verbatim once in content yields
// that byte range, recorded in Start/End. Other selector regions are the
// re-serialised outer HTML of every match, joined by newlines. PDF page
// regions are the page texts with page markers. Extraction validation and
// the recorder both go through Resolve, so the validated region and the
// hashed region are the same bytes.
func Resolve(content []byte, contentType string, loc Locator) (Region, error) {
	switch loc.Type {
	case LocByteRange:
		if loc.Start < 0 || loc.End <= loc.Start || loc.End > len(content) {
			return Region{}, fmt.Errorf("%w: byte range [%d,%d) outside content of %d bytes", ErrUnresolved, loc.Start, loc.End, len(content))
		}
		return Region{Bytes: content[loc.Start:loc.End], Locator: Locator{Type: LocByteRange, Start: loc.Start, End: loc.End}}, nil

	case LocSelector:
		if strings.TrimSpace(loc.Selector) == "" || pdftext.IsPDF(contentType, content) {
			return Region{}, fmt.Errorf("%w: selector on non-HTML content", ErrUnresolved)
		}
		return resolveSelector(content, loc.Selector)

	case LocPDFPages:
		if len(loc.Pages) == 0 {
			return Region{}, fmt.Errorf("%w: empty page list", ErrUnresolved)
		}
		doc, err := pdftext.Extract(content)
		if err != nil {
			return Region{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		pages := slices.Clone(loc.Pages)
		slices.Sort(pages)
		pages = slices.Compact(pages)
		text, err := doc.Text(pages)
		if err != nil {
			return Region{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		return Region{Bytes: []byte(text), Locator: Locator{Type: LocPDFPages, Pages: pages}}, nil

	case LocQuote:
		return resolveQuote(content, contentType, loc)
	}
	return Region{}, fmt.Errorf("%w: unknown locator type %q", ErrUnresolved, loc.Type)
}

func resolveSelector(content []byte, selector string) (reg Region, err error) {
	// cascadia panics on some malformed selectors inside goquery.Find.
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: invalid selector %q", ErrUnresolved, selector)
		}
	}()
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(content))
	if err != nil {
		return Region{}, fmt.Errorf("%w: parse html: %v", ErrUnresolved, err)
	}
	sel := doc.Find(selector)
	if sel.Length() == 0 {
		return Region{}, fmt.Errorf("%w: selector %q matches nothing", ErrUnresolved, selector)
	}
	var parts []string
	var outerErr error
	sel.Each(func(_ int, s *goquery.Selection) {
		h, err := goquery.OuterHtml(s)
		if err != nil {
			outerErr = err
			return
		}
		parts = append(parts, h)
	})
	if outerErr != nil {
		return Region{}, fmt.Errorf("%w: render selection: %v", ErrUnresolved, outerErr)
	}
	loc := Locator{Type: LocSelector, Selector: selector}
	if len(parts) == 1 {
		// A match whose markup occurs once, verbatim, is cut from the
		// original bytes and keeps its offsets.
		if m := []byte(parts[0]); bytes.Count(content, m) == 1 {
			loc.Start = bytes.Index(content, m)
			loc.End = loc.Start + len(m)
			return Region{Bytes: content[loc.Start:loc.End], Locator: loc}, nil
		}
	}
	return Region{Bytes: []byte(strings.Join(parts, "\n")), Locator: loc}, nil
}

// resolveQuote finds the quote in the content. A located quote (Start/End
// set) is checked in place. Otherwise the first exact occurrence wins; for
// HTML, words separated by tags, entities or other whitespace also match.
// PDF quotes are searched in the marked page text.
func resolveQuote(content []byte, contentType string, loc Locator) (Region, error) {
	q := strings.TrimSpace(loc.Quote)
	if q == "" {
		return Region{}, fmt.Errorf("%w: empty quote", ErrUnresolved)
	}
	if len(q) > maxQuote {
		return Region{}, fmt.Errorf("%w: quote longer than %d bytes", ErrUnresolved, maxQuote)
	}
	haystack := content
	if pdftext.IsPDF(contentType, content) {
		doc, err := pdftext.Extract(content)
		if err != nil {
			return Region{}, fmt.Errorf("%w: %v", ErrUnresolved, err)
		}
		text, _ := doc.Text(nil)
		haystack = []byte(text)
	}

	if loc.End > loc.Start {
		if loc.Start < 0 || loc.End > len(haystack) {
			return Region{}, fmt.Errorf("%w: quote range outside content", ErrUnresolved)
		}
		reg := haystack[loc.Start:loc.End]
		if !quoteMatches(reg, q) {
			return Region{}, fmt.Errorf("%w: quote no longer at [%d,%d)", ErrUnresolved, loc.Start, loc.End)
		}
		return quoteRegion(reg, q, loc.Start, loc.End), nil
	}

	if i := bytes.Index(haystack, []byte(q)); i >= 0 {
		return quoteRegion(haystack[i:i+len(q)], q, i, i+len(q)), nil
	}
	if m := looseQuote(q).FindIndex(haystack); m != nil {
		return quoteRegion(haystack[m[0]:m[1]], q, m[0], m[1]), nil
	}
	return Region{}, fmt.Errorf("%w: quote not found", ErrUnresolved)
}

func quoteRegion(b []byte, q string, start, end int) Region {
	return Region{Bytes: b, Locator: Locator{Type: LocQuote, Quote: q, Start: start, End: end}}
}

func quoteMatches(region []byte, q string) bool {
	if string(region) == q {
		return true
	}
	m := looseQuote(q).FindIndex(region)
	return m != nil && m[0] == 0 && m[1] == len(region)
}

// looseQuote matches the words of q in order, separated by any mix of
// whitespace, markup tags and character entities.
func looseQuote(q string) *regexp.Regexp {
	words := strings.Fields(q)
	for i, w := range words {
		words[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(strings.Join(words, `(?:\s|<[^>]*>|&[#a-zA-Z0-9]+;)+`))
}
