package evidence

import (
	"bytes"
	"encoding/json"
	"mime"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/dipcrawl/crawler/internal/pdftext"
)

// VisibleText returns the text a reader sees in a resolved region. HTML
// regions lose their markup, scripts and styles, and their entities are
// decoded. JSON regions are reduced to their string and number leaves.
// PDF page text and plain text are returned unchanged.
func VisibleText(region []byte, contentType string) string {
	switch mediaKind(contentType, region) {
	case "html":
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(region))
		if err != nil {
			return string(region)
		}
		doc.Find("script, style, noscript, template").Remove()
		return doc.Text()
	case "json":
		var v any
		dec := json.NewDecoder(bytes.NewReader(region))
		dec.UseNumber()
		if err := dec.Decode(&v); err != nil {
			return string(region)
		}
		var b strings.Builder
		jsonLeaves(&b, v)
		return b.String()
	}
	return string(region)
}

func mediaKind(contentType string, region []byte) string {
	if pdftext.IsPDF(contentType, nil) {
		return "text"
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case strings.Contains(mt, "html") || strings.Contains(mt, "xml"):
		return "html"
	case strings.HasSuffix(mt, "json"):
		return "json"
	case mt == "":
		if t := bytes.TrimSpace(region); len(t) > 0 && t[0] == '<' {
			return "html"
		}
	}
	return "text"
}

func jsonLeaves(b *strings.Builder, v any) {
	switch x := v.(type) {
	case string:
		b.WriteString(x)
		b.WriteByte('\n')
	case json.Number:
		b.WriteString(x.String())
		b.WriteByte('\n')
	case []any:
		for _, e := range x {
			jsonLeaves(b, e)
		}
	case map[string]any:
		for _, e := range x {
			jsonLeaves(b, e)
		}
	}
}
