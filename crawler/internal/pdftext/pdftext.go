// Package pdftext extracts per-page text from PDF documents so that PDF
// content can be classified, pre-filtered, and cited by page list.
package pdftext

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrNotPDF is returned for bodies that do not start with a PDF header.
var ErrNotPDF = errors.New("pdftext: not a PDF")

// Document is the extracted text of a PDF. Pages[i] holds page i+1 and may
// be empty for image-only pages.
type Document struct {
	Pages     []string `json:"pages"`
	PageCount int      `json:"page_count"`
	Title     string   `json:"title,omitempty"`
}

// IsPDF reports whether the content type or the body magic says PDF.
func IsPDF(contentType string, body []byte) bool {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "application/pdf" {
		return true
	}
	return bytes.HasPrefix(body, []byte("%PDF-"))
}

// Extract parses data and returns its page texts.
func Extract(data []byte) (*Document, error) {
	if !bytes.HasPrefix(data, []byte("%PDF-")) {
		return nil, ErrNotPDF
	}
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return nil, fmt.Errorf("pdftext: read: %w", err)
	}

	doc := &Document{PageCount: ctx.PageCount, Pages: make([]string, ctx.PageCount)}
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		text := pageText(ctx, pageNr)
		doc.Pages[pageNr-1] = text
		if doc.Title == "" && text != "" {
			doc.Title = firstLine(text)
		}
	}
	return doc, nil
}

// Text joins the given 1-based pages with page markers. An empty list
// selects every page. Out-of-range pages are an error.
func (d *Document) Text(pages []int) (string, error) {
	if len(pages) == 0 {
		pages = make([]int, d.PageCount)
		for i := range pages {
			pages[i] = i + 1
		}
	}
	var sb strings.Builder
	for _, n := range pages {
		if n < 1 || n > d.PageCount {
			return "", fmt.Errorf("pdftext: page %d out of range 1..%d", n, d.PageCount)
		}
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(PageMarker(n))
		sb.WriteByte('\n')
		sb.WriteString(d.Pages[n-1])
	}
	return sb.String(), nil
}

// VisibleText is the total character count across pages.
func (d *Document) VisibleText() int {
	n := 0
	for _, p := range d.Pages {
		n += len([]rune(p))
	}
	return n
}

// PageMarker is the separator placed before each page's text.
func PageMarker(n int) string {
	return "--- page " + strconv.Itoa(n) + " ---"
}

func pageText(ctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
	if err != nil || r == nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return textFromStream(data)
}

func firstLine(text string) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if r := []rune(line); len(r) > 200 {
			line = string(r[:200])
		}
		return line
	}
	return ""
}

// pdfStringRe matches string literals: (text here).
var pdfStringRe = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// textFromStream reads text-showing operators (Tj, TJ, ') out of a content
// stream. Positioning operators become whitespace.
func textFromStream(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodeString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteByte('\n')
				sb.WriteString(decodeString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return clean(sb.String())
}

// decodeString handles the escape sequences of PDF literal strings.
func decodeString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch c := raw[i]; c {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(c)
		default:
			if c < '0' || c > '7' {
				sb.WriteByte(c)
				continue
			}
			val := int(c - '0')
			for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			sb.WriteByte(byte(val))
		}
	}
	return sb.String()
}

// clean collapses whitespace runs except newlines and drops unprintables.
func clean(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case r == '\n':
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			prevSpace = true
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
