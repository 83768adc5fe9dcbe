package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"golang.org/x/net/html"

	"github.com/hazyhaar/dipcrawl/crawler/internal/classify"
	"github.com/hazyhaar/dipcrawl/crawler/internal/pdftext"
)

// Content formats handed to the extractor.
const (
	FormatMarkdown = "markdown"
	FormatHTML     = "html"
	FormatText     = "text"
	FormatJSON     = "json"
)

// ErrContentTooShort is returned by Prepare when the relevant region is
// below the configured minimum. No extractor call is made for such pages.
var ErrContentTooShort = errors.New("extract: content too short")

// PrefilterConfig bounds the content sent to the extractor.
type PrefilterConfig struct {
	// MinChars is the minimum prepared length. Default: 50.
	MinChars int `yaml:"min_content_chars"`
	// MaxChars truncates the prepared content. Default: 60000.
	MaxChars int `yaml:"max_content_chars"`
	// MainMinText is passed to main-region detection. Default: 200.
	MainMinText int `yaml:"main_min_text"`
	// Format is markdown (default) or html for HTML sources.
	Format string `yaml:"format"`
}

func (c *PrefilterConfig) defaults() {
	if c.MinChars <= 0 {
		c.MinChars = 50
	}
	if c.MaxChars <= 0 {
		c.MaxChars = 60000
	}
	if c.MainMinText <= 0 {
		c.MainMinText = 200
	}
	if c.Format == "" {
		c.Format = FormatMarkdown
	}
}

// Prepared is the pre-filtered content sent to the extractor.
type Prepared struct {
	Text      string `json:"text"`
	Format    string `json:"format"`
	Chars     int    `json:"chars"`
	Truncated bool   `json:"truncated"`
}

// Prefilter narrows content down to its main region before extraction.
type Prefilter struct {
	cfg PrefilterConfig
	md  *converter.Converter
}

// NewPrefilter builds a Prefilter with the commonmark and table plugins.
func NewPrefilter(cfg PrefilterConfig) *Prefilter {
	cfg.defaults()
	return &Prefilter{
		cfg: cfg,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
	}
}

// Prepare converts content to the form sent to the extractor: the main
// region of HTML as markdown (or HTML), PDF page texts with page markers,
// JSON as-is, other text as-is.
func (p *Prefilter) Prepare(content []byte, contentType, pageURL string) (*Prepared, error) {
	var out Prepared
	switch kind := contentKind(contentType, content); kind {
	case FormatHTML:
		text, format, err := p.prepareHTML(content, pageURL)
		if err != nil {
			return nil, err
		}
		out.Text, out.Format = text, format
	case "pdf":
		doc, err := pdftext.Extract(content)
		if err != nil {
			return nil, fmt.Errorf("extract: prefilter: %w", err)
		}
		text, _ := doc.Text(nil)
		if doc.VisibleText() < p.cfg.MinChars {
			return nil, fmt.Errorf("%w: %d chars of PDF text", ErrContentTooShort, doc.VisibleText())
		}
		out.Text, out.Format = text, FormatText
	case FormatJSON:
		var buf bytes.Buffer
		if err := json.Compact(&buf, content); err != nil {
			out.Text = string(content)
		} else {
			out.Text = buf.String()
		}
		out.Format = FormatJSON
	default:
		out.Text, out.Format = strings.TrimSpace(string(content)), FormatText
	}

	out.Chars = utf8.RuneCountInString(strings.TrimSpace(out.Text))
	if out.Chars < p.cfg.MinChars {
		return nil, fmt.Errorf("%w: %d chars, minimum %d", ErrContentTooShort, out.Chars, p.cfg.MinChars)
	}
	if out.Chars > p.cfg.MaxChars {
		out.Text = string([]rune(out.Text)[:p.cfg.MaxChars])
		out.Chars = p.cfg.MaxChars
		out.Truncated = true
	}
	return &out, nil
}

func (p *Prefilter) prepareHTML(content []byte, pageURL string) (string, string, error) {
	doc, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return "", "", fmt.Errorf("extract: parse html: %w", err)
	}
	node := classify.MainNode(doc, p.cfg.MainMinText)
	if node == nil {
		node = doc
	}
	var buf bytes.Buffer
	if err := html.Render(&buf, node); err != nil {
		return "", "", fmt.Errorf("extract: render main region: %w", err)
	}
	if p.cfg.Format == FormatHTML {
		return buf.String(), FormatHTML, nil
	}
	opts := []converter.ConvertOptionFunc{}
	if pageURL != "" {
		opts = append(opts, converter.WithDomain(pageURL))
	}
	md, err := p.md.ConvertString(buf.String(), opts...)
	if err != nil || strings.TrimSpace(md) == "" {
		return buf.String(), FormatHTML, nil
	}
	return strings.TrimSpace(md), FormatMarkdown, nil
}

// contentKind maps a content type (sniffing the body when it is missing or
// generic) to html, pdf, json or text.
func contentKind(contentType string, body []byte) string {
	if pdftext.IsPDF(contentType, body) {
		return "pdf"
	}
	mt, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mt == "text/html" || mt == "application/xhtml+xml":
		return FormatHTML
	case mt == "application/json" || strings.HasSuffix(mt, "+json"):
		return FormatJSON
	case mt == "" || mt == "application/octet-stream":
		trimmed := bytes.TrimSpace(body)
		if bytes.HasPrefix(trimmed, []byte("{")) || bytes.HasPrefix(trimmed, []byte("[")) {
			return FormatJSON
		}
		if len(trimmed) > 0 && trimmed[0] == '<' {
			return FormatHTML
		}
	}
	return FormatText
}
