// Package classify labels fetched or rendered content with cheap,
// deterministic heuristics and decides whether the page needs a browser.
// It never touches the network. needs_render is the only escalation trigger
// in the crawler: little visible text AND front-end framework markers.
package classify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Label is the page kind.
type Label string

const (
	LikelyIndex   Label = "likely_index"
	LikelyContent Label = "likely_content"
	LikelyForm    Label = "likely_form"
	LikelyError   Label = "likely_error"
	Unknown       Label = "unknown"
)

// Metadata is the document-level metadata found in <head>.
type Metadata struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	Language    string `json:"language,omitempty"`
	Author      string `json:"author,omitempty"`
	Canonical   string `json:"canonical,omitempty"`
}

// Classification is the verdict on one piece of content.
type Classification struct {
	Label            Label    `json:"label"`
	NeedsRender      bool     `json:"needs_render"`
	Confidence       float64  `json:"confidence"`
	VisibleText      int      `json:"visible_text"`
	MainText         int      `json:"main_text"`
	LinkDensity      float64  `json:"link_density"`
	Forms            int      `json:"forms"`
	FrameworkMarkers []string `json:"framework_markers,omitempty"`
	Challenge        string   `json:"challenge,omitempty"`
	MatchedHints     []Hint   `json:"matched_hints,omitempty"`
	Generator        string   `json:"generator,omitempty"`
	Metadata         Metadata `json:"metadata"`
}

// Sufficient reports content that can go to extraction as is.
func (c Classification) Sufficient() bool {
	return !c.NeedsRender && c.Challenge == ""
}

// Input is the content to classify.
type Input struct {
	Body        []byte
	ContentType string // media type; "" is read as HTML
	Status      int
	Header      http.Header
	Hints       []Hint
}

// Config tunes the thresholds.
type Config struct {
	MinText  int `yaml:"min_text"`  // visible runes under which a page may need rendering. Default: 200.
	MaxBytes int `yaml:"max_bytes"` // input cap. Default: 2 MiB.
}

func (c *Config) defaults() {
	if c.MinText <= 0 {
		c.MinText = 200
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 2 << 20
	}
}

// Classifier is stateless and safe for concurrent use.
type Classifier struct {
	cfg Config
}

// New creates a Classifier.
func New(cfg Config) *Classifier {
	cfg.defaults()
	return &Classifier{cfg: cfg}
}

// MinText returns the visible-text threshold.
func (c *Classifier) MinText() int { return c.cfg.MinText }

// scriptMarkers are script sources that betray a client-rendered front end.
var scriptMarkers = []string{
	"app.bundle", "bundle.js", "chunk.js", "_next/", "_nuxt/", "react", "vue",
	"angular", "ember", "svelte", "webpack", "polyfills", "runtime~main",
}

// spaRootIDs are mount points left empty in the served HTML.
var spaRootIDs = map[string]bool{
	"root": true, "app": true, "__next": true, "__nuxt": true, "react-root": true, "svelte": true,
}

// Classify labels in. Identical input yields an identical result.
func (c *Classifier) Classify(in Input) Classification {
	body := in.Body
	if len(body) > c.cfg.MaxBytes {
		body = body[:c.cfg.MaxBytes]
	}

	switch {
	case in.ContentType == "application/json" || strings.HasSuffix(in.ContentType, "+json"):
		return c.classifyJSON(body, in.Status)
	case in.ContentType == "text/plain":
		return c.ClassifyText(string(body), in.Status)
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return Classification{Label: Unknown, Confidence: 0.1}
	}
	nodes := nodesPreorder(doc)
	st := computeStats(nodes)
	lower := bytes.ToLower(body)

	var (
		cls      Classification
		scripts  []string
		markers  = make(map[string]bool)
		inputs   int
		links    int
		bodyNode *html.Node
	)
	for _, n := range nodes {
		if n.Type != html.ElementNode {
			continue
		}
		switch n.DataAtom {
		case atom.Html:
			cls.Metadata.Language = attr(n, "lang")
		case atom.Body:
			bodyNode = n
		case atom.Title:
			if cls.Metadata.Title == "" && n.FirstChild != nil {
				cls.Metadata.Title = strings.TrimSpace(n.FirstChild.Data)
			}
		case atom.Meta:
			content := strings.TrimSpace(attr(n, "content"))
			switch strings.ToLower(attr(n, "name")) {
			case "generator":
				cls.Generator = content
			case "description":
				cls.Metadata.Description = content
			case "author":
				cls.Metadata.Author = content
			}
			if strings.EqualFold(attr(n, "property"), "og:description") && cls.Metadata.Description == "" {
				cls.Metadata.Description = content
			}
		case atom.Link:
			if strings.EqualFold(attr(n, "rel"), "canonical") {
				cls.Metadata.Canonical = attr(n, "href")
			}
		case atom.Script:
			if src := strings.ToLower(attr(n, "src")); src != "" {
				scripts = append(scripts, src)
				for _, m := range scriptMarkers {
					if strings.Contains(src, m) {
						markers["script:"+m] = true
					}
				}
			}
		case atom.Noscript:
			if n.FirstChild != nil && strings.Contains(strings.ToLower(n.FirstChild.Data), "javascript") {
				markers["noscript"] = true
			}
		case atom.Form:
			cls.Forms++
		case atom.Input:
			if !strings.EqualFold(attr(n, "type"), "hidden") {
				inputs++
			}
		case atom.Select, atom.Textarea:
			inputs++
		case atom.A:
			if attr(n, "href") != "" {
				links++
			}
		case atom.Div:
			if spaRootIDs[attr(n, "id")] && st.text[n] == 0 {
				markers["spa_root:"+attr(n, "id")] = true
			}
		}
		if n.Data == "app-root" && st.text[n] == 0 {
			markers["spa_root:app-root"] = true
		}
	}

	root := bodyNode
	if root == nil {
		root = doc
	}
	cls.VisibleText = st.text[root]
	if cls.VisibleText > 0 {
		cls.LinkDensity = float64(st.link[root]) / float64(cls.VisibleText)
	}
	if main := mainNode(nodes, st, c.cfg.MinText); main != nil {
		cls.MainText = st.text[main]
	}
	for m := range markers {
		cls.FrameworkMarkers = append(cls.FrameworkMarkers, m)
	}
	sort.Strings(cls.FrameworkMarkers)

	cls.Challenge = DetectChallenge(in.Status, in.Header, lower, cls.VisibleText)
	cls.MatchedHints = matchHints(in.Hints, cls.Generator, scripts, lower, in.Header)
	cls.NeedsRender = cls.Challenge == "" && cls.VisibleText < c.cfg.MinText && len(cls.FrameworkMarkers) > 0

	cls.Label, cls.Confidence = c.label(cls, in.Status, inputs, links)
	return cls
}

func (c *Classifier) label(cls Classification, status, inputs, links int) (Label, float64) {
	title := strings.ToLower(cls.Metadata.Title)
	switch {
	case status >= 400:
		return LikelyError, 0.95
	case cls.Challenge != "":
		return LikelyError, 0.85
	case cls.VisibleText < 2*c.cfg.MinText && (strings.Contains(title, "not found") ||
		strings.Contains(title, "404") || strings.HasPrefix(title, "error")):
		return LikelyError, 0.7
	case cls.NeedsRender:
		return Unknown, 0.6
	case cls.Forms > 0 && inputs >= 2 && cls.MainText < 3*c.cfg.MinText:
		return LikelyForm, clamp(0.5 + 0.1*float64(inputs))
	case links >= 20 && cls.LinkDensity > 0.5:
		return LikelyIndex, clamp(0.4 + cls.LinkDensity/2)
	case cls.MainText >= c.cfg.MinText:
		return LikelyContent, clamp(0.6 + float64(cls.MainText)/float64(20*c.cfg.MinText))
	case cls.VisibleText >= c.cfg.MinText:
		return LikelyContent, 0.5
	}
	return Unknown, 0.3
}

// ClassifyText labels plain text (including text extracted from PDFs) by
// length alone. Text never needs rendering.
func (c *Classifier) ClassifyText(text string, status int) Classification {
	n := visibleRunes(text)
	cls := Classification{VisibleText: n, MainText: n}
	switch {
	case status >= 400:
		cls.Label, cls.Confidence = LikelyError, 0.95
	case n >= c.cfg.MinText:
		cls.Label, cls.Confidence = LikelyContent, clamp(0.6+float64(n)/float64(20*c.cfg.MinText))
	default:
		cls.Label, cls.Confidence = Unknown, 0.3
	}
	return cls
}

// ClassifyPages labels PDF content from its per-page text.
func (c *Classifier) ClassifyPages(pages []string, status int) Classification {
	return c.ClassifyText(strings.Join(pages, "\n"), status)
}

func (c *Classifier) classifyJSON(body []byte, status int) Classification {
	cls := Classification{VisibleText: len(body), MainText: len(body)}
	switch {
	case status >= 400:
		cls.Label, cls.Confidence = LikelyError, 0.95
	case !json.Valid(body):
		cls.Label, cls.Confidence = LikelyError, 0.6
	case len(bytes.TrimSpace(body)) <= 2:
		cls.Label, cls.Confidence = Unknown, 0.5
	default:
		cls.Label, cls.Confidence = LikelyContent, 0.8
	}
	return cls
}

func clamp(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
