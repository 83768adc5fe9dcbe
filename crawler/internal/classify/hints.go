package classify

import (
	"bytes"
	"net/http"
	"strings"
)

// Hint signals.
const (
	SignalMetaGenerator = "meta_generator"
	SignalScriptSrc     = "script_src"
	SignalHTMLContains  = "html_contains"
	SignalHeader        = "header"
)

// Hint is a (signal, value) pair recognising known site software. Header
// hints use "Name" or "Name: substring" as value.
type Hint struct {
	Signal string `json:"signal"`
	Value  string `json:"value"`
}

func matchHints(hints []Hint, generator string, scripts []string, lower []byte, header http.Header) []Hint {
	var out []Hint
	for _, h := range hints {
		v := strings.ToLower(h.Value)
		if v == "" {
			continue
		}
		ok := false
		switch h.Signal {
		case SignalMetaGenerator:
			ok = strings.Contains(strings.ToLower(generator), v)
		case SignalScriptSrc:
			for _, s := range scripts {
				if strings.Contains(s, v) {
					ok = true
					break
				}
			}
		case SignalHTMLContains:
			ok = bytes.Contains(lower, []byte(v))
		case SignalHeader:
			ok = matchHeader(header, h.Value)
		}
		if ok {
			out = append(out, h)
		}
	}
	return out
}

func matchHeader(header http.Header, value string) bool {
	if header == nil {
		return false
	}
	name, want, hasValue := strings.Cut(value, ":")
	got := header.Get(strings.TrimSpace(name))
	if got == "" {
		return false
	}
	if !hasValue {
		return true
	}
	return strings.Contains(strings.ToLower(got), strings.ToLower(strings.TrimSpace(want)))
}
