package pipeline

import (
	"encoding/json"
	"fmt"
	"mime"
	"net/url"
	"slices"
	"strings"

	"github.com/hazyhaar/dipcrawl/crawler/internal/classify"
	"github.com/hazyhaar/dipcrawl/crawler/internal/fetch"
	"github.com/hazyhaar/dipcrawl/crawler/internal/profile"
	"github.com/hazyhaar/dipcrawl/crawler/internal/render"
	"github.com/hazyhaar/dipcrawl/safeurl"
)

// TierEndpoint is the Outcome.Tier of content read from a JSON endpoint.
const TierEndpoint = "json_endpoint"

// minEndpointBytes skips tiny JSON answers (config, feature flags).
const minEndpointBytes = 256

// deriveEndpoint picks the captured JSON response most likely to carry the
// page's content and generalises it into an endpoint template: page path
// segments that reappear in the endpoint URL become wildcards.
func deriveEndpoint(pageURL, domain string, captured []render.JSONResponse) *profile.Endpoint {
	var best *render.JSONResponse
	for i := range captured {
		c := &captured[i]
		if c.Status < 200 || c.Status > 299 || len(c.TopKeys) == 0 || c.Size < minEndpointBytes {
			continue
		}
		if d, err := safeurl.RegistrableDomain(c.URL); err != nil || d != domain {
			continue
		}
		if best == nil || c.Size > best.Size {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	pu, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	eu, err := url.Parse(best.URL)
	if err != nil {
		return nil
	}

	segs := strings.Split(strings.Trim(pu.EscapedPath(), "/"), "/")
	if strings.ContainsAny(pu.EscapedPath(), `*?[\`) {
		return nil
	}
	epParts := strings.Split(eu.EscapedPath(), "/")
	var query []string
	if eu.RawQuery != "" {
		query = strings.Split(eu.RawQuery, "&")
	}

	pattern := slices.Clone(segs)
	n := 0
	for i, s := range segs {
		// The first segment is the section; keep it literal.
		if i == 0 || s == "" {
			continue
		}
		ph := fmt.Sprintf("{%d}", n+1)
		hit := false
		for j, p := range epParts {
			if p == s {
				epParts[j], hit = ph, true
			}
		}
		for j, kv := range query {
			if k, v, ok := strings.Cut(kv, "="); ok && v == s {
				query[j], hit = k+"="+ph, true
			}
		}
		if hit {
			n++
			pattern[i] = "*"
		}
	}

	tmpl := eu.Scheme + "://" + eu.Host + strings.Join(epParts, "/")
	if len(query) > 0 {
		tmpl += "?" + strings.Join(query, "&")
	}
	return &profile.Endpoint{
		PagePattern:      "/" + strings.Join(pattern, "/"),
		EndpointTemplate: tmpl,
		ContentType:      best.ContentType,
		ShapeKeys:        best.TopKeys,
	}
}

// endpointUsable accepts an endpoint answer that is JSON content and still
// has at least one of the keys seen when the endpoint was learned.
func endpointUsable(c *classify.Classifier, res *fetch.Result, ep profile.Endpoint) bool {
	mt, _, _ := mime.ParseMediaType(res.Header.Get("Content-Type"))
	if mt != "application/json" && !strings.HasSuffix(mt, "+json") && !json.Valid(res.Body) {
		return false
	}
	cls := c.Classify(classify.Input{Body: res.Body, ContentType: "application/json", Status: res.Status})
	if cls.Label != classify.LikelyContent {
		return false
	}
	if len(ep.ShapeKeys) == 0 {
		return true
	}
	keys := render.TopKeys(res.Body)
	return slices.ContainsFunc(ep.ShapeKeys, func(k string) bool { return slices.Contains(keys, k) })
}
