package pipeline

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/hazyhaar/dipcrawl/safeurl"
)

// discoverLinks returns the normalised http(s) links of an HTML document
// that stay on domain, in document order, without duplicates. A <base href>
// is honoured.
func discoverLinks(body []byte, pageURL, domain string, limit int) []string {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil
	}
	if href, ok := doc.Find("base[href]").First().Attr("href"); ok {
		if b, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = b
		}
	}

	self, _ := safeurl.Normalize(pageURL)
	seen := map[string]bool{self: true}
	var out []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if limit > 0 && len(out) >= limit {
			return false
		}
		href := strings.TrimSpace(s.AttrOr("href", ""))
		if href == "" || strings.HasPrefix(href, "#") {
			return true
		}
		if rel := strings.ToLower(s.AttrOr("rel", "")); strings.Contains(rel, "nofollow") {
			return true
		}
		u, err := base.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return true
		}
		n, err := safeurl.Normalize(u.String())
		if err != nil || seen[n] {
			return true
		}
		if d, err := safeurl.RegistrableDomain(n); err != nil || d != domain {
			return true
		}
		seen[n] = true
		out = append(out, n)
		return true
	})
	return out
}
