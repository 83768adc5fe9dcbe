package render

import (
	"encoding/json"
	"mime"
	"slices"
	"strings"
	"sync"

	"github.com/go-rod/rod/lib/proto"
)

// DefaultBlockedTypes are skipped on every render: the DOM does not need them.
var DefaultBlockedTypes = []string{"images", "fonts", "media", "stylesheets"}

// DefaultBlockedHosts are analytics and ad hosts. A request is blocked when
// its host equals one of these or is a subdomain of one.
var DefaultBlockedHosts = []string{
	"doubleclick.net",
	"google-analytics.com",
	"googletagmanager.com",
	"googlesyndication.com",
	"googleadservices.com",
	"facebook.net",
	"connect.facebook.net",
	"hotjar.com",
	"segment.io",
	"segment.com",
	"mixpanel.com",
	"scorecardresearch.com",
	"quantserve.com",
	"adnxs.com",
	"criteo.com",
	"taboola.com",
	"outbrain.com",
	"clarity.ms",
}

// blocker decides which intercepted requests are failed before they leave
// the browser.
type blocker struct {
	types map[string]bool
	hosts []string
}

func newBlocker(types, hosts []string) *blocker {
	b := &blocker{types: make(map[string]bool, len(types))}
	for _, t := range types {
		b.types[strings.ToLower(t)] = true
	}
	for _, h := range hosts {
		b.hosts = append(b.hosts, strings.ToLower(strings.TrimPrefix(h, ".")))
	}
	return b
}

func (b *blocker) shouldBlock(resType proto.NetworkResourceType, host string) bool {
	if resType == proto.NetworkResourceTypeDocument {
		return false
	}
	if b.blockedType(string(resType)) {
		return true
	}
	host = strings.ToLower(host)
	return slices.ContainsFunc(b.hosts, func(h string) bool {
		return host == h || strings.HasSuffix(host, "."+h)
	})
}

func (b *blocker) blockedType(resType string) bool {
	lower := strings.ToLower(resType)
	switch lower {
	case "image":
		return b.types["images"]
	case "font":
		return b.types["fonts"]
	case "media":
		return b.types["media"]
	case "stylesheet":
		return b.types["stylesheets"]
	}
	return b.types[lower]
}

// JSONResponse summarises an XHR/fetch response observed during a render.
// The pipeline learns JSON endpoints from these.
type JSONResponse struct {
	URL         string   `json:"url"`
	Status      int      `json:"status"`
	ContentType string   `json:"content_type"`
	TopKeys     []string `json:"top_keys"`
	Size        int      `json:"size"`
}

// jsonCapture collects JSON responses, bounded by max.
type jsonCapture struct {
	mu   sync.Mutex
	max  int
	list []JSONResponse
}

func (c *jsonCapture) observe(rawURL string, status int, contentType string, body []byte) {
	if !isJSONContentType(contentType) || status < 200 || status >= 300 {
		return
	}
	keys := TopKeys(body)
	if keys == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.list) >= c.max {
		return
	}
	c.list = append(c.list, JSONResponse{
		URL:         rawURL,
		Status:      status,
		ContentType: contentType,
		TopKeys:     keys,
		Size:        len(body),
	})
}

func (c *jsonCapture) responses() []JSONResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.list)
}

func isJSONContentType(ct string) bool {
	mt, _, err := mime.ParseMediaType(ct)
	if err != nil {
		return false
	}
	return mt == "application/json" || strings.HasSuffix(mt, "+json")
}

// TopKeys returns the sorted top-level keys of a JSON object. Arrays report
// the keys of their first object element. Non-JSON bodies yield nil.
func TopKeys(body []byte) []string {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		var arr []map[string]json.RawMessage
		if err := json.Unmarshal(body, &arr); err != nil || len(arr) == 0 {
			return nil
		}
		obj = arr[0]
	}
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
