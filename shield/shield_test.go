package shield

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func chain(h http.Handler, stack []func(http.Handler) http.Handler) http.Handler {
	for i := len(stack) - 1; i >= 0; i-- {
		h = stack[i](h)
	}
	return h
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	if _, err := io.ReadAll(r.Body); err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	w.WriteHeader(http.StatusOK)
})

func TestSecurityHeaders(t *testing.T) {
	h := chain(okHandler, APIStack(Config{}, nil))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/x", nil))
	for k, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(k); got != want {
			t.Errorf("%s = %q, want %q", k, got, want)
		}
	}
}

func TestMaxBody(t *testing.T) {
	h := chain(okHandler, APIStack(Config{MaxBody: 8}, nil))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("short")))
	if rec.Code != http.StatusOK {
		t.Fatalf("small body = %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("much too long")))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("large body = %d", rec.Code)
	}
}

func TestRateLimiter_Allow(t *testing.T) {
	rl := NewRateLimiter(Config{RatePerSecond: 1, Burst: 2}, nil)
	now := time.Unix(1_700_000_000, 0)
	rl.now = func() time.Time { return now }

	for i := range 2 {
		if ok, _ := rl.Allow("10.0.0.1"); !ok {
			t.Fatalf("request %d refused within burst", i)
		}
	}
	ok, wait := rl.Allow("10.0.0.1")
	if ok || wait <= 0 || wait > time.Second {
		t.Fatalf("third request: ok=%v wait=%v", ok, wait)
	}
	if ok, _ := rl.Allow("10.0.0.2"); !ok {
		t.Fatal("other client refused")
	}
	now = now.Add(time.Second)
	if ok, _ := rl.Allow("10.0.0.1"); !ok {
		t.Fatal("refused after refill")
	}

	now = now.Add(time.Hour)
	if n := rl.Sweep(time.Minute); n != 2 {
		t.Fatalf("Sweep = %d, want 2", n)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	h := chain(okHandler, APIStack(Config{RatePerSecond: 0.001, Burst: 1}, nil))

	do := func(path, xff string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		if xff != "" {
			req.Header.Set("X-Forwarded-For", xff)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}
	if rec := do("/api/jobs/a", "192.0.2.1, 10.0.0.1"); rec.Code != http.StatusOK {
		t.Fatalf("first = %d", rec.Code)
	}
	rec := do("/api/jobs/a", "192.0.2.1")
	if rec.Code != http.StatusTooManyRequests || rec.Header().Get("Retry-After") == "" {
		t.Fatalf("second = %d retry-after=%q", rec.Code, rec.Header().Get("Retry-After"))
	}
	if rec := do("/health", "192.0.2.1"); rec.Code != http.StatusOK {
		t.Fatalf("/health = %d, want exempt", rec.Code)
	}
}

func TestExtractIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.7:5555"
	if got := ExtractIP(req); got != "198.51.100.7" {
		t.Fatalf("RemoteAddr: %q", got)
	}
	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	if got := ExtractIP(req); got != "203.0.113.9" {
		t.Fatalf("X-Forwarded-For: %q", got)
	}
}
