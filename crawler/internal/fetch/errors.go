package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hazyhaar/dipcrawl/safeurl"
)

// Kind classifies a fetch failure.
type Kind string

const (
	KindTimeout      Kind = "timeout"
	KindDNS          Kind = "dns"
	KindRedirectLoop Kind = "redirect_loop"
	KindNetwork      Kind = "network"
	KindTooLarge     Kind = "too_large"
	KindBlockedURL   Kind = "blocked_url"
	KindHTTPStatus   Kind = "http_status"
	KindCanceled     Kind = "canceled"
)

// Error is the typed failure of the fetch tier.
type Error struct {
	Kind       Kind
	URL        string
	Status     int           // set for KindHTTPStatus
	RetryAfter time.Duration // parsed Retry-After, zero when absent
	Err        error
}

func (e *Error) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("fetch: %s: http %d", e.URL, e.Status)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch: %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("fetch: %s: %s", e.URL, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// RateLimited reports a 429 or 503 answer.
func (e *Error) RateLimited() bool {
	return e.Kind == KindHTTPStatus &&
		(e.Status == http.StatusTooManyRequests || e.Status == http.StatusServiceUnavailable)
}

// AsError returns err as a *Error when it is one.
func AsError(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

var errTooManyRedirects = errors.New("too many redirects")

// classify maps a transport error onto a Kind.
func classify(rawURL string, err error) *Error {
	fe := &Error{URL: rawURL, Err: err}
	var dnsErr *net.DNSError
	var netErr net.Error
	switch {
	case errors.Is(err, context.Canceled):
		fe.Kind = KindCanceled
	case errors.Is(err, errTooManyRedirects):
		fe.Kind = KindRedirectLoop
	case errors.Is(err, safeurl.ErrSSRF), errors.Is(err, safeurl.ErrUnsafeScheme):
		fe.Kind = KindBlockedURL
	case errors.Is(err, safeurl.ErrTooLarge):
		fe.Kind = KindTooLarge
	case errors.As(err, &dnsErr):
		fe.Kind = KindDNS
		if dnsErr.IsTimeout {
			fe.Kind = KindTimeout
		}
	case errors.Is(err, context.DeadlineExceeded):
		fe.Kind = KindTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		fe.Kind = KindTimeout
	default:
		fe.Kind = KindNetwork
	}
	return fe
}

// ParseRetryAfter reads a Retry-After value in seconds or HTTP-date form.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
