package pipeline

import (
	"context"
	"errors"
	"net/http"

	"github.com/hazyhaar/dipcrawl/crawler/internal/fetch"
	"github.com/hazyhaar/dipcrawl/crawler/internal/render"
)

// Class is the error class of a terminal outcome. It decides what the
// caller sees: transient, policy and content failures abstain, fatal ones
// are errors.
type Class string

const (
	ClassNone      Class = ""
	ClassTransient Class = "transient"
	ClassPolicy    Class = "policy"
	ClassContent   Class = "content"
	ClassFatal     Class = "fatal"
)

// Reasons carried by terminal outcomes.
const (
	ReasonSufficient  = "content_sufficient"
	ReasonRendered    = "rendered"
	ReasonEndpoint    = "json_endpoint"
	ReasonNotModified = "not_modified"

	ReasonRobotsDisallowed = "robots_disallowed"
	ReasonDomainCooldown   = "domain_cooldown"
	ReasonAntiBot          = "anti_bot"
	ReasonRenderDisabled   = "render_disabled"

	ReasonRateLimited       = "rate_limited"
	ReasonFetchFailed       = "fetch_failed"
	ReasonServerError       = "server_error"
	ReasonRenderTimeout     = "render_timeout"
	ReasonRenderFailed      = "render_failed"
	ReasonRenderUnavailable = "render_unavailable"
	ReasonCanceled          = "canceled"

	ReasonTooLarge = "too_large"

	ReasonInvalidURL   = "invalid_url"
	ReasonBlockedURL   = "blocked_url"
	ReasonDNS          = "dns_failure"
	ReasonRedirectLoop = "redirect_loop"
	ReasonNotFound     = "not_found"
	ReasonHTTPError    = "http_error"
)

// classifyFailure maps a tier error onto a reason and class. It is the only
// place where tier errors become policy.
func classifyFailure(err error) (string, Class) {
	if errors.Is(err, context.Canceled) {
		return ReasonCanceled, ClassTransient
	}
	if fe, ok := fetch.AsError(err); ok {
		switch fe.Kind {
		case fetch.KindCanceled:
			return ReasonCanceled, ClassTransient
		case fetch.KindTimeout, fetch.KindNetwork:
			return ReasonFetchFailed, ClassTransient
		case fetch.KindDNS:
			return ReasonDNS, ClassFatal
		case fetch.KindRedirectLoop:
			return ReasonRedirectLoop, ClassFatal
		case fetch.KindBlockedURL:
			return ReasonBlockedURL, ClassFatal
		case fetch.KindTooLarge:
			return ReasonTooLarge, ClassContent
		case fetch.KindHTTPStatus:
			return classifyStatus(fe.Status)
		}
		return ReasonFetchFailed, ClassTransient
	}
	if re, ok := render.AsError(err); ok {
		switch re.Kind {
		case render.KindTimeout:
			return ReasonRenderTimeout, ClassTransient
		case render.KindChallenge:
			return ReasonAntiBot, ClassPolicy
		case render.KindPoolClosed:
			return ReasonRenderUnavailable, ClassTransient
		case render.KindBlockedURL:
			return ReasonBlockedURL, ClassFatal
		case render.KindCanceled:
			return ReasonCanceled, ClassTransient
		}
		return ReasonRenderFailed, ClassTransient
	}
	if errors.Is(err, render.ErrDisabled) {
		return ReasonRenderDisabled, ClassPolicy
	}
	return ReasonFetchFailed, ClassTransient
}

func classifyStatus(status int) (string, Class) {
	switch {
	case status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable:
		return ReasonRateLimited, ClassTransient
	case status == http.StatusNotFound || status == http.StatusGone:
		return ReasonNotFound, ClassFatal
	case status >= 500:
		return ReasonServerError, ClassTransient
	}
	return ReasonHTTPError, ClassFatal
}
