package classify

import (
	"bytes"
	"net/http"
)

// Challenge signals. Empty means none was detected.
const (
	ChallengeCloudflare   = "cloudflare"
	ChallengeCaptcha      = "captcha"
	ChallengeAccessDenied = "access_denied"
)

var (
	cloudflarePatterns = [][]byte{
		[]byte("cf-browser-verification"),
		[]byte("challenge-platform"),
		[]byte("cf_chl_opt"),
		[]byte("_cf_chl"),
		[]byte("checking your browser"),
		[]byte("just a moment..."),
		[]byte("attention required! | cloudflare"),
	}
	captchaPatterns = [][]byte{
		[]byte("g-recaptcha"),
		[]byte("grecaptcha"),
		[]byte("h-captcha"),
		[]byte("hcaptcha"),
		[]byte("cf-turnstile"),
		[]byte("captcha-container"),
	}
	accessDeniedPatterns = [][]byte{
		[]byte("access denied"),
		[]byte("access to this page has been denied"),
		[]byte("request blocked"),
		[]byte("bot detected"),
		[]byte("please verify you are human"),
		[]byte("are you a robot"),
	}
)

// challengeTextLimit bounds the visible text of a page that can still be
// read as a challenge. Long articles that merely mention "captcha" are not.
const challengeTextLimit = 2000

// DetectChallenge reports an anti-automation signal in a response, or "".
// lower is the lowercased body.
func DetectChallenge(status int, header http.Header, lower []byte, visibleText int) string {
	if header != nil && header.Get("cf-mitigated") == "challenge" {
		return ChallengeCloudflare
	}
	blockedStatus := status == http.StatusForbidden || status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests
	if !blockedStatus && visibleText > challengeTextLimit {
		return ""
	}
	for _, p := range cloudflarePatterns {
		if bytes.Contains(lower, p) {
			return ChallengeCloudflare
		}
	}
	for _, p := range captchaPatterns {
		if bytes.Contains(lower, p) {
			return ChallengeCaptcha
		}
	}
	if status == http.StatusForbidden || visibleText < 500 {
		for _, p := range accessDeniedPatterns {
			if bytes.Contains(lower, p) {
				return ChallengeAccessDenied
			}
		}
	}
	return ""
}
