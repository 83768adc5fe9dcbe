package render

import (
	"errors"
	"fmt"
)

// Kind classifies render failures.
type Kind string

const (
	KindTimeout    Kind = "timeout"
	KindChallenge  Kind = "challenge"
	KindNavigation Kind = "navigation"
	KindBrowser    Kind = "browser"
	KindPoolClosed Kind = "pool_closed"
	KindBlockedURL Kind = "blocked_url"
	KindCanceled   Kind = "canceled"
)

var (
	// ErrPoolClosed is returned by Acquire once Close has been called.
	ErrPoolClosed = errors.New("render: browser pool is closed")
	// ErrDisabled is returned when rendering is switched off in config.
	ErrDisabled = errors.New("render: disabled")
)

// Error is the typed failure of a render. On KindTimeout the Result returned
// alongside it holds whatever DOM was present when the budget ran out.
type Error struct {
	Kind      Kind
	URL       string
	Challenge string
	Err       error
}

func (e *Error) Error() string {
	switch {
	case e.Challenge != "":
		return fmt.Sprintf("render: %s %s: %s", e.Kind, e.URL, e.Challenge)
	case e.Err != nil:
		return fmt.Sprintf("render: %s %s: %v", e.Kind, e.URL, e.Err)
	default:
		return fmt.Sprintf("render: %s %s", e.Kind, e.URL)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// AsError extracts a *Error from err.
func AsError(err error) (*Error, bool) {
	var re *Error
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
