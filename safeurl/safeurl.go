// Package safeurl holds the URL checks shared by the fetch and render tiers:
// SSRF prevention, normalisation, registrable-domain keys and bounded reads.
package safeurl

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

// ErrSSRF is returned when a URL targets a private or loopback address.
var ErrSSRF = errors.New("safeurl: URL targets a private or loopback address")

// ErrUnsafeScheme is returned when a URL uses a non-HTTP(S) scheme.
var ErrUnsafeScheme = errors.New("safeurl: only http and https schemes are allowed")

// ErrTooLarge is returned by LimitedReadAll when the limit is exceeded.
var ErrTooLarge = errors.New("safeurl: response exceeds size limit")

// Validator checks a URL before the crawler touches the network.
type Validator func(rawURL string) error

// ValidateURL checks that rawURL is http(s), has a host, and does not resolve
// to a private or loopback address. Hostnames are resolved so that internal
// names pointing at private ranges are caught too.
func ValidateURL(rawURL string) error {
	u, err := CheckSyntax(rawURL)
	if err != nil {
		return err
	}
	host := u.Hostname()
	if ip := net.ParseIP(host); ip != nil {
		if isPrivateIP(ip) {
			return ErrSSRF
		}
		return nil
	}
	addrs, err := net.LookupHost(host)
	if err != nil {
		// Unresolvable hosts fail later at dial time with a typed DNS error.
		return nil
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && isPrivateIP(ip) {
			return ErrSSRF
		}
	}
	return nil
}

// CheckSyntax validates scheme and host without any DNS lookup. It is the
// validator used when private addresses are explicitly allowed (tests, lab
// deployments).
func CheckSyntax(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("safeurl: invalid URL: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return nil, ErrUnsafeScheme
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("safeurl: URL has no host")
	}
	return u, nil
}

// AllowPrivate is a Validator that only checks syntax.
func AllowPrivate(rawURL string) error {
	_, err := CheckSyntax(rawURL)
	return err
}

// Normalize lowercases scheme and host, strips default ports and the
// fragment, and resolves an empty path to "/".
func Normalize(rawURL string) (string, error) {
	u, err := CheckSyntax(rawURL)
	if err != nil {
		return "", err
	}
	u.Scheme = strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	u.Host = host
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}

// RegistrableDomain returns the eTLD+1 of the URL's host ("www.a.example.com"
// → "example.com"). IP literals and single-label hosts are returned as is.
func RegistrableDomain(rawURL string) (string, error) {
	u, err := CheckSyntax(rawURL)
	if err != nil {
		return "", err
	}
	return DomainOf(u.Hostname()), nil
}

// DomainOf is RegistrableDomain for a bare host name.
func DomainOf(host string) string {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if net.ParseIP(host) != nil || !strings.Contains(host, ".") {
		return host
	}
	d, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return d
}

// LimitedReadAll reads at most maxBytes from r and returns ErrTooLarge when
// the stream is longer.
func LimitedReadAll(r io.Reader, maxBytes int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > maxBytes {
		return nil, ErrTooLarge
	}
	return data, nil
}

var privateRanges = func() []*net.IPNet {
	var nets []*net.IPNet
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"100.64.0.0/10",
		"169.254.0.0/16",
		"fc00::/7",
	} {
		_, n, _ := net.ParseCIDR(cidr)
		nets = append(nets, n)
	}
	return nets
}()

func isPrivateIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return true
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
