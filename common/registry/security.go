package registry

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

var blockedHostnames = map[string]struct{}{
	"localhost":       {},
	"127.0.0.1":       {},
	"::1":             {},
	"0.0.0.0":         {},
	"metadata":        {},
	"169.254.169.254": {},
}

// URLGuard rejects request targets that would let a workflow reach
// internal infrastructure: non-HTTP schemes, loopback and private
// addresses, link-local metadata endpoints.
type URLGuard struct {
	allowPrivate bool
}

func NewURLGuard(allowPrivate bool) *URLGuard {
	return &URLGuard{allowPrivate: allowPrivate}
}

// Validate returns an error when the URL must not be fetched
func (g *URLGuard) Validate(rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("unsupported url scheme %q", parsed.Scheme)
	}

	host := parsed.Hostname()
	if host == "" {
		return fmt.Errorf("url has no host")
	}
	if g.allowPrivate {
		return nil
	}

	if _, blocked := blockedHostnames[strings.ToLower(host)]; blocked {
		return fmt.Errorf("host %q is not allowed", host)
	}

	if ip := net.ParseIP(host); ip != nil {
		return g.checkIP(ip, host)
	}

	// resolve and reject when any address lands in a private range;
	// resolution failures fall through to the HTTP client
	addrs, err := net.LookupIP(host)
	if err != nil {
		return nil
	}
	for _, ip := range addrs {
		if err := g.checkIP(ip, host); err != nil {
			return err
		}
	}
	return nil
}

func (g *URLGuard) checkIP(ip net.IP, host string) error {
	switch {
	case ip.IsLoopback():
		return fmt.Errorf("host %q resolves to a loopback address", host)
	case ip.IsPrivate():
		return fmt.Errorf("host %q resolves to a private address", host)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("host %q resolves to a link-local address", host)
	case ip.IsUnspecified(), ip.IsMulticast():
		return fmt.Errorf("host %q resolves to a reserved address", host)
	}
	return nil
}
