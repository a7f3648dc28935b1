package scraper

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/2501Pr0ject/scrapinium/internal/types"
)

// Hostnames that resolve to cloud metadata services regardless of IP.
var metadataHosts = map[string]bool{
	"metadata.google.internal": true,
	"metadata.goog":            true,
	"169.254.169.254":          true,
	"fd00:ec2::254":            true,
}

// URLValidator rejects invalid and SSRF-prone targets before any browser
// touches them.
type URLValidator struct {
	allowPrivate bool
	resolver     *net.Resolver
	timeout      time.Duration
}

// NewURLValidator creates a validator. allowPrivate permits RFC1918 and
// unique-local ranges; loopback, link-local, and metadata endpoints are always
// blocked.
func NewURLValidator(allowPrivate bool) *URLValidator {
	return &URLValidator{
		allowPrivate: allowPrivate,
		resolver:     net.DefaultResolver,
		timeout:      5 * time.Second,
	}
}

// Validate checks scheme, host, and resolved addresses. Errors carry the
// invalid_url taxonomy kind.
func (v *URLValidator) Validate(ctx context.Context, rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return types.NewTaskError(types.KindInvalidURL, "malformed url", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return types.NewTaskError(types.KindInvalidURL,
			fmt.Sprintf("scheme must be http or https, got %q", u.Scheme), nil)
	}
	host := u.Hostname()
	if host == "" {
		return types.NewTaskError(types.KindInvalidURL, "url has no host", nil)
	}

	if metadataHosts[strings.ToLower(host)] {
		return types.NewTaskError(types.KindInvalidURL, "metadata endpoint blocked", nil)
	}

	// Literal IPs skip DNS.
	if ip := net.ParseIP(host); ip != nil {
		return v.checkIP(ip)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	addrs, err := v.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return types.NewTaskError(types.KindInvalidURL, "host does not resolve", err)
	}
	if len(addrs) == 0 {
		return types.NewTaskError(types.KindInvalidURL, "host has no addresses", nil)
	}

	// Every resolved address must pass; one bad A record poisons the host.
	for _, addr := range addrs {
		if err := v.checkIP(addr.IP); err != nil {
			return err
		}
	}
	return nil
}

func (v *URLValidator) checkIP(ip net.IP) error {
	switch {
	case ip.IsLoopback():
		return types.NewTaskError(types.KindInvalidURL, "loopback address blocked", nil)
	case ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast():
		return types.NewTaskError(types.KindInvalidURL, "link-local address blocked", nil)
	case ip.IsUnspecified():
		return types.NewTaskError(types.KindInvalidURL, "unspecified address blocked", nil)
	case ip.IsPrivate():
		if !v.allowPrivate {
			return types.NewTaskError(types.KindInvalidURL, "private address blocked", nil)
		}
	}
	return nil
}
