// Package target turns the path-embedded forwarding target into a
// validated absolute URL. This boundary is where SSRF protection lives:
// anything pointing at loopback, link-local or private address space is
// rejected before a single byte goes upstream.
package target

import (
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// ErrInvalidTarget 表示目标 URL 格式不合法。
var ErrInvalidTarget = errors.New("invalid target url")

// ErrForbiddenTarget 表示目标指向内部网络, 被 SSRF 防护拒绝。
var ErrForbiddenTarget = errors.New("target host is forbidden")

// Parse extracts the forwarding target from an inbound request path of
// the form "/http://host/path". The query string is preserved verbatim.
func Parse(rawPath string) (*url.URL, error) {
	raw := strings.TrimPrefix(rawPath, "/")
	if !strings.HasPrefix(raw, "http://") && !strings.HasPrefix(raw, "https://") {
		return nil, fmt.Errorf("%w: expected /http://target or /https://target, got %q", ErrInvalidTarget, rawPath)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}

	if err := checkHost(u.Hostname()); err != nil {
		return nil, err
	}
	return u, nil
}

// checkHost rejects hosts in loopback, link-local, private and
// unspecified ranges. Hostnames are checked literally ("localhost" and
// friends); no DNS resolution happens at validation time, matching the
// per-attempt resolution done by the transport.
func checkHost(host string) error {
	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return fmt.Errorf("%w: %s", ErrForbiddenTarget, host)
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		// Not an IP literal; public hostnames pass.
		return nil
	}
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() || addr.IsUnspecified() {
		return fmt.Errorf("%w: %s", ErrForbiddenTarget, host)
	}
	return nil
}
