package urlvalidation

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"slices"
	"strings"
)

// Resolver looks up the addresses of a host.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Option configures URL validation behavior.
type Option func(*validationConfig)

type validationConfig struct {
	allowPrivate bool
	schemes      []string
	resolver     Resolver
}

// AllowPrivateIPs disables the private IP check. Use only in tests or for
// endpoints that are known to run next to the assistant.
func AllowPrivateIPs() Option {
	return func(c *validationConfig) {
		c.allowPrivate = true
	}
}

// AllowSchemes replaces the accepted URL schemes (http and https by default).
func AllowSchemes(schemes ...string) Option {
	return func(c *validationConfig) {
		c.schemes = schemes
	}
}

// WithResolver replaces net.DefaultResolver.
func WithResolver(r Resolver) Option {
	return func(c *validationConfig) {
		c.resolver = r
	}
}

// ValidateURL checks that a URL is safe to call out to. It rejects private
// and reserved addresses unless AllowPrivateIPs is given.
func ValidateURL(ctx context.Context, rawURL string, opts ...Option) error {
	cfg := validationConfig{
		schemes:  []string{"http", "https"},
		resolver: net.DefaultResolver,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	scheme := strings.ToLower(u.Scheme)
	if !slices.Contains(cfg.schemes, scheme) {
		return fmt.Errorf("URL scheme %q not allowed; use one of %s", u.Scheme, strings.Join(cfg.schemes, ", "))
	}

	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a hostname")
	}
	if cfg.allowPrivate {
		return nil
	}

	addrs, err := resolve(ctx, cfg.resolver, host)
	if err != nil {
		return fmt.Errorf("cannot resolve hostname %q: %w", host, err)
	}
	for _, addr := range addrs {
		if isPrivate(addr) {
			return fmt.Errorf("URL resolves to private/reserved IP %s", addr)
		}
	}
	return nil
}

func resolve(ctx context.Context, r Resolver, host string) ([]netip.Addr, error) {
	if addr, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{addr}, nil
	}
	return r.LookupNetIP(ctx, "ip", host)
}

var reserved = []netip.Prefix{
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.0.2.0/24"),
	netip.MustParsePrefix("198.51.100.0/24"),
	netip.MustParsePrefix("203.0.113.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
}

// isPrivate reports whether addr is loopback, private, link-local or
// otherwise reserved. IPv4-mapped IPv6 addresses are checked as IPv4.
func isPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range reserved {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
