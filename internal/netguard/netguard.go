// Package netguard validates outbound URLs before any socket is opened.
// It is the only gate between a server configuration and the network:
// scheme and credential checks, private-range classification over the
// literal host and every resolved address, and a double-resolution check
// against DNS rebinding. Validation runs again at connect time, not just
// when a configuration is saved, because DNS answers change.
package netguard

import (
	"context"
	"net"
	"net/netip"
	"net/url"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/triage-ai/bulwark/internal/errdefs"
)

// Resolver is the DNS dependency. *net.Resolver satisfies it; tests
// substitute their own.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Options are per-server opt-ins. Both default to the strict posture.
type Options struct {
	// AllowLocalHTTP permits plain http, and only to a private
	// destination. Public http is never allowed.
	AllowLocalHTTP bool
	// AllowPrivateHTTPS permits https to private-network destinations.
	AllowPrivateHTTPS bool
	// PinnedAddrs, when non-empty, must equal the resolved address set
	// exactly.
	PinnedAddrs []netip.Addr
}

// Guard classifies and vets URLs. Construct once and share; it holds no
// per-request state.
type Guard struct {
	resolver Resolver
	logger   *zap.Logger
}

func New(resolver Resolver, logger *zap.Logger) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{resolver: resolver, logger: logger}
}

// Validate runs the full check chain on rawURL and returns its canonical
// form. The canonical form always carries an explicit path.
func (g *Guard) Validate(ctx context.Context, rawURL string, opts Options) (string, error) {
	canon, _, err := g.ValidateResolved(ctx, rawURL, opts)
	return canon, err
}

// ValidateResolved is Validate plus the vetted address set, for callers
// that dial the connection themselves and must use exactly the addresses
// that passed.
func (g *Guard) ValidateResolved(ctx context.Context, rawURL string, opts Options) (string, []netip.Addr, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, errdefs.Wrap(errdefs.KindValidation, "parse url", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", nil, errdefs.Newf(errdefs.KindPolicyViolation, "scheme not allowed: %s", u.Scheme)
	}
	if u.User != nil {
		return "", nil, errdefs.New(errdefs.KindPolicyViolation, "embedded credentials not allowed")
	}
	host := u.Hostname()
	if host == "" {
		return "", nil, errdefs.New(errdefs.KindValidation, "missing host")
	}

	private := privateHostname(host)
	var addrs []netip.Addr
	if ip, parseErr := netip.ParseAddr(host); parseErr == nil {
		addrs = []netip.Addr{ip.WithZone("").Unmap()}
		if privateAddr(ip) {
			private = true
		}
	} else {
		first, err := g.lookup(ctx, host)
		if err != nil {
			return "", nil, err
		}
		second, err := g.lookup(ctx, host)
		if err != nil {
			return "", nil, err
		}
		if !sameAddrs(first, second) {
			g.logger.Warn("dns answers diverged between lookups",
				zap.String("host", host))
			return "", nil, errdefs.Newf(errdefs.KindPolicyViolation, "dns answers for %s diverged between lookups", host)
		}
		addrs = first
		for _, a := range addrs {
			if privateAddr(a) {
				private = true
				break
			}
		}
	}

	if len(opts.PinnedAddrs) > 0 && !sameAddrs(addrs, normalizeAddrs(opts.PinnedAddrs)) {
		g.logger.Warn("resolved addresses do not match pinned set",
			zap.String("host", host))
		return "", nil, errdefs.Newf(errdefs.KindPolicyViolation, "resolved addresses for %s do not match pinned set", host)
	}

	switch scheme {
	case "http":
		if !opts.AllowLocalHTTP {
			return "", nil, errdefs.New(errdefs.KindPolicyViolation, "plain http requires the local-http opt-in")
		}
		if !private {
			return "", nil, errdefs.New(errdefs.KindPolicyViolation, "plain http to a public destination is never allowed")
		}
	case "https":
		if private && !opts.AllowPrivateHTTPS {
			return "", nil, errdefs.Newf(errdefs.KindPolicyViolation, "private destination requires explicit opt-in: %s", host)
		}
	}

	if u.Path == "" {
		u.Path = "/"
	}
	g.logger.Debug("url validated",
		zap.String("host", host),
		zap.Bool("private", private),
		zap.Int("addr_count", len(addrs)))
	return u.String(), addrs, nil
}

func (g *Guard) lookup(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindTransport, "resolve "+host, err)
	}
	if len(addrs) == 0 {
		return nil, errdefs.Newf(errdefs.KindTransport, "no addresses for %s", host)
	}
	return normalizeAddrs(addrs), nil
}

// normalizeAddrs unmaps, strips zones, sorts, and deduplicates, so two
// answers for the same host compare structurally.
func normalizeAddrs(addrs []netip.Addr) []netip.Addr {
	out := make([]netip.Addr, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.WithZone("").Unmap())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	dedup := out[:0]
	for i, a := range out {
		if i == 0 || a != out[i-1] {
			dedup = append(dedup, a)
		}
	}
	return dedup
}

func sameAddrs(a, b []netip.Addr) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func privateHostname(host string) bool {
	h := strings.TrimSuffix(strings.ToLower(host), ".")
	return h == "localhost" || strings.HasSuffix(h, ".local")
}

var privatePrefixes4 = mustPrefixes(
	"0.0.0.0/8",       // this-host
	"127.0.0.0/8",     // loopback
	"10.0.0.0/8",      // RFC1918
	"172.16.0.0/12",   // RFC1918
	"192.168.0.0/16",  // RFC1918
	"169.254.0.0/16",  // link-local
	"100.64.0.0/10",   // carrier-grade NAT
	"192.0.2.0/24",    // documentation
	"198.51.100.0/24", // documentation
	"203.0.113.0/24",  // documentation
	"198.18.0.0/15",   // benchmark
	"224.0.0.0/4",     // multicast
)

var privatePrefixes6 = mustPrefixes(
	"::1/128",       // loopback
	"fc00::/7",      // unique-local
	"fe80::/10",     // link-local
	"2001:db8::/32", // documentation
)

func mustPrefixes(cidrs ...string) []netip.Prefix {
	out := make([]netip.Prefix, len(cidrs))
	for i, c := range cidrs {
		out[i] = netip.MustParsePrefix(c)
	}
	return out
}

// privateAddr reports whether a is in any non-public range. Mapped IPv4
// is unmapped first, so ::ffff:127.0.0.1 classifies as loopback rather
// than slipping through as a fresh IPv6 address.
func privateAddr(a netip.Addr) bool {
	a = a.WithZone("").Unmap()
	if a.IsUnspecified() {
		return true
	}
	prefixes := privatePrefixes6
	if a.Is4() {
		prefixes = privatePrefixes4
	}
	for _, p := range prefixes {
		if p.Contains(a) {
			return true
		}
	}
	return false
}
