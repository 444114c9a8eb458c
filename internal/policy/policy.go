package policy

import (
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/wilsonzlin/aero/proxy/lan-signaling-relay/internal/netaddr"
)

var ErrDenied = errors.New("target policy: denied")

// TargetPolicy controls which relays may be reached by /forward and
// /poll-signaling requests.
//
// Policy evaluation order:
//  1. Hostnames are allowed only with AllowPublic
//  2. Unroutable ranges (unspecified, multicast, broadcast, reserved)
//  3. CIDR denylist
//  4. CIDR allowlist (if configured)
//  5. LAN ranges are allowed, anything else only with AllowPublic
//
// Deny rules always override allow rules.
type TargetPolicy struct {
	// AllowPublic permits targets outside the LAN ranges when no allowlist
	// is configured.
	AllowPublic bool

	AllowCIDRs []netip.Prefix
	DenyCIDRs  []netip.Prefix
}

// NewLANPolicy allows every LAN range and nothing else.
func NewLANPolicy() *TargetPolicy {
	return &TargetPolicy{}
}

// New builds a policy from configured CIDR lists.
func New(allow, deny []string, allowPublic bool) (*TargetPolicy, error) {
	p := &TargetPolicy{AllowPublic: allowPublic}
	var err error
	if p.AllowCIDRs, err = ParseCIDRList(allow); err != nil {
		return nil, fmt.Errorf("target policy: allow list: %w", err)
	}
	if p.DenyCIDRs, err = ParseCIDRList(deny); err != nil {
		return nil, fmt.Errorf("target policy: deny list: %w", err)
	}
	return p, nil
}

// Allow returns nil when target may be contacted. A nil policy allows
// everything.
func (p *TargetPolicy) Allow(target netaddr.Addr) error {
	if p == nil {
		return nil
	}
	if !target.IsValid() {
		return fmt.Errorf("%w: empty target", ErrDenied)
	}
	if !target.IsIP() {
		if p.AllowPublic && len(p.AllowCIDRs) == 0 {
			return nil
		}
		return fmt.Errorf("%w: hostname %s", ErrDenied, target)
	}

	ip := target.IP()
	if inPrefixes(ip, unroutable) {
		return fmt.Errorf("%w: %s is not routable", ErrDenied, target)
	}
	if inPrefixes(ip, p.DenyCIDRs) {
		return fmt.Errorf("%w: %s matches deny rule", ErrDenied, target)
	}
	if len(p.AllowCIDRs) > 0 {
		if inPrefixes(ip, p.AllowCIDRs) {
			return nil
		}
		return fmt.Errorf("%w: %s not in allowlist", ErrDenied, target)
	}
	if inPrefixes(ip, lanRanges) || p.AllowPublic {
		return nil
	}
	return fmt.Errorf("%w: %s is outside the local network", ErrDenied, target)
}

// ParseCIDRList parses CIDRs or bare IPs (as single-address prefixes).
func ParseCIDRList(values []string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range values {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			ip, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("parse CIDR %q: %w", raw, err)
			}
			ip = ip.Unmap()
			out = append(out, netip.PrefixFrom(ip, ip.BitLen()))
			continue
		}
		pfx, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("parse CIDR %q: %w", raw, err)
		}
		out = append(out, pfx.Masked())
	}
	return out, nil
}

func inPrefixes(ip netip.Addr, prefixes []netip.Prefix) bool {
	ip = ip.Unmap()
	for _, p := range prefixes {
		if p.Contains(ip) {
			return true
		}
	}
	return false
}

var lanRanges = []netip.Prefix{
	// loopback
	netip.MustParsePrefix("127.0.0.0/8"),
	// link-local
	netip.MustParsePrefix("169.254.0.0/16"),
	// RFC1918 private
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.168.0.0/16"),
	// CGNAT
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("fe80::/10"),
	// unique local addresses (RFC4193)
	netip.MustParsePrefix("fc00::/7"),
}

var unroutable = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	// multicast
	netip.MustParsePrefix("224.0.0.0/4"),
	// reserved, includes the limited broadcast address
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("ff00::/8"),
}
