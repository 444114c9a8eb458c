// Package netaddr provides the canonical peer address used as the key for the
// peer registry, the local client registry and the pending signaling queue.
//
// Addresses arrive from several places (UDP datagram sources, HTTP remote
// addresses, self-declared client registrations, envelope targets) and in
// several spellings for the same host: "10.0.0.5", "::ffff:10.0.0.5",
// "[::ffff:10.0.0.5]:3001", "10.0.0.5:51234". Parse collapses all of them to a
// single form so comparisons are plain equality.
package netaddr

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

var ErrEmpty = errors.New("netaddr: empty address")

// Addr is a normalized peer address. The zero value is invalid.
//
// IP addresses are stored unmapped and without zone; anything that does not
// parse as an IP is treated as a hostname and lower-cased.
type Addr struct {
	ip   netip.Addr
	host string
}

// Parse normalizes s into an Addr.
//
// Accepted forms: "1.2.3.4", "1.2.3.4:port", "::ffff:1.2.3.4",
// "[fe80::1%eth0]:port", "fe80::1", "hostname", "hostname:port".
func Parse(s string) (Addr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Addr{}, ErrEmpty
	}

	if ip, ok := parseIP(s); ok {
		return FromIP(ip), nil
	}

	// host:port or [host]:port
	if host, _, err := net.SplitHostPort(s); err == nil {
		if host == "" {
			return Addr{}, fmt.Errorf("netaddr: missing host in %q", s)
		}
		if ip, ok := parseIP(host); ok {
			return FromIP(ip), nil
		}
		s = host
	}

	s = strings.TrimSuffix(strings.TrimPrefix(s, "["), "]")
	if ip, ok := parseIP(s); ok {
		return FromIP(ip), nil
	}
	if strings.ContainsAny(s, " /[]@") {
		return Addr{}, fmt.Errorf("netaddr: invalid address %q", s)
	}
	return Addr{host: strings.ToLower(s)}, nil
}

// MustParse is Parse for constants in tests and defaults.
func MustParse(s string) Addr {
	a, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return a
}

func parseIP(s string) (netip.Addr, bool) {
	ip, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip, true
}

// FromIP returns the canonical Addr for ip.
func FromIP(ip netip.Addr) Addr {
	return Addr{ip: ip.WithZone("").Unmap()}
}

// FromNetAddr extracts the host part of a socket address.
func FromNetAddr(a net.Addr) (Addr, error) {
	switch v := a.(type) {
	case *net.UDPAddr:
		return fromStdIP(v.IP)
	case *net.TCPAddr:
		return fromStdIP(v.IP)
	case *net.IPAddr:
		return fromStdIP(v.IP)
	case *net.IPNet:
		return fromStdIP(v.IP)
	case nil:
		return Addr{}, ErrEmpty
	default:
		return Parse(a.String())
	}
}

func fromStdIP(ip net.IP) (Addr, error) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return Addr{}, fmt.Errorf("netaddr: invalid ip %v", ip)
	}
	return FromIP(addr), nil
}

// FromRemoteAddr parses an http.Request.RemoteAddr style "host:port" value.
func FromRemoteAddr(remote string) (Addr, error) {
	return Parse(remote)
}

func (a Addr) IsValid() bool { return a.ip.IsValid() || a.host != "" }

func (a Addr) IsIP() bool { return a.ip.IsValid() }

// IP returns the address as netip.Addr; invalid for hostnames.
func (a Addr) IP() netip.Addr { return a.ip }

func (a Addr) IsLoopback() bool {
	if a.ip.IsValid() {
		return a.ip.IsLoopback()
	}
	return a.host == "localhost"
}

func (a Addr) String() string {
	if a.ip.IsValid() {
		return a.ip.String()
	}
	return a.host
}

// HostPort joins the address with port for dialing.
func (a Addr) HostPort(port int) string {
	return net.JoinHostPort(a.String(), strconv.Itoa(port))
}

func (a Addr) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Addr) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*a = Addr{}
		return nil
	}
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Subnet24Hosts returns every host address x.y.z.1 through x.y.z.254 of the
// /24 containing a, excluding a itself. It returns nil for anything other than
// an IPv4 address.
func Subnet24Hosts(a Addr) []Addr {
	if !a.ip.Is4() {
		return nil
	}
	b := a.ip.As4()
	out := make([]Addr, 0, 253)
	for i := 1; i <= 254; i++ {
		if byte(i) == b[3] {
			continue
		}
		out = append(out, FromIP(netip.AddrFrom4([4]byte{b[0], b[1], b[2], byte(i)})))
	}
	return out
}

// Broadcast24 returns the directed broadcast address x.y.z.255 of a's /24.
func Broadcast24(a Addr) (Addr, bool) {
	if !a.ip.Is4() {
		return Addr{}, false
	}
	b := a.ip.As4()
	b[3] = 255
	return FromIP(netip.AddrFrom4(b)), true
}
