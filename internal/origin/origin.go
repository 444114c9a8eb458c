// Package origin decides which browser origins may reach the control plane
// and open signaling sessions.
package origin

import (
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

// Policy is an origin allow-list. With no entries, only same-host origins
// are accepted. "*" accepts every origin; "null" must be listed explicitly.
//
// When loopback origins are allowed, a page served from localhost or a
// loopback IP on any port may connect. That is how a locally served UI
// reaches the relay running next to it.
type Policy struct {
	allowed       map[string]struct{}
	any           bool
	allowLoopback bool
}

// NewPolicy normalizes every entry of allowed. Entries that are neither "*",
// "null" nor a valid origin are dropped and returned so the caller can warn
// about them.
func NewPolicy(allowed []string, allowLoopback bool) (*Policy, []string) {
	p := &Policy{
		allowed:       make(map[string]struct{}, len(allowed)),
		allowLoopback: allowLoopback,
	}
	var invalid []string
	for _, raw := range allowed {
		raw = strings.TrimSpace(raw)
		switch raw {
		case "":
			continue
		case "*":
			p.any = true
			continue
		}
		normalized, _, ok := NormalizeHeader(raw)
		if !ok {
			invalid = append(invalid, raw)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p, invalid
}

// Restricted reports whether the policy can reject anything at all.
func (p *Policy) Restricted() bool { return !p.any }

// Check reports whether originHeader may access a server reached as
// requestHost. An absent Origin header is always allowed; non-browser
// clients and relays do not send one.
func (p *Policy) Check(originHeader, requestHost string) bool {
	if strings.TrimSpace(originHeader) == "" {
		return true
	}
	normalized, originHost, ok := NormalizeHeader(originHeader)
	if !ok {
		return false
	}
	if p.any {
		return true
	}
	if _, ok := p.allowed[normalized]; ok {
		return true
	}
	if p.allowLoopback && isLoopbackHost(originHost) {
		return true
	}
	if len(p.allowed) > 0 {
		return false
	}
	return sameHost(normalized, originHost, requestHost)
}

// CheckRequest applies Check to r's Origin and Host headers.
func (p *Policy) CheckRequest(r *http.Request) bool {
	return p.Check(r.Header.Get("Origin"), r.Host)
}

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port]) and the host[:port]
// portion for same-host comparisons. Default ports are dropped.
//
// The special Origin value "null" is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}

	host, ok = canonicalAuthority(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// sameHost compares host:port only. The scheme is ignored so that a relay
// behind a TLS-terminating proxy still matches https origins.
func sameHost(normalizedOrigin, originHost, requestHost string) bool {
	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		return false
	}
	normalizedRequestHost, ok := canonicalAuthority(requestHost, scheme)
	if !ok {
		return false
	}
	return originHost == normalizedRequestHost
}

func isLoopbackHost(host string) bool {
	hostname, _, ok := splitHostPort(host)
	if !ok {
		return false
	}
	if hostname == "localhost" || strings.HasSuffix(hostname, ".localhost") {
		return true
	}
	ip, err := netip.ParseAddr(hostname)
	return err == nil && ip.Unmap().IsLoopback()
}

// canonicalAuthority lower-cases an authority, validates its port and drops
// the default port for scheme.
func canonicalAuthority(authority, scheme string) (string, bool) {
	trimmed := strings.ToLower(strings.TrimSpace(authority))
	if trimmed == "" {
		return "", false
	}

	hostname, rawPort, ok := splitHostPort(trimmed)
	if !ok || hostname == "" {
		return "", false
	}

	var port uint64
	if rawPort != "" {
		n, err := strconv.ParseUint(rawPort, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		port = n
	}
	if (scheme == "http" && port == 80) || (scheme == "https" && port == 443) {
		port = 0
	}

	host := hostname
	if strings.Contains(hostname, ":") {
		host = "[" + hostname + "]"
	}
	if port != 0 {
		host = host + ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitHostPort splits an authority host[:port] string.
//
// The hostname is returned without brackets for IPv6 literals. The port is
// returned as-is (not validated) and will be empty when absent.
func splitHostPort(rawHost string) (hostname, port string, ok bool) {
	if rawHost == "" {
		return "", "", false
	}

	if strings.HasPrefix(rawHost, "[") {
		end := strings.IndexByte(rawHost, ']')
		if end < 0 {
			return "", "", false
		}
		hostname = rawHost[1:end]
		rest := rawHost[end+1:]
		if rest == "" {
			return hostname, "", true
		}
		if !strings.HasPrefix(rest, ":") {
			return "", "", false
		}
		port = rest[1:]
		if port == "" {
			return "", "", false
		}
		return hostname, port, true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		parts := strings.SplitN(rawHost, ":", 2)
		if parts[0] == "" || parts[1] == "" {
			return "", "", false
		}
		return parts[0], parts[1], true
	default:
		return "", "", false
	}
}
