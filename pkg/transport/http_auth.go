package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
)

// validateLocalRequest checks the Host and Origin headers against
// loopback plus the configured allow-list. A remote page that rebinds a
// DNS name to 127.0.0.1 still sends its own Origin, so this closes the
// rebinding hole for a listener that is otherwise local-only.
func (t *HTTP) validateLocalRequest(r *http.Request) error {
	if !t.isAllowedHost(r.Host) {
		return fmt.Errorf("invalid host %q", r.Host)
	}

	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return nil
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Host == "" {
		return fmt.Errorf("invalid origin %q", origin)
	}
	if !t.isAllowedHost(parsed.Host) {
		return fmt.Errorf("origin %q not allowed", origin)
	}
	return nil
}

// isAllowedHost reports whether a Host or Origin header value resolves
// to loopback or an explicitly allowed host.
func (t *HTTP) isAllowedHost(hostport string) bool {
	host, ok := normalizeHost(hostport)
	if !ok {
		return false
	}
	if isLoopbackHost(host) {
		return true
	}
	_, ok = t.allowedHosts[host]
	return ok
}

// isLoopbackHost accepts the literal local names plus any address that
// parses as a loopback IP.
func isLoopbackHost(host string) bool {
	switch host {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// normalizeHost extracts the lowercased hostname from a Host or Origin
// header value, keeping IPv6 literals intact.
func normalizeHost(hostport string) (string, bool) {
	host := strings.ToLower(strings.TrimSpace(hostport))
	if host == "" {
		return "", false
	}

	if strings.HasPrefix(host, "[") {
		if split, _, err := net.SplitHostPort(host); err == nil {
			return split, true
		}
		if strings.HasSuffix(host, "]") {
			return strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"), true
		}
		return "", false
	}

	// A bare IPv6 literal has multiple colons and no port to strip.
	if strings.Count(host, ":") > 1 {
		return host, true
	}

	if strings.Contains(host, ":") {
		split, _, err := net.SplitHostPort(host)
		if err != nil {
			return "", false
		}
		return split, true
	}
	return host, true
}

// parseAllowedHosts normalizes the configured allow-list entries.
func parseAllowedHosts(hosts []string) map[string]struct{} {
	result := make(map[string]struct{}, len(hosts))
	for _, entry := range hosts {
		host, ok := normalizeHost(entry)
		if !ok {
			continue
		}
		result[host] = struct{}{}
	}
	return result
}
