// Package origin validates browser Origin headers for the relay's HTTP
// surface and the signaling WebSocket upgrade.
package origin

import (
	"net/url"
	"strconv"
	"strings"
)

// NormalizeHeader validates an Origin header as sent by the conference UI
// and canonicalizes it to scheme://host[:port]: hostname lowercased, the
// scheme's default port stripped, IPv6 literals bracketed. The host[:port]
// portion is returned separately for same-host comparisons.
//
// The opaque Origin "null" (sandboxed iframes, file:// pages) is accepted
// and returned as-is with an empty host.
func NormalizeHeader(originHeader string) (normalizedOrigin, host string, ok bool) {
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
	// An origin is scheme://host[:port] and nothing more. A bare trailing
	// slash is tolerated because some user agents send one.
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

	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// IsAllowed decides whether a normalized origin may use the relay.
//
// With a configured allow-list (ALLOWED_ORIGINS) each entry is either "*" or
// a normalized origin string. Without one the policy is same-host: the
// origin's host[:port] must equal the request's Host header, with the
// scheme's default port treated as absent. The scheme itself is not
// compared; behind a TLS-terminating proxy the relay sees http requests
// while the browser origin says https.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowedOrigins []string) bool {
	if len(allowedOrigins) > 0 {
		for _, allowed := range allowedOrigins {
			if allowed == "*" || allowed == normalizedOrigin {
				return true
			}
		}
		return false
	}

	var scheme string
	switch {
	case strings.HasPrefix(normalizedOrigin, "http://"):
		scheme = "http"
	case strings.HasPrefix(normalizedOrigin, "https://"):
		scheme = "https"
	default:
		// "null" carries no host to compare against; anything else means the
		// caller skipped NormalizeHeader.
		return false
	}

	requestCanonical, ok := canonicalHost(strings.TrimSpace(requestHost), scheme)
	if !ok {
		return false
	}
	return originHost == requestCanonical
}

// canonicalHost lowercases the hostname, validates the port, strips the
// scheme's default port and re-brackets IPv6 literals. Both the Origin
// authority and the request Host header go through it so the same-host
// comparison is apples to apples.
func canonicalHost(rawHost, scheme string) (string, bool) {
	hostname, rawPort, ok := splitAuthority(rawHost)
	if !ok {
		return "", false
	}
	hostname = strings.ToLower(hostname)
	if hostname == "" {
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
		host += ":" + strconv.FormatUint(port, 10)
	}
	return host, true
}

// splitAuthority splits host[:port]. IPv6 literals lose their brackets; the
// port comes back unvalidated and empty when absent.
func splitAuthority(rawHost string) (hostname, port string, ok bool) {
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
		if !strings.HasPrefix(rest, ":") || len(rest) == 1 {
			return "", "", false
		}
		return hostname, rest[1:], true
	}

	switch strings.Count(rawHost, ":") {
	case 0:
		return rawHost, "", true
	case 1:
		hostname, port, _ = strings.Cut(rawHost, ":")
		if hostname == "" || port == "" {
			return "", "", false
		}
		return hostname, port, true
	default:
		// An unbracketed IPv6 literal is not a valid authority.
		return "", "", false
	}
}
