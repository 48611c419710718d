package server

import "strings"

// MatchOrigin reports whether an Origin header value matches an allowlist
// pattern. Patterns support "*", "scheme://host:*" (any port) and
// "scheme://*.domain" (any subdomain).
func MatchOrigin(origin string, pattern string) bool {
	if pattern == "*" {
		return true
	}

	if strings.Contains(pattern, "*") {
		return matchOriginWildcard(origin, pattern)
	}

	return origin == pattern
}

func matchOriginWildcard(origin, pattern string) bool {
	if strings.HasSuffix(pattern, ":*") {
		prefix := strings.TrimSuffix(pattern, ":*")
		originNoPort := origin
		if idx := strings.LastIndex(origin, ":"); idx > strings.Index(origin, "//") {
			originNoPort = origin[:idx]
		}
		return originNoPort == prefix
	}

	if strings.HasPrefix(pattern, "https://*.") {
		suffix := strings.TrimPrefix(pattern, "https://*")
		if !strings.HasPrefix(origin, "https://") {
			return false
		}
		host := strings.TrimPrefix(origin, "https://")
		return strings.HasSuffix(host, suffix) && !strings.HasPrefix(host, "*")
	}

	if strings.HasPrefix(pattern, "http://*.") {
		suffix := strings.TrimPrefix(pattern, "http://*")
		if !strings.HasPrefix(origin, "http://") {
			return false
		}
		host := strings.TrimPrefix(origin, "http://")
		return strings.HasSuffix(host, suffix) && !strings.HasPrefix(host, "*")
	}

	return false
}
