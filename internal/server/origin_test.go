package server

import "testing"

func TestMatchOriginExact(t *testing.T) {
	if !MatchOrigin("https://example.com", "https://example.com") {
		t.Error("expected exact origin to match")
	}
	if MatchOrigin("https://evil.com", "https://example.com") {
		t.Error("expected mismatched origin to be rejected")
	}
}

func TestMatchOriginPortWildcard(t *testing.T) {
	if !MatchOrigin("http://localhost:3000", "http://localhost:*") {
		t.Error("expected port wildcard to match 3000")
	}
	if !MatchOrigin("http://localhost:8080", "http://localhost:*") {
		t.Error("expected port wildcard to match 8080")
	}
	if MatchOrigin("http://evil.com:3000", "http://localhost:*") {
		t.Error("expected different host to be rejected")
	}
}

func TestMatchOriginSubdomainWildcard(t *testing.T) {
	if !MatchOrigin("https://app.example.com", "https://*.example.com") {
		t.Error("expected subdomain wildcard to match")
	}
	if MatchOrigin("https://example.com", "https://*.example.com") {
		t.Error("expected apex domain to be rejected by subdomain pattern")
	}
	if MatchOrigin("http://app.example.com", "https://*.example.com") {
		t.Error("expected scheme mismatch to be rejected")
	}
}

func TestMatchOriginStar(t *testing.T) {
	if !MatchOrigin("https://anything.com", "*") {
		t.Error("expected * to match everything")
	}
}
