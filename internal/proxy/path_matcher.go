package proxy

import (
	"path"
	"strings"
)

// PathMatcher restricts the downstream paths a route exposes. A matcher with
// no patterns allows every path.
//
// Pattern segments match literally, except:
//   - * matches exactly one non-empty segment: /orders/*/items
//   - a trailing ** matches the prefix and anything below it: /orders/**
type PathMatcher struct {
	patterns [][]string
}

// NewPathMatcher compiles the allowed path patterns of a route
func NewPathMatcher(patterns []string) *PathMatcher {
	m := &PathMatcher{}
	for _, p := range patterns {
		m.patterns = append(m.patterns, segments(p))
	}
	return m
}

// Allows reports whether p may be forwarded
func (m *PathMatcher) Allows(p string) bool {
	if len(m.patterns) == 0 {
		return true
	}
	parts := segments(p)
	for _, pattern := range m.patterns {
		if matchSegments(pattern, parts) {
			return true
		}
	}
	return false
}

// segments splits a cleaned, rooted path. The root path has no segments.
func segments(p string) []string {
	p = path.Clean("/" + p)
	if p == "/" {
		return nil
	}
	return strings.Split(p[1:], "/")
}

func matchSegments(pattern, parts []string) bool {
	for i, seg := range pattern {
		if seg == "**" && i == len(pattern)-1 {
			return true
		}
		if i >= len(parts) {
			return false
		}
		if seg == "*" {
			continue
		}
		if seg != parts[i] {
			return false
		}
	}
	return len(pattern) == len(parts)
}
