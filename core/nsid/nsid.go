// Copyright 2026 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package nsid validates and normalizes the collection identifiers (and
// collection prefix patterns) that subscribers ask the proxy for.
//
// A collection identifier is a namespaced id of at least three segments,
// such as "app.bsky.feed.post". All but the last segment form the domain
// authority, the last segment is the name. A pattern ending in ".*" matches
// every collection that starts with the given domain.
package nsid

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

const (
	// MaxLength is the maximum length of an identifier or pattern.
	MaxLength = 317

	// MaxDomainLength is the maximum length of the domain authority,
	// including the separating periods.
	MaxDomainLength = 253

	// MaxSegmentLength is the maximum length of a single segment.
	MaxSegmentLength = 63

	wildcardSuffix = ".*"
)

// Pattern is a validated and normalized collection pattern. The zero value
// is not a valid pattern; use ParsePattern to create one.
type Pattern struct {
	value  string
	prefix bool
}

// ParsePattern validates s as either a fully qualified collection
// identifier or a prefix pattern ending in ".*", and returns it normalized.
// The domain segments are lower-cased, the name segment keeps its case.
func ParsePattern(s string) (Pattern, error) {
	value, prefix, reason := parse(s)
	if reason != "" {
		return Pattern{}, errors.NewNotValid(nil, fmt.Sprintf("collection pattern %q: %s", s, reason))
	}
	return Pattern{value: value, prefix: prefix}, nil
}

// MustParsePattern is like ParsePattern but panics on error.
func MustParsePattern(s string) Pattern {
	p, err := ParsePattern(s)
	if err != nil {
		panic(err)
	}
	return p
}

// IsValidPattern reports whether s would be accepted by ParsePattern.
func IsValidPattern(s string) bool {
	_, _, reason := parse(s)
	return reason == ""
}

// Value returns the normalized identifier. For prefix patterns this is the
// domain without the trailing ".*".
func (p Pattern) Value() string {
	return p.value
}

// IsPrefix reports whether the pattern was written with a trailing ".*".
func (p Pattern) IsPrefix() bool {
	return p.prefix
}

// String returns the pattern in the form it is sent over the wire.
func (p Pattern) String() string {
	if p.prefix {
		return p.value + wildcardSuffix
	}
	return p.value
}

// Matches reports whether the collection satisfies the pattern. Prefix
// patterns are a plain string prefix test against the stored value, so
// "a.b.*" matches "a.bxyz" as well as "a.b.c". Clients rely on that.
func (p Pattern) Matches(collection string) bool {
	if p.prefix {
		return strings.HasPrefix(collection, p.value)
	}
	return collection == p.value
}

func parse(s string) (string, bool, string) {
	if s == "" {
		return "", false, "empty"
	}
	if len(s) > MaxLength {
		return "", false, fmt.Sprintf("longer than %d characters", MaxLength)
	}
	for i := 0; i < len(s); i++ {
		if !isPatternChar(s[i]) {
			return "", false, "invalid character"
		}
	}
	if s == "*" {
		return "", false, "bare wildcard"
	}

	var (
		prefix bool
		domain []string
		name   string
	)
	if stars := strings.Count(s, "*"); stars > 0 {
		if stars > 1 || !strings.HasSuffix(s, wildcardSuffix) {
			return "", false, "wildcard only allowed as the final segment"
		}
		prefix = true
		domain = strings.Split(strings.TrimSuffix(s, wildcardSuffix), ".")
	} else {
		segments := strings.Split(s, ".")
		if len(segments) < 3 {
			return "", false, "needs at least 3 segments"
		}
		domain = segments[:len(segments)-1]
		name = segments[len(segments)-1]
	}

	if reason := checkDomain(domain); reason != "" {
		return "", false, reason
	}
	normalized := strings.ToLower(strings.Join(domain, "."))
	if prefix {
		return normalized, true, ""
	}
	if reason := checkName(name); reason != "" {
		return "", false, reason
	}
	return normalized + "." + name, false, ""
}

func checkDomain(segments []string) string {
	total := len(segments) - 1
	for i, segment := range segments {
		if segment == "" {
			return "empty segment"
		}
		if len(segment) > MaxSegmentLength {
			return fmt.Sprintf("segment longer than %d characters", MaxSegmentLength)
		}
		if segment[0] == '-' || segment[len(segment)-1] == '-' {
			return "domain segment starts or ends with a hyphen"
		}
		if i == 0 && isDigit(segment[0]) {
			return "first segment starts with a digit"
		}
		for j := 0; j < len(segment); j++ {
			if c := segment[j]; !isAlnum(c) && c != '-' {
				return "invalid character in domain segment"
			}
		}
		total += len(segment)
	}
	if total > MaxDomainLength {
		return fmt.Sprintf("domain longer than %d characters", MaxDomainLength)
	}
	return ""
}

func checkName(name string) string {
	switch {
	case name == "":
		return "empty segment"
	case len(name) > MaxSegmentLength:
		return fmt.Sprintf("name longer than %d characters", MaxSegmentLength)
	case isDigit(name[0]):
		return "name starts with a digit"
	}
	for i := 0; i < len(name); i++ {
		if !isAlnum(name[i]) {
			return "invalid character in name"
		}
	}
	return ""
}

func isPatternChar(c byte) bool {
	return isAlnum(c) || c == '.' || c == '-' || c == '_' || c == '*'
}

func isAlnum(c byte) bool {
	return isDigit(c) || ('a' <= c && c <= 'z') || ('A' <= c && c <= 'Z')
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}
