// Package topic implements canonicalization, validation, and comparison of the
// broker's dotted topic names.
//
// A topic is 1-5 segments separated by '.', each segment an ASCII letter followed
// by letters or digits, lower-cased in canonical form, capped at 255 bytes total.
// Two dialects exist: the publishable dialect forbids wildcards entirely; the
// subscription dialect allows '+' at any segment position and '#' only as the
// final segment.
package topic

import "strings"

const (
	// MaxSegments is the maximum number of dot-separated segments a topic may have.
	MaxSegments = 5
	// MaxLength is the maximum encoded length of a topic, in bytes.
	MaxLength = 255
)

// IsValidPublishable reports whether s is a well-formed publishable topic: no
// wildcards, 1-5 segments, each segment a letter followed by letters/digits,
// total length at most MaxLength bytes.
func IsValidPublishable(s string) bool {
	return validate(s, false)
}

// IsValidSubscription reports whether s is a well-formed subscription topic: '+'
// is allowed at any segment, '#' only as the final segment, otherwise the same
// shape rules as IsValidPublishable.
func IsValidSubscription(s string) bool {
	return validate(s, true)
}

func validate(s string, allowWildcards bool) bool {
	if len(s) == 0 || len(s) > MaxLength {
		return false
	}
	segments := strings.Split(s, ".")
	if len(segments) == 0 || len(segments) > MaxSegments {
		return false
	}
	for i, seg := range segments {
		if seg == "" {
			return false
		}
		if allowWildcards {
			if seg == "#" {
				if i != len(segments)-1 {
					return false
				}
				continue
			}
			if seg == "+" {
				continue
			}
		}
		if !isValidSegment(seg) {
			return false
		}
	}
	return true
}

func isValidSegment(seg string) bool {
	if !isASCIILetter(seg[0]) {
		return false
	}
	for i := 1; i < len(seg); i++ {
		c := seg[i]
		if !isASCIILetter(c) && !isASCIIDigit(c) {
			return false
		}
	}
	return true
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isASCIIDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

// Canonical returns the canonical form of a topic: lower-cased, segment count and
// content otherwise preserved. Canonical is idempotent: Canonical(Canonical(s)) ==
// Canonical(s).
func Canonical(s string) string {
	return strings.ToLower(s)
}

// Parent returns the parent topic of s (all but the final segment) and true, or
// ("", false) if s has a single segment and therefore no parent.
func Parent(s string) (string, bool) {
	idx := strings.LastIndexByte(s, '.')
	if idx < 0 {
		return "", false
	}
	return s[:idx], true
}

// IsDescendant reports whether a is a strict descendant of b: a's segments begin
// with all of b's segments, and a has strictly more segments than b. Comparison is
// performed on the literal segments supplied; callers should canonicalize both
// arguments first if case-insensitive comparison is desired.
func IsDescendant(a, b string) bool {
	aSegs := strings.Split(a, ".")
	bSegs := strings.Split(b, ".")
	if len(aSegs) <= len(bSegs) {
		return false
	}
	for i, seg := range bSegs {
		if aSegs[i] != seg {
			return false
		}
	}
	return true
}

// IsSystemTopic reports whether s begins with the reserved "system." prefix.
func IsSystemTopic(s string) bool {
	return strings.HasPrefix(s, "system.")
}
