package registry

import (
	"strings"

	"golang.org/x/mod/semver"
)

// canonical returns the semver form of v ("v" prefixed, shorthand expanded, build
// metadata dropped) and whether v parsed at all.
func canonical(v string) (string, bool) {
	trimmed := strings.TrimSpace(v)
	if trimmed == "" {
		return "", false
	}
	if trimmed[0] == 'V' {
		trimmed = "v" + trimmed[1:]
	}
	if trimmed[0] != 'v' {
		trimmed = "v" + trimmed
	}
	if !semver.IsValid(trimmed) {
		return "", false
	}
	return semver.Canonical(trimmed), true
}

// ValidVersion reports whether v is a semantic version, with or without a leading v.
func ValidVersion(v string) bool {
	_, ok := canonical(v)
	return ok
}

// NormalizeVersion strips the leading v and build metadata from a tag when it is a
// semantic version. Anything else is returned trimmed.
func NormalizeVersion(v string) string {
	if c, ok := canonical(v); ok {
		return strings.TrimPrefix(c, "v")
	}
	return strings.TrimSpace(v)
}

// CompareVersions orders two version strings numerically by major.minor.patch with
// prerelease ordering per semver. When either side is not a semantic version both are
// compared as plain strings after stripping a leading v; that order only tells equal
// from different and callers check Comparable before trusting it.
func CompareVersions(a, b string) int {
	ca, okA := canonical(a)
	cb, okB := canonical(b)
	if okA && okB {
		return semver.Compare(ca, cb)
	}
	return strings.Compare(stripV(a), stripV(b))
}

// Comparable reports whether a and b are both semantic versions.
func Comparable(a, b string) bool {
	return ValidVersion(a) && ValidVersion(b)
}

// IsNewer reports whether candidate sorts strictly after installed.
func IsNewer(candidate, installed string) bool {
	return Comparable(candidate, installed) && CompareVersions(candidate, installed) > 0
}

// IsPrereleaseVersion reports whether v carries a semver prerelease component.
func IsPrereleaseVersion(v string) bool {
	c, ok := canonical(v)
	return ok && semver.Prerelease(c) != ""
}

func stripV(v string) string {
	v = strings.TrimSpace(v)
	if len(v) > 0 && (v[0] == 'v' || v[0] == 'V') {
		return v[1:]
	}
	return v
}
