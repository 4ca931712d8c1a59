// Package versions compares the Python-style version strings reported by the
// external runtime libraries.
package versions

import (
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// pep440 matches release, pre-release, post-release, dev and local segments
var pep440 = regexp.MustCompile(`^(\d+(?:\.\d+)*)` +
	`(?:[-_.]?(a|b|c|rc|alpha|beta|pre|preview)[-_.]?(\d*))?` +
	`(?:-\d+|[-_.]?(?:post|rev|r)[-_.]?\d*)?` +
	`(?:[-_.]?(dev)[-_.]?(\d*))?` +
	`(?:\+[a-z0-9._]+)?$`)

var releasePrefix = regexp.MustCompile(`^\d+(?:\.\d+)*`)

// Canonical converts a Python package version into a semver string:
//
//	"1.16.2"             -> "v1.16.2"
//	"3.20"               -> "v3.20.0"
//	"1.17.0rc1"          -> "v1.17.0-rc.1"
//	"1.17.0.dev20231016" -> "v1.17.0-0.dev.20231016"
//
// Pre-releases and dev builds sort below their release, dev builds below
// every pre-release. Post releases compare equal to the release. Versions
// with an unrecognized suffix keep only their numeric release segment. It
// returns "" when no leading numeric release segment can be found.
func Canonical(version string) string {
	version = strings.ToLower(strings.TrimSpace(version))
	version = strings.TrimPrefix(version, "v")
	if version == "" {
		return ""
	}

	m := pep440.FindStringSubmatch(version)
	if m == nil {
		release := releasePrefix.FindString(version)
		if release == "" {
			return ""
		}
		return finish(release, "")
	}

	var pre []string
	if m[2] != "" {
		pre = append(pre, preLabel(m[2]), number(m[3]))
	}
	if m[4] != "" {
		if len(pre) == 0 {
			pre = append(pre, "0")
		}
		pre = append(pre, "dev", number(m[5]))
	}
	return finish(m[1], strings.Join(pre, "."))
}

func finish(release, prerelease string) string {
	parts := make([]string, 0, 3)
	for _, field := range strings.Split(release, ".") {
		if len(parts) == 3 {
			break
		}
		parts = append(parts, number(field))
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}

	canonical := "v" + strings.Join(parts, ".")
	if prerelease != "" {
		canonical += "-" + prerelease
	}
	if !semver.IsValid(canonical) {
		return ""
	}
	return semver.Canonical(canonical)
}

// preLabel normalizes the pre-release spellings Python packaging accepts
func preLabel(label string) string {
	switch label {
	case "alpha":
		return "a"
	case "beta":
		return "b"
	case "c", "pre", "preview":
		return "rc"
	}
	return label
}

// number drops leading zeros, which semver rejects; an empty segment is 0
func number(s string) string {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return "0"
	}
	return strconv.FormatUint(n, 10)
}

// Less reports whether version a sorts before version b.
// Unparseable versions sort before everything else.
func Less(a, b string) bool {
	return Compare(a, b) < 0
}

// Compare returns -1, 0 or +1 comparing versions a and b
func Compare(a, b string) int {
	return semver.Compare(Canonical(a), Canonical(b))
}

// Valid reports whether the version can be compared
func Valid(version string) bool {
	return Canonical(version) != ""
}
