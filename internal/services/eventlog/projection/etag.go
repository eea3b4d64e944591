package projection

import (
	"strconv"
	"strings"
)

// ETag formats an aggregate version as a strong HTTP entity tag.
func ETag(version uint64) string {
	return `"` + strconv.FormatUint(version, 10) + `"`
}

// ParseETag extracts the version from an entity tag. Weak tags are accepted.
func ParseETag(tag string) (uint64, bool) {
	tag = strings.TrimSpace(tag)
	tag = strings.TrimPrefix(tag, "W/")
	if len(tag) < 2 || tag[0] != '"' || tag[len(tag)-1] != '"' {
		return 0, false
	}
	version, err := strconv.ParseUint(tag[1:len(tag)-1], 10, 64)
	if err != nil {
		return 0, false
	}
	return version, true
}

// MatchesIfMatch reports whether an If-Match header value permits a write
// against the current version. "*" matches any version.
func MatchesIfMatch(header string, current uint64) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" {
			return true
		}
		if version, ok := ParseETag(candidate); ok && version == current {
			return true
		}
	}
	return false
}
