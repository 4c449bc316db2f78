package decision

import "strings"

const (
	adjKeyPrefix    = "adj:"
	prefixKeyPrefix = "prefix:"
)

// parsePrefixKey splits a prefix: KvStore key into its node, and, in
// per-prefix-key mode, its area and prefix string. Prefix strings may
// themselves contain colons (every IPv6 literal does), so this splits at
// most twice rather than on every colon ("Per-prefix keys mode").
func parsePrefixKey(key string) (node, area, prefixStr string, monolithic bool, ok bool) {
	rest := strings.TrimPrefix(key, prefixKeyPrefix)
	if rest == key {
		return "", "", "", false, false
	}
	head, remainder, hasRemainder := strings.Cut(rest, ":")
	if !hasRemainder {
		return head, "", "", true, true
	}
	area, prefixStr, hasPrefix := strings.Cut(remainder, ":")
	if !hasPrefix {
		return "", "", "", false, false
	}
	return head, area, prefixStr, false, true
}
