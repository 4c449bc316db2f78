package kvstore

import "strings"

// Filters restricts dump/set/subscribe operations to a subset of keys, by
// key prefix and/or originator id allow-list.
type Filters struct {
	KeyPrefixes   []string
	OriginatorIds map[string]struct{}
}

// NewFilters builds a Filters from prefix and originator lists. Empty lists
// mean "no restriction" on that axis.
func NewFilters(prefixes []string, originators []string) Filters {
	f := Filters{KeyPrefixes: prefixes}
	if len(originators) > 0 {
		f.OriginatorIds = make(map[string]struct{}, len(originators))
		for _, o := range originators {
			f.OriginatorIds[o] = struct{}{}
		}
	}
	return f
}

// Match reports whether key/originator survive this filter.
func (f Filters) Match(key string, originator string) bool {
	if len(f.KeyPrefixes) > 0 {
		matched := false
		for _, p := range f.KeyPrefixes {
			if strings.HasPrefix(key, p) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if f.OriginatorIds != nil {
		if _, ok := f.OriginatorIds[originator]; !ok {
			return false
		}
	}
	return true
}
