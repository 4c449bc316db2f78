package prefixmgr

import (
	"github.com/goccy/go-yaml"

	"github.com/open-r/openr/state"
)

const persistStoreKey = "prefixmgr:entries"

// persistedEntry pairs a PrefixEntry with the submap it came from; a flat
// slice serializes far more simply through yaml than the nested map the
// Component keeps in memory.
type persistedEntry struct {
	Type  state.PrefixType
	Entry state.PrefixEntry
}

type persistedEntries struct {
	Entries []persistedEntry
}

func encodePrefixDb(db state.PrefixDatabase) ([]byte, error) {
	return yaml.Marshal(db)
}

// DecodePrefixDb is the inverse of encodePrefixDb; Decision uses it to read
// peer prefix databases out of KvStore in monolithic mode.
func DecodePrefixDb(data []byte) (state.PrefixDatabase, error) {
	var db state.PrefixDatabase
	err := yaml.Unmarshal(data, &db)
	return db, err
}

func encodePrefixEntry(e state.PrefixEntry) ([]byte, error) {
	return yaml.Marshal(e)
}

// DecodePrefixEntry is the inverse of encodePrefixEntry; Decision uses it to
// read individual per-prefix-key records out of KvStore.
func DecodePrefixEntry(data []byte) (state.PrefixEntry, error) {
	var e state.PrefixEntry
	err := yaml.Unmarshal(data, &e)
	return e, err
}
