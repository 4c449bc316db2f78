package linkmonitor

import (
	"github.com/goccy/go-yaml"

	"github.com/open-r/openr/state"
)

// encodeAdjDb serializes an AdjacencyDatabase for storage as a KvStore
// value body, reusing the yaml codec already used throughout this stack's
// config and platform-store layers.
func encodeAdjDb(db state.AdjacencyDatabase) ([]byte, error) {
	return yaml.Marshal(db)
}

// DecodeAdjDb is the inverse of encodeAdjDb; Decision uses it to read peer
// adjacency databases out of KvStore.
func DecodeAdjDb(data []byte) (state.AdjacencyDatabase, error) {
	var db state.AdjacencyDatabase
	err := yaml.Unmarshal(data, &db)
	return db, err
}
