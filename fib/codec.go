package fib

import (
	"time"

	"github.com/goccy/go-yaml"
)

// Status is the small record Fib publishes to fib:<node>, letting other
// nodes observe when this node last finished programming the forwarding
// agent. Decision does not read it.
type Status struct {
	ProgrammedAt time.Time
	Dirty        bool
	RouteCount   int
}

func encodeStatus(st Status) ([]byte, error) {
	return yaml.Marshal(st)
}

func DecodeStatus(b []byte) (Status, error) {
	var st Status
	err := yaml.Unmarshal(b, &st)
	return st, err
}
