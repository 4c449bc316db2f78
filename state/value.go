package state

import (
	"bytes"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Area is a bounded KvStore namespace. Keys and peerings never cross areas.
type Area string

// DefaultArea is used by deployments that don't split their domain into areas.
const DefaultArea Area = "0"

// NodeId identifies an Open/R node. It is the originator id carried on
// every KvStore value this node publishes.
type NodeId string

// Value is the unit of KvStore replication.
type Value struct {
	Version      uint64
	OriginatorId NodeId
	// Value is the payload. A nil slice means this entry only carries a
	// hash, as used during synchronization.
	Value      []byte
	Ttl        int64 // milliseconds, absolute TTL at time of transmission
	TtlVersion int64
	// Hash is a deterministic hash over (version, originatorId, value).
	// Populated lazily by Hashed.
	Hash *int64
}

// HasBody reports whether this value carries a payload (as opposed to only a hash).
func (v Value) HasBody() bool {
	return v.Value != nil
}

// ComputeHash deterministically hashes (version, originatorId, value).
func ComputeHash(version uint64, originatorId NodeId, value []byte) int64 {
	h := xxhash.New()
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(version >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	_, _ = h.Write([]byte(originatorId))
	_, _ = h.Write(value)
	return int64(h.Sum64())
}

// Hashed returns a copy of v with Hash populated if it wasn't already.
func (v Value) Hashed() Value {
	if v.Hash != nil {
		return v
	}
	h := ComputeHash(v.Version, v.OriginatorId, v.Value)
	v.Hash = &h
	return v
}

// HashOnly strips the payload, keeping only version/originator/ttl/hash - the
// shape used by dump_hashes and full-sync KEY_DUMP exchanges.
func (v Value) HashOnly() Value {
	hv := v.Hashed()
	hv.Value = nil
	return hv
}

// CompareResult is the outcome of comparing two Values for the same key.
type CompareResult int8

const (
	// CmpUnknown means the receiver lacks enough information (a body) to
	// decide; the caller must request the full value via to_be_updated_keys.
	CmpUnknown CompareResult = iota
	CmpLess
	CmpEqual
	CmpGreater
)

// CompareValues implements the total comparison order: higher
// version wins; ties broken by originator id (lexicographic), then value
// bytes, then ttl_version. When neither side's bytes are available but
// hashes are, equal hashes mean CmpEqual and differing hashes mean
// CmpUnknown (we cannot tell which body is newer without the bytes).
func CompareValues(a, b Value) CompareResult {
	if a.Version != b.Version {
		if a.Version > b.Version {
			return CmpGreater
		}
		return CmpLess
	}
	if a.OriginatorId != b.OriginatorId {
		if strings.Compare(string(a.OriginatorId), string(b.OriginatorId)) > 0 {
			return CmpGreater
		}
		return CmpLess
	}
	if a.HasBody() && b.HasBody() {
		if c := bytes.Compare(a.Value, b.Value); c != 0 {
			if c > 0 {
				return CmpGreater
			}
			return CmpLess
		}
		if a.TtlVersion != b.TtlVersion {
			if a.TtlVersion > b.TtlVersion {
				return CmpGreater
			}
			return CmpLess
		}
		return CmpEqual
	}
	// At least one side lacks a body: fall back to hash comparison.
	if a.Hash != nil && b.Hash != nil {
		if *a.Hash == *b.Hash {
			return CmpEqual
		}
	}
	return CmpUnknown
}

// Publication is a batch pushed over the flood mesh.
type Publication struct {
	Area             Area
	KeyVals          map[string]Value
	ExpiredKeys      []string
	ToBeUpdatedKeys  []string
	FloodRootId      *NodeId
	SenderId         NodeId
}

func NewPublication(area Area, sender NodeId) Publication {
	return Publication{
		Area:     area,
		SenderId: sender,
		KeyVals:  make(map[string]Value),
	}
}

func (p *Publication) Empty() bool {
	return len(p.KeyVals) == 0 && len(p.ExpiredKeys) == 0
}
