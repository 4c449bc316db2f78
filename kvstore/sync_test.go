package kvstore

import (
	"testing"
	"time"

	"github.com/open-r/openr/state"
	"github.com/stretchr/testify/require"
)

func TestComputeSyncDiffSendsWhatPeerLacks(t *testing.T) {
	local := NewStore(state.DefaultArea)
	local.MergeKeyValues(map[string]state.Value{
		"k1": {Version: 1, OriginatorId: "n1", Value: []byte("a"), Ttl: state.TtlInfinity},
	}, Filters{}, time.Now())

	resp := ComputeSyncDiff(local, Filters{}, map[string]state.Value{})

	require.Contains(t, resp.Values, "k1")
	require.Empty(t, resp.ToBeUpdatedKeys)
}

func TestComputeSyncDiffRequestsWhatPeerHasNewer(t *testing.T) {
	local := NewStore(state.DefaultArea)
	local.MergeKeyValues(map[string]state.Value{
		"k1": {Version: 1, OriginatorId: "n1", Value: []byte("a"), Ttl: state.TtlInfinity},
	}, Filters{}, time.Now())

	peerNewer := state.Value{Version: 2, OriginatorId: "n1", Ttl: state.TtlInfinity}.Hashed()
	resp := ComputeSyncDiff(local, Filters{}, map[string]state.Value{"k1": peerNewer})

	require.Empty(t, resp.Values)
	require.Equal(t, []string{"k1"}, resp.ToBeUpdatedKeys)
}

func TestComputeSyncDiffRequestsPeerOnlyKey(t *testing.T) {
	local := NewStore(state.DefaultArea)
	peerOnly := state.Value{Version: 1, OriginatorId: "n2", Ttl: state.TtlInfinity}.Hashed()

	resp := ComputeSyncDiff(local, Filters{}, map[string]state.Value{"k2": peerOnly})

	require.Equal(t, []string{"k2"}, resp.ToBeUpdatedKeys)
}

func TestComputeSyncDiffSkipsEqualKeys(t *testing.T) {
	local := NewStore(state.DefaultArea)
	v := state.Value{Version: 1, OriginatorId: "n1", Value: []byte("a"), Ttl: state.TtlInfinity}
	local.MergeKeyValues(map[string]state.Value{"k1": v}, Filters{}, time.Now())

	resp := ComputeSyncDiff(local, Filters{}, map[string]state.Value{"k1": v.HashOnly()})

	require.Empty(t, resp.Values)
	require.Empty(t, resp.ToBeUpdatedKeys)
}
