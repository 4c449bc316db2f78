package platform

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMemStoreRoundTrips(t *testing.T) {
	s := NewMemStore()
	type payload struct{ N int }

	require.NoError(t, s.Store("k", payload{N: 7}))

	var got payload
	found, err := s.Load("k", &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 7, got.N)

	require.NoError(t, s.Erase("k"))
	found, err = s.Load("k", &got)
	require.NoError(t, err)
	require.False(t, found)
}

func TestMemEventSourceFanOut(t *testing.T) {
	src := NewMemEventSource()
	r, err := src.Subscribe()
	require.NoError(t, err)
	defer r.Close()

	src.Emit(PlatformEvent{Tag: LinkEvent, IfName: "eth0", IsUp: true})

	ev := <-r.Chan()
	require.Equal(t, "eth0", ev.IfName)
	require.True(t, ev.IsUp)
}

func TestFakeAgentSyncFibReplacesState(t *testing.T) {
	a := NewFakeAgent()
	p1 := netip.MustParsePrefix("2001:db8::/64")
	p2 := netip.MustParsePrefix("2001:db8:1::/64")

	require.NoError(t, a.AddUnicastRoutes(context.Background(), 786, []UnicastRoute{{Prefix: p1}}))
	require.NoError(t, a.SyncFib(context.Background(), 786, []UnicastRoute{{Prefix: p2}}))

	got := a.UnicastRoutes()
	require.Len(t, got, 1)
	_, ok := got[p2]
	require.True(t, ok)
}

func TestFakeAgentFailNextThenRecovers(t *testing.T) {
	a := NewFakeAgent()
	a.FailNext()

	err := a.AddUnicastRoutes(context.Background(), 786, []UnicastRoute{{Prefix: netip.MustParsePrefix("::/0")}})
	require.Error(t, err)

	require.NoError(t, a.AddUnicastRoutes(context.Background(), 786, []UnicastRoute{{Prefix: netip.MustParsePrefix("::/0")}}))
}

func TestFakeAgentAliveSinceChangesOnRestart(t *testing.T) {
	a := NewFakeAgent()
	before, err := a.AliveSince(context.Background())
	require.NoError(t, err)

	a.Restart()

	after, err := a.AliveSince(context.Background())
	require.NoError(t, err)
	require.NotEqual(t, before, after)
}
