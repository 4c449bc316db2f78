package kvstore

import "github.com/open-r/openr/state"

// LoopbackPeerClient wires two Components together in-process, used by
// tests and by single-binary deployments where several areas' peers happen
// to live in the same process. Production deployments back PeerClient with
// a real network transport instead (names publish/command URLs);
// that transport is an external-collaborator concern this exercise doesn't
// need to fully flesh out to exercise KvStore's own logic.
type LoopbackPeerClient struct {
	Remote *Component
	Area   state.Area
	Self   string // our own peer name, as seen by Remote
}

func (c *LoopbackPeerClient) Publish(pub state.Publication) error {
	return c.Remote.ReceivePublication(c.Area, pub)
}

func (c *LoopbackPeerClient) FullSync(filter Filters, hashes map[string]state.Value) (KeyDumpResponse, error) {
	return c.Remote.HandleFullSyncRequest(c.Area, filter, hashes)
}

func (c *LoopbackPeerClient) Close() error { return nil }
