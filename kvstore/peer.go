package kvstore

import (
	"time"

	"github.com/open-r/openr/state"
)

// PeerState tracks a peering's sync lifecycle. Flooding to a peer is
// suppressed until it reaches Initialized, so a newly-added peer gets its
// state through the full sync first and never sees a partial flood stream
// ahead of it.
type PeerState int

const (
	PeerIdle PeerState = iota
	PeerSyncing
	PeerInitialized
)

func (s PeerState) String() string {
	switch s {
	case PeerIdle:
		return "IDLE"
	case PeerSyncing:
		return "SYNCING"
	case PeerInitialized:
		return "INITIALIZED"
	default:
		return "UNKNOWN"
	}
}

// KeyDumpResponse is the responder's half of a full sync (step 2):
// full values for keys the initiator lacks or has stale, plus the names of
// keys the initiator holds that the responder wants back.
type KeyDumpResponse struct {
	Values          map[string]state.Value
	ToBeUpdatedKeys []string
}

// PeerClient is how a Store talks to one remote peer. The only
// implementation in this package is LoopbackPeerClient (transport.go),
// wired directly to another in-process Component; there is no network
// transport.
type PeerClient interface {
	Publish(pub state.Publication) error
	FullSync(filter Filters, hashes map[string]state.Value) (KeyDumpResponse, error)
	Close() error
}

// Peer is one member of an area's flood mesh ("Peering").
type Peer struct {
	Name                     string
	PublishUrl               string
	CommandUrl               string
	FloodOptimizationCapable bool

	Client PeerClient
	State  PeerState

	// backoff governs full-sync retry after failure.
	backoffCurrent time.Duration
	nextSyncAt     time.Time
}

const (
	syncBackoffInitial = 2 * time.Second
	syncBackoffMax     = 64 * time.Second
)

// NewPeer constructs a Peer in the Idle state, ready to be handed to
// Component.AddPeers.
func NewPeer(name, publishUrl, commandUrl string, floodOptCapable bool, client PeerClient) *Peer {
	return newPeer(name, publishUrl, commandUrl, floodOptCapable, client)
}

func newPeer(name, publishUrl, commandUrl string, floodOptCapable bool, client PeerClient) *Peer {
	return &Peer{
		Name:                     name,
		PublishUrl:               publishUrl,
		CommandUrl:               commandUrl,
		FloodOptimizationCapable: floodOptCapable,
		Client:                   client,
		State:                    PeerIdle,
		backoffCurrent:           syncBackoffInitial,
	}
}

func (p *Peer) recordSyncSuccess() {
	p.backoffCurrent = syncBackoffInitial
	p.nextSyncAt = time.Time{}
}

func (p *Peer) recordSyncFailure(now time.Time) {
	p.nextSyncAt = now.Add(p.backoffCurrent)
	p.backoffCurrent *= 2
	if p.backoffCurrent > syncBackoffMax {
		p.backoffCurrent = syncBackoffMax
	}
}

func (p *Peer) readyToSync(now time.Time) bool {
	return p.nextSyncAt.IsZero() || now.After(p.nextSyncAt)
}
