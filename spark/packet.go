// Package spark implements Open/R's per-interface neighbor discovery
// protocol: UDP multicast hellos, a Spark-2 handshake state
// machine, and RTT step detection.
package spark

import (
	"bytes"
	"encoding/gob"
	"net/netip"
	"time"

	"github.com/open-r/openr/state"
)

// HandshakeFields carries the extra negotiation data attached to a hello
// while a neighbor is in NEGOTIATE, establishing which area the two sides
// share before either commits to ESTABLISHED.
type HandshakeFields struct {
	AreaId   state.Area
	NodeName state.NodeId
}

// HelloPacket is Open/R's Spark wire record ("Spark wire format").
// Encoded with encoding/gob rather than a schema compiler: hand-authoring
// protoc output without running protoc risks silently-wrong wire bytes,
// and gob's self-describing encoding is a precedent already used for a
// gossip transport in this stack's lineage (cockroachdb's gossip/client.go).
type HelloPacket struct {
	Originator state.NodeId
	SeqNum     uint64
	Domain     string
	Version    uint32
	HoldTime   time.Duration

	// IfName is the sender's own interface this hello was sent on.
	IfName string
	// RemoteIfSeen echoes back the interface name the sender last received
	// hellos on from this neighbor, letting LinkMonitor's deterministic
	// minimum-interface tie-break agree on both ends.
	RemoteIfSeen string

	TransportV4    netip.Addr
	TransportV6    netip.Addr
	KvStoreCmdPort uint16
	KvStorePubPort uint16
	CtrlPort       uint16

	// SendTime is this packet's origination time; NeighborRecvTime is the
	// last time the sender received a hello from this neighbor - together
	// they let the receiver compute RTT ("RTT measurement").
	SendTime         time.Time
	NeighborRecvTime time.Time

	Restarting bool
	Handshake  *HandshakeFields
}

func EncodeHello(p HelloPacket) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeHello(data []byte) (HelloPacket, error) {
	var p HelloPacket
	err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p)
	return p, err
}

// ValidationResult is the outcome of running a received packet through the
// validation chain, in order, first failure wins.
type ValidationResult int

const (
	ValidOk ValidationResult = iota
	SkipLoopedSelf
	SkipDomainMismatch
	SkipVersionUnsupported
	SkipSubnetMismatch
	NeighborRestart
)

func (r ValidationResult) String() string {
	switch r {
	case ValidOk:
		return "ok"
	case SkipLoopedSelf:
		return "skip_looped_self"
	case SkipDomainMismatch:
		return "skip_domain_mismatch"
	case SkipVersionUnsupported:
		return "skip_version_unsupported"
	case SkipSubnetMismatch:
		return "skip_subnet_mismatch"
	case NeighborRestart:
		return "neighbor_restart"
	default:
		return "unknown"
	}
}

// ValidatePacket runs the ordered validation chain ("Packet
// validation"). lastSeq is -1 if this is the first packet ever seen from
// this neighbor on this interface.
func ValidatePacket(p HelloPacket, self state.NodeId, domain string, minVersion uint32, v4Enabled, v4SubnetCheck bool, localV4 netip.Prefix, lastSeq int64) ValidationResult {
	if p.Originator == self {
		return SkipLoopedSelf
	}
	if p.Domain != domain {
		return SkipDomainMismatch
	}
	if p.Version < minVersion {
		return SkipVersionUnsupported
	}
	if v4Enabled && v4SubnetCheck && localV4.IsValid() && p.TransportV4.IsValid() {
		if !localV4.Contains(p.TransportV4) {
			return SkipSubnetMismatch
		}
	}
	if lastSeq >= 0 && p.SeqNum < uint64(lastSeq) {
		return NeighborRestart
	}
	return ValidOk
}

// ComputeRtt implements the formula: RTT = (local_recv - peer_send)
// - (local_send_echo - peer_recv). localSendEcho is the timestamp this node
// sent the hello the peer's NeighborRecvTime refers to; if the peer never
// echoed a prior send, RTT cannot be computed.
func ComputeRtt(localRecv, peerSend, localSendEcho, peerRecv time.Time) (time.Duration, bool) {
	if peerRecv.IsZero() || localSendEcho.IsZero() {
		return 0, false
	}
	rtt := localRecv.Sub(peerSend) - localSendEcho.Sub(peerRecv)
	if rtt < 0 {
		rtt = 0
	}
	return rtt, true
}
