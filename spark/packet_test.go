package spark

import (
	"net/netip"
	"testing"
	"time"

	"github.com/open-r/openr/state"
)

func TestEncodeDecodeHelloRoundTrips(t *testing.T) {
	p := HelloPacket{
		Originator: "node1",
		SeqNum:     42,
		Domain:     "openr",
		Version:    1,
		HoldTime:   5 * time.Second,
		IfName:     "eth0",
		Handshake:  &HandshakeFields{AreaId: state.DefaultArea, NodeName: "node1"},
	}
	data, err := EncodeHello(p)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeHello(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Originator != p.Originator || got.SeqNum != p.SeqNum || got.Handshake.NodeName != p.Handshake.NodeName {
		t.Fatalf("round-trip mismatch: got %+v", got)
	}
}

func TestValidatePacketRejectsSelf(t *testing.T) {
	p := HelloPacket{Originator: "self", Domain: "openr", Version: 1}
	result := ValidatePacket(p, "self", "openr", 1, false, false, netip.Prefix{}, -1)
	if result != SkipLoopedSelf {
		t.Fatalf("got %v, want SkipLoopedSelf", result)
	}
}

func TestValidatePacketRejectsDomainMismatch(t *testing.T) {
	p := HelloPacket{Originator: "peer", Domain: "other", Version: 1}
	result := ValidatePacket(p, "self", "openr", 1, false, false, netip.Prefix{}, -1)
	if result != SkipDomainMismatch {
		t.Fatalf("got %v, want SkipDomainMismatch", result)
	}
}

func TestValidatePacketRejectsOldVersion(t *testing.T) {
	p := HelloPacket{Originator: "peer", Domain: "openr", Version: 1}
	result := ValidatePacket(p, "self", "openr", 2, false, false, netip.Prefix{}, -1)
	if result != SkipVersionUnsupported {
		t.Fatalf("got %v, want SkipVersionUnsupported", result)
	}
}

func TestValidatePacketDetectsSubnetMismatch(t *testing.T) {
	p := HelloPacket{
		Originator:  "peer",
		Domain:      "openr",
		Version:     1,
		TransportV4: netip.MustParseAddr("10.0.1.5"),
	}
	local := netip.MustParsePrefix("10.0.0.0/24")
	result := ValidatePacket(p, "self", "openr", 1, true, true, local, -1)
	if result != SkipSubnetMismatch {
		t.Fatalf("got %v, want SkipSubnetMismatch", result)
	}
}

func TestValidatePacketAllowsMatchingSubnet(t *testing.T) {
	p := HelloPacket{
		Originator:  "peer",
		Domain:      "openr",
		Version:     1,
		TransportV4: netip.MustParseAddr("10.0.0.5"),
	}
	local := netip.MustParsePrefix("10.0.0.0/24")
	result := ValidatePacket(p, "self", "openr", 1, true, true, local, -1)
	if result != ValidOk {
		t.Fatalf("got %v, want ValidOk", result)
	}
}

func TestValidatePacketDetectsRestartViaSeqRegression(t *testing.T) {
	p := HelloPacket{Originator: "peer", Domain: "openr", Version: 1, SeqNum: 2}
	result := ValidatePacket(p, "self", "openr", 1, false, false, netip.Prefix{}, 10)
	if result != NeighborRestart {
		t.Fatalf("got %v, want NeighborRestart", result)
	}
}

func TestValidatePacketFirstSightingNeverRestart(t *testing.T) {
	p := HelloPacket{Originator: "peer", Domain: "openr", Version: 1, SeqNum: 0}
	result := ValidatePacket(p, "self", "openr", 1, false, false, netip.Prefix{}, -1)
	if result != ValidOk {
		t.Fatalf("got %v, want ValidOk", result)
	}
}
