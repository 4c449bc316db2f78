package spark

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// RecvPacket is one datagram Transport delivered, tagged with the interface
// it arrived on.
type RecvPacket struct {
	IfName string
	Data   []byte
	From   netip.Addr
}

// Transport is Spark's per-process socket abstraction: one multicast group
// per enabled interface, shared receive channel across all of them
// ("Sockets...are owned by the thread that opened them").
type Transport interface {
	Join(ifName string) error
	Leave(ifName string) error
	Send(ifName string, data []byte) error
	Recv() <-chan RecvPacket
	Close() error
}

// UDPTransport is the production Transport: one multicast UDP socket per
// joined interface, bound to group/port, all deliveries fanned into one
// channel.
type UDPTransport struct {
	group netip.Addr
	port  int

	mu    sync.Mutex
	conns map[string]*net.UDPConn
	recv  chan RecvPacket
	done  chan struct{}
}

func NewUDPTransport(group netip.Addr, port int) *UDPTransport {
	return &UDPTransport{
		group: group,
		port:  port,
		conns: make(map[string]*net.UDPConn),
		recv:  make(chan RecvPacket, 256),
		done:  make(chan struct{}),
	}
}

// Join binds a UDP socket for ifName and joins the multicast group, setting
// SO_REUSEPORT before bind (so every joined interface can share the same
// group/port) and IPV6_MULTICAST_IF/IPV6_JOIN_GROUP on the bound socket to
// pin sends and the group membership to this interface.
func (t *UDPTransport) Join(ifName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.conns[ifName]; ok {
		return nil
	}
	iface, err := net.InterfaceByName(ifName)
	if err != nil {
		return fmt.Errorf("spark: interface %q: %w", ifName, err)
	}

	var reuseErr error
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				reuseErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf(":%d", t.port))
	if err != nil {
		return fmt.Errorf("spark: join %q: %w", ifName, err)
	}
	if reuseErr != nil {
		pc.Close()
		return fmt.Errorf("spark: SO_REUSEPORT on %q: %w", ifName, reuseErr)
	}
	conn := pc.(*net.UDPConn)

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return err
	}
	var setErr error
	if err := raw.Control(func(fd uintptr) {
		setErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_MULTICAST_IF, iface.Index)
		if setErr != nil {
			return
		}
		mreq := &unix.IPv6Mreq{Interface: uint32(iface.Index)}
		copy(mreq.Multiaddr[:], t.group.AsSlice())
		setErr = unix.SetsockoptIPv6Mreq(int(fd), unix.IPPROTO_IPV6, unix.IPV6_JOIN_GROUP, mreq)
	}); err != nil {
		conn.Close()
		return err
	}
	if setErr != nil {
		conn.Close()
		return fmt.Errorf("spark: multicast join %q: %w", ifName, setErr)
	}

	t.conns[ifName] = conn
	go t.readLoop(ifName, conn)
	return nil
}

func (t *UDPTransport) readLoop(ifName string, conn *net.UDPConn) {
	buf := make([]byte, 4096)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		from, _ := netip.AddrFromSlice(addr.IP)
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case t.recv <- RecvPacket{IfName: ifName, Data: data, From: from}:
		case <-t.done:
			return
		}
	}
}

func (t *UDPTransport) Leave(ifName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	conn, ok := t.conns[ifName]
	if !ok {
		return nil
	}
	delete(t.conns, ifName)
	return conn.Close()
}

func (t *UDPTransport) Send(ifName string, data []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[ifName]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("spark: send on unjoined interface %q", ifName)
	}
	_, err := conn.WriteToUDP(data, &net.UDPAddr{IP: net.IP(t.group.AsSlice()), Port: t.port})
	return err
}

func (t *UDPTransport) Recv() <-chan RecvPacket { return t.recv }

func (t *UDPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	close(t.done)
	var firstErr error
	for name, conn := range t.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.conns, name)
	}
	return firstErr
}

// FakeTransport is an in-process Transport for tests: Send on one interface
// name delivers to every other FakeTransport joined to the same name via a
// shared FakeMedium, standing in for the multicast group.
type FakeTransport struct {
	medium *FakeMedium
	joined map[string]bool
	recv   chan RecvPacket
	mu     sync.Mutex
}

// FakeMedium is the shared "ether" a set of FakeTransports send on.
type FakeMedium struct {
	mu      sync.Mutex
	members map[string][]*FakeTransport // ifName -> subscribers
}

func NewFakeMedium() *FakeMedium {
	return &FakeMedium{members: make(map[string][]*FakeTransport)}
}

func NewFakeTransport(medium *FakeMedium) *FakeTransport {
	return &FakeTransport{
		medium: medium,
		joined: make(map[string]bool),
		recv:   make(chan RecvPacket, 256),
	}
}

func (t *FakeTransport) Join(ifName string) error {
	t.mu.Lock()
	t.joined[ifName] = true
	t.mu.Unlock()
	t.medium.mu.Lock()
	t.medium.members[ifName] = append(t.medium.members[ifName], t)
	t.medium.mu.Unlock()
	return nil
}

func (t *FakeTransport) Leave(ifName string) error {
	t.mu.Lock()
	delete(t.joined, ifName)
	t.mu.Unlock()
	t.medium.mu.Lock()
	defer t.medium.mu.Unlock()
	members := t.medium.members[ifName]
	for i, m := range members {
		if m == t {
			t.medium.members[ifName] = append(members[:i], members[i+1:]...)
			break
		}
	}
	return nil
}

func (t *FakeTransport) Send(ifName string, data []byte) error {
	t.medium.mu.Lock()
	members := append([]*FakeTransport{}, t.medium.members[ifName]...)
	t.medium.mu.Unlock()
	for _, m := range members {
		if m == t {
			continue
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		select {
		case m.recv <- RecvPacket{IfName: ifName, Data: cp}:
		default:
		}
	}
	return nil
}

func (t *FakeTransport) Recv() <-chan RecvPacket { return t.recv }

func (t *FakeTransport) Close() error { return nil }
