package spark

import (
	"net/netip"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/open-r/openr/messaging"
	"github.com/open-r/openr/platform"
	"github.com/open-r/openr/state"
)

// NeighborEventKind is one Spark-observable neighbor lifecycle transition
// ("events LinkMonitor consumes").
type NeighborEventKind int

const (
	EventUp NeighborEventKind = iota
	EventDown
	EventRestarting
	EventRestarted
	EventRttChange
)

func (k NeighborEventKind) String() string {
	switch k {
	case EventUp:
		return "UP"
	case EventDown:
		return "DOWN"
	case EventRestarting:
		return "RESTARTING"
	case EventRestarted:
		return "RESTARTED"
	case EventRttChange:
		return "RTT_CHANGE"
	default:
		return "UNKNOWN"
	}
}

// NeighborEvent is what Spark publishes for LinkMonitor to consume.
type NeighborEvent struct {
	Kind     NeighborEventKind
	IfName   string
	Neighbor state.NodeId
	Area     state.Area

	Rtt          time.Duration
	RemoteIfName string
	HoldTime     time.Duration

	TransportV4    netip.Addr
	TransportV6    netip.Addr
	KvStoreCmdPort uint16
	KvStorePubPort uint16
	CtrlPort       uint16
}

type neighborState struct {
	fsm          NeighborFsmState
	rtt          *StepDetector
	remoteIfSeen string
	holdTimer    *time.Timer
	generation   uint64
}

// seqKey identifies a neighbor's hello sequence counter; scoped per-interface
// since the same node can be seen over more than one link.
type seqKey struct {
	IfName   string
	Neighbor state.NodeId
}

type ifState struct {
	name      string
	joined    bool
	neighbors map[state.NodeId]*neighborState
	seqNum    uint64
	// lastSentAt/lastRecvAt let ComputeRtt find the round-trip pair for the
	// next hello; keyed by neighbor since one interface can see many peers.
	lastSentAt map[state.NodeId]time.Time
	lastRecvAt map[state.NodeId]time.Time
}

// Component is Open/R's Spark neighbor-discovery module.
type Component struct {
	env  *state.Env
	self state.NodeId

	transport Transport
	events    platform.EventSource
	eventRd   platform.EventReader

	ifaces map[string]*ifState

	// seqDedup tracks the last-seen hello sequence number per (interface,
	// neighbor), so a replayed or reordered hello below the high-water mark
	// is rejected without needing to keep neighborState alive forever.
	seqDedup *ttlcache.Cache[seqKey, int64]

	neighbors *messaging.ReplicateQueue[NeighborEvent]
}

// New constructs an uninitialized Spark component. transport and events are
// the socket and link-event sources; pass a *UDPTransport/nil for
// production, or FakeTransport/MemEventSource in tests.
func New(transport Transport, events platform.EventSource) *Component {
	return &Component{
		transport: transport,
		events:    events,
		ifaces:    make(map[string]*ifState),
		seqDedup: ttlcache.New[seqKey, int64](
			ttlcache.WithTTL[seqKey, int64](state.SparkSeqnoDedupTTL),
			ttlcache.WithDisableTouchOnHit[seqKey, int64](),
		),
		neighbors: messaging.NewReplicateQueue[NeighborEvent](),
	}
}

func (c *Component) Init(s *state.State) error {
	c.env = s.Env
	c.self = s.Env.Config.NodeName

	rd, err := c.events.Subscribe()
	if err != nil {
		return err
	}
	c.eventRd = rd

	go c.seqDedup.Start()
	go recvPump(c.env, c.transport)
	go linkEventPump(c.env, rd)

	c.env.RepeatTask(c.sendHellos, state.SparkHelloInterval)

	return nil
}

func (c *Component) Cleanup(s *state.State) error {
	if c.eventRd != nil {
		c.eventRd.Close()
	}
	c.seqDedup.Stop()
	c.neighbors.Close()
	return c.transport.Close()
}

// Neighbors returns a reader over Spark's neighbor lifecycle events.
func (c *Component) Neighbors() *messaging.Reader[NeighborEvent] {
	return c.neighbors.GetReader(64)
}

func recvPump(env *state.Env, t Transport) {
	for {
		select {
		case pkt, ok := <-t.Recv():
			if !ok {
				return
			}
			env.Dispatch(func(s *state.State) error {
				return state.Get[*Component](s).handleRecv(pkt)
			})
		case <-env.Context.Done():
			return
		}
	}
}

func linkEventPump(env *state.Env, rd platform.EventReader) {
	for {
		select {
		case ev, ok := <-rd.Chan():
			if !ok {
				return
			}
			env.Dispatch(func(s *state.State) error {
				return state.Get[*Component](s).handleLinkEvent(ev)
			})
		case <-env.Context.Done():
			return
		}
	}
}

func (c *Component) handleLinkEvent(ev platform.PlatformEvent) error {
	if ev.Tag != platform.LinkEvent {
		return nil
	}
	if !c.env.Config.IfaceAllowed(ev.IfName) {
		return nil
	}
	if ev.IsUp {
		return c.enableIface(ev.IfName)
	}
	return c.disableIface(ev.IfName)
}

func (c *Component) enableIface(name string) error {
	ifs, ok := c.ifaces[name]
	if !ok {
		ifs = &ifState{
			name:       name,
			neighbors:  make(map[state.NodeId]*neighborState),
			lastSentAt: make(map[state.NodeId]time.Time),
			lastRecvAt: make(map[state.NodeId]time.Time),
		}
		c.ifaces[name] = ifs
	}
	if ifs.joined {
		return nil
	}
	if err := c.transport.Join(name); err != nil {
		return err
	}
	ifs.joined = true

	// Fast-init: send a burst of hellos at a shorter interval right after
	// the link comes up so neighbors converge quickly ("fast-init hellos").
	deadline := time.Now().Add(state.SparkHelloInterval)
	var fastInit func(s *state.State) error
	fastInit = func(s *state.State) error {
		comp := state.Get[*Component](s)
		if ifs, ok := comp.ifaces[name]; !ok || !ifs.joined {
			return nil
		}
		if err := comp.sendHelloOn(name); err != nil {
			return err
		}
		if time.Now().Before(deadline) {
			comp.env.ScheduleTask(fastInit, state.SparkFastInitInterval)
		}
		return nil
	}
	c.env.ScheduleTask(fastInit, 0)
	return nil
}

func (c *Component) disableIface(name string) error {
	ifs, ok := c.ifaces[name]
	if !ok {
		return nil
	}
	for id, n := range ifs.neighbors {
		c.dropNeighbor(name, id, n)
	}
	delete(c.ifaces, name)
	return c.transport.Leave(name)
}

func (c *Component) dropNeighbor(ifName string, id state.NodeId, n *neighborState) {
	if n.holdTimer != nil {
		n.holdTimer.Stop()
	}
	if n.fsm == StateEstablished || n.fsm == StateRestart {
		c.publish(NeighborEvent{Kind: EventDown, IfName: ifName, Neighbor: id})
	}
}

func (c *Component) sendHellos(s *state.State) error {
	for name, ifs := range c.ifaces {
		if !ifs.joined {
			continue
		}
		if err := c.sendHelloOn(name); err != nil {
			c.env.Log.Warn("spark: send hello failed", "iface", name, "err", err)
		}
	}
	return nil
}

func (c *Component) sendHelloOn(name string) error {
	ifs := c.ifaces[name]
	ifs.seqNum++
	cfg := c.env.Config
	p := HelloPacket{
		Originator:     c.self,
		SeqNum:         ifs.seqNum,
		Domain:         cfg.Domain,
		Version:        state.SparkProtocolVersion,
		HoldTime:       state.SparkHeartbeatHold,
		IfName:         name,
		KvStoreCmdPort: cfg.KvStoreCommandPort,
		KvStorePubPort: cfg.KvStorePublishPort,
		CtrlPort:       cfg.CtrlPort,
		SendTime:       time.Now(),
	}
	if len(cfg.Areas) > 0 {
		p.Handshake = &HandshakeFields{AreaId: cfg.Areas[0], NodeName: c.self}
	}
	// Links in this stack's deployment are dedicated tunnels with exactly
	// one neighbor per interface: once we've heard anything from that
	// neighbor, echo our own interface name back so they can confirm the
	// link is two-way.
	for id, n := range ifs.neighbors {
		if n.remoteIfSeen != "" {
			p.RemoteIfSeen = name
			p.NeighborRecvTime = ifs.lastRecvAt[id]
		}
		break
	}
	data, err := EncodeHello(p)
	if err != nil {
		return err
	}
	for id := range ifs.neighbors {
		ifs.lastSentAt[id] = p.SendTime
	}
	return c.transport.Send(name, data)
}

func (c *Component) handleRecv(pkt RecvPacket) error {
	p, err := DecodeHello(pkt.Data)
	if err != nil {
		return nil // malformed packet, silently dropped
	}
	cfg := c.env.Config
	ifs, ok := c.ifaces[pkt.IfName]
	if !ok || !ifs.joined {
		return nil
	}

	n, exists := ifs.neighbors[p.Originator]

	key := seqKey{IfName: pkt.IfName, Neighbor: p.Originator}
	lastSeq := int64(-1)
	if item := c.seqDedup.Get(key); item != nil {
		lastSeq = item.Value()
	}

	result := ValidatePacket(p, c.self, cfg.Domain, state.SparkMinSupportedVersion, cfg.EnableV4, cfg.EnableV4SubnetCheck, netip.Prefix{}, lastSeq)
	if result == SkipLoopedSelf || result == SkipDomainMismatch || result == SkipVersionUnsupported || result == SkipSubnetMismatch {
		PacketsDropped.WithLabelValues(pkt.IfName, result.String()).Inc()
		return nil
	}
	if p.Handshake != nil && !areaShared(cfg.Areas, p.Handshake.AreaId) {
		PacketsDropped.WithLabelValues(pkt.IfName, "no_shared_area").Inc()
		return nil
	}

	if !exists {
		n = &neighborState{fsm: StateIdle, rtt: NewStepDetector(5*time.Millisecond, 3)}
		ifs.neighbors[p.Originator] = n
	}
	c.seqDedup.Set(key, int64(p.SeqNum), ttlcache.DefaultTTL)
	n.remoteIfSeen = p.IfName
	now := time.Now()
	ifs.lastRecvAt[p.Originator] = now

	event := c.classify(p, result)
	to, actions, ok := Step(n.fsm, event)
	if !ok {
		UnexpectedTransitions.WithLabelValues(pkt.IfName).Inc()
		c.env.Log.Debug("spark: unexpected state transition", "neighbor", p.Originator, "state", n.fsm, "event", event)
		return nil
	}
	n.fsm = to
	ActiveNeighbors.WithLabelValues(pkt.IfName).Set(float64(len(ifs.neighbors)))

	if sent, seen := ifs.lastSentAt[p.Originator]; seen && !p.NeighborRecvTime.IsZero() {
		if rtt, ok := ComputeRtt(now, p.SendTime, sent, p.NeighborRecvTime); ok {
			if changed, newRtt := n.rtt.Sample(rtt); changed {
				c.publish(NeighborEvent{Kind: EventRttChange, IfName: pkt.IfName, Neighbor: p.Originator, Rtt: newRtt})
			}
		}
	}

	c.applyActions(pkt.IfName, p, n, actions)
	return nil
}

// classify turns a validated hello into an FSM event. A non-empty
// RemoteIfSeen means the sender has already received a hello from us -
// two-way connectivity confirmed - which is sufficient to drive every
// handshake transition in transitionTable (WARM and NEGOTIATE both treat
// EventHelloWithSelf as the advance signal).
func (c *Component) classify(p HelloPacket, result ValidationResult) FsmEvent {
	if result == NeighborRestart || p.Restarting {
		return EventHelloRestart
	}
	if p.RemoteIfSeen != "" {
		return EventHelloWithSelf
	}
	return EventHelloWithoutSelf
}

func (c *Component) applyActions(ifName string, p HelloPacket, n *neighborState, actions []Action) {
	n.generation++
	gen := n.generation
	for _, a := range actions {
		switch a {
		case ActionSendHandshake:
			_ = c.sendHelloOn(ifName)
		case ActionArmNegotiateTimer:
			c.armHold(ifName, p.Originator, n, gen, state.SparkNegotiateHold, EventNegotiateTimeout)
		case ActionArmHeartbeatHold:
			c.armHold(ifName, p.Originator, n, gen, state.SparkHeartbeatHold, EventHeartbeatTimeout)
		case ActionArmGrHold:
			hold := p.HoldTime
			if hold <= 0 {
				hold = state.SparkHeartbeatHold
			}
			c.armHold(ifName, p.Originator, n, gen, hold, EventGrTimeout)
		case ActionEmitUp:
			ev := NeighborEvent{
				Kind: EventUp, IfName: ifName, Neighbor: p.Originator,
				RemoteIfName: p.IfName, HoldTime: p.HoldTime,
				TransportV4: p.TransportV4, TransportV6: p.TransportV6,
				KvStoreCmdPort: p.KvStoreCmdPort, KvStorePubPort: p.KvStorePubPort, CtrlPort: p.CtrlPort,
			}
			if p.Handshake != nil {
				ev.Area = p.Handshake.AreaId
			}
			c.publish(ev)
		case ActionEmitDown:
			c.publish(NeighborEvent{Kind: EventDown, IfName: ifName, Neighbor: p.Originator})
		case ActionEmitRestarting:
			c.publish(NeighborEvent{Kind: EventRestarting, IfName: ifName, Neighbor: p.Originator})
		case ActionEmitRestarted:
			c.publish(NeighborEvent{Kind: EventRestarted, IfName: ifName, Neighbor: p.Originator, HoldTime: p.HoldTime})
		case ActionDropState:
			if n.holdTimer != nil {
				n.holdTimer.Stop()
			}
		case ActionNone:
		}
	}
}

// armHold schedules a hold-timeout event, cancelling any timer previously
// armed for this neighbor. gen guards against a stale timer firing an event
// for a state the neighbor has already moved past.
func (c *Component) armHold(ifName string, id state.NodeId, n *neighborState, gen uint64, hold time.Duration, event FsmEvent) {
	if n.holdTimer != nil {
		n.holdTimer.Stop()
	}
	n.holdTimer = time.AfterFunc(hold, func() {
		c.env.Dispatch(func(s *state.State) error {
			comp := state.Get[*Component](s)
			return comp.handleHoldTimeout(ifName, id, gen, event)
		})
	})
}

func (c *Component) handleHoldTimeout(ifName string, id state.NodeId, gen uint64, event FsmEvent) error {
	ifs, ok := c.ifaces[ifName]
	if !ok {
		return nil
	}
	n, ok := ifs.neighbors[id]
	if !ok || n.generation != gen {
		return nil // superseded by newer activity
	}
	to, actions, ok := Step(n.fsm, event)
	if !ok {
		return nil
	}
	n.fsm = to
	if to == StateIdle {
		delete(ifs.neighbors, id)
	}
	fakeHello := HelloPacket{Originator: id, IfName: ifName}
	c.applyActions(ifName, fakeHello, n, actions)
	return nil
}

func areaShared(local []state.Area, remote state.Area) bool {
	for _, a := range local {
		if a == remote {
			return true
		}
	}
	return false
}

func (c *Component) publish(ev NeighborEvent) {
	if ev.Area == "" {
		ev.Area = state.DefaultArea
	}
	NeighborEvents.WithLabelValues(ev.IfName, ev.Kind.String()).Inc()
	c.neighbors.Push(ev)
}
