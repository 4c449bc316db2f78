package spark

// NeighborFsmState is one Spark-2 handshake state.
type NeighborFsmState int

const (
	StateIdle NeighborFsmState = iota
	StateWarm
	StateNegotiate
	StateEstablished
	StateRestart
)

func (s NeighborFsmState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateWarm:
		return "WARM"
	case StateNegotiate:
		return "NEGOTIATE"
	case StateEstablished:
		return "ESTABLISHED"
	case StateRestart:
		return "RESTART"
	default:
		return "UNKNOWN"
	}
}

// FsmEvent is one input to the state machine.
type FsmEvent int

const (
	EventHelloWithoutSelf FsmEvent = iota
	EventHelloWithSelf
	EventHelloRestart
	EventHeartbeatRcvd
	EventHandshakeRcvd
	EventHeartbeatTimeout
	EventNegotiateTimeout
	EventGrTimeout
)

func (e FsmEvent) String() string {
	switch e {
	case EventHelloWithoutSelf:
		return "HELLO_WITHOUT_SELF"
	case EventHelloWithSelf:
		return "HELLO_WITH_SELF"
	case EventHelloRestart:
		return "HELLO_RESTART"
	case EventHeartbeatRcvd:
		return "HEARTBEAT_RCVD"
	case EventHandshakeRcvd:
		return "HANDSHAKE_RCVD"
	case EventHeartbeatTimeout:
		return "HEARTBEAT_TIMEOUT"
	case EventNegotiateTimeout:
		return "NEGOTIATE_TIMEOUT"
	case EventGrTimeout:
		return "GR_TIMEOUT"
	default:
		return "UNKNOWN"
	}
}

// Action is what a transition asks the caller to do; the FSM itself never
// touches sockets, timers, or the event queue.
type Action int

const (
	ActionNone Action = iota
	ActionSendHandshake
	ActionArmNegotiateTimer
	ActionArmHeartbeatHold
	ActionArmGrHold
	ActionEmitUp
	ActionEmitDown
	ActionEmitRestarting
	ActionEmitRestarted
	ActionDropState
)

type transitionKey struct {
	state NyState
	event FsmEvent
}

// NyState is an alias kept local to avoid a stutter in transitionKey's
// field name; it is exactly NeighborFsmState.
type NyState = NeighborFsmState

// transition is one (from-state, event) -> (to-state, actions) entry. Pairs
// absent from the table are UNEXPECTED_STATE: logged and treated as a
// no-op, never a state change (open question resolved this way; see
// SPEC_FULL.md).
type transition struct {
	to      NeighborFsmState
	actions []Action
}

var transitionTable = map[transitionKey]transition{
	{StateIdle, EventHelloWithoutSelf}: {StateWarm, []Action{ActionSendHandshake, ActionArmNegotiateTimer}},
	{StateIdle, EventHelloWithSelf}:    {StateWarm, []Action{ActionSendHandshake, ActionArmNegotiateTimer}},

	{StateWarm, EventHandshakeRcvd}:     {StateNegotiate, []Action{ActionArmNegotiateTimer}},
	{StateWarm, EventHelloWithSelf}:     {StateNegotiate, []Action{ActionArmNegotiateTimer}},
	{StateWarm, EventNegotiateTimeout}:  {StateIdle, []Action{ActionDropState}},
	{StateWarm, EventHelloWithoutSelf}:  {StateWarm, []Action{ActionSendHandshake}},

	{StateNegotiate, EventHandshakeRcvd}:    {StateEstablished, []Action{ActionEmitUp, ActionArmHeartbeatHold}},
	{StateNegotiate, EventHelloWithSelf}:    {StateEstablished, []Action{ActionEmitUp, ActionArmHeartbeatHold}},
	{StateNegotiate, EventNegotiateTimeout}: {StateIdle, []Action{ActionDropState}},

	{StateEstablished, EventHeartbeatRcvd}:    {StateEstablished, []Action{ActionArmHeartbeatHold}},
	{StateEstablished, EventHelloWithSelf}:    {StateEstablished, []Action{ActionArmHeartbeatHold}},
	{StateEstablished, EventHelloRestart}:     {StateRestart, []Action{ActionEmitRestarting, ActionArmGrHold}},
	{StateEstablished, EventHeartbeatTimeout}: {StateIdle, []Action{ActionEmitDown, ActionDropState}},

	{StateRestart, EventHelloWithSelf}:    {StateEstablished, []Action{ActionEmitRestarted, ActionArmHeartbeatHold}},
	{StateRestart, EventHelloWithoutSelf}: {StateEstablished, []Action{ActionEmitRestarted, ActionArmHeartbeatHold}},
	{StateRestart, EventGrTimeout}:        {StateIdle, []Action{ActionEmitDown, ActionDropState}},
}

// Step looks up (from, event) in the transition table. ok is false for any
// pair not explicitly listed - the UNEXPECTED_STATE case, which the caller
// must log and otherwise ignore without changing state.
func Step(from NeighborFsmState, event FsmEvent) (to NeighborFsmState, actions []Action, ok bool) {
	t, found := transitionTable[transitionKey{from, event}]
	if !found {
		return from, nil, false
	}
	return t.to, t.actions, true
}
