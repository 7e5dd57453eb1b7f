package session

// This file implements the per-connection finite state machine. The FSM is
// a pure function over a transition table -- no side effects, no Session
// dependency -- so the lifecycle rules can be tested without sockets.
//
// State diagram:
//
//	ACCEPTED ──TLS ok──▶ AWAITING_HANDSHAKE
//	  │                      │
//	  │ timeout              │ 0x23 received
//	  │                      ▼
//	  └──▶ CLOSED ◀── fatal ─ HANDSHAKING (send 0x28) ──▶ PROBING (send 0xA3)
//	                                                         │
//	                                                         ▼
//	                                                      READY ──▶ CLOSING ──▶ CLOSED

// State represents the connection lifecycle state.
type State uint8

const (
	// StateAccepted is the initial state after the TCP accept, before the
	// TLS handshake completes.
	StateAccepted State = iota

	// StateAwaitingHandshake means TLS is up and the session is waiting
	// for the device's 0x23 handshake packet.
	StateAwaitingHandshake

	// StateHandshaking means the 0x23 was received and the 0x28 reply is
	// being written.
	StateHandshaking

	// StateProbing means the handshake ACK was written and the 0xA3 mesh
	// probe is being sent.
	StateProbing

	// StateReady is the steady state: all packet kinds are accepted and
	// the session may carry outbound commands.
	StateReady

	// StateClosing means the session is tearing down: pending waiters
	// are released and the connection is being closed.
	StateClosing

	// StateClosed is terminal.
	StateClosed
)

// stateNames maps states to human-readable strings.
var stateNames = [...]string{
	"Accepted",
	"AwaitingHandshake",
	"Handshaking",
	"Probing",
	"Ready",
	"Closing",
	"Closed",
}

// String returns the human-readable name for the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "Unknown"
}

// Event represents a session FSM event.
type Event uint8

const (
	// EventTLSEstablished fires when the TLS handshake completes.
	EventTLSEstablished Event = iota

	// EventRecvHandshake fires when a 0x23 handshake packet arrives.
	EventRecvHandshake

	// EventHandshakeAcked fires after the 0x28 reply was written.
	EventHandshakeAcked

	// EventProbeSent fires after the 0xA3 mesh probe was written.
	EventProbeSent

	// EventHandshakeTimeout fires when no handshake completed within the
	// handshake timeout.
	EventHandshakeTimeout

	// EventIdleExpired fires when no packet of any kind arrived within
	// the heartbeat timeout.
	EventIdleExpired

	// EventPeerClosed fires on EOF or connection reset from the device.
	EventPeerClosed

	// EventFatalError fires on an unrecoverable read or write error.
	EventFatalError

	// EventShutdown fires on bridge-initiated graceful shutdown.
	EventShutdown

	// EventCloseComplete fires when teardown finished.
	EventCloseComplete
)

// eventNames maps events to human-readable strings.
var eventNames = [...]string{
	"TLSEstablished",
	"RecvHandshake",
	"HandshakeAcked",
	"ProbeSent",
	"HandshakeTimeout",
	"IdleExpired",
	"PeerClosed",
	"FatalError",
	"Shutdown",
	"CloseComplete",
}

// String returns the human-readable name of the event.
func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "Unknown"
}

// Action represents a side-effect to execute after an FSM transition.
// Actions are returned as part of Result and executed by the caller; the
// FSM itself is a pure function.
type Action uint8

const (
	// ActionSendHandshakeAck writes the 0x28 reply.
	ActionSendHandshakeAck Action = iota + 1

	// ActionSendProbe writes the 0xA3 mesh-info probe.
	ActionSendProbe

	// ActionReleaseWaiters fails every pending-ACK waiter.
	ActionReleaseWaiters

	// ActionCloseConn closes the underlying connection.
	ActionCloseConn
)

// String returns the human-readable name of the action.
func (a Action) String() string {
	switch a {
	case ActionSendHandshakeAck:
		return "SendHandshakeAck"
	case ActionSendProbe:
		return "SendProbe"
	case ActionReleaseWaiters:
		return "ReleaseWaiters"
	case ActionCloseConn:
		return "CloseConn"
	default:
		return "Unknown"
	}
}

// stateEvent is the transition table key.
type stateEvent struct {
	state State
	event Event
}

// transition describes the target state and side-effects.
type transition struct {
	newState State
	actions  []Action
}

// Result holds the outcome of applying an event.
type Result struct {
	// OldState is the state before the event was applied.
	OldState State

	// NewState is the state after the event was applied. Equal to
	// OldState when the event is ignored in the current state.
	NewState State

	// Actions lists side-effects the caller must execute, in order.
	Actions []Action

	// Changed is true when NewState differs from OldState.
	Changed bool
}

// closingTransition is shared by every fatal event: release waiters, then
// close the connection.
var closingTransition = transition{
	newState: StateClosing,
	actions:  []Action{ActionReleaseWaiters, ActionCloseConn},
}

// fsmTable is the complete session FSM transition table. Unlisted
// (state, event) pairs are silently ignored; in particular, a repeated
// 0x23 in Ready does not re-run the handshake sequence (the dedup path
// replies without a transition), and fatal events in Closing/Closed are
// no-ops.
//
//nolint:gochecknoglobals // FSM transition table is intentionally package-level.
var fsmTable = map[stateEvent]transition{
	// Accepted: only TLS completion or early failure applies.
	{StateAccepted, EventTLSEstablished}: {newState: StateAwaitingHandshake},
	{StateAccepted, EventHandshakeTimeout}: {
		newState: StateClosed,
		actions:  []Action{ActionCloseConn},
	},
	{StateAccepted, EventFatalError}: {
		newState: StateClosed,
		actions:  []Action{ActionCloseConn},
	},
	{StateAccepted, EventShutdown}: {
		newState: StateClosed,
		actions:  []Action{ActionCloseConn},
	},

	// AwaitingHandshake.
	{StateAwaitingHandshake, EventRecvHandshake}: {
		newState: StateHandshaking,
		actions:  []Action{ActionSendHandshakeAck},
	},
	{StateAwaitingHandshake, EventHandshakeTimeout}: closingTransition,
	{StateAwaitingHandshake, EventPeerClosed}:       closingTransition,
	{StateAwaitingHandshake, EventFatalError}:       closingTransition,
	{StateAwaitingHandshake, EventShutdown}:         closingTransition,

	// Handshaking: the 0x28 write completed, move on to the probe.
	{StateHandshaking, EventHandshakeAcked}: {
		newState: StateProbing,
		actions:  []Action{ActionSendProbe},
	},
	{StateHandshaking, EventHandshakeTimeout}: closingTransition,
	{StateHandshaking, EventPeerClosed}:       closingTransition,
	{StateHandshaking, EventFatalError}:       closingTransition,
	{StateHandshaking, EventShutdown}:         closingTransition,

	// Probing: the 0xA3 write completed, session is operational.
	{StateProbing, EventProbeSent}: {newState: StateReady},
	{StateProbing, EventHandshakeTimeout}: closingTransition,
	{StateProbing, EventPeerClosed}:       closingTransition,
	{StateProbing, EventFatalError}:       closingTransition,
	{StateProbing, EventShutdown}:         closingTransition,

	// Ready.
	{StateReady, EventIdleExpired}: closingTransition,
	{StateReady, EventPeerClosed}:  closingTransition,
	{StateReady, EventFatalError}:  closingTransition,
	{StateReady, EventShutdown}:    closingTransition,

	// Closing.
	{StateClosing, EventCloseComplete}: {newState: StateClosed},
}

// Apply applies an FSM event to the given state and returns the result.
//
// This is a pure function with no side effects. The caller executes the
// returned actions. If the (state, event) pair has no entry in the table,
// the event is ignored and Result.Changed is false.
func Apply(currentState State, event Event) Result {
	tr, ok := fsmTable[stateEvent{state: currentState, event: event}]
	if !ok {
		return Result{
			OldState: currentState,
			NewState: currentState,
		}
	}
	return Result{
		OldState: currentState,
		NewState: tr.newState,
		Actions:  tr.actions,
		Changed:  currentState != tr.newState,
	}
}
