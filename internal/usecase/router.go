package usecase

import "support-agent/internal/domain"

// State identifies a node in the routing state machine. Every turn starts at
// StateInitial unless the thread is suspended awaiting refund authorization,
// in which case it re-enters StateRefund directly.
type State string

const (
	StateInitial   State = "INITIAL"
	StateBilling   State = "BILLING"
	StateTechnical State = "TECHNICAL"
	StateRefund    State = "REFUND"
	StateEnd       State = "END"
)

// TurnStatus is the outcome of one turn. Suspension is first-class: callers
// branch on status rather than catching a control-flow signal.
type TurnStatus string

const (
	StatusDone      TurnStatus = "done"
	StatusSuspended TurnStatus = "suspended"
)

// FallbackPolicy resolves classification faults: strict ends the turn at a
// fixed apologetic reply, respond defaults the decision to RESPOND.
type FallbackPolicy string

const (
	FallbackStrict  FallbackPolicy = "strict"
	FallbackRespond FallbackPolicy = "respond"
)

// transitions is the conditional-edge table. Handlers without an entry
// (technical, refund) terminate unconditionally.
var transitions = map[State]map[domain.Representative]State{
	StateInitial: {
		domain.RepBilling:   StateBilling,
		domain.RepTechnical: StateTechnical,
		domain.RepRespond:   StateEnd,
	},
	StateBilling: {
		domain.RepRefund:  StateRefund,
		domain.RepRespond: StateEnd,
	},
}

// nextState looks the decision up in the transition table. A decision with no
// edge is reported as not ok so the caller can enter the fallback terminal
// state instead of guessing.
func nextState(from State, decision domain.Representative) (State, bool) {
	edges, ok := transitions[from]
	if !ok {
		return "", false
	}
	to, ok := edges[decision]
	return to, ok
}
