package models

import (
	"fmt"
	"sort"
)

// TransitionGraph maps from-state to the set of legal to-states. The graph is
// data, not code: a deployment can extend it at construction time without
// touching the state machine.
type TransitionGraph map[string]map[string]bool

// Allowed reports whether from -> to is a legal edge
func (g TransitionGraph) Allowed(from, to string) bool {
	targets, ok := g[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether a state has no outgoing edges
func (g TransitionGraph) IsTerminal(state string) bool {
	targets, ok := g[state]
	return ok && len(targets) == 0
}

// Validate checks the graph for referential integrity: every source and
// target must be one of the known enumerated states. Run once at startup.
func (g TransitionGraph) Validate(known []string) error {
	knownSet := make(map[string]bool, len(known))
	for _, s := range known {
		knownSet[s] = true
	}
	states := make([]string, 0, len(g))
	for from := range g {
		states = append(states, from)
	}
	sort.Strings(states)
	for _, from := range states {
		if !knownSet[from] {
			return fmt.Errorf("transition graph: unknown source state %q", from)
		}
		for to := range g[from] {
			if !knownSet[to] {
				return fmt.Errorf("transition graph: unknown target state %q (from %q)", to, from)
			}
		}
	}
	for _, s := range known {
		if _, ok := g[s]; !ok {
			return fmt.Errorf("transition graph: state %q has no entry (terminal states need an empty set)", s)
		}
	}
	return nil
}

// OrderStates enumerates every valid order state
func OrderStates() []string {
	return []string{
		string(OrderStateQueued),
		string(OrderStateCheckedOut),
		string(OrderStateInProgress),
		string(OrderStateSubmitted),
		string(OrderStateApproved),
		string(OrderStateApplied),
		string(OrderStateCompleted),
		string(OrderStateRejected),
		string(OrderStateFailed),
		string(OrderStateDeadLettered),
	}
}

// ItemStates enumerates every valid item state
func ItemStates() []string {
	return []string{
		string(ItemStateQueued),
		string(ItemStateLeased),
		string(ItemStateInProgress),
		string(ItemStateSubmitted),
		string(ItemStateAccepted),
		string(ItemStateRejected),
		string(ItemStateCompleted),
		string(ItemStateFailed),
		string(ItemStateDeadLettered),
	}
}

// DefaultOrderGraph returns the stock order transition graph
func DefaultOrderGraph() TransitionGraph {
	return TransitionGraph{
		string(OrderStateQueued): {
			string(OrderStateCheckedOut):   true, // first item leased
			string(OrderStateCompleted):    true, // every item dead-lettered before checkout
			string(OrderStateDeadLettered): true, // manual dead-letter
		},
		string(OrderStateCheckedOut): {
			string(OrderStateInProgress): true, // first heartbeat
			string(OrderStateQueued):     true, // all leases released or reclaimed
			string(OrderStateSubmitted):  true, // single-item order submitted without heartbeat
			string(OrderStateCompleted):  true, // auto-completion
		},
		string(OrderStateInProgress): {
			string(OrderStateSubmitted): true, // all items submitted
			string(OrderStateQueued):    true, // all leases released or reclaimed
			string(OrderStateCompleted): true, // auto-completion
		},
		string(OrderStateSubmitted): {
			string(OrderStateApproved):  true,
			string(OrderStateRejected):  true,
			string(OrderStateCompleted): true, // auto-completion
		},
		string(OrderStateApproved): {
			string(OrderStateApplied): true,
			string(OrderStateFailed):  true, // apply() raised
		},
		string(OrderStateApplied): {
			string(OrderStateCompleted): true,
		},
		string(OrderStateRejected): {
			string(OrderStateQueued):       true, // rework cycle
			string(OrderStateDeadLettered): true,
		},
		string(OrderStateFailed): {
			string(OrderStateApproved):     true, // apply retry
			string(OrderStateDeadLettered): true,
		},
		string(OrderStateCompleted):    {},
		string(OrderStateDeadLettered): {},
	}
}

// DefaultItemGraph returns the stock item transition graph
func DefaultItemGraph() TransitionGraph {
	return TransitionGraph{
		string(ItemStateQueued): {
			string(ItemStateLeased):       true, // worker checkout
			string(ItemStateDeadLettered): true, // manual dead-letter
		},
		string(ItemStateLeased): {
			string(ItemStateInProgress): true, // first heartbeat
			string(ItemStateQueued):     true, // release or reclaim with attempts left
			string(ItemStateSubmitted):  true, // single-shot submit without heartbeat
			string(ItemStateFailed):     true, // reclaim with attempts exhausted
		},
		string(ItemStateInProgress): {
			string(ItemStateSubmitted): true,
			string(ItemStateQueued):    true, // release, reclaim, or retryable failure
			string(ItemStateFailed):    true,
		},
		string(ItemStateSubmitted): {
			string(ItemStateAccepted): true, // approval cascade
			string(ItemStateRejected): true,
			string(ItemStateQueued):   true, // rework reset
		},
		string(ItemStateAccepted): {
			string(ItemStateCompleted): true,
		},
		string(ItemStateRejected): {
			string(ItemStateDeadLettered): true,
		},
		string(ItemStateFailed): {
			string(ItemStateQueued):       true, // manual retry
			string(ItemStateDeadLettered): true, // staleness sweep
		},
		string(ItemStateCompleted):    {},
		string(ItemStateDeadLettered): {},
	}
}

// GraphFromAdjacency builds a TransitionGraph from a plain adjacency map,
// the shape configuration files use.
func GraphFromAdjacency(adj map[string][]string) TransitionGraph {
	g := make(TransitionGraph, len(adj))
	for from, targets := range adj {
		set := make(map[string]bool, len(targets))
		for _, to := range targets {
			set[to] = true
		}
		g[from] = set
	}
	return g
}

// IsTerminalItemState reports whether an item state counts toward order
// auto-completion.
func IsTerminalItemState(state ItemState) bool {
	return state == ItemStateCompleted || state == ItemStateDeadLettered
}
