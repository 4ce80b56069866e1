// Package transition implements the status transition rules that gate
// per-row and bulk status edits.
//
// A Policy is a finite-state machine over a small closed set of statuses plus
// the None status. Allowed is total: for a status the policy does not know it
// fails open and offers every known status, so an unexpected value coming
// back from the remote API never leaves a row without options.
package transition

import (
	"fmt"
	"sort"
	"strings"
)

// State is a record status value as reported by the remote API.
type State string

// None is the empty status.
const None State = "--None--"

// Default workflow statuses used by DefaultPolicy.
const (
	CalibrationQueue State = "Calibration Queue"
	TestQueue        State = "Test Queue"
	ProductionQueue  State = "Production Queue"
	ShippingQueue    State = "Shipping Queue"
)

// Policy holds the allowed transitions per status.
type Policy struct {
	order []State
	rules map[State]map[State]struct{}
}

// NewPolicy builds a policy from a transition table.
// Every status mentioned as a key or as a target becomes a known status.
// None is always known.
func NewPolicy(rules map[State][]State) *Policy {
	p := &Policy{
		rules: make(map[State]map[State]struct{}, len(rules)+1),
	}

	p.addKnown(None)

	keys := make([]State, 0, len(rules))
	for from := range rules {
		keys = append(keys, from)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, from := range keys {
		p.addKnown(from)
		for _, to := range rules[from] {
			p.addKnown(to)
			p.rules[from][to] = struct{}{}
		}
	}

	return p
}

// DefaultPolicy returns the queue workflow policy.
func DefaultPolicy() *Policy {
	return NewPolicy(map[State][]State{
		None:             {None, CalibrationQueue, TestQueue, ProductionQueue, ShippingQueue},
		CalibrationQueue: {None, CalibrationQueue, TestQueue},
		TestQueue:        {None, TestQueue, CalibrationQueue, ProductionQueue},
		ProductionQueue:  {None, ProductionQueue, ShippingQueue},
		ShippingQueue:    {None, ShippingQueue, ProductionQueue},
	})
}

// ParseRules converts a string table (as found in configuration files) into
// transition rules. Empty status names map to None.
func ParseRules(raw map[string][]string) map[State][]State {
	rules := make(map[State][]State, len(raw))
	for from, targets := range raw {
		states := make([]State, 0, len(targets))
		for _, to := range targets {
			states = append(states, Normalize(to))
		}
		rules[Normalize(from)] = states
	}
	return rules
}

// Normalize trims a raw status and maps blank values to None.
func Normalize(raw string) State {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, string(None)) || strings.EqualFold(s, "none") {
		return None
	}
	return State(s)
}

func (p *Policy) addKnown(s State) {
	if _, ok := p.rules[s]; ok {
		return
	}
	p.rules[s] = make(map[State]struct{})
	p.order = append(p.order, s)
}

// Known reports whether s is part of the policy's status set.
func (p *Policy) Known(s State) bool {
	_, ok := p.rules[s]
	return ok
}

// States returns every known status, None first.
func (p *Policy) States() []State {
	out := make([]State, len(p.order))
	copy(out, p.order)
	return out
}

// Allowed returns the statuses a record in state s may move to.
// Unknown states fail open and get every known status.
func (p *Policy) Allowed(s State) []State {
	set, ok := p.rules[s]
	if !ok {
		return p.States()
	}

	out := make([]State, 0, len(set))
	for _, candidate := range p.order {
		if _, ok := set[candidate]; ok {
			out = append(out, candidate)
		}
	}
	return out
}

// IsValid reports whether moving from one status to another is allowed.
func (p *Policy) IsValid(from, to State) bool {
	if !p.Known(to) {
		return false
	}
	set, ok := p.rules[from]
	if !ok {
		return true
	}
	_, ok = set[to]
	return ok
}

// Intersect returns the statuses allowed from every one of the given states,
// in policy order. With no states it returns nil.
func (p *Policy) Intersect(states ...State) []State {
	if len(states) == 0 {
		return nil
	}

	counts := make(map[State]int)
	seen := make(map[State]struct{}, len(states))
	distinct := 0
	for _, s := range states {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		distinct++
		for _, to := range p.Allowed(s) {
			counts[to]++
		}
	}

	var out []State
	for _, candidate := range p.order {
		if counts[candidate] == distinct {
			out = append(out, candidate)
		}
	}
	return out
}

// BulkOptions returns the options a bulk selector may offer for a selection
// whose rows are currently in the given states. ok is false when no common
// target exists; reason then explains why the bulk action is disabled.
func (p *Policy) BulkOptions(states []State) (options []State, ok bool, reason string) {
	if len(states) == 0 {
		return nil, false, "no rows selected"
	}

	options = p.Intersect(states...)
	if len(options) == 0 {
		return nil, false, fmt.Sprintf("selected rows (%s) share no common status transition", describe(states))
	}
	return options, true, ""
}

func describe(states []State) string {
	seen := make(map[State]struct{}, len(states))
	names := make([]string, 0, len(states))
	for _, s := range states {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		names = append(names, string(s))
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
