package workflow

import (
	"fmt"

	"github.com/pitabwire/intake/model"
)

// Policy decides which status changes the engine accepts.
type Policy string

const (
	// PolicyPermissive accepts a move from any state to any state.
	PolicyPermissive Policy = "permissive"
	// PolicyStrict accepts one step forward or back along the flow, a move
	// to archived from anywhere, and archived back to draft.
	PolicyStrict Policy = "strict"
)

// ParsePolicy converts a config value to a Policy. Empty selects permissive.
func ParsePolicy(v string) (Policy, error) {
	switch Policy(v) {
	case "", PolicyPermissive:
		return PolicyPermissive, nil
	case PolicyStrict:
		return PolicyStrict, nil
	}
	return "", fmt.Errorf("unknown transition policy %q", v)
}

// Allows reports whether the policy accepts from -> to.
func (p Policy) Allows(from, to model.Status) bool {
	if p != PolicyStrict {
		return true
	}
	if from == to {
		return false
	}
	if to == model.StatusArchived {
		return true
	}
	if from == model.StatusArchived {
		return to == model.StatusDraft
	}
	fi, ti := flowIndex(from), flowIndex(to)
	if fi < 0 || ti < 0 {
		return false
	}
	return ti == fi+1 || ti == fi-1
}

// Targets returns every state the policy accepts from from, in flow order
// with archived last.
func (p Policy) Targets(from model.Status) []model.Status {
	var out []model.Status
	for _, to := range model.AllStatuses() {
		if to != from && p.Allows(from, to) {
			out = append(out, to)
		}
	}
	return out
}

// ForwardStates returns up to n states following from along the flow.
// Archived and published have none.
func ForwardStates(from model.Status, n int) []model.Status {
	i := flowIndex(from)
	if i < 0 {
		return nil
	}
	rest := model.StatusFlow[i+1:]
	if len(rest) > n {
		rest = rest[:n]
	}
	return append([]model.Status(nil), rest...)
}

func flowIndex(s model.Status) int {
	for i, st := range model.StatusFlow {
		if st == s {
			return i
		}
	}
	return -1
}
