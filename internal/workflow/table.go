// Package workflow holds the ticket and service order state machines.
// Everything here is a pure function of its inputs; persistence and event
// recording live in the service layer.
package workflow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spec-kit/ticketflow/internal/domain"
)

// Reason is the typed cause of a rejected request.
type Reason string

const (
	ReasonInvalidTransition Reason = "invalid_transition"
	ReasonCommentRequired   Reason = "comment_required"
	ReasonRoleForbidden     Reason = "role_forbidden"
)

// Rejection reports a request the engine refused. It unwraps to the matching
// domain sentinel so callers can use errors.Is.
type Rejection struct {
	Reason Reason
	From   string
	To     string
}

func (r *Rejection) Error() string {
	if r.From == "" && r.To == "" {
		return string(r.Reason)
	}
	return fmt.Sprintf("%s: %s -> %s", r.Reason, r.From, r.To)
}

func (r *Rejection) Unwrap() error {
	switch r.Reason {
	case ReasonCommentRequired:
		return domain.ErrCommentRequired
	case ReasonRoleForbidden:
		return domain.ErrRoleForbidden
	default:
		return domain.ErrInvalidTransition
	}
}

func reject[S ~string](reason Reason, from, to S) *Rejection {
	return &Rejection{Reason: reason, From: string(from), To: string(to)}
}

// Rule guards a single (from, to) edge.
type Rule struct {
	RequiresComment bool
	Roles           []domain.Role
}

// Step is one applied edge of an accepted request.
type Step[S ~string] struct {
	From S
	To   S
}

type edge[S ~string] struct {
	from, to S
}

// Table is a declarative transition table keyed by state pairs.
type Table[S ~string] struct {
	rules map[edge[S]]Rule
	via   map[edge[S]]S
}

// NewTable returns an empty table.
func NewTable[S ~string]() *Table[S] {
	return &Table[S]{
		rules: make(map[edge[S]]Rule),
		via:   make(map[edge[S]]S),
	}
}

// Allow declares the edges from each source to `to` under rule.
func (t *Table[S]) Allow(rule Rule, to S, from ...S) *Table[S] {
	for _, f := range from {
		t.rules[edge[S]{from: f, to: to}] = rule
	}
	return t
}

// Redirect routes a request from -> to through an intermediate state.
// Both hops must be declared with Allow.
func (t *Table[S]) Redirect(from, to, via S) *Table[S] {
	t.via[edge[S]{from: from, to: to}] = via
	return t
}

// Rule returns the guard for a direct edge.
func (t *Table[S]) Rule(from, to S) (Rule, bool) {
	r, ok := t.rules[edge[S]{from: from, to: to}]
	return r, ok
}

// Plan resolves a request into the edges to apply, checking every guard
// before anything is applied. A redirect is accepted or rejected as a whole.
func (t *Table[S]) Plan(from, to S, role domain.Role, comment string) ([]Step[S], error) {
	if from == to {
		return nil, reject(ReasonInvalidTransition, from, to)
	}

	var steps []Step[S]
	if _, ok := t.Rule(from, to); ok {
		steps = []Step[S]{{From: from, To: to}}
	} else if via, ok := t.via[edge[S]{from: from, to: to}]; ok {
		steps = []Step[S]{{From: from, To: via}, {From: via, To: to}}
	} else {
		return nil, reject(ReasonInvalidTransition, from, to)
	}

	for _, step := range steps {
		rule, ok := t.Rule(step.From, step.To)
		if !ok {
			return nil, reject(ReasonInvalidTransition, from, to)
		}
		if !slices.Contains(rule.Roles, role) {
			return nil, reject(ReasonRoleForbidden, from, to)
		}
		if rule.RequiresComment && strings.TrimSpace(comment) == "" {
			return nil, reject(ReasonCommentRequired, step.From, step.To)
		}
	}
	return steps, nil
}

// Edges enumerates every declared edge with its rule.
func (t *Table[S]) Edges() map[Step[S]]Rule {
	out := make(map[Step[S]]Rule, len(t.rules))
	for e, r := range t.rules {
		out[Step[S]{From: e.from, To: e.to}] = r
	}
	return out
}
