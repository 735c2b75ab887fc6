package workflow

import (
	"fmt"
	"strings"
	"time"

	"github.com/spec-kit/ticketflow/internal/domain"
)

var adminOnly = []domain.Role{domain.RoleAdmin}

// ServiceOrderRules is the service order transition table.
func ServiceOrderRules() *Table[domain.ServiceOrderStatus] {
	t := NewTable[domain.ServiceOrderStatus]()
	t.Allow(Rule{Roles: staff}, domain.ServiceOrderScheduled, domain.ServiceOrderDraft)
	t.Allow(Rule{Roles: staff}, domain.ServiceOrderCancelled, domain.ServiceOrderDraft)
	t.Allow(Rule{Roles: staff}, domain.ServiceOrderInProgress, domain.ServiceOrderScheduled, domain.ServiceOrderOnHold)
	t.Allow(Rule{Roles: staff, RequiresComment: true}, domain.ServiceOrderOnHold,
		domain.ServiceOrderScheduled, domain.ServiceOrderInProgress)
	t.Allow(Rule{Roles: staff, RequiresComment: true}, domain.ServiceOrderCancelled,
		domain.ServiceOrderScheduled, domain.ServiceOrderInProgress)
	t.Allow(Rule{Roles: staff, RequiresComment: true}, domain.ServiceOrderCompleted, domain.ServiceOrderInProgress)
	t.Allow(Rule{Roles: adminOnly}, domain.ServiceOrderInvoiced, domain.ServiceOrderCompleted)
	t.Allow(Rule{Roles: adminOnly}, domain.ServiceOrderClosed, domain.ServiceOrderInvoiced)
	return t
}

// ServiceOrderResult is the outcome of an accepted service order transition.
type ServiceOrderResult struct {
	Order   domain.ServiceOrder
	Step    Step[domain.ServiceOrderStatus]
	Comment *domain.Comment
}

// ActivityInput describes work to log against an order.
type ActivityInput struct {
	Type        domain.ActivityType
	Description string
	Minutes     int
	Billable    bool
}

// ServiceOrderEngine evaluates service order requests.
type ServiceOrderEngine struct {
	table *Table[domain.ServiceOrderStatus]
}

// NewServiceOrderEngine returns an engine over the standard rules.
func NewServiceOrderEngine() *ServiceOrderEngine {
	return &ServiceOrderEngine{table: ServiceOrderRules()}
}

// Transition evaluates a state change for o.
func (e *ServiceOrderEngine) Transition(o domain.ServiceOrder, actor domain.Actor, target domain.ServiceOrderStatus, comment string, now time.Time) (ServiceOrderResult, error) {
	if !target.Valid() {
		return ServiceOrderResult{}, reject(ReasonInvalidTransition, o.Status, target)
	}
	steps, err := e.table.Plan(o.Status, target, actor.Role, comment)
	if err != nil {
		return ServiceOrderResult{}, err
	}

	next := o.Clone()
	step := steps[len(steps)-1]
	next.Status = step.To
	switch step.To {
	case domain.ServiceOrderInProgress:
		if next.StartedAt == nil {
			ts := now
			next.StartedAt = &ts
		}
	case domain.ServiceOrderCompleted:
		ts := now
		next.CompletedAt = &ts
	}

	res := ServiceOrderResult{Step: step}
	if body := strings.TrimSpace(comment); body != "" {
		c := appendComment(&next.Comments, actor, body, now)
		res.Comment = &c
	}
	next.UpdatedAt = now
	res.Order = next
	return res, nil
}

// AddActivity logs work against o and accumulates its time totals.
func (e *ServiceOrderEngine) AddActivity(o domain.ServiceOrder, actor domain.Actor, in ActivityInput, now time.Time) (domain.ServiceOrder, domain.Activity, error) {
	if !actor.Role.IsStaff() {
		return o, domain.Activity{}, &Rejection{Reason: ReasonRoleForbidden}
	}
	if !o.Status.AcceptsActivities() {
		return o, domain.Activity{}, &Rejection{Reason: ReasonInvalidTransition, From: string(o.Status)}
	}
	if !in.Type.Valid() {
		return o, domain.Activity{}, fmt.Errorf("%w: unknown activity type %q", domain.ErrValidation, in.Type)
	}
	if in.Minutes < 0 || in.Minutes > domain.MaxActivityMinutes {
		return o, domain.Activity{}, fmt.Errorf("%w: minutes must be between 0 and %d", domain.ErrValidation, domain.MaxActivityMinutes)
	}
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return o, domain.Activity{}, fmt.Errorf("%w: description required", domain.ErrValidation)
	}

	act := domain.Activity{
		Type:        in.Type,
		Description: desc,
		Minutes:     in.Minutes,
		Billable:    in.Billable,
		ActorID:     actor.ID,
		CreatedAt:   now,
	}
	next := o.Clone()
	next.Activities = append(next.Activities, act)
	next.ActualMinutes += in.Minutes
	if in.Billable {
		next.BillableMinutes += in.Minutes
	}
	next.UpdatedAt = now
	return next, act, nil
}
