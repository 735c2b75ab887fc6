package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/ticketflow/internal/domain"
	"github.com/spec-kit/ticketflow/internal/events"
)

func (f *fixture) sweeper() *NotificationService {
	return NewNotificationService(NotificationDependencies{
		TxManager:  f.store,
		TicketRepo: f.store.Tickets(),
		OutboxRepo: f.store.Outbox(),
		Clock:      f.clock,
		BatchSize:  1,
	})
}

func breachKinds(t *testing.T, evs []domain.OutboxEvent) []string {
	t.Helper()
	var kinds []string
	for _, e := range evs {
		if e.EventType != string(events.EventTicketSLABreached) {
			continue
		}
		var p events.TicketSLABreachedPayload
		require.NoError(t, json.Unmarshal(e.Payload, &p))
		kinds = append(kinds, p.Kind)
	}
	return kinds
}

func TestSweepAnnouncesEachBreachOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	critical := f.createTicket(t, domain.TicketPriorityCritical)
	calm := f.createTicket(t, domain.TicketPriorityLow)
	sweeper := f.sweeper()

	f.clock.Set(t0.Add(90 * time.Minute))
	n, err := sweeper.SweepSLABreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"response"}, breachKinds(t, f.ticketEvents(t, critical.ID)))

	n, err = sweeper.SweepSLABreaches(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Set(t0.Add(5 * time.Hour))
	n, err = sweeper.SweepSLABreaches(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.ElementsMatch(t, []string{"response", "resolution", "escalation"}, breachKinds(t, f.ticketEvents(t, critical.ID)))
	assert.Empty(t, breachKinds(t, f.ticketEvents(t, calm.ID)))

	stored, err := f.tickets.GetTicket(ctx, agentA, critical.ID)
	require.NoError(t, err)
	require.Len(t, stored.Comments, 3)
	for _, c := range stored.Comments {
		assert.True(t, c.System)
	}
	assert.ElementsMatch(t, []string{"response", "resolution", "escalation"}, stored.BreachNotified)
}

func TestSweepSkipsResolvedTickets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ticket := f.openTicket(t)
	_, err := f.tickets.RequestTransition(ctx, agentA, ticket.ID, domain.TicketStatusResolved, "done")
	require.NoError(t, err)

	f.clock.Set(t0.Add(500 * time.Hour))
	n, err := f.sweeper().SweepSLABreaches(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
