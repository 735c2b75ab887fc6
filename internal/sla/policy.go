// Package sla computes response, resolution and escalation deadlines for
// tickets and classifies each against a reference time.
package sla

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/spec-kit/ticketflow/internal/domain"
)

// Targets holds the offsets from ticket creation for each deadline kind.
type Targets struct {
	Response   time.Duration
	Resolution time.Duration
	Escalation time.Duration
}

type policyKey struct {
	priority domain.TicketPriority
	category string
}

// PolicyTable maps (priority, category) to deadline offsets.
// Lookups fall back to the priority-wide entry, then to normal priority.
type PolicyTable struct {
	entries map[policyKey]Targets
}

// DefaultPolicyTable returns the built-in per-priority targets.
func DefaultPolicyTable() *PolicyTable {
	p := &PolicyTable{entries: make(map[policyKey]Targets)}
	p.Set(domain.TicketPriorityLow, "", Targets{Response: 48 * time.Hour, Resolution: 168 * time.Hour, Escalation: 72 * time.Hour})
	p.Set(domain.TicketPriorityNormal, "", Targets{Response: 24 * time.Hour, Resolution: 72 * time.Hour, Escalation: 48 * time.Hour})
	p.Set(domain.TicketPriorityHigh, "", Targets{Response: 8 * time.Hour, Resolution: 24 * time.Hour, Escalation: 16 * time.Hour})
	p.Set(domain.TicketPriorityUrgent, "", Targets{Response: 4 * time.Hour, Resolution: 12 * time.Hour, Escalation: 8 * time.Hour})
	p.Set(domain.TicketPriorityCritical, "", Targets{Response: time.Hour, Resolution: 4 * time.Hour, Escalation: 2 * time.Hour})
	return p
}

// Set registers targets for a priority. An empty category applies to all categories.
func (p *PolicyTable) Set(priority domain.TicketPriority, category string, t Targets) {
	p.entries[policyKey{priority: priority, category: category}] = t
}

// Lookup returns the targets for a ticket's priority and category.
func (p *PolicyTable) Lookup(priority domain.TicketPriority, category string) Targets {
	if t, ok := p.entries[policyKey{priority: priority, category: category}]; ok {
		return t
	}
	if t, ok := p.entries[policyKey{priority: priority}]; ok {
		return t
	}
	return p.entries[policyKey{priority: domain.TicketPriorityNormal}]
}

type policyFile struct {
	Policies []struct {
		Priority   domain.TicketPriority `yaml:"priority"`
		Category   string                `yaml:"category"`
		Response   time.Duration         `yaml:"response"`
		Resolution time.Duration         `yaml:"resolution"`
		Escalation time.Duration         `yaml:"escalation"`
	} `yaml:"policies"`
}

// LoadPolicyFile layers YAML overrides on top of the default table.
//
//	policies:
//	  - priority: high
//	    category: network
//	    response: 2h
//	    resolution: 12h
//	    escalation: 6h
func LoadPolicyFile(path string) (*PolicyTable, error) {
	table := DefaultPolicyTable()
	if path == "" {
		return table, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sla policy file: %w", err)
	}
	return parsePolicies(table, raw)
}

func parsePolicies(table *PolicyTable, raw []byte) (*PolicyTable, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode sla policy file: %w", err)
	}
	for i, entry := range file.Policies {
		if !entry.Priority.Valid() {
			return nil, fmt.Errorf("sla policy %d: unknown priority %q", i, entry.Priority)
		}
		if entry.Response <= 0 || entry.Resolution <= 0 || entry.Escalation <= 0 {
			return nil, fmt.Errorf("sla policy %d: offsets must be positive", i)
		}
		table.Set(entry.Priority, entry.Category, Targets{
			Response:   entry.Response,
			Resolution: entry.Resolution,
			Escalation: entry.Escalation,
		})
	}
	return table, nil
}
