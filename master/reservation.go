package master

import (
	"fmt"

	"github.com/scusemua/fleet-master/common/types"
	"github.com/scusemua/fleet-master/master/ledger"
)

// Reserve applies a dynamic reservation: the request's resources, each tagged with the target
// role and the caller's own principal, are stamped onto unreserved capacity of the agent.
//
// The full pipeline is: structural validation, principal-match validation, authorization,
// sufficiency check, rescission of every outstanding offer on the agent, ledger mutation, and
// a fire-and-forget re-plan nudge to the allocation engine. Any failure before rescission
// leaves the ledger, the offer tracker, and all outstanding offers completely untouched.
func (m *Master) Reserve(principal string, agentId string, resources types.Resources) error {
	err := m.applyReservation(principal, agentId, resources, ledger.Reserve)
	m.metrics.ReservationOperations.WithLabelValues(string(ledger.Reserve), outcomeLabel(err)).Inc()

	return err
}

// Unreserve releases a dynamic reservation: the request's resources (which must name the
// reservation exactly, tag included) return to unreserved capacity under the default role.
func (m *Master) Unreserve(principal string, agentId string, resources types.Resources) error {
	err := m.applyReservation(principal, agentId, resources, ledger.Unreserve)
	m.metrics.ReservationOperations.WithLabelValues(string(ledger.Unreserve), outcomeLabel(err)).Inc()

	return err
}

func (m *Master) applyReservation(principal string, agentId string, resources types.Resources, direction ledger.Direction) error {
	// Step 1: parse & structurally validate. Violations carry zero side effects.
	entry, roles, reservers, err := m.validateReservationRequest(agentId, resources)
	if err != nil {
		return err
	}

	// Step 2 (reserve only): the tag principal must equal the authenticated caller. An operator
	// cannot stamp someone else's name onto a new reservation through this path.
	if direction == ledger.Reserve {
		for _, reserver := range reservers {
			if reserver != principal {
				return fmt.Errorf("%w: reservation principal \"%s\" does not match the authenticated principal \"%s\"",
					ErrMalformedRequest, reserver, principal)
			}
		}
	}

	// Step 3: authorize. Reserve rules match on (principal, roles); unreserve rules also match
	// on the reserver principals whose reservations are being undone.
	if direction == ledger.Reserve {
		err = m.authorizer.AuthorizeReserve(principal, roles)
	} else {
		err = m.authorizer.AuthorizeUnreserve(principal, reservers)
	}
	if err != nil {
		return err
	}

	delta := resources.Clone()

	// Steps 4-7 run on the agent's serialized pipeline: no other mutation of this agent's
	// ledger or offers can interleave.
	p := entry.execute(func() (interface{}, error) {
		// Step 4: sufficiency against free ∪ offered. Outstanding, unaccepted offers count as
		// available because they are about to be rescinded; resources bound to running tasks do
		// not. Insufficient means no ledger effect at all.
		if !entry.ledger.Sufficient(delta, direction) {
			return nil, fmt.Errorf("%w: agent \"%s\" cannot %s %s",
				ledger.ErrInsufficientResources, agentId, direction, delta.String())
		}

		// Step 5: rescind every outstanding offer on the agent (conservative policy: all of
		// them, since a reservation change can redistribute the entire role-partitioned pool).
		// Rescission returns each offer's resources to free and to the allocation engine; the
		// holding schedulers are notified before any replacement offer can be produced.
		m.rescindOutstandingOffers(entry)

		// Step 6: apply. Sufficiency is re-checked at commit time inside Apply.
		if applyErr := entry.ledger.Apply(delta, direction); applyErr != nil {
			return nil, applyErr
		}

		return nil, nil
	})

	if err = p.Error(); err != nil {
		return err
	}

	// Step 7: fire-and-forget re-plan signal. The request is complete regardless of when the
	// next offer is actually produced.
	m.alloc.Trigger(agentId)

	m.log.Info("Applied %s of %s on agent \"%s\" for principal \"%s\".",
		direction, delta.String(), agentId, principal)

	return nil
}

// validateReservationRequest enforces the structural rules shared by both directions: a known
// agent, a non-empty resource list, exactly one reservation tag with a non-empty principal on
// every resource, and a single role across the whole request. It returns the agent entry, the
// distinct roles (always exactly one), and the distinct reserver principals.
func (m *Master) validateReservationRequest(agentId string, resources types.Resources) (*agentEntry, []string, []string, error) {
	if agentId == "" {
		return nil, nil, nil, fmt.Errorf("%w: no agent id specified", ErrMalformedRequest)
	}

	entry, ok := m.agents.Get(agentId)
	if !ok {
		return nil, nil, nil, fmt.Errorf("%w: unknown agent \"%s\"", ErrMalformedRequest, agentId)
	}

	if resources.IsEmpty() {
		return nil, nil, nil, fmt.Errorf("%w: no resources specified", ErrMalformedRequest)
	}

	if err := resources.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: %s", ErrMalformedRequest, err.Error())
	}

	roleSet := make(map[string]struct{})
	reserverSet := make(map[string]struct{})
	for _, resource := range resources {
		if !resource.IsReserved() || resource.Reservation.Principal == "" {
			return nil, nil, nil, fmt.Errorf("%w: resource \"%s\" does not carry a reservation with a principal",
				ErrMalformedRequest, resource.Name)
		}

		if resource.EffectiveRole() == types.DefaultRole {
			return nil, nil, nil, fmt.Errorf("%w: resource \"%s\" is reserved for the default role",
				ErrMalformedRequest, resource.Name)
		}

		roleSet[resource.EffectiveRole()] = struct{}{}
		reserverSet[resource.Reservation.Principal] = struct{}{}
	}

	if len(roleSet) != 1 {
		return nil, nil, nil, fmt.Errorf("%w: all resources in one request must share the same role (got %d roles)",
			ErrMalformedRequest, len(roleSet))
	}

	roles := make([]string, 0, len(roleSet))
	for role := range roleSet {
		roles = append(roles, role)
	}

	reservers := make([]string, 0, len(reserverSet))
	for reserver := range reserverSet {
		reservers = append(reservers, reserver)
	}

	return entry, roles, reservers, nil
}

func outcomeLabel(err error) string {
	if err == nil {
		return "applied"
	}

	return "failed"
}
