package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/fleet-master/common/types"
)

// Direction distinguishes the two reservation mutations an operator can apply.
type Direction string

const (
	// Reserve stamps a role and reservation tag onto unreserved capacity.
	Reserve Direction = "reserve"

	// Unreserve strips a reservation tag, returning the capacity to the default role.
	Unreserve Direction = "unreserve"
)

var (
	// ErrInsufficientResources indicates that the requested delta exceeds the capacity not yet
	// bound to running tasks (free plus outstanding offers) on the target agent.
	ErrInsufficientResources = errors.New("insufficient resources available on the agent")

	// ErrDuplicateOffer indicates that an offer id was recorded twice against the same agent.
	ErrDuplicateOffer = errors.New("an offer with the given id is already outstanding on the agent")

	// ErrUnknownOffer indicates that the given offer id is not outstanding on the agent.
	ErrUnknownOffer = errors.New("no offer with the given id is outstanding on the agent")

	// ErrUnknownAllocation indicates that resources being recovered were never recorded as
	// allocated to the given framework.
	ErrUnknownAllocation = errors.New("the resources being recovered are not allocated to the framework")
)

// AgentLedger is the authoritative record of a single agent's resources.
//
// The ledger partitions the agent's total capacity into three buckets: resources embedded in
// outstanding offers ("offered", partitioned by offer id), resources bound to running tasks
// ("allocated", partitioned by framework id), and everything else ("free", which is derived
// rather than stored). The conservation invariant
//
//	total == free + offered + allocated
//
// holds at every observable instant: every mutation computes its result in full before
// publishing it, so a failed operation never leaves a partial change visible.
//
// A reservation tag is metadata on a quantity, not a fourth bucket: reserved-but-unused
// capacity is free capacity whose role and tag restrict who may be offered it.
type AgentLedger struct {
	mu  sync.Mutex
	log logger.Logger

	agentId   string
	total     types.Resources
	offered   map[string]types.Resources
	allocated map[string]types.Resources
}

// NewAgentLedger creates a ledger for an agent contributing the given total capacity.
func NewAgentLedger(agentId string, total types.Resources) *AgentLedger {
	l := &AgentLedger{
		agentId:   agentId,
		total:     total.Clone(),
		offered:   make(map[string]types.Resources),
		allocated: make(map[string]types.Resources),
	}
	config.InitLogger(&l.log, l)

	return l
}

// AgentId returns the identity of the agent this ledger describes.
func (l *AgentLedger) AgentId() string {
	return l.agentId
}

// Total returns the agent's total capacity.
func (l *AgentLedger) Total() types.Resources {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.total.Clone()
}

// Free returns the derived free bucket: total minus offered minus allocated.
func (l *AgentLedger) Free() types.Resources {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.freeLocked()
}

// Offered returns the aggregate of all resources embedded in outstanding offers.
func (l *AgentLedger) Offered() types.Resources {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.offeredLocked()
}

// Allocated returns the aggregate of all resources bound to running tasks.
func (l *AgentLedger) Allocated() types.Resources {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.allocatedLocked()
}

// Sufficient answers whether the agent's capacity not yet bound to running tasks (free plus
// outstanding offers) covers the requested delta.
//
// Reservation changes are permitted against resources embedded in outstanding, unaccepted
// offers because those offers are rescinded before the change is applied. They are never
// permitted against resources already bound to running tasks.
func (l *AgentLedger) Sufficient(delta types.Resources, direction Direction) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	available := l.freeLocked().Plus(l.offeredLocked())

	if direction == Reserve {
		// Reserving consumes unreserved capacity of the same quantity.
		return available.Contains(delta.Unflatten())
	}

	return available.Contains(delta)
}

// Apply mutates the ledger by flattening (reserve) or unflattening (unreserve) the delta.
//
// Apply must be invoked only after offer rescission has vacated the relevant capacity from
// offered into free; it re-checks sufficiency against the free bucket at commit time and fails
// with ErrInsufficientResources if concurrent activity has changed the picture. The quantity of
// total is unchanged by a successful Apply; only role/tag metadata moves.
func (l *AgentLedger) Apply(delta types.Resources, direction Direction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var consumed, produced types.Resources
	if direction == Reserve {
		consumed, produced = delta.Unflatten(), delta
	} else {
		consumed, produced = delta, delta.Unflatten()
	}

	if !l.freeLocked().Contains(consumed) {
		return fmt.Errorf("%w: agent \"%s\" cannot %s %s", ErrInsufficientResources, l.agentId, direction, delta.String())
	}

	// Compute the full result before publishing it so that an underflow (which the check above
	// should have ruled out) cannot leave a partial mutation visible.
	newTotal, err := l.total.Minus(consumed)
	if err != nil {
		l.log.Error("Ledger invariant violated on agent \"%s\": sufficiency passed but subtraction failed: %v", l.agentId, err)
		return err
	}

	l.total = newTotal.Plus(produced)
	l.log.Debug("Applied %s of %s on agent \"%s\". Free is now: %s", direction, delta.String(), l.agentId, l.freeLocked().String())

	return nil
}

// AddOffer moves resources from the free bucket into a new outstanding offer.
func (l *AgentLedger) AddOffer(offerId string, resources types.Resources) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.offered[offerId]; ok {
		return fmt.Errorf("%w: offer \"%s\" on agent \"%s\"", ErrDuplicateOffer, offerId, l.agentId)
	}

	if !l.freeLocked().Contains(resources) {
		return fmt.Errorf("%w: agent \"%s\" cannot offer %s", ErrInsufficientResources, l.agentId, resources.String())
	}

	l.offered[offerId] = resources.Clone()

	return nil
}

// ReleaseOffer moves a rescinded or declined offer's resources back to the free bucket.
//
// Releasing an offer id that is not outstanding is a no-op (not an error) to tolerate races
// between rescission and accept/decline.
func (l *AgentLedger) ReleaseOffer(offerId string) (types.Resources, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	resources, ok := l.offered[offerId]
	if !ok {
		return nil, false
	}

	delete(l.offered, offerId)

	return resources, true
}

// AllocateOffer consumes an accepted offer: the task's resources move from offered to the
// framework's allocated bucket, and any remainder of the offer falls back into free.
func (l *AgentLedger) AllocateOffer(offerId string, frameworkId string, task types.Resources) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	offered, ok := l.offered[offerId]
	if !ok {
		return fmt.Errorf("%w: offer \"%s\" on agent \"%s\"", ErrUnknownOffer, offerId, l.agentId)
	}

	if !offered.Contains(task) {
		return fmt.Errorf("%w: offer \"%s\" does not cover task resources %s", ErrInsufficientResources, offerId, task.String())
	}

	delete(l.offered, offerId)
	l.allocated[frameworkId] = l.allocated[frameworkId].Plus(task)

	return nil
}

// RecoverAllocated returns terminated-task resources from the framework's allocated bucket to
// the free bucket.
func (l *AgentLedger) RecoverAllocated(frameworkId string, resources types.Resources) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	held, ok := l.allocated[frameworkId]
	if !ok || !held.Contains(resources) {
		return fmt.Errorf("%w: framework \"%s\" on agent \"%s\"", ErrUnknownAllocation, frameworkId, l.agentId)
	}

	remaining, err := held.Minus(resources)
	if err != nil {
		return err
	}

	if remaining.IsEmpty() {
		delete(l.allocated, frameworkId)
	} else {
		l.allocated[frameworkId] = remaining
	}

	return nil
}

// OutstandingOffers returns the ids of all offers currently embedded in the ledger.
func (l *AgentLedger) OutstandingOffers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.offered))
	for id := range l.offered {
		ids = append(ids, id)
	}

	return ids
}

// ConservationHolds verifies the invariant total == free + offered + allocated.
func (l *AgentLedger) ConservationHolds() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.total.Equals(l.freeLocked().Plus(l.offeredLocked()).Plus(l.allocatedLocked()))
}

func (l *AgentLedger) freeLocked() types.Resources {
	free, err := l.total.Minus(l.offeredLocked().Plus(l.allocatedLocked()))
	if err != nil {
		// Conservation is broken. Report loudly; the empty result keeps the damage contained to
		// the current operation rather than propagating a negative quantity.
		l.log.Error("Ledger invariant violated on agent \"%s\": %v", l.agentId, err)
		return types.Resources{}
	}

	return free
}

func (l *AgentLedger) offeredLocked() types.Resources {
	var sum types.Resources
	for _, resources := range l.offered {
		sum = sum.Plus(resources)
	}

	return sum
}

func (l *AgentLedger) allocatedLocked() types.Resources {
	var sum types.Resources
	for _, resources := range l.allocated {
		sum = sum.Plus(resources)
	}

	return sum
}
