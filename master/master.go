package master

import (
	"fmt"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/scusemua/fleet-master/common/types"
	"github.com/scusemua/fleet-master/master/allocator"
	"github.com/scusemua/fleet-master/master/auth"
	"github.com/scusemua/fleet-master/master/ledger"
	"github.com/scusemua/fleet-master/master/offers"
)

// Master is the control-plane orchestrator: it owns the per-agent ledgers and the offer
// tracker, authenticates and authorizes operator requests, and drives offer rescission and
// re-allocation when the reservation state of an agent changes.
//
// The Master is the sole mutator of agent ledgers and the sole trigger of offer rescission.
// Every mutation against one agent flows through that agent's serialized pipeline (see
// agentEntry), so there is never a second writer.
type Master struct {
	log logger.Logger

	id string

	agents     cmap.ConcurrentMap[string, *agentEntry]
	frameworks cmap.ConcurrentMap[string, *FrameworkConn]
	tracker    *offers.Tracker

	authenticator auth.Authenticator
	authorizer    auth.Authorizer
	alloc         allocator.Allocator

	metrics *Metrics
}

// NewMaster wires a Master together. The allocator is attached afterwards via SetAllocator
// because the default allocator needs the Master as its OfferSink.
func NewMaster(authenticator auth.Authenticator, authorizer auth.Authorizer) *Master {
	m := &Master{
		id:            uuid.NewString(),
		agents:        cmap.New[*agentEntry](),
		frameworks:    cmap.New[*FrameworkConn](),
		tracker:       offers.NewTracker(),
		authenticator: authenticator,
		authorizer:    authorizer,
		metrics:       NewMetrics(),
	}
	config.InitLogger(&m.log, m)

	return m
}

// SetAllocator attaches the allocation engine. Must be called before any agent registers.
func (m *Master) SetAllocator(alloc allocator.Allocator) {
	m.alloc = alloc
}

// Id returns the master's unique identifier.
func (m *Master) Id() string {
	return m.id
}

// Metrics exposes the master's Prometheus collectors.
func (m *Master) Metrics() *Metrics {
	return m.metrics
}

// Authenticate validates a caller's credentials, returning the authenticated principal.
func (m *Master) Authenticate(credential *auth.Credential) (string, error) {
	return m.authenticator.Authenticate(credential)
}

// RegisterAgent introduces a worker node contributing the given total capacity. The returned
// agent id keys all subsequent operations against the node.
func (m *Master) RegisterAgent(hostname string, total types.Resources) (string, error) {
	if err := total.Validate(); err != nil {
		return "", err
	}

	agentId := uuid.NewString()
	entry := newAgentEntry(agentId, hostname, ledger.NewAgentLedger(agentId, total))

	m.agents.Set(agentId, entry)
	m.tracker.AddAgent(agentId)
	m.alloc.AddAgent(agentId, total, types.Resources{})
	m.metrics.RegisteredAgents.Inc()

	m.log.Info("Registered agent \"%s\" (host: %s) with total capacity %s.", agentId, hostname, total.String())

	return agentId, nil
}

// RemoveAgent withdraws an agent: every outstanding offer on it is rescinded first, then the
// ledger and its pipeline are torn down.
func (m *Master) RemoveAgent(agentId string) error {
	entry, ok := m.agents.Get(agentId)
	if !ok {
		return fmt.Errorf("%w: agent \"%s\"", ErrMalformedRequest, agentId)
	}

	p := entry.execute(func() (interface{}, error) {
		m.rescindOutstandingOffers(entry)
		return nil, nil
	})
	if err := p.Error(); err != nil {
		return err
	}

	m.agents.Remove(agentId)
	m.tracker.RemoveAgent(agentId)
	m.alloc.RemoveAgent(agentId)
	entry.stop()
	m.metrics.RegisteredAgents.Dec()

	m.log.Info("Removed agent \"%s\".", agentId)

	return nil
}

// RegisterFramework connects a scheduler that receives offers for the given role. The returned
// connection carries the ordered outbound event stream.
func (m *Master) RegisterFramework(name string, role string) *FrameworkConn {
	conn := newFrameworkConn(uuid.NewString(), name, role)
	m.frameworks.Set(conn.FrameworkId, conn)
	m.metrics.RegisteredFrameworks.Inc()

	m.log.Info("Registered framework \"%s\" (\"%s\") for role \"%s\".", conn.FrameworkId, name, role)

	return conn
}

// DeregisterFramework disconnects a scheduler. Its outstanding offers are rescinded and their
// resources recovered.
func (m *Master) DeregisterFramework(frameworkId string) error {
	conn, ok := m.frameworks.Pop(frameworkId)
	if !ok {
		return fmt.Errorf("%w: \"%s\"", ErrUnknownFramework, frameworkId)
	}

	conn.Close()
	m.metrics.RegisteredFrameworks.Dec()

	// Rescind the framework's offers agent by agent, each on its own pipeline.
	for item := range m.agents.IterBuffered() {
		entry := item.Val
		p := entry.execute(func() (interface{}, error) {
			for _, offerId := range m.tracker.OffersFor(entry.id) {
				if offer, found := m.tracker.Get(offerId); found && offer.FrameworkId == frameworkId {
					m.rescindOffer(entry, offerId)
				}
			}
			return nil, nil
		})
		_ = p.Error()
	}

	return nil
}

// AcceptOffer consumes an offer on behalf of a framework launching a task. The task's
// resources move into the agent's allocated bucket; the offer's remainder returns to free.
//
// Accepting an offer id the master no longer knows (e.g. it was rescinded in flight) is a
// harmless no-op, not an error.
func (m *Master) AcceptOffer(frameworkId string, offerId string, task types.Resources) error {
	if _, ok := m.frameworks.Get(frameworkId); !ok {
		return fmt.Errorf("%w: \"%s\"", ErrUnknownFramework, frameworkId)
	}

	offer, ok := m.tracker.Get(offerId)
	if !ok || offer.FrameworkId != frameworkId {
		m.log.Debug("Framework \"%s\" accepted unknown offer \"%s\"; ignoring.", frameworkId, offerId)
		return nil
	}

	entry, ok := m.agents.Get(offer.AgentId)
	if !ok {
		return nil
	}

	p := entry.execute(func() (interface{}, error) {
		// Validate before withdrawing anything so a bad accept leaves the offer intact.
		if !offer.Resources.Contains(task) {
			return nil, fmt.Errorf("%w: offer \"%s\" does not cover the task's resources", ErrMalformedRequest, offerId)
		}

		// Re-check under the pipeline: the offer may have been rescinded while we queued.
		if _, live := m.tracker.Rescind(offerId); !live {
			return nil, nil
		}

		m.metrics.OutstandingOffers.Dec()

		if err := entry.ledger.AllocateOffer(offerId, frameworkId, task); err != nil {
			return nil, err
		}

		// Any remainder of the offer beyond the task is free again.
		remainder, err := offer.Resources.Minus(task)
		if err == nil && !remainder.IsEmpty() {
			m.alloc.RecoverResources(frameworkId, offer.AgentId, remainder)
		}

		return nil, nil
	})

	return p.Error()
}

// DeclineOffer returns a declined offer's resources to the agent's free pool. Unknown offer
// ids are a harmless no-op.
func (m *Master) DeclineOffer(frameworkId string, offerId string) error {
	offer, ok := m.tracker.Get(offerId)
	if !ok || offer.FrameworkId != frameworkId {
		return nil
	}

	entry, ok := m.agents.Get(offer.AgentId)
	if !ok {
		return nil
	}

	p := entry.execute(func() (interface{}, error) {
		if _, live := m.tracker.Rescind(offerId); !live {
			return nil, nil
		}

		m.metrics.OutstandingOffers.Dec()
		entry.ledger.ReleaseOffer(offerId)
		m.alloc.RecoverResources(frameworkId, offer.AgentId, offer.Resources)

		return nil, nil
	})

	return p.Error()
}

// RecoverTaskResources returns a terminated task's resources from the agent's allocated bucket
// to free, then nudges the allocation engine.
func (m *Master) RecoverTaskResources(frameworkId string, agentId string, resources types.Resources) error {
	entry, ok := m.agents.Get(agentId)
	if !ok {
		return fmt.Errorf("%w: agent \"%s\"", ErrMalformedRequest, agentId)
	}

	p := entry.execute(func() (interface{}, error) {
		if err := entry.ledger.RecoverAllocated(frameworkId, resources); err != nil {
			return nil, err
		}

		m.alloc.RecoverResources(frameworkId, agentId, resources)
		return nil, nil
	})

	if err := p.Error(); err != nil {
		return err
	}

	m.alloc.Trigger(agentId)

	return nil
}

// AllocateAgent runs one allocation pass for the agent: its free resources are carved into
// offers for the registered frameworks. Invoked by the allocation engine (allocator.OfferSink);
// runs on the agent's serialized pipeline like every other mutation.
func (m *Master) AllocateAgent(agentId string) {
	entry, ok := m.agents.Get(agentId)
	if !ok {
		return
	}

	p := entry.execute(func() (interface{}, error) {
		for item := range m.frameworks.IterBuffered() {
			conn := item.Val

			offerable := resourcesForRole(entry.ledger.Free(), conn.Role)
			if offerable.IsEmpty() {
				continue
			}

			offer := offers.NewOffer(conn.FrameworkId, agentId, offerable)
			if err := entry.ledger.AddOffer(offer.OfferId, offer.Resources); err != nil {
				m.log.Error("Failed to embed offer \"%s\" in ledger of agent \"%s\": %v", offer.OfferId, agentId, err)
				continue
			}

			if err := m.tracker.Record(offer); err != nil {
				// Roll the ledger back; the offer never existed.
				entry.ledger.ReleaseOffer(offer.OfferId)
				m.log.Error("Failed to record offer \"%s\": %v", offer.OfferId, err)
				continue
			}

			m.metrics.OffersIssued.Inc()
			m.metrics.OutstandingOffers.Inc()
			conn.deliver(OfferEvent{Offer: offer})

			m.log.Debug("Offered %s on agent \"%s\" to framework \"%s\".",
				offerable.String(), agentId, conn.FrameworkId)
		}

		return nil, nil
	})

	_ = p.Error()
}

// rescindOutstandingOffers withdraws every live offer on the agent. Must run on the agent's
// pipeline.
func (m *Master) rescindOutstandingOffers(entry *agentEntry) {
	for _, offerId := range m.tracker.OffersFor(entry.id) {
		m.rescindOffer(entry, offerId)
	}
}

// rescindOffer withdraws a single offer: the tracker forgets it, its resources return to the
// agent's free pool and to the allocation engine, and the holding scheduler is notified
// (at-most-once; delivery failure does not affect ledger correctness). Must run on the agent's
// pipeline.
func (m *Master) rescindOffer(entry *agentEntry, offerId string) {
	offer, ok := m.tracker.Rescind(offerId)
	if !ok {
		return
	}

	entry.ledger.ReleaseOffer(offerId)
	m.alloc.RecoverResources(offer.FrameworkId, offer.AgentId, offer.Resources)

	if conn, found := m.frameworks.Get(offer.FrameworkId); found {
		conn.deliver(RescindEvent{OfferId: offerId})
	}

	m.metrics.OffersRescinded.Inc()
	m.metrics.OutstandingOffers.Dec()

	m.log.Debug("Rescinded offer \"%s\" of %s on agent \"%s\".", offerId, offer.Resources.String(), offer.AgentId)
}

// resourcesForRole filters an agent's free resources down to those offerable to a framework of
// the given role: unreserved quantities plus quantities reserved for that role.
func resourcesForRole(resources types.Resources, role string) types.Resources {
	offerable := make(types.Resources, 0, len(resources))
	for _, resource := range resources {
		if resource.EffectiveRole() == types.DefaultRole || resource.EffectiveRole() == role {
			offerable = append(offerable, resource)
		}
	}

	return offerable.Clone()
}

// AgentLedger exposes the ledger for one agent; read-only projections only.
func (m *Master) AgentLedger(agentId string) (*ledger.AgentLedger, bool) {
	entry, ok := m.agents.Get(agentId)
	if !ok {
		return nil, false
	}

	return entry.ledger, true
}

// OfferTracker exposes the master's offer tracker.
func (m *Master) OfferTracker() *offers.Tracker {
	return m.tracker
}

// AgentState is the read-only projection of one agent served by the state endpoint.
type AgentState struct {
	AgentId   string          `json:"agent_id"`
	Hostname  string          `json:"hostname"`
	Total     types.Resources `json:"total"`
	Free      types.Resources `json:"free"`
	Offered   types.Resources `json:"offered"`
	Allocated types.Resources `json:"allocated"`
	OfferIds  []string        `json:"offer_ids"`
}

// State returns a point-in-time projection of every agent. Purely observational; it takes no
// part in the mutation pipeline.
func (m *Master) State() []AgentState {
	states := make([]AgentState, 0, m.agents.Count())
	for item := range m.agents.IterBuffered() {
		entry := item.Val
		states = append(states, AgentState{
			AgentId:   entry.id,
			Hostname:  entry.hostname,
			Total:     entry.ledger.Total(),
			Free:      entry.ledger.Free(),
			Offered:   entry.ledger.Offered(),
			Allocated: entry.ledger.Allocated(),
			OfferIds:  m.tracker.OffersFor(entry.id),
		})
	}

	return states
}
