package allocator

import (
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/scusemua/fleet-master/common/types"
)

// Allocator is the narrow interface through which the master reaches the allocation engine.
//
// The engine owns its own internal bookkeeping and the fairness/placement formula; the master
// only ever informs it of agent membership, returns recovered resources to it, and nudges it to
// run another allocation pass. Production and test implementations are interchangeable variants
// behind this interface.
type Allocator interface {
	// AddAgent introduces a newly registered agent with its total capacity and the portion
	// already in use at registration time.
	AddAgent(agentId string, total types.Resources, used types.Resources)

	// RemoveAgent withdraws an agent from allocation.
	RemoveAgent(agentId string)

	// RecoverResources returns resources from a rescinded or declined offer, or from a
	// terminated task, to the engine's view of the agent. The frameworkId may be empty when
	// the resources were never bound to a framework.
	RecoverResources(frameworkId string, agentId string, resources types.Resources)

	// Trigger nudges the engine to run an allocation pass for the given agent. Fire-and-forget:
	// callers never wait for an offer to be produced.
	Trigger(agentId string)

	// Start begins the engine's periodic allocation cycle.
	Start()

	// Stop halts the engine.
	Stop()
}

// OfferSink is the callback through which the engine hands control back to the master to turn
// an agent's free resources into offers. Allocation passes for a given agent are serialized by
// the master's per-agent pipeline, not by the engine.
type OfferSink interface {
	AllocateAgent(agentId string)
}

// OfferAllocator is the default Allocator: it runs an allocation pass for an agent whenever it
// is nudged, and for every agent on a fixed interval. It deliberately implements no fairness
// formula; which frameworks receive which free resources is decided by the OfferSink.
type OfferAllocator struct {
	log logger.Logger

	sink     OfferSink
	interval time.Duration

	agents   cmap.ConcurrentMap[string, struct{}]
	triggers chan string

	mu      sync.Mutex
	stop    chan struct{}
	running bool
}

// NewOfferAllocator creates an OfferAllocator that drives the given sink on the given cadence.
func NewOfferAllocator(sink OfferSink, interval time.Duration) *OfferAllocator {
	a := &OfferAllocator{
		sink:     sink,
		interval: interval,
		agents:   cmap.New[struct{}](),
		triggers: make(chan string, 1024),
	}
	config.InitLogger(&a.log, a)

	return a
}

// AddAgent introduces an agent and immediately schedules a pass for it.
func (a *OfferAllocator) AddAgent(agentId string, total types.Resources, used types.Resources) {
	a.agents.Set(agentId, struct{}{})
	a.log.Debug("Agent \"%s\" added with total %s (used: %s).", agentId, total.String(), used.String())
	a.Trigger(agentId)
}

// RemoveAgent withdraws an agent from the periodic cycle.
func (a *OfferAllocator) RemoveAgent(agentId string) {
	a.agents.Remove(agentId)
}

// RecoverResources records resources returned to the agent. The next pass (periodic or
// triggered) will re-offer them; recovery alone does not force a pass.
func (a *OfferAllocator) RecoverResources(frameworkId string, agentId string, resources types.Resources) {
	a.log.Debug("Recovered %s on agent \"%s\" (framework: \"%s\").", resources.String(), agentId, frameworkId)
}

// Trigger schedules an allocation pass for the agent. If the trigger queue is full the nudge is
// dropped; the periodic cycle will cover the agent on its next tick.
func (a *OfferAllocator) Trigger(agentId string) {
	select {
	case a.triggers <- agentId:
	default:
		a.log.Warn("Trigger queue is full; relying on the periodic cycle for agent \"%s\".", agentId)
	}
}

// Start launches the allocation loop.
func (a *OfferAllocator) Start() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return
	}

	a.running = true
	a.stop = make(chan struct{})
	go a.run(a.stop)
}

// Stop halts the allocation loop. Pending triggers are discarded.
func (a *OfferAllocator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.running {
		return
	}

	a.running = false
	close(a.stop)
}

func (a *OfferAllocator) run(stop <-chan struct{}) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case agentId := <-a.triggers:
			if a.agents.Has(agentId) {
				a.sink.AllocateAgent(agentId)
			}
		case <-ticker.C:
			for agentId := range a.agents.IterBuffered() {
				a.sink.AllocateAgent(agentId.Key)
			}
		case <-stop:
			return
		}
	}
}
