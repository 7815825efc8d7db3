package offers

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/scusemua/fleet-master/common/types"
)

var (
	// ErrUnknownAgent indicates that an offer was recorded against an agent the tracker does
	// not know about (e.g. the agent was removed between allocation and recording).
	ErrUnknownAgent = errors.New("the offer's agent is not registered with the tracker")

	// ErrDuplicateOfferId indicates that an offer id was recorded twice.
	ErrDuplicateOfferId = errors.New("an offer with the given id is already tracked")
)

// Offer is an immutable snapshot of a resource proposal: specific resources on a specific
// agent, extended to a specific framework at a specific time.
//
// An Offer is never mutated after it is issued. Any ledger change that could affect what the
// offer represents must rescind the offer first.
type Offer struct {
	OfferId     string          `json:"offer_id"`
	FrameworkId string          `json:"framework_id"`
	AgentId     string          `json:"agent_id"`
	Resources   types.Resources `json:"resources"`
	CreatedAt   time.Time       `json:"created_at"`
}

// NewOffer creates an Offer with a fresh unique id, deep-copying the resource snapshot.
func NewOffer(frameworkId string, agentId string, resources types.Resources) *Offer {
	return &Offer{
		OfferId:     uuid.NewString(),
		FrameworkId: frameworkId,
		AgentId:     agentId,
		Resources:   resources.Clone(),
		CreatedAt:   time.Now(),
	}
}

// agentOffers is the per-agent index of outstanding offer ids.
type agentOffers struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func newAgentOffers() *agentOffers {
	return &agentOffers{ids: make(map[string]struct{})}
}

func (a *agentOffers) add(offerId string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.ids[offerId] = struct{}{}
}

func (a *agentOffers) remove(offerId string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.ids, offerId)
}

func (a *agentOffers) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	ids := make([]string, 0, len(a.ids))
	for id := range a.ids {
		ids = append(ids, id)
	}

	return ids
}

// Tracker maps live offer ids to their immutable snapshots and maintains a per-agent index so
// that "all offers outstanding on agent X" is answered in time proportional to the number of
// offers on that agent rather than the number of offers in the cluster.
type Tracker struct {
	log logger.Logger

	offers  cmap.ConcurrentMap[string, *Offer]
	byAgent cmap.ConcurrentMap[string, *agentOffers]
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	tracker := &Tracker{
		offers:  cmap.New[*Offer](),
		byAgent: cmap.New[*agentOffers](),
	}
	config.InitLogger(&tracker.log, tracker)

	return tracker
}

// AddAgent registers an agent so that offers may be recorded against it.
func (t *Tracker) AddAgent(agentId string) {
	t.byAgent.SetIfAbsent(agentId, newAgentOffers())
}

// RemoveAgent drops the agent's index. Outstanding offers on the agent must be rescinded by
// the caller before removal.
func (t *Tracker) RemoveAgent(agentId string) {
	t.byAgent.Remove(agentId)
}

// Record inserts a newly issued offer. It fails if the offer's agent is no longer registered
// or the offer id is already tracked.
func (t *Tracker) Record(offer *Offer) error {
	index, ok := t.byAgent.Get(offer.AgentId)
	if !ok {
		return fmt.Errorf("%w: agent \"%s\"", ErrUnknownAgent, offer.AgentId)
	}

	if !t.offers.SetIfAbsent(offer.OfferId, offer) {
		return fmt.Errorf("%w: offer \"%s\"", ErrDuplicateOfferId, offer.OfferId)
	}

	index.add(offer.OfferId)
	t.log.Debug("Recorded offer \"%s\" of %s on agent \"%s\" for framework \"%s\".",
		offer.OfferId, offer.Resources.String(), offer.AgentId, offer.FrameworkId)

	return nil
}

// Rescind removes the offer and returns its resource snapshot.
//
// Rescind is idempotent: rescinding an id that is no longer tracked returns (nil, false) rather
// than an error, tolerating races with accept and decline.
func (t *Tracker) Rescind(offerId string) (*Offer, bool) {
	offer, ok := t.offers.Pop(offerId)
	if !ok {
		return nil, false
	}

	if index, found := t.byAgent.Get(offer.AgentId); found {
		index.remove(offerId)
	}

	return offer, true
}

// Get returns the offer with the given id, if it is still live.
func (t *Tracker) Get(offerId string) (*Offer, bool) {
	return t.offers.Get(offerId)
}

// OffersFor returns the ids of all offers outstanding on the given agent.
func (t *Tracker) OffersFor(agentId string) []string {
	index, ok := t.byAgent.Get(agentId)
	if !ok {
		return nil
	}

	return index.snapshot()
}

// Len returns the number of live offers across all agents.
func (t *Tracker) Len() int {
	return t.offers.Count()
}
