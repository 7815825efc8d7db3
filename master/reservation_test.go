package master_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/fleet-master/common/types"
	"github.com/scusemua/fleet-master/master"
	"github.com/scusemua/fleet-master/master/auth"
	"github.com/scusemua/fleet-master/master/ledger"
)

var _ = Describe("Reservations", func() {
	var (
		m       *master.Master
		alloc   *recordingAllocator
		agentId string
		total   types.Resources
	)

	BeforeEach(func() {
		m, alloc = newTestMaster(auth.ACLs{Permissive: true})

		total = types.Resources{
			types.NewScalarResource("cpus", 4),
			types.NewScalarResource("mem", 4096),
		}

		var err error
		agentId, err = m.RegisterAgent("worker-01", total)
		Expect(err).To(BeNil())
	})

	Context("Reserve", func() {
		It("Will re-tag free capacity and nudge the allocation engine", func() {
			delta := reserved("ads", "operator",
				types.NewScalarResource("cpus", 2),
				types.NewScalarResource("mem", 1024),
			)

			before := alloc.triggerCount(agentId)
			Expect(m.Reserve("operator", agentId, delta)).To(BeNil())
			Expect(alloc.triggerCount(agentId)).To(Equal(before + 1))

			agentLedger, _ := m.AgentLedger(agentId)
			free := agentLedger.Free()
			Expect(free.Contains(delta)).To(BeTrue())
			Expect(free.Unflatten().Equals(total)).To(BeTrue())
			Expect(agentLedger.ConservationHolds()).To(BeTrue())
		})

		It("Will deny a request exceeding unbound capacity with no ledger effect", func() {
			delta := reserved("ads", "operator", types.NewScalarResource("cpus", 8))

			before := alloc.triggerCount(agentId)
			err := m.Reserve("operator", agentId, delta)
			Expect(err).To(MatchError(ledger.ErrInsufficientResources))
			Expect(alloc.triggerCount(agentId)).To(Equal(before))

			agentLedger, _ := m.AgentLedger(agentId)
			Expect(agentLedger.Free().Equals(total)).To(BeTrue())
		})

		It("Will reject a tag principal that differs from the authenticated caller", func() {
			delta := reserved("ads", "someone-else", types.NewScalarResource("cpus", 1))

			err := m.Reserve("operator", agentId, delta)
			Expect(err).To(MatchError(master.ErrMalformedRequest))
		})

		It("Will reject structurally invalid requests before touching anything", func() {
			By("rejecting an unknown agent")
			delta := reserved("ads", "operator", types.NewScalarResource("cpus", 1))
			Expect(m.Reserve("operator", "no-such-agent", delta)).To(MatchError(master.ErrMalformedRequest))

			By("rejecting an empty resource list")
			Expect(m.Reserve("operator", agentId, types.Resources{})).To(MatchError(master.ErrMalformedRequest))

			By("rejecting resources with no reservation tag")
			Expect(m.Reserve("operator", agentId,
				types.Resources{types.NewScalarResource("cpus", 1)})).To(MatchError(master.ErrMalformedRequest))

			By("rejecting a reservation for the default role")
			Expect(m.Reserve("operator", agentId,
				reserved(types.DefaultRole, "operator", types.NewScalarResource("cpus", 1)))).
				To(MatchError(master.ErrMalformedRequest))

			By("rejecting mixed roles within one request")
			mixed := append(
				reserved("ads", "operator", types.NewScalarResource("cpus", 1)),
				reserved("analytics", "operator", types.NewScalarResource("mem", 512))...)
			Expect(m.Reserve("operator", agentId, mixed)).To(MatchError(master.ErrMalformedRequest))

			agentLedger, _ := m.AgentLedger(agentId)
			Expect(agentLedger.Free().Equals(total)).To(BeTrue())
		})

		It("Will deny an unauthorized principal before any ledger effect", func() {
			restricted, _ := newTestMaster(auth.ACLs{
				Permissive: false,
				ReserveResources: []auth.ReserveRule{
					{
						Principals: auth.Entity{Values: []string{"operator"}},
						Roles:      auth.Entity{Values: []string{"ads"}},
					},
				},
			})

			restrictedAgent, err := restricted.RegisterAgent("worker-02", total)
			Expect(err).To(BeNil())

			err = restricted.Reserve("operator", restrictedAgent,
				reserved("analytics", "operator", types.NewScalarResource("cpus", 1)))
			Expect(err).To(MatchError(auth.ErrUnauthorized))

			err = restricted.Reserve("ci", restrictedAgent,
				reserved("ads", "ci", types.NewScalarResource("cpus", 1)))
			Expect(err).To(MatchError(auth.ErrUnauthorized))

			agentLedger, _ := restricted.AgentLedger(restrictedAgent)
			Expect(agentLedger.Free().Equals(total)).To(BeTrue())
		})
	})

	Context("Unreserve", func() {
		BeforeEach(func() {
			Expect(m.Reserve("operator", agentId,
				reserved("ads", "operator", types.NewScalarResource("cpus", 2)))).To(BeNil())
		})

		It("Will return the exact reservation to unreserved capacity", func() {
			Expect(m.Unreserve("ci", agentId,
				reserved("ads", "operator", types.NewScalarResource("cpus", 2)))).To(BeNil())

			agentLedger, _ := m.AgentLedger(agentId)
			Expect(agentLedger.Free().Equals(total)).To(BeTrue())
			Expect(agentLedger.ConservationHolds()).To(BeTrue())
		})

		It("Will release a reservation partially", func() {
			Expect(m.Unreserve("operator", agentId,
				reserved("ads", "operator", types.NewScalarResource("cpus", 1)))).To(BeNil())

			agentLedger, _ := m.AgentLedger(agentId)
			Expect(agentLedger.Free().Contains(
				reserved("ads", "operator", types.NewScalarResource("cpus", 1)))).To(BeTrue())
			Expect(agentLedger.Free().Contains(
				types.Resources{types.NewScalarResource("cpus", 3)})).To(BeTrue())
		})

		It("Will deny an unreserve whose tag matches no reservation", func() {
			err := m.Unreserve("operator", agentId,
				reserved("ads", "someone-else", types.NewScalarResource("cpus", 2)))
			Expect(err).To(MatchError(ledger.ErrInsufficientResources))
		})

		It("Will enforce the reserver-principal dimension of the access rules", func() {
			guarded, _ := newTestMaster(auth.ACLs{
				Permissive: true,
				UnreserveResources: []auth.UnreserveRule{
					{
						Principals:         auth.Entity{Values: []string{"ci"}},
						ReserverPrincipals: auth.Entity{Values: []string{"ci"}},
					},
				},
			})

			guardedAgent, err := guarded.RegisterAgent("worker-02", total)
			Expect(err).To(BeNil())
			Expect(guarded.Reserve("operator", guardedAgent,
				reserved("ads", "operator", types.NewScalarResource("cpus", 2)))).To(BeNil())

			// "ci" may only undo its own reservations, not the operator's.
			err = guarded.Unreserve("ci", guardedAgent,
				reserved("ads", "operator", types.NewScalarResource("cpus", 2)))
			Expect(err).To(MatchError(auth.ErrUnauthorized))
		})
	})

	Context("Interaction with outstanding offers", func() {
		var conn *master.FrameworkConn

		BeforeEach(func() {
			conn = m.RegisterFramework("analytics-scheduler", "ads")
			m.AllocateAgent(agentId)

			var event master.FrameworkEvent
			Expect(conn.Events()).To(Receive(&event))
			_, ok := event.(master.OfferEvent)
			Expect(ok).To(BeTrue())
		})

		It("Will rescind every outstanding offer before applying the change", func() {
			delta := reserved("ads", "operator", types.NewScalarResource("cpus", 2))
			Expect(m.Reserve("operator", agentId, delta)).To(BeNil())

			Expect(m.OfferTracker().Len()).To(Equal(0))

			agentLedger, _ := m.AgentLedger(agentId)
			Expect(agentLedger.Offered().IsEmpty()).To(BeTrue())
			Expect(agentLedger.Free().Contains(delta)).To(BeTrue())
			Expect(agentLedger.ConservationHolds()).To(BeTrue())
		})

		It("Will deliver the rescission before any replacement offer", func() {
			delta := reserved("ads", "operator", types.NewScalarResource("cpus", 2))
			Expect(m.Reserve("operator", agentId, delta)).To(BeNil())

			var event master.FrameworkEvent
			Expect(conn.Events()).To(Receive(&event))
			_, isRescind := event.(master.RescindEvent)
			Expect(isRescind).To(BeTrue())

			// The next pass re-offers the agent, now with the reserved capacity visible to the
			// framework whose role matches.
			m.AllocateAgent(agentId)
			Expect(conn.Events()).To(Receive(&event))

			offerEvent, isOffer := event.(master.OfferEvent)
			Expect(isOffer).To(BeTrue())
			Expect(offerEvent.Offer.Resources.Contains(delta)).To(BeTrue())
		})

		It("Will count offered capacity as reservable", func() {
			// Everything is embedded in the outstanding offer; free is empty. The request must
			// still succeed because the offer is rescinded first.
			agentLedger, _ := m.AgentLedger(agentId)
			Expect(agentLedger.Free().IsEmpty()).To(BeTrue())

			delta := reserved("ads", "operator", types.NewScalarResource("cpus", 4))
			Expect(m.Reserve("operator", agentId, delta)).To(BeNil())
			Expect(agentLedger.ConservationHolds()).To(BeTrue())
		})

		It("Will leave outstanding offers untouched when the request is denied", func() {
			delta := reserved("ads", "operator", types.NewScalarResource("cpus", 8))

			err := m.Reserve("operator", agentId, delta)
			Expect(err).To(MatchError(ledger.ErrInsufficientResources))

			Expect(m.OfferTracker().Len()).To(Equal(1))
			Expect(conn.Events()).ToNot(Receive())
		})
	})
})
