package types_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/shopspring/decimal"

	"github.com/scusemua/fleet-master/common/types"
)

// reserved tags the given quantities with a role and reserving principal.
func reserved(role string, principal string, resources ...*types.Resource) types.Resources {
	return types.Resources(resources).Flatten(role, &types.Reservation{Principal: principal})
}

var _ = Describe("Resources", func() {
	Context("Validation", func() {
		It("Will accept a well-formed scalar resource", func() {
			Expect(types.NewScalarResource("cpus", 1.5).Validate()).To(BeNil())
		})

		It("Will reject a resource with no name", func() {
			resource := types.NewScalarResource("", 1)
			Expect(resource.Validate()).To(MatchError(types.ErrMalformedResource))
		})

		It("Will reject a negative scalar quantity", func() {
			resource := types.NewScalarResource("cpus", -1)
			Expect(resource.Validate()).To(MatchError(types.ErrMalformedResource))
		})

		It("Will reject a scalar resource that also carries a range value", func() {
			resource := types.NewScalarResource("cpus", 1)
			resource.Ranges = types.NewRanges(types.Range{Begin: 1, End: 2})
			Expect(resource.Validate()).To(MatchError(types.ErrMalformedResource))
		})

		It("Will reject a reservation with no principal", func() {
			resource := types.NewScalarResource("cpus", 1)
			resource.Reservation = &types.Reservation{}
			Expect(resource.Validate()).To(MatchError(types.ErrMalformedResource))
		})

		It("Will reject an unknown value type", func() {
			resource := &types.Resource{Name: "cpus", Type: types.ValueType("WEIRD")}
			Expect(resource.Validate()).To(MatchError(types.ErrMalformedResource))
		})
	})

	Context("Addition", func() {
		It("Will merge quantities that share an identity", func() {
			a := types.Resources{types.NewScalarResource("cpus", 1)}
			b := types.Resources{types.NewScalarResource("cpus", 0.5)}

			sum := a.Plus(b)
			Expect(sum).To(HaveLen(1))
			Expect(sum[0].Scalar.Value.Equal(decimal.NewFromFloat(1.5))).To(BeTrue())
		})

		It("Will keep quantities with different reservation tags in distinct buckets", func() {
			unreservedCpus := types.Resources{types.NewScalarResource("cpus", 1)}
			reservedCpus := reserved("ads", "operator", types.NewScalarResource("cpus", 1))

			sum := unreservedCpus.Plus(reservedCpus)
			Expect(sum).To(HaveLen(2))
		})

		It("Will not drift when repeatedly adding fractional quantities", func() {
			var sum types.Resources
			tenth := types.Resources{types.NewScalarResource("cpus", 0.1)}
			for i := 0; i < 10; i++ {
				sum = sum.Plus(tenth)
			}

			Expect(sum.Equals(types.Resources{types.NewScalarResource("cpus", 1)})).To(BeTrue())
		})

		It("Will union range quantities", func() {
			a := types.Resources{types.NewRangesResource("ports", types.Range{Begin: 1, End: 10})}
			b := types.Resources{types.NewRangesResource("ports", types.Range{Begin: 11, End: 20})}

			sum := a.Plus(b)
			Expect(sum).To(HaveLen(1))
			Expect(sum[0].Ranges.Equals(types.NewRanges(types.Range{Begin: 1, End: 20}))).To(BeTrue())
		})

		It("Will union set quantities without duplicating items", func() {
			a := types.Resources{types.NewSetResource("disks", "sda1", "sda2")}
			b := types.Resources{types.NewSetResource("disks", "sda2", "sda3")}

			sum := a.Plus(b)
			Expect(sum).To(HaveLen(1))
			Expect(sum[0].Set.Items).To(ConsistOf("sda1", "sda2", "sda3"))
		})
	})

	Context("Subtraction", func() {
		It("Will subtract and drop quantities that reach zero", func() {
			a := types.Resources{
				types.NewScalarResource("cpus", 2),
				types.NewScalarResource("mem", 1024),
			}
			b := types.Resources{types.NewScalarResource("cpus", 2)}

			difference, err := a.Minus(b)
			Expect(err).To(BeNil())
			Expect(difference).To(HaveLen(1))
			Expect(difference[0].Name).To(Equal("mem"))
		})

		It("Will fail with an underflow and leave the receiver intact when not contained", func() {
			a := types.Resources{types.NewScalarResource("cpus", 1)}
			b := types.Resources{types.NewScalarResource("cpus", 2)}

			difference, err := a.Minus(b)
			Expect(err).To(MatchError(types.ErrQuantityUnderflow))
			Expect(difference.Equals(a)).To(BeTrue())
		})

		It("Will refuse to subtract a reserved quantity from an unreserved one", func() {
			a := types.Resources{types.NewScalarResource("cpus", 4)}
			b := reserved("ads", "operator", types.NewScalarResource("cpus", 1))

			_, err := a.Minus(b)
			Expect(err).To(MatchError(types.ErrQuantityUnderflow))
		})
	})

	Context("Containment", func() {
		It("Will match quantities by the full (name, role, reservation) identity", func() {
			pool := types.Resources{types.NewScalarResource("cpus", 4)}

			Expect(pool.Contains(types.Resources{types.NewScalarResource("cpus", 4)})).To(BeTrue())
			Expect(pool.Contains(reserved("ads", "operator", types.NewScalarResource("cpus", 1)))).To(BeFalse())
		})

		It("Will distinguish reservations by their labels", func() {
			tagged := types.Resources{types.NewScalarResource("cpus", 1)}.Flatten("ads", &types.Reservation{
				Principal: "operator",
				Labels:    map[string]string{"tier": "gold"},
			})
			untagged := reserved("ads", "operator", types.NewScalarResource("cpus", 1))

			Expect(tagged.Contains(untagged)).To(BeFalse())
			Expect(untagged.Contains(tagged)).To(BeFalse())
		})

		It("Will treat the empty multiset as contained in everything", func() {
			Expect(types.Resources{}.Contains(types.Resources{})).To(BeTrue())
			Expect(types.Resources{types.NewScalarResource("cpus", 1)}.Contains(types.Resources{})).To(BeTrue())
		})
	})

	Context("Flatten and Unflatten", func() {
		It("Will stamp the role and tag onto every quantity", func() {
			flattened := reserved("ads", "operator",
				types.NewScalarResource("cpus", 1),
				types.NewScalarResource("mem", 512),
			)

			Expect(flattened).To(HaveLen(2))
			for _, resource := range flattened {
				Expect(resource.Role).To(Equal("ads"))
				Expect(resource.Reservation).ToNot(BeNil())
				Expect(resource.Reservation.Principal).To(Equal("operator"))
			}
		})

		It("Will invert a flatten exactly", func() {
			original := types.Resources{
				types.NewScalarResource("cpus", 1.5),
				types.NewRangesResource("ports", types.Range{Begin: 31000, End: 32000}),
			}

			roundTripped := reserved("ads", "operator", original...).Unflatten()
			Expect(roundTripped.Equals(original)).To(BeTrue())
		})

		It("Will merge quantities that collapse onto the same identity", func() {
			mixed := types.Resources{types.NewScalarResource("cpus", 1)}.
				Plus(reserved("ads", "operator", types.NewScalarResource("cpus", 1)))
			Expect(mixed).To(HaveLen(2))

			Expect(mixed.Unflatten()).To(HaveLen(1))
			Expect(mixed.Unflatten()[0].Scalar.Value.Equal(decimal.NewFromInt(2))).To(BeTrue())
		})
	})

	Context("Parsing", func() {
		It("Will decode the wire format used by the operator endpoints", func() {
			payload := `[
				{"name": "cpus", "type": "SCALAR", "scalar": {"value": 1.5}, "role": "ads", "reservation": {"principal": "operator"}},
				{"name": "ports", "type": "RANGES", "ranges": {"range": [{"begin": 31000, "end": 32000}]}}
			]`

			resources, err := types.ParseResources([]byte(payload))
			Expect(err).To(BeNil())
			Expect(resources).To(HaveLen(2))
			Expect(resources[0].Reservation.Principal).To(Equal("operator"))
			Expect(resources[1].Ranges.Size()).To(Equal(uint64(1001)))
		})

		It("Will reject JSON that is not an array of resources", func() {
			_, err := types.ParseResources([]byte(`{"name": "cpus"}`))
			Expect(err).To(MatchError(types.ErrMalformedResource))
		})

		It("Will reject structurally invalid resources", func() {
			payload := `[{"name": "cpus", "type": "SCALAR", "scalar": {"value": -1}}]`
			_, err := types.ParseResources([]byte(payload))
			Expect(err).To(MatchError(types.ErrMalformedResource))
		})
	})

	It("Will compare multisets by quantity rather than layout", func() {
		a := types.Resources{
			types.NewScalarResource("cpus", 1),
			types.NewScalarResource("cpus", 1),
		}
		b := types.Resources{types.NewScalarResource("cpus", 2)}

		Expect(a.Equals(b)).To(BeTrue())
		Expect(a.Equals(types.Resources{types.NewScalarResource("cpus", 3)})).To(BeFalse())
	})
})
