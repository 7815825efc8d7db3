package types_test

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/fleet-master/common/types"
)

var _ = Describe("Ranges", func() {
	It("Will merge overlapping and adjacent intervals into canonical form", func() {
		r := types.NewRanges(
			types.Range{Begin: 10, End: 20},
			types.Range{Begin: 21, End: 30},
			types.Range{Begin: 15, End: 25},
			types.Range{Begin: 40, End: 50},
		)

		Expect(r.Ranges).To(HaveLen(2))
		Expect(r.Ranges[0]).To(Equal(types.Range{Begin: 10, End: 30}))
		Expect(r.Ranges[1]).To(Equal(types.Range{Begin: 40, End: 50}))
		Expect(r.Size()).To(Equal(uint64(32)))
	})

	It("Will treat the zero value as the empty set", func() {
		var r types.Ranges
		Expect(r.IsEmpty()).To(BeTrue())
		Expect(r.Size()).To(Equal(uint64(0)))
	})

	It("Will reject inverted intervals", func() {
		r := &types.Ranges{Ranges: []types.Range{{Begin: 5, End: 3}}}
		Expect(r.Validate()).To(MatchError(types.ErrMalformedResource))
	})

	Context("Containment", func() {
		It("Will report containment of a sub-range", func() {
			outer := types.NewRanges(types.Range{Begin: 31000, End: 32000})
			inner := types.NewRanges(types.Range{Begin: 31500, End: 31600})

			Expect(outer.Contains(inner)).To(BeTrue())
			Expect(inner.Contains(outer)).To(BeFalse())
		})

		It("Will report non-containment when the argument straddles a gap", func() {
			outer := types.NewRanges(
				types.Range{Begin: 1, End: 10},
				types.Range{Begin: 20, End: 30},
			)
			straddling := types.NewRanges(types.Range{Begin: 8, End: 22})

			Expect(outer.Contains(straddling)).To(BeFalse())
		})

		It("Will report that every set contains the empty set", func() {
			outer := types.NewRanges(types.Range{Begin: 1, End: 2})
			Expect(outer.Contains(types.NewRanges())).To(BeTrue())
		})
	})

	Context("Union and difference", func() {
		It("Will compute the union without mutating either operand", func() {
			a := types.NewRanges(types.Range{Begin: 1, End: 5})
			b := types.NewRanges(types.Range{Begin: 6, End: 10})

			sum := a.Plus(b)
			Expect(sum.Equals(types.NewRanges(types.Range{Begin: 1, End: 10}))).To(BeTrue())
			Expect(a.Equals(types.NewRanges(types.Range{Begin: 1, End: 5}))).To(BeTrue())
			Expect(b.Equals(types.NewRanges(types.Range{Begin: 6, End: 10}))).To(BeTrue())
		})

		It("Will split an interval when subtracting from its middle", func() {
			a := types.NewRanges(types.Range{Begin: 1, End: 10})
			b := types.NewRanges(types.Range{Begin: 4, End: 6})

			difference, err := a.Minus(b)
			Expect(err).To(BeNil())
			Expect(difference.Ranges).To(HaveLen(2))
			Expect(difference.Ranges[0]).To(Equal(types.Range{Begin: 1, End: 3}))
			Expect(difference.Ranges[1]).To(Equal(types.Range{Begin: 7, End: 10}))
		})

		It("Will fail the subtraction with an underflow when not contained", func() {
			a := types.NewRanges(types.Range{Begin: 1, End: 10})
			b := types.NewRanges(types.Range{Begin: 5, End: 15})

			_, err := a.Minus(b)
			Expect(err).To(MatchError(types.ErrQuantityUnderflow))
		})

		It("Will subtract an exact interval down to the empty set", func() {
			a := types.NewRanges(types.Range{Begin: 7, End: 9})

			difference, err := a.Minus(a.Clone())
			Expect(err).To(BeNil())
			Expect(difference.IsEmpty()).To(BeTrue())
		})
	})

	It("Will compare sets by their contents, not their representation", func() {
		a := types.NewRanges(types.Range{Begin: 1, End: 3}, types.Range{Begin: 4, End: 6})
		b := types.NewRanges(types.Range{Begin: 1, End: 6})

		Expect(a.Equals(b)).To(BeTrue())
	})
})
