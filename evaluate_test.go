package fastbernoulli

import (
	"errors"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestEvaluate(t *testing.T) {
	Convey("Given the scalar evaluator", t, func() {
		Convey("A half returns its input unchanged", func() {
			c := mustBuild(t, 1, 1)

			for _, b := range []uint8{0, 1} {
				v, err := c.Evaluate([]uint8{b})
				So(err, ShouldBeNil)
				So(v, ShouldEqual, b)
			}
		})

		Convey("Three quarters is one unless both bits are set", func() {
			c := mustBuild(t, 3, 2)

			for _, tc := range []struct {
				bits []uint8
				want uint8
			}{
				{[]uint8{0, 0}, 1},
				{[]uint8{1, 0}, 1},
				{[]uint8{0, 1}, 1},
				{[]uint8{1, 1}, 0},
			} {
				v, err := c.Evaluate(tc.bits)
				So(err, ShouldBeNil)
				So(v, ShouldEqual, tc.want)
			}
		})

		Convey("Only the lowest bit of an entry counts", func() {
			v, err := mustBuild(t, 1, 1).Evaluate([]uint8{0xfe})
			So(err, ShouldBeNil)
			So(v, ShouldEqual, uint8(0))
		})

		Convey("Extra bits are ignored", func() {
			v, err := mustBuild(t, 1, 2).Evaluate([]uint8{1, 1, 0, 0})
			So(err, ShouldBeNil)
			So(v, ShouldEqual, uint8(1))
		})

		Convey("Constants need no bits", func() {
			v, err := mustBuild(t, 0, 3).Evaluate(nil)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, uint8(0))

			v, err = mustBuild(t, 1, 0).Evaluate(nil)
			So(err, ShouldBeNil)
			So(v, ShouldEqual, uint8(1))
		})

		Convey("Too few bits break the caller contract", func() {
			_, err := mustBuild(t, 5, 3).Evaluate([]uint8{1, 0})
			So(errors.Is(err, ErrCallerContract), ShouldBeTrue)
		})
	})
}
