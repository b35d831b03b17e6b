package feel

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestIsTemplate(t *testing.T) {
	Convey(`IsTemplate`, t, func() {
		So(IsTemplate("A"), ShouldBeFalse)
		So(IsTemplate("-"), ShouldBeFalse)
		So(IsTemplate("{tier}"), ShouldBeTrue)
		So(IsTemplate(`string join("a", "-")`), ShouldBeTrue)
	})
}

func TestExpand(t *testing.T) {
	Convey(`Expand`, t, func() {
		facts := map[string]interface{}{
			"tier":   "gold",
			"region": "eu",
			"count":  3,
		}

		Convey(`substitutes fact values`, func() {
			So(Expand("{tier}", facts), ShouldEqual, "gold")
			So(Expand("{tier}-{region}", facts), ShouldEqual, "gold-eu")
		})
		Convey(`numbers substitute canonically`, func() {
			So(Expand("{count}", facts), ShouldEqual, "3")
		})
		Convey(`missing keys substitute the empty string`, func() {
			So(Expand("{tier}{missing}", facts), ShouldEqual, "gold")
		})
		Convey(`string join alternates values and separators`, func() {
			So(Expand(`string join("a", "-", "b")`, facts), ShouldEqual, "a-b")
			So(Expand(`string join("a", "-", "b", "-", "c")`, facts), ShouldEqual, "a-b-c")
		})
		Convey(`string join resolves substitutions`, func() {
			So(Expand(`string join({tier}, "/", {region})`, facts), ShouldEqual, "gold/eu")
		})
		Convey(`two-argument join returns the first value`, func() {
			So(Expand(`string join("a", "-")`, facts), ShouldEqual, "a")
		})
		Convey(`single-argument join returns the value`, func() {
			So(Expand(`string join("a")`, facts), ShouldEqual, "a")
		})
		Convey(`separators may contain commas`, func() {
			So(Expand(`string join("a", ", ", "b")`, facts), ShouldEqual, "a, b")
		})
		Convey(`errors return the template unchanged`, func() {
			So(Expand(`string join(bare, "-")`, facts), ShouldEqual, `string join(bare, "-")`)
			So(Expand(`string join("a)`, facts), ShouldEqual, `string join("a)`)
		})
	})
}
