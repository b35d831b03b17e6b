package source

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

func TestFileSource(t *testing.T) {
	Convey(`FileSource`, t, func() {
		ctx := context.Background()

		Convey(`reads a bundle document`, func() {
			path := filepath.Join(t.TempDir(), "bundle.json")
			doc := `{
				"rulesets": [{"rulesetId": "rs-default", "name": "default", "status": "active", "isDefault": true}],
				"conditions": [{"conditionId": "cond-1", "attribute": "status", "operator": "equal", "value": "open"}],
				"rules": [{
					"ruleId": "r1", "ruleName": "Rule 1", "rulesetId": "rs-default",
					"conditions": {"item": "cond-1"},
					"rulePoint": 10, "weight": 1, "actionResult": "A", "status": "active"
				}],
				"actionsets": {"rs-default": [{"rulesetId": "rs-default", "patternKey": "A", "actionRecommendation": "approve"}]}
			}`
			So(os.WriteFile(path, []byte(doc), 0600), ShouldBeNil)

			b, err := NewFileSource(path).Read(ctx)
			So(err, ShouldBeNil)
			So(len(b.Rulesets), ShouldEqual, 1)
			So(len(b.Rules), ShouldEqual, 1)
			So(b.Rules[0].Conditions.Item, ShouldEqual, "cond-1")
			So(len(b.Actionsets["rs-default"]), ShouldEqual, 1)
		})
		Convey(`a missing file is an error`, func() {
			_, err := NewFileSource(filepath.Join(t.TempDir(), "absent.json")).Read(ctx)
			So(err, ShouldNotBeNil)
		})
		Convey(`malformed JSON is an error`, func() {
			path := filepath.Join(t.TempDir(), "bad.json")
			So(os.WriteFile(path, []byte(`{"rules": [`), 0600), ShouldBeNil)
			_, err := NewFileSource(path).Read(ctx)
			So(err, ShouldNotBeNil)
		})
	})
}
