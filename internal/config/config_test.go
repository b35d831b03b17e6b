package config

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

func TestParse(t *testing.T) {
	Convey(`Parse`, t, func() {
		Convey(`complete configuration`, func() {
			cfg, err := Parse([]byte(`
spanner_database: projects/p/instances/i/databases/d
reload:
  interval_seconds: 60
  auto_reload: true
logs:
  buffer_capacity: 512
  batch_size: 50
  flush_interval_seconds: 5
source:
  type: file
  path: /etc/rules/bundle.json
`))
			So(err, ShouldBeNil)
			So(cfg.SpannerDatabase, ShouldEqual, "projects/p/instances/i/databases/d")
			So(cfg.Reload.Interval(), ShouldEqual, time.Minute)
			So(cfg.Reload.AutoReload, ShouldBeTrue)
			So(cfg.Logs.FlushInterval(), ShouldEqual, 5*time.Second)
			So(cfg.Source.Type, ShouldEqual, "file")
		})
		Convey(`empty configuration is valid`, func() {
			cfg, err := Parse([]byte(``))
			So(err, ShouldBeNil)
			So(cfg.SpannerDatabase, ShouldEqual, "")
			So(cfg.Source.Type, ShouldEqual, "")
		})
		Convey(`unknown keys are rejected`, func() {
			_, err := Parse([]byte(`spaner_database: typo`))
			So(err, ShouldNotBeNil)
		})
		Convey(`negative reload interval is rejected`, func() {
			_, err := Parse([]byte("reload:\n  interval_seconds: -1\n"))
			So(err, ShouldNotBeNil)
		})
		Convey(`file sources require a path`, func() {
			_, err := Parse([]byte("source:\n  type: file\n"))
			So(err, ShouldNotBeNil)
		})
		Convey(`gcs sources require bucket and object`, func() {
			_, err := Parse([]byte("source:\n  type: gcs\n  bucket: b\n"))
			So(err, ShouldNotBeNil)
		})
		Convey(`unknown source types are rejected`, func() {
			_, err := Parse([]byte("source:\n  type: ftp\n"))
			So(err, ShouldNotBeNil)
		})
	})
}
