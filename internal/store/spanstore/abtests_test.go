package spanstore

import (
	"testing"

	"go.chromium.org/luci/common/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/khoantd/rule-engine-sub000/internal/store"

	. "github.com/smartystreets/goconvey/convey"
)

func TestMapAlreadyExists(t *testing.T) {
	Convey(`mapAlreadyExists`, t, func() {
		Convey(`ALREADY_EXISTS commit errors`, func() {
			err := status.Error(codes.AlreadyExists, "Row [t1,k1] in table TestAssignments already exists")
			So(mapAlreadyExists(err), ShouldEqual, store.ErrAlreadyExists)
		})
		Convey(`other errors pass through`, func() {
			So(mapAlreadyExists(nil), ShouldBeNil)
			So(mapAlreadyExists(store.ErrAlreadyExists), ShouldEqual, store.ErrAlreadyExists)

			aborted := status.Error(codes.Aborted, "transaction aborted")
			So(mapAlreadyExists(aborted), ShouldEqual, aborted)

			plain := errors.Reason("network down").Err()
			So(mapAlreadyExists(plain), ShouldEqual, plain)
		})
	})
}
