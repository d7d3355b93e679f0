package errs

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/pkg/errors"
	. "github.com/smartystreets/goconvey/convey"
)

func TestErrorKinds(t *testing.T) {
	Convey("测试错误分类与状态码", t, func() {
		So(BadRequest("bad").Kind.Status(), ShouldEqual, http.StatusBadRequest)
		So(Unauthorized("who").Kind.Status(), ShouldEqual, http.StatusUnauthorized)
		So(Forbidden("no").Kind.Status(), ShouldEqual, http.StatusForbidden)
		So(NotFound("gone").Kind.Status(), ShouldEqual, http.StatusNotFound)
		So(Internal(errors.New("boom"), "").Kind.Status(), ShouldEqual, http.StatusInternalServerError)
	})
}

func TestWrap(t *testing.T) {
	Convey("测试 Wrap", t, func() {
		Convey("驱动错误包装为 InternalServerError 并保留原始信息", func() {
			cause := errors.New("database is locked")
			e := Wrap(cause)
			So(e.Kind, ShouldEqual, KindInternal)
			So(e.Message, ShouldEqual, "database is locked")
			So(errors.Is(e, cause), ShouldBeTrue)
		})

		Convey("已分类错误原样返回", func() {
			origin := NotFound("record %v not found", 3)
			So(Wrap(origin), ShouldEqual, origin)
			So(origin.Message, ShouldEqual, "record 3 not found")
		})

		Convey("经过 pkg/errors 包装后仍能识别", func() {
			wrapped := errors.WithMessage(BadRequest("invalid"), "parse record")
			So(KindOf(wrapped), ShouldEqual, KindBadRequest)
			So(IsBadRequest(wrapped), ShouldBeTrue)
			So(IsNotFound(wrapped), ShouldBeFalse)
		})

		Convey("nil 返回 nil", func() {
			So(Wrap(nil), ShouldBeNil)
		})
	})
}

func TestPayload(t *testing.T) {
	Convey("测试错误序列化", t, func() {
		e := BadRequest("batch rolled back").WithContext("failed", []int{1})
		buf, err := json.Marshal(e)
		So(err, ShouldBeNil)

		var body map[string]map[string]any
		So(json.Unmarshal(buf, &body), ShouldBeNil)
		So(body["error"]["code"], ShouldEqual, float64(400))
		So(body["error"]["message"], ShouldEqual, "batch rolled back")
		So(body["error"]["context"], ShouldNotBeNil)
	})
}
