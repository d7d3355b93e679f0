package translate

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/rdb/query"
	"github.com/hatlonely/sqlgate/schema"
	. "github.com/smartystreets/goconvey/convey"
	"github.com/stretchr/testify/assert"
)

func ordersSchema() *schema.TableSchema {
	zero := "0"
	return &schema.TableSchema{
		Name: "orders",
		Fields: []*schema.FieldInfo{
			{Name: "id", LogicalType: schema.TypeID, NativeType: "INTEGER", PrimaryKey: true, AutoGenerated: true},
			{Name: "owner", LogicalType: schema.TypeUserIDOnCreate, NativeType: "INTEGER", Nullable: true},
			{Name: "title", LogicalType: schema.TypeString, NativeType: "VARCHAR(64)", Required: true, ValidationRules: "min=2"},
			{Name: "qty", LogicalType: schema.TypeInteger, NativeType: "INTEGER", Nullable: true},
			{Name: "price", LogicalType: schema.TypeDecimal, NativeType: "DECIMAL(10,2)", Default: &zero},
			{Name: "paid", LogicalType: schema.TypeBoolean, NativeType: "BOOLEAN", Nullable: true},
			{Name: "created_at", LogicalType: schema.TypeTimestampOnCreate, NativeType: "DATETIME", Nullable: true},
			{Name: "updated_at", LogicalType: schema.TypeTimestampOnUpdate, NativeType: "DATETIME", Nullable: true},
			{Name: "due", LogicalType: schema.TypeDate, NativeType: "DATE", Nullable: true},
		},
		Relations: []*schema.RelationInfo{
			{Name: "items_by_order_id", Kind: schema.HasMany, RelatedTable: "items", LocalField: "id", ForeignField: "order_id"},
			{Name: "users_by_owner", Kind: schema.BelongsTo, RelatedTable: "users", LocalField: "owner", ForeignField: "id"},
		},
		PrimaryKey: []string{"id"},
	}
}

func sqlite() *rdb.Dialect {
	d, _ := rdb.DialectOf("sqlite3")
	return d
}

func TestSelect(t *testing.T) {
	Convey("测试字段选择", t, func() {
		ts := ordersSchema()

		s, err := Select(ts, nil)
		So(err, ShouldBeNil)
		So(s.Names(), ShouldResemble, ts.FieldNames())

		s, err = Select(ts, ParseFields("qty, id ,title"))
		So(err, ShouldBeNil)
		So(s.Names(), ShouldResemble, []string{"qty", "id", "title"})
		So(s.Columns(sqlite()), ShouldEqual, `"qty", "id", "title"`)

		s, err = Select(ts, []string{"*"})
		So(err, ShouldBeNil)
		So(len(s.Fields), ShouldEqual, len(ts.Fields))

		_, err = Select(ts, []string{"nope"})
		So(errs.IsBadRequest(err), ShouldBeTrue)

		Convey("追加字段不改变原选择", func() {
			s, _ := Select(ts, []string{"title"})
			wider := s.WithFields(ts, "id", "title", "missing")
			So(wider.Names(), ShouldResemble, []string{"title", "id"})
			So(s.Names(), ShouldResemble, []string{"title"})
		})
	})
}

func TestProject(t *testing.T) {
	Convey("测试输出类型转换", t, func() {
		ts := ordersSchema()
		s, err := Select(ts, []string{"title", "id", "qty", "price", "paid", "created_at", "due"})
		So(err, ShouldBeNil)

		at := time.Date(2024, 3, 5, 10, 20, 30, 0, time.UTC)
		in := rdb.RecordOf(
			"id", "42", "qty", []byte("7"), "title", []byte("book"), "price", float64(9.5),
			"paid", int64(1), "created_at", at, "due", at, "extra", "dropped",
		)
		out := s.Project(in)
		So(out.Keys(), ShouldResemble, []string{"title", "id", "qty", "price", "paid", "created_at", "due"})
		So(out.Value("id"), ShouldEqual, int64(42))
		So(out.Value("qty"), ShouldEqual, int64(7))
		So(out.Value("title"), ShouldEqual, "book")
		So(out.Value("price"), ShouldEqual, "9.5")
		So(out.Value("paid"), ShouldEqual, true)
		So(out.Value("created_at"), ShouldEqual, "2024-03-05 10:20:30")
		So(out.Value("due"), ShouldEqual, "2024-03-05")
		So(out.Has("extra"), ShouldBeFalse)

		Convey("无法转换的值原样返回", func() {
			So(s.Bindings[2].Convert("abc"), ShouldEqual, "abc")
			So(s.Bindings[2].Convert(nil), ShouldBeNil)
		})
	})
}

func TestWhere(t *testing.T) {
	Convey("测试调用方条件与服务端条件组合", t, func() {
		ts := ordersSchema()
		caller := &query.FilterSpec{Combine: "or", Conditions: []query.Condition{
			{Field: "title", Operator: "starts with", Value: "a"},
			{Field: "qty", Operator: ">=", Value: "3"},
		}}
		server := query.Conditions(query.Condition{Field: "owner", Operator: "=", Value: 7})

		where, args, err := Where(sqlite(), ts, caller, server)
		So(err, ShouldBeNil)
		So(where, ShouldEqual, ` WHERE ((("title" LIKE ?) OR ("qty" >= ?))) AND ("owner" = ?)`)
		So(args, ShouldResemble, []any{"a%", int64(3), int64(7)})

		Convey("只有服务端条件", func() {
			where, args, err := Where(sqlite(), ts, nil, server)
			So(err, ShouldBeNil)
			So(where, ShouldEqual, ` WHERE "owner" = ?`)
			So(args, ShouldResemble, []any{int64(7)})
		})

		Convey("原生条件加括号并绑定命名参数", func() {
			lit := &query.FilterSpec{Literal: "qty > :min", Named: map[string]any{"min": 1}}
			where, args, err := Where(sqlite(), ts, lit, nil)
			So(err, ShouldBeNil)
			So(where, ShouldEqual, " WHERE (qty > ?)")
			So(args, ShouldResemble, []any{1})
		})

		Convey("非法条件返回 BadRequest", func() {
			_, _, err := Where(sqlite(), ts, query.Literal("1=1; DROP TABLE orders"), nil)
			So(errs.IsBadRequest(err), ShouldBeTrue)
			_, _, err = Where(sqlite(), ts, query.Conditions(query.Condition{Field: "nope", Operator: "="}), nil)
			So(errs.IsBadRequest(err), ShouldBeTrue)
			_, _, err = Where(sqlite(), ts, query.Conditions(query.Condition{Field: "qty", Operator: "~"}), nil)
			So(errs.IsBadRequest(err), ShouldBeTrue)
		})
	})
}

func TestOrderAndPage(t *testing.T) {
	ts := ordersSchema()

	order, err := Order(sqlite(), ts, "title desc, id")
	assert.NoError(t, err)
	assert.Equal(t, ` ORDER BY "title" DESC, "id"`, order)

	order, err = Order(sqlite(), ts, "")
	assert.NoError(t, err)
	assert.Empty(t, order)

	for _, bad := range []string{"nope", "title sideways", "title desc extra"} {
		_, err := Order(sqlite(), ts, bad)
		assert.True(t, errs.IsBadRequest(err), bad)
	}

	tests := []struct {
		limit, offset int
		expected      Page
	}{
		{0, 0, Page{Limit: 100, NeedLimit: true}},
		{-1, 5, Page{Limit: 100, Offset: 5, NeedLimit: true}},
		{500, 0, Page{Limit: 100, NeedLimit: true}},
		{10, 20, Page{Limit: 10, Offset: 20}},
		{100, 0, Page{Limit: 100}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, NewPage(tt.limit, tt.offset, 100))
	}

	clause, args := NewPage(10, 20, 100).SQL()
	assert.Equal(t, " LIMIT ? OFFSET ?", clause)
	assert.Equal(t, []any{10, 20}, args)
}

func TestParseWrite(t *testing.T) {
	Convey("测试写入记录解析", t, func() {
		ts := ordersSchema()
		now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
		wc := WriteContext{UserID: int64(9), Now: now}

		in, err := rdb.ParseRecord([]byte(`{"id":5,"title":"pen","qty":"42","price":3.10,"paid":"true","unknown":1,
			"items_by_order_id":[{"sku":"a"}],"users_by_owner":{"id":1}}`))
		So(err, ShouldBeNil)

		w, err := ParseWrite(ts, in, ModeCreate, wc)
		So(err, ShouldBeNil)
		So(w.Columns, ShouldResemble, []string{"owner", "title", "qty", "price", "paid", "created_at", "updated_at"})
		So(w.Values, ShouldResemble, []any{int64(9), "pen", int64(42), "3.10", true, "2024-01-02 03:04:05", "2024-01-02 03:04:05"})
		So(len(w.Relations), ShouldEqual, 1)
		So(w.Relations[0].Relation.Name, ShouldEqual, "items_by_order_id")
		So(len(w.Relations[0].Records), ShouldEqual, 1)

		Convey("更新时不检查必填，不填充创建字段", func() {
			w, err := ParseWrite(ts, rdb.RecordOf("qty", ""), ModeUpdate, wc)
			So(err, ShouldBeNil)
			So(w.Columns, ShouldResemble, []string{"qty", "updated_at"})
			So(w.Values[0], ShouldBeNil)
		})

		Convey("非法输入", func() {
			_, err := ParseWrite(ts, rdb.RecordOf("qty", 1), ModeCreate, wc)
			So(errs.IsBadRequest(err), ShouldBeTrue)

			_, err = ParseWrite(ts, rdb.RecordOf("title", "ok", "qty", "abc"), ModeCreate, wc)
			So(errs.IsBadRequest(err), ShouldBeTrue)

			_, err = ParseWrite(ts, rdb.RecordOf("title", nil), ModeUpdate, wc)
			So(errs.IsBadRequest(err), ShouldBeTrue)

			_, err = ParseWrite(ts, rdb.RecordOf("title", "x"), ModeCreate, wc)
			So(errs.IsBadRequest(err), ShouldBeTrue)
			So(err.Error(), ShouldContainSubstring, "min=2")

			_, err = ParseWrite(ts, rdb.RecordOf("title", "ok", "price", "cheap"), ModeCreate, wc)
			So(errs.IsBadRequest(err), ShouldBeTrue)

			_, err = ParseWrite(ts, rdb.RecordOf("title", rdb.RecordOf("a", 1)), ModeCreate, wc)
			So(errs.IsBadRequest(err), ShouldBeTrue)
		})
	})
}

func TestParseKeyValue(t *testing.T) {
	f := &schema.FieldInfo{Name: "id", LogicalType: schema.TypeID, NativeType: "bigint"}
	v, err := ParseKeyValue(f, "42")
	assert.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = ParseKeyValue(f, json.Number("7"))
	assert.NoError(t, err)
	assert.Equal(t, int64(7), v)

	_, err = ParseKeyValue(f, "x")
	assert.True(t, errs.IsBadRequest(err))

	code := &schema.FieldInfo{Name: "code", LogicalType: schema.TypeID, NativeType: "varchar(8)"}
	v, err = ParseKeyValue(code, "ab")
	assert.NoError(t, err)
	assert.Equal(t, "ab", v)
}
