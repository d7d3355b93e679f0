package batch

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/gateway"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/schema"
	. "github.com/smartystreets/goconvey/convey"
)

const fixture = `
CREATE TABLE orders (id INTEGER PRIMARY KEY AUTOINCREMENT, title TEXT NOT NULL, qty INTEGER DEFAULT 0);
CREATE TABLE items (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id INTEGER NOT NULL REFERENCES orders(id),
	sku TEXT
);
INSERT INTO orders (id, title, qty) VALUES (1, 'first', 1), (2, 'second', 2), (3, 'third', 3);
INSERT INTO items (id, order_id, sku) VALUES (1, 1, 'a');
`

type env struct {
	db *rdb.DB
	gw *gateway.Gateway
}

func newEnv(t *testing.T) *env {
	dsn := "file:" + filepath.Join(t.TempDir(), "batch.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := rdb.NewDBWithOptions(&rdb.Options{Driver: "sqlite3", DSN: dsn, MaxConns: 4, MaxIdle: 2})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.SQLDB().Exec(fixture); err != nil {
		t.Fatalf("create fixture failed: %v", err)
	}
	describer, err := schema.NewDescriber(db, "")
	if err != nil {
		t.Fatalf("new describer failed: %v", err)
	}
	in := schema.NewIntrospector(describer, nil, nil, logger.Discard())
	if err := in.Warm(context.Background(), "orders", "items"); err != nil {
		t.Fatalf("warm schema failed: %v", err)
	}
	return &env{db: db, gw: gateway.NewGatewayWithOptions(in, nil, nil, gateway.WithLogger(logger.Discard()))}
}

func (e *env) engine(t *testing.T, op gateway.Operation, p gateway.Params, rollback bool) *Engine {
	tc, err := e.gw.NewTxContext(context.Background(), "orders", op, p)
	if err != nil {
		t.Fatalf("new tx context failed: %v", err)
	}
	return NewEngine(e.gw, e.db, tc, Options{Rollback: rollback}, logger.Discard())
}

func (e *env) count(t *testing.T, q string) int64 {
	rows, err := e.db.Query(context.Background(), q)
	if err != nil {
		t.Fatalf("query failed: %v", err)
	}
	return rows[0].Value(rows[0].Keys()[0]).(int64)
}

func TestRollback(t *testing.T) {
	ctx := context.Background()

	Convey("测试回滚模式", t, func() {
		e := newEnv(t)

		Convey("任一记录失败时全部回滚，错误中带有失败位置", func() {
			engine := e.engine(t, gateway.OpCreate, gateway.Params{}, true)
			So(engine.Add(ctx, Unit{Operation: gateway.OpCreate, Record: rdb.RecordOf("title", "a"), Position: 0}), ShouldBeNil)
			So(engine.State(), ShouldEqual, Accumulating)

			err := engine.Add(ctx, Unit{Operation: gateway.OpCreate, Record: rdb.RecordOf("qty", 1), Position: 1})
			So(errs.IsBadRequest(err), ShouldBeTrue)
			e2, _ := errs.As(err)
			So(e2.Context["failed"], ShouldResemble, []int{1})
			So(engine.State(), ShouldEqual, RolledBack)
			So(e.count(t, "SELECT COUNT(*) FROM orders"), ShouldEqual, int64(3))

			_, err = engine.Commit(ctx)
			So(errs.KindOf(err), ShouldEqual, errs.KindInternal)
		})

		Convey("延迟的分组失败时同样回滚", func() {
			engine := e.engine(t, gateway.OpDelete, gateway.Params{}, true)
			for i, id := range []any{2, 99, 3} {
				So(engine.Add(ctx, Unit{Operation: gateway.OpDelete, ID: id, Position: i}), ShouldBeNil)
			}
			_, err := engine.Commit(ctx)
			So(errs.IsNotFound(err), ShouldBeTrue)
			e2, _ := errs.As(err)
			So(e2.Context["failed"], ShouldResemble, []int{1})
			So(e.count(t, "SELECT COUNT(*) FROM orders"), ShouldEqual, int64(3))
		})

		Convey("全部成功时提交", func() {
			engine := e.engine(t, gateway.OpCreate, gateway.Params{Fields: "id,title"}, true)
			So(engine.Add(ctx, Unit{Operation: gateway.OpCreate, Record: rdb.RecordOf("title", "x"), Position: 0}), ShouldBeNil)
			So(engine.Add(ctx, Unit{Operation: gateway.OpCreate, Record: rdb.RecordOf("title", "y",
				"items_by_order_id", []any{rdb.RecordOf("sku", "z")}), Position: 1}), ShouldBeNil)
			result, err := engine.Commit(ctx)
			So(err, ShouldBeNil)
			So(engine.State(), ShouldEqual, Committed)
			So(result.Records, ShouldHaveLength, 2)
			So(result.Records[1].(*rdb.Record).Value("title"), ShouldEqual, "y")
			So(e.count(t, "SELECT COUNT(*) FROM orders"), ShouldEqual, int64(5))
			So(e.count(t, "SELECT COUNT(*) FROM items WHERE sku = 'z'"), ShouldEqual, int64(1))
		})

		Convey("取消的请求回滚并返回内部错误", func() {
			engine := e.engine(t, gateway.OpCreate, gateway.Params{}, true)
			cctx, cancel := context.WithCancel(ctx)
			So(engine.Add(cctx, Unit{Operation: gateway.OpCreate, Record: rdb.RecordOf("title", "a"), Position: 0}), ShouldBeNil)
			cancel()
			err := engine.Add(cctx, Unit{Operation: gateway.OpCreate, Record: rdb.RecordOf("title", "b"), Position: 1})
			So(errs.KindOf(err), ShouldEqual, errs.KindInternal)
			So(engine.State(), ShouldEqual, RolledBack)
			So(e.count(t, "SELECT COUNT(*) FROM orders"), ShouldEqual, int64(3))
		})
	})
}

func TestBestEffort(t *testing.T) {
	ctx := context.Background()

	Convey("测试尽力模式", t, func() {
		e := newEnv(t)

		Convey("读取时结果与位置对应，缺失的位置为 NotFound", func() {
			engine := e.engine(t, gateway.OpRead, gateway.Params{Fields: "title"}, false)
			for i, id := range []any{3, 99, "1"} {
				So(engine.Add(ctx, Unit{Operation: gateway.OpRead, ID: id, Position: i}), ShouldBeNil)
			}
			result, err := engine.Commit(ctx)
			So(err, ShouldBeNil)
			So(result.Records[0].(*rdb.Record).Value("title"), ShouldEqual, "third")
			So(errs.IsNotFound(result.Records[1].(error)), ShouldBeTrue)
			So(result.Records[2].(*rdb.Record).Value("title"), ShouldEqual, "first")
			So(result.Failed(), ShouldResemble, []int{1})
		})

		Convey("相同修改的更新合并执行，失败不影响其他记录", func() {
			engine := e.engine(t, gateway.OpUpdate, gateway.Params{Fields: "id,qty"}, false)
			units := []Unit{
				{Operation: gateway.OpUpdate, Record: rdb.RecordOf("id", 1, "qty", 7)},
				{Operation: gateway.OpUpdate, Record: rdb.RecordOf("id", 2, "qty", "many")},
				{Operation: gateway.OpUpdate, Record: rdb.RecordOf("id", 3, "qty", 7)},
				{Operation: gateway.OpUpdate, Record: rdb.RecordOf("id", 42, "qty", 7)},
			}
			for i, u := range units {
				u.Position = i
				So(engine.Add(ctx, u), ShouldBeNil)
			}
			So(engine.groups, ShouldHaveLength, 2)

			result, err := engine.Commit(ctx)
			So(err, ShouldBeNil)
			So(result.Records[0].(*rdb.Record).Value("qty"), ShouldEqual, int64(7))
			So(errs.IsBadRequest(result.Records[1].(error)), ShouldBeTrue)
			So(result.Records[2].(*rdb.Record).Value("qty"), ShouldEqual, int64(7))
			So(errs.IsNotFound(result.Records[3].(error)), ShouldBeTrue)
			So(e.count(t, "SELECT qty FROM orders WHERE id = 2"), ShouldEqual, int64(2))
		})

		Convey("新建失败的位置记录错误", func() {
			engine := e.engine(t, gateway.OpCreate, gateway.Params{}, false)
			So(engine.Add(ctx, Unit{Operation: gateway.OpCreate, Record: rdb.RecordOf("qty", 1), Position: 0}), ShouldBeNil)
			So(engine.Add(ctx, Unit{Operation: gateway.OpCreate, Record: rdb.RecordOf("title", "ok"), Position: 1}), ShouldBeNil)
			result, err := engine.Commit(ctx)
			So(err, ShouldBeNil)
			So(result.Failed(), ShouldResemble, []int{0})
			So(result.Records[1].(*rdb.Record).Value("id"), ShouldEqual, int64(4))
		})

		Convey("关系数据失败时新建的记录不保留", func() {
			engine := e.engine(t, gateway.OpCreate, gateway.Params{}, false)
			So(engine.Add(ctx, Unit{Operation: gateway.OpCreate, Position: 0,
				Record: rdb.RecordOf("title", "orphan", "items_by_order_id", []any{"not-an-id"})}), ShouldBeNil)
			So(engine.Add(ctx, Unit{Operation: gateway.OpCreate, Position: 1,
				Record: rdb.RecordOf("title", "parent", "items_by_order_id", []any{rdb.RecordOf("sku", "x")})}), ShouldBeNil)
			result, err := engine.Commit(ctx)
			So(err, ShouldBeNil)
			So(result.Failed(), ShouldResemble, []int{0})
			So(errs.IsBadRequest(result.Records[0].(error)), ShouldBeTrue)
			So(e.count(t, "SELECT COUNT(*) FROM orders WHERE title = 'orphan'"), ShouldEqual, int64(0))
			So(e.count(t, "SELECT COUNT(*) FROM orders WHERE title = 'parent'"), ShouldEqual, int64(1))
			So(e.count(t, "SELECT COUNT(*) FROM items WHERE sku = 'x'"), ShouldEqual, int64(1))
		})

		Convey("按标识删除时缺失的位置为 NotFound，其余记录照常删除", func() {
			engine := e.engine(t, gateway.OpDelete, gateway.Params{}, false)
			for i, id := range []any{2, 99, 3} {
				So(engine.Add(ctx, Unit{Operation: gateway.OpDelete, ID: id, Position: i}), ShouldBeNil)
			}
			result, err := engine.Commit(ctx)
			So(err, ShouldBeNil)
			So(result.Failed(), ShouldResemble, []int{1})
			So(result.Records[0].(*rdb.Record).Value("id"), ShouldEqual, int64(2))
			So(errs.IsNotFound(result.Records[1].(error)), ShouldBeTrue)
			So(result.Records[2].(*rdb.Record).Value("id"), ShouldEqual, int64(3))
			So(e.count(t, "SELECT COUNT(*) FROM orders"), ShouldEqual, int64(1))
		})

		Convey("空的批量直接完成", func() {
			engine := e.engine(t, gateway.OpRead, gateway.Params{}, false)
			result, err := engine.Commit(ctx)
			So(err, ShouldBeNil)
			So(result.Records, ShouldBeEmpty)
			So(engine.State(), ShouldEqual, Committed)
		})
	})
}
