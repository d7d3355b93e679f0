package rdb

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/hatlonely/sqlgate/errs"
	. "github.com/smartystreets/goconvey/convey"
)

func newSQLiteDB(t *testing.T) *DB {
	dsn := "file:" + filepath.Join(t.TempDir(), "rdb.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := NewDBWithOptions(&Options{Driver: "sqlite3", DSN: dsn, MaxConns: 4, MaxIdle: 2})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDB_SQLite(t *testing.T) {
	Convey("测试 sqlite 读写", t, func() {
		db := newSQLiteDB(t)
		ctx := context.Background()

		_, err := db.Exec(ctx, `CREATE TABLE users (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, age INTEGER, avatar BLOB)`)
		So(err, ShouldBeNil)

		res, err := db.Exec(ctx, `INSERT INTO users (name, age, avatar) VALUES (?, ?, ?)`, "alice", 30, []byte("png"))
		So(err, ShouldBeNil)
		So(res.RowsAffected, ShouldEqual, int64(1))
		So(res.LastInsertID, ShouldEqual, int64(1))

		Convey("查询结果保持列顺序且 []byte 转为字符串", func() {
			records, err := db.Query(ctx, `SELECT name, id, avatar FROM users WHERE id = ?`, 1)
			So(err, ShouldBeNil)
			So(records, ShouldHaveLength, 1)
			So(records[0].Keys(), ShouldResemble, []string{"name", "id", "avatar"})
			So(records[0].Value("avatar"), ShouldEqual, "png")
		})

		Convey("驱动错误被包装为 Internal", func() {
			_, err := db.Query(ctx, `SELECT * FROM missing`)
			So(err, ShouldNotBeNil)
			So(errs.KindOf(err), ShouldEqual, errs.KindInternal)
		})

		Convey("事务回滚", func() {
			err := db.WithTx(ctx, func(tx *Tx) error {
				if _, err := tx.Exec(ctx, `INSERT INTO users (name) VALUES (?)`, "bob"); err != nil {
					return err
				}
				return errs.BadRequest("abort")
			})
			So(errs.IsBadRequest(err), ShouldBeTrue)

			records, err := db.Query(ctx, `SELECT COUNT(*) AS n FROM users`)
			So(err, ShouldBeNil)
			So(records[0].Value("n"), ShouldEqual, int64(1))
		})

		Convey("请求上下文取消不影响已开启的事务", func() {
			cctx, cancel := context.WithCancel(ctx)
			tx, err := db.Begin(cctx)
			So(err, ShouldBeNil)
			cancel()
			_, err = tx.Exec(cctx, `INSERT INTO users (name) VALUES (?)`, "carol")
			So(err, ShouldBeNil)
			So(tx.Commit(ctx), ShouldBeNil)
		})
	})
}

func TestDB_Mock(t *testing.T) {
	Convey("测试 postgres 占位符改写", t, func() {
		sqlDB, mock, err := sqlmock.New()
		So(err, ShouldBeNil)
		defer sqlDB.Close()

		db, err := NewDB(sqlDB, "pgx", nil)
		So(err, ShouldBeNil)

		mock.ExpectQuery(`SELECT "id" FROM "t" WHERE "a" = \$1 AND "b" = '\?' AND "c" IN \(\$2, \$3\)`).
			WithArgs(1, 2, 3).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow([]byte("7")))

		records, err := db.Query(context.Background(), `SELECT "id" FROM "t" WHERE "a" = ? AND "b" = '?' AND "c" IN (?, ?)`, 1, 2, 3)
		So(err, ShouldBeNil)
		So(records[0].Value("id"), ShouldEqual, "7")
		So(mock.ExpectationsWereMet(), ShouldBeNil)
	})
}

func TestDialect(t *testing.T) {
	Convey("测试方言", t, func() {
		mysql, _ := DialectOf("mysql")
		pg, _ := DialectOf("postgres")
		lite, _ := DialectOf("sqlite3")
		_, err := DialectOf("oracle")
		So(err, ShouldNotBeNil)

		So(mysql.Quote("order"), ShouldEqual, "`order`")
		So(pg.Quote(`a"b`), ShouldEqual, `"a""b"`)
		So(lite.QuoteColumn("t", "c"), ShouldEqual, `"t"."c"`)
		So(lite.Truncate("t"), ShouldEqual, `DELETE FROM "t"`)
		So(mysql.Truncate("t"), ShouldEqual, "TRUNCATE TABLE `t`")
		So(pg.SupportsReturning(), ShouldBeTrue)
		So(mysql.Rebind("a = ?"), ShouldEqual, "a = ?")
		So(Placeholders(3), ShouldEqual, "?, ?, ?")

		So(ValidIdentifier("user_1"), ShouldBeTrue)
		So(ValidIdentifier("1user"), ShouldBeFalse)
		So(ValidIdentifier("a;drop"), ShouldBeFalse)
	})
}

func TestRecord(t *testing.T) {
	Convey("测试有序记录", t, func() {
		r := RecordOf("b", 1, "a", "x")
		r.Set("c", nil)
		r.Set("b", 2)
		So(r.Keys(), ShouldResemble, []string{"b", "a", "c"})

		data, err := json.Marshal(r)
		So(err, ShouldBeNil)
		So(string(data), ShouldEqual, `{"b":2,"a":"x","c":null}`)

		r.Delete("a")
		So(r.Keys(), ShouldResemble, []string{"b", "c"})
		So(r.Project([]string{"c", "b", "z"}).Keys(), ShouldResemble, []string{"c", "b"})

		Convey("解析保持顺序，嵌套对象解析为记录", func() {
			parsed, err := ParseRecord([]byte(`{"z":1,"y":{"k":"v"},"x":[{"id":2},3]}`))
			So(err, ShouldBeNil)
			So(parsed.Keys(), ShouldResemble, []string{"z", "y", "x"})
			So(parsed.Value("z"), ShouldEqual, json.Number("1"))
			nested, ok := parsed.Value("y").(*Record)
			So(ok, ShouldBeTrue)
			So(nested.Value("k"), ShouldEqual, "v")
			arr := parsed.Value("x").([]any)
			So(arr[0].(*Record).Value("id"), ShouldEqual, json.Number("2"))
			So(parsed.Map()["y"], ShouldResemble, map[string]any{"k": "v"})

			_, err = ParseRecord([]byte(`[1]`))
			So(err, ShouldNotBeNil)
		})
	})
}
