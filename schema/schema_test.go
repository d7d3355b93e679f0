package schema

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/rdb"
	. "github.com/smartystreets/goconvey/convey"
)

const fixture = `
CREATE TABLE customers (id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT NOT NULL, created_at DATETIME);
CREATE TABLE orders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	customer_id INTEGER REFERENCES customers(id),
	total DECIMAL(10,2) NOT NULL DEFAULT 0,
	paid BOOLEAN
);
CREATE TABLE items (id INTEGER PRIMARY KEY, order_id INTEGER NOT NULL REFERENCES orders(id), sku VARCHAR(32) NOT NULL);
CREATE TABLE tags (id INTEGER PRIMARY KEY, label TEXT);
CREATE TABLE order_tags (
	order_id INTEGER NOT NULL REFERENCES orders(id),
	tag_id INTEGER NOT NULL REFERENCES tags(id),
	PRIMARY KEY (order_id, tag_id)
);
`

func openFixture(t *testing.T) *rdb.DB {
	dsn := "file:" + filepath.Join(t.TempDir(), "schema.db") + "?_foreign_keys=on&_busy_timeout=5000"
	db, err := rdb.NewDBWithOptions(&rdb.Options{Driver: "sqlite3", DSN: dsn, MaxConns: 2})
	if err != nil {
		t.Fatalf("open sqlite failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if _, err := db.SQLDB().Exec(fixture); err != nil {
		t.Fatalf("create fixture failed: %v", err)
	}
	return db
}

func newIntrospector(t *testing.T, options *Options, backend Backend) *Introspector {
	db := openFixture(t)
	describer, err := NewDescriber(db, "")
	if err != nil {
		t.Fatalf("new describer failed: %v", err)
	}
	return NewIntrospector(describer, NewCache(backend, logger.Discard()), options, logger.Discard())
}

func TestIntrospector(t *testing.T) {
	Convey("测试从 sqlite 目录读取表结构", t, func() {
		in := newIntrospector(t, nil, nil)
		ctx := context.Background()

		tables, err := in.ListTables(ctx)
		So(err, ShouldBeNil)
		So(tables, ShouldResemble, []string{"customers", "items", "order_tags", "orders", "tags"})

		s, err := in.Describe(ctx, "orders")
		So(err, ShouldBeNil)
		So(s.FieldNames(), ShouldResemble, []string{"id", "customer_id", "total", "paid"})
		So(s.PrimaryKey, ShouldResemble, []string{"id"})

		id := s.Field("id")
		So(id.LogicalType, ShouldEqual, TypeID)
		So(id.AutoGenerated, ShouldBeTrue)
		So(id.Required, ShouldBeFalse)

		fk := s.Field("customer_id")
		So(fk.LogicalType, ShouldEqual, TypeReference)
		So(fk.RefTable, ShouldEqual, "customers")
		So(fk.Nullable, ShouldBeTrue)

		So(s.Field("total").LogicalType, ShouldEqual, TypeDecimal)
		So(s.Field("total").Required, ShouldBeFalse)
		So(s.Field("paid").LogicalType, ShouldEqual, TypeBoolean)

		Convey("由外键推导关系", func() {
			So(s.Relation("customers_by_customer_id").Kind, ShouldEqual, BelongsTo)

			items := s.Relation("items_by_order_id")
			So(items.Kind, ShouldEqual, HasMany)
			So(items.LocalField, ShouldEqual, "id")
			So(items.ForeignField, ShouldEqual, "order_id")

			tags := s.Relation("tags_by_order_tags")
			So(tags.Kind, ShouldEqual, ManyToMany)
			So(tags.JoinLocalField, ShouldEqual, "order_id")
			So(tags.JoinForeignField, ShouldEqual, "tag_id")
			So(tags.ForeignField, ShouldEqual, "id")
		})

		Convey("复合主键", func() {
			join, err := in.Describe(ctx, "order_tags")
			So(err, ShouldBeNil)
			So(join.PrimaryKey, ShouldResemble, []string{"order_id", "tag_id"})
			So(join.Field("order_id").AutoGenerated, ShouldBeFalse)
		})

		Convey("表不存在返回 NotFound", func() {
			_, err := in.Describe(ctx, "missing")
			So(errs.IsNotFound(err), ShouldBeTrue)
		})

		Convey("缓存直到显式失效", func() {
			again, err := in.Describe(ctx, "orders")
			So(err, ShouldBeNil)
			So(again, ShouldPointTo, s)

			in.Invalidate(ctx, "orders")
			rebuilt, err := in.Describe(ctx, "orders")
			So(err, ShouldBeNil)
			So(rebuilt, ShouldNotPointTo, s)
			So(rebuilt.FieldNames(), ShouldResemble, s.FieldNames())

			in.Clear(ctx)
			So(in.Cache().Len(), ShouldEqual, 0)
		})
	})

	Convey("测试字段覆盖与声明关系", t, func() {
		required := true
		in := newIntrospector(t, &Options{Tables: map[string]TableOverride{
			"customers": {
				Fields: map[string]FieldOverride{
					"created_at": {Type: "timestamp_on_create"},
					"name":       {Validation: "min=2", Required: &required},
				},
				Relations: []RelationDecl{{
					Name: "latest_orders", Kind: "has_many", RelatedTable: "orders",
					LocalField: "id", ForeignField: "customer_id",
				}},
			},
		}}, nil)
		ctx := context.Background()

		s, err := in.Describe(ctx, "customers")
		So(err, ShouldBeNil)
		So(s.Field("created_at").LogicalType, ShouldEqual, TypeTimestampOnCreate)
		So(s.Field("name").ValidationRules, ShouldEqual, "min=2")
		So(s.Relation("latest_orders").Kind, ShouldEqual, HasMany)
		So(s.Relation("orders_by_customer_id"), ShouldNotBeNil)

		in.Reload(ctx, nil)
		s, err = in.Describe(ctx, "customers")
		So(err, ShouldBeNil)
		So(s.Field("created_at").LogicalType, ShouldEqual, TypeDatetime)
		So(s.Relation("latest_orders"), ShouldBeNil)
	})
}

type memoryBackend struct {
	mu   sync.Mutex
	data map[string][]byte
}

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memoryBackend) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *memoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *memoryBackend) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = map[string][]byte{}
	return nil
}

func (m *memoryBackend) Close() error { return nil }

func TestCacheBackend(t *testing.T) {
	Convey("测试二级缓存在进程快照之间共享", t, func() {
		ctx := context.Background()
		backend := &memoryBackend{data: map[string][]byte{}}
		def := "0"
		s := &TableSchema{
			Name:       "orders",
			Fields:     []*FieldInfo{{Name: "id", LogicalType: TypeID, PrimaryKey: true}, {Name: "total", Default: &def}},
			Relations:  []*RelationInfo{{Name: "items_by_order_id", Kind: HasMany, RelatedTable: "items"}},
			PrimaryKey: []string{"id"},
		}

		first := NewCache(backend, logger.Discard())
		first.Put(ctx, s)

		second := NewCache(backend, logger.Discard())
		got, ok := second.Get(ctx, "orders")
		So(ok, ShouldBeTrue)
		So(got, ShouldResemble, s)
		So(second.Len(), ShouldEqual, 1)

		first.Invalidate(ctx, "orders")
		_, ok = NewCache(backend, logger.Discard()).Get(ctx, "orders")
		So(ok, ShouldBeFalse)
	})
}

func TestDeriveLogicalType(t *testing.T) {
	Convey("测试逻辑类型推导", t, func() {
		cases := map[string]LogicalType{
			"INTEGER":                  TypeInteger,
			"int(11) unsigned":         TypeInteger,
			"tinyint(1)":               TypeBoolean,
			"boolean":                  TypeBoolean,
			"double precision":         TypeFloat,
			"numeric":                  TypeDecimal,
			"timestamp with time zone": TypeTimestamp,
			"DATETIME":                 TypeDatetime,
			"date":                     TypeDate,
			"time without time zone":   TypeTime,
			"bytea":                    TypeBinary,
			"longtext":                 TypeText,
			"character varying":        TypeString,
			"interval":                 TypeString,
			"point":                    TypeString,
		}
		for native, expected := range cases {
			So(deriveLogicalType(&FieldInfo{NativeType: native}), ShouldEqual, expected)
		}
		So(deriveLogicalType(&FieldInfo{NativeType: "integer", PrimaryKey: true, AutoGenerated: true}), ShouldEqual, TypeID)
		So(LogicalType("user_id_on_update").Valid(), ShouldBeTrue)
		So(LogicalType("uuid").Valid(), ShouldBeFalse)
	})
}
