package schema

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hatlonely/sqlgate/rdb"
	"github.com/pkg/errors"
)

// Column 数据库目录中读到的列信息
type Column struct {
	Name          string
	NativeType    string
	Nullable      bool
	Default       *string
	PrimaryKey    bool
	AutoIncrement bool
}

// ForeignKey 外键，Table.Column 引用 RefTable.RefColumn
type ForeignKey struct {
	Table     string
	Column    string
	RefTable  string
	RefColumn string
}

// Describer 读取数据库目录，每种方言一个实现
type Describer interface {
	ListTables(ctx context.Context) ([]string, error)
	// 表不存在时返回空列表
	DescribeColumns(ctx context.Context, table string) ([]*Column, error)
	DescribeForeignKeys(ctx context.Context) ([]*ForeignKey, error)
}

// NewDescriber 根据执行器的方言选择实现
func NewDescriber(exec rdb.Executor, dbSchema string) (Describer, error) {
	switch exec.Dialect().Name {
	case rdb.SQLite:
		return &SQLiteDescriber{exec: exec}, nil
	case rdb.MySQL:
		return &MySQLDescriber{exec: exec, schema: dbSchema}, nil
	case rdb.Postgres:
		if dbSchema == "" {
			dbSchema = "public"
		}
		return &PostgresDescriber{exec: exec, schema: dbSchema}, nil
	}
	return nil, errors.Errorf("no describer for dialect %s", exec.Dialect().Name)
}

type SQLiteDescriber struct {
	exec rdb.Executor
}

func (d *SQLiteDescriber) ListTables(ctx context.Context) ([]string, error) {
	records, err := d.exec.Query(ctx, `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, err
	}
	return column(records, "name"), nil
}

func (d *SQLiteDescriber) DescribeColumns(ctx context.Context, table string) ([]*Column, error) {
	if !rdb.ValidIdentifier(table) {
		return nil, nil
	}
	records, err := d.exec.Query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", d.exec.Dialect().Quote(table)))
	if err != nil {
		return nil, err
	}

	columns := make([]*Column, 0, len(records))
	pkCount := 0
	for _, r := range records {
		c := &Column{
			Name:       asString(r.Value("name")),
			NativeType: asString(r.Value("type")),
			Nullable:   asInt(r.Value("notnull")) == 0,
			Default:    asStringPtr(r.Value("dflt_value")),
			PrimaryKey: asInt(r.Value("pk")) > 0,
		}
		if c.PrimaryKey {
			pkCount++
			c.Nullable = false
		}
		columns = append(columns, c)
	}

	// 单列 INTEGER 主键即 rowid 别名
	if pkCount == 1 {
		for _, c := range columns {
			if c.PrimaryKey && strings.EqualFold(c.NativeType, "integer") {
				c.AutoIncrement = true
			}
		}
	}
	return columns, nil
}

func (d *SQLiteDescriber) DescribeForeignKeys(ctx context.Context) ([]*ForeignKey, error) {
	tables, err := d.ListTables(ctx)
	if err != nil {
		return nil, err
	}

	var fks []*ForeignKey
	for _, table := range tables {
		if !rdb.ValidIdentifier(table) {
			continue
		}
		records, err := d.exec.Query(ctx, fmt.Sprintf("PRAGMA foreign_key_list(%s)", d.exec.Dialect().Quote(table)))
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			fks = append(fks, &ForeignKey{
				Table:     table,
				Column:    asString(r.Value("from")),
				RefTable:  asString(r.Value("table")),
				RefColumn: asString(r.Value("to")),
			})
		}
	}
	return fks, nil
}

type MySQLDescriber struct {
	exec   rdb.Executor
	schema string
}

// 未配置 schema 时使用当前连接的数据库
func (d *MySQLDescriber) schemaExpr() (string, []any) {
	if d.schema == "" {
		return "DATABASE()", nil
	}
	return "?", []any{d.schema}
}

func (d *MySQLDescriber) ListTables(ctx context.Context) ([]string, error) {
	expr, args := d.schemaExpr()
	records, err := d.exec.Query(ctx, `SELECT TABLE_NAME AS name FROM information_schema.TABLES
		WHERE TABLE_SCHEMA = `+expr+` AND TABLE_TYPE = 'BASE TABLE' ORDER BY TABLE_NAME`, args...)
	if err != nil {
		return nil, err
	}
	return column(records, "name"), nil
}

func (d *MySQLDescriber) DescribeColumns(ctx context.Context, table string) ([]*Column, error) {
	expr, args := d.schemaExpr()
	records, err := d.exec.Query(ctx, `SELECT COLUMN_NAME AS name, COLUMN_TYPE AS type, IS_NULLABLE AS nullable,
		COLUMN_DEFAULT AS dflt, COLUMN_KEY AS col_key, EXTRA AS extra
		FROM information_schema.COLUMNS
		WHERE TABLE_SCHEMA = `+expr+` AND TABLE_NAME = ? ORDER BY ORDINAL_POSITION`, append(args, table)...)
	if err != nil {
		return nil, err
	}

	columns := make([]*Column, 0, len(records))
	for _, r := range records {
		columns = append(columns, &Column{
			Name:          asString(r.Value("name")),
			NativeType:    asString(r.Value("type")),
			Nullable:      strings.EqualFold(asString(r.Value("nullable")), "YES"),
			Default:       asStringPtr(r.Value("dflt")),
			PrimaryKey:    asString(r.Value("col_key")) == "PRI",
			AutoIncrement: strings.Contains(strings.ToLower(asString(r.Value("extra"))), "auto_increment"),
		})
	}
	return columns, nil
}

func (d *MySQLDescriber) DescribeForeignKeys(ctx context.Context) ([]*ForeignKey, error) {
	expr, args := d.schemaExpr()
	records, err := d.exec.Query(ctx, `SELECT TABLE_NAME AS tbl, COLUMN_NAME AS col,
		REFERENCED_TABLE_NAME AS ref_tbl, REFERENCED_COLUMN_NAME AS ref_col
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = `+expr+` AND REFERENCED_TABLE_NAME IS NOT NULL
		ORDER BY TABLE_NAME, ORDINAL_POSITION`, args...)
	if err != nil {
		return nil, err
	}
	return foreignKeys(records), nil
}

type PostgresDescriber struct {
	exec   rdb.Executor
	schema string
}

func (d *PostgresDescriber) ListTables(ctx context.Context) ([]string, error) {
	records, err := d.exec.Query(ctx, `SELECT table_name AS name FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE' ORDER BY table_name`, d.schema)
	if err != nil {
		return nil, err
	}
	return column(records, "name"), nil
}

func (d *PostgresDescriber) DescribeColumns(ctx context.Context, table string) ([]*Column, error) {
	records, err := d.exec.Query(ctx, `SELECT c.column_name AS name, c.data_type AS type, c.is_nullable AS nullable,
		c.column_default AS dflt, c.is_identity AS is_identity,
		EXISTS (
			SELECT 1 FROM information_schema.table_constraints tc
			JOIN information_schema.key_column_usage kcu
				ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
			WHERE tc.table_schema = c.table_schema AND tc.table_name = c.table_name
				AND tc.constraint_type = 'PRIMARY KEY' AND kcu.column_name = c.column_name
		) AS is_pk
		FROM information_schema.columns c
		WHERE c.table_schema = ? AND c.table_name = ? ORDER BY c.ordinal_position`, d.schema, table)
	if err != nil {
		return nil, err
	}

	columns := make([]*Column, 0, len(records))
	for _, r := range records {
		dflt := asStringPtr(r.Value("dflt"))
		auto := strings.EqualFold(asString(r.Value("is_identity")), "YES") ||
			(dflt != nil && strings.HasPrefix(*dflt, "nextval("))
		if auto {
			dflt = nil
		}
		columns = append(columns, &Column{
			Name:          asString(r.Value("name")),
			NativeType:    asString(r.Value("type")),
			Nullable:      strings.EqualFold(asString(r.Value("nullable")), "YES"),
			Default:       dflt,
			PrimaryKey:    asBool(r.Value("is_pk")),
			AutoIncrement: auto,
		})
	}
	return columns, nil
}

func (d *PostgresDescriber) DescribeForeignKeys(ctx context.Context) ([]*ForeignKey, error) {
	records, err := d.exec.Query(ctx, `SELECT kcu.table_name AS tbl, kcu.column_name AS col,
		ccu.table_name AS ref_tbl, ccu.column_name AS ref_col
		FROM information_schema.table_constraints AS tc
		JOIN information_schema.key_column_usage AS kcu
			ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		JOIN information_schema.constraint_column_usage AS ccu
			ON ccu.constraint_name = tc.constraint_name AND ccu.table_schema = tc.table_schema
		WHERE tc.constraint_type = 'FOREIGN KEY' AND tc.table_schema = ?
		ORDER BY kcu.table_name, kcu.ordinal_position`, d.schema)
	if err != nil {
		return nil, err
	}
	return foreignKeys(records), nil
}

func foreignKeys(records []*rdb.Record) []*ForeignKey {
	fks := make([]*ForeignKey, 0, len(records))
	for _, r := range records {
		fks = append(fks, &ForeignKey{
			Table:     asString(r.Value("tbl")),
			Column:    asString(r.Value("col")),
			RefTable:  asString(r.Value("ref_tbl")),
			RefColumn: asString(r.Value("ref_col")),
		})
	}
	return fks
}

func column(records []*rdb.Record, name string) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, asString(r.Value(name)))
	}
	return out
}

func asString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	}
	return fmt.Sprint(v)
}

func asStringPtr(v any) *string {
	if v == nil {
		return nil
	}
	s := asString(v)
	return &s
}

func asInt(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case int32:
		return int64(x)
	case bool:
		if x {
			return 1
		}
		return 0
	}
	n, _ := strconv.ParseInt(asString(v), 10, 64)
	return n
}

func asBool(v any) bool {
	switch x := v.(type) {
	case bool:
		return x
	case string:
		b, _ := strconv.ParseBool(x)
		return b
	}
	return asInt(v) != 0
}
