package schema

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/log"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/pkg/errors"
)

// FieldOverride 覆盖从数据库推导出的字段属性
type FieldOverride struct {
	Type       string `cfg:"type" validate:"omitempty,oneof=id reference integer float decimal string text boolean timestamp datetime date time binary timestamp_on_create timestamp_on_update user_id user_id_on_create user_id_on_update"`
	Validation string `cfg:"validation"`
	Required   *bool  `cfg:"required"`
}

// RelationDecl 在没有外键的数据库上手动声明关系
type RelationDecl struct {
	Name             string `cfg:"name" validate:"required"`
	Kind             string `cfg:"kind" validate:"oneof=belongs_to has_many many_to_many"`
	RelatedTable     string `cfg:"relatedTable" validate:"required"`
	LocalField       string `cfg:"localField" validate:"required"`
	ForeignField     string `cfg:"foreignField" validate:"required"`
	JoinTable        string `cfg:"joinTable" validate:"required_if=Kind many_to_many"`
	JoinLocalField   string `cfg:"joinLocalField" validate:"required_if=Kind many_to_many"`
	JoinForeignField string `cfg:"joinForeignField" validate:"required_if=Kind many_to_many"`
}

type TableOverride struct {
	Fields    map[string]FieldOverride `cfg:"fields"`
	Relations []RelationDecl           `cfg:"relations" validate:"dive"`
}

type Options struct {
	// postgres 的 schema，mysql 的数据库名，为空时使用当前连接的默认值
	Schema string                   `cfg:"schema"`
	Tables map[string]TableOverride `cfg:"tables" validate:"dive"`
}

// Introspector 读取并缓存表结构
type Introspector struct {
	describer Describer
	cache     *Cache
	options   atomic.Pointer[Options]
	logger    logger.Logger

	// 外键列表在一次缓存周期内只读取一次
	fkMu sync.Mutex
	fks  []*ForeignKey
}

func NewIntrospector(describer Describer, cache *Cache, options *Options, l logger.Logger) *Introspector {
	if l == nil {
		l = log.Default()
	}
	if cache == nil {
		cache = NewCache(nil, l)
	}
	if options == nil {
		options = &Options{}
	}
	in := &Introspector{describer: describer, cache: cache, logger: l.WithGroup("schema")}
	in.options.Store(options)
	return in
}

func (in *Introspector) Cache() *Cache {
	return in.cache
}

// Reload 替换字段覆盖与关系声明，并清空缓存
func (in *Introspector) Reload(ctx context.Context, options *Options) {
	if options == nil {
		options = &Options{}
	}
	in.options.Store(options)
	in.Clear(ctx)
	in.logger.InfoContext(ctx, "schema options reloaded", "tables", len(options.Tables))
}

func (in *Introspector) ListTables(ctx context.Context) ([]string, error) {
	tables, err := in.describer.ListTables(ctx)
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return tables, nil
}

// Describe 返回表结构，表不存在时返回 NotFound
func (in *Introspector) Describe(ctx context.Context, table string) (*TableSchema, error) {
	if s, ok := in.cache.Get(ctx, table); ok {
		return s, nil
	}

	s, err := in.build(ctx, table)
	if err != nil {
		return nil, err
	}
	in.cache.Put(ctx, s)
	return s, nil
}

// Warm 预先加载多个表的结构
func (in *Introspector) Warm(ctx context.Context, tables ...string) error {
	for _, t := range tables {
		if _, err := in.Describe(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (in *Introspector) Invalidate(ctx context.Context, table string) {
	in.cache.Invalidate(ctx, table)
	in.resetForeignKeys()
}

func (in *Introspector) Clear(ctx context.Context) {
	in.cache.Clear(ctx)
	in.resetForeignKeys()
}

func (in *Introspector) resetForeignKeys() {
	in.fkMu.Lock()
	in.fks = nil
	in.fkMu.Unlock()
}

func (in *Introspector) foreignKeys(ctx context.Context) ([]*ForeignKey, error) {
	in.fkMu.Lock()
	defer in.fkMu.Unlock()
	if in.fks != nil {
		return in.fks, nil
	}
	fks, err := in.describer.DescribeForeignKeys(ctx)
	if err != nil {
		return nil, err
	}
	if fks == nil {
		fks = []*ForeignKey{}
	}
	in.fks = fks
	return fks, nil
}

func (in *Introspector) build(ctx context.Context, table string) (*TableSchema, error) {
	columns, err := in.describer.DescribeColumns(ctx, table)
	if err != nil {
		return nil, errs.Wrap(errors.WithMessagef(err, "describe table %s", table))
	}
	if len(columns) == 0 {
		return nil, errs.NotFound("Table '%s' does not exist in the database.", table)
	}
	fks, err := in.foreignKeys(ctx)
	if err != nil {
		return nil, errs.Wrap(errors.WithMessage(err, "describe foreign keys"))
	}

	options := in.options.Load()
	override := options.Tables[table]

	refs := map[string]*ForeignKey{}
	for _, fk := range fks {
		if fk.Table == table {
			refs[fk.Column] = fk
		}
	}

	s := &TableSchema{Name: table}
	for _, c := range columns {
		f := &FieldInfo{
			Name:          c.Name,
			NativeType:    c.NativeType,
			Nullable:      c.Nullable && !c.PrimaryKey,
			AutoGenerated: c.AutoIncrement,
			PrimaryKey:    c.PrimaryKey,
			Default:       c.Default,
		}
		if fk, ok := refs[c.Name]; ok {
			f.RefTable, f.RefField = fk.RefTable, fk.RefColumn
		}
		f.LogicalType = deriveLogicalType(f)
		f.Required = !f.Nullable && f.Default == nil && !f.AutoGenerated

		if o, ok := override.Fields[c.Name]; ok {
			if o.Type != "" {
				f.LogicalType = LogicalType(o.Type)
			}
			if o.Validation != "" {
				f.ValidationRules = o.Validation
			}
			if o.Required != nil {
				f.Required = *o.Required
			}
		}
		// 自动填充的字段无需调用方提供
		switch f.LogicalType {
		case TypeTimestampOnCreate, TypeTimestampOnUpdate, TypeUserIDOnCreate, TypeUserIDOnUpdate:
			f.Required = false
		}

		if f.PrimaryKey {
			s.PrimaryKey = append(s.PrimaryKey, f.Name)
		}
		s.Fields = append(s.Fields, f)
	}

	s.Relations = deriveRelations(table, fks)
	for _, decl := range override.Relations {
		r := &RelationInfo{
			Name:             decl.Name,
			Kind:             RelationKind(decl.Kind),
			RelatedTable:     decl.RelatedTable,
			LocalField:       decl.LocalField,
			ForeignField:     decl.ForeignField,
			JoinTable:        decl.JoinTable,
			JoinLocalField:   decl.JoinLocalField,
			JoinForeignField: decl.JoinForeignField,
		}
		replaced := false
		for i, existing := range s.Relations {
			if existing.Name == r.Name {
				s.Relations[i] = r
				replaced = true
			}
		}
		if !replaced {
			s.Relations = append(s.Relations, r)
		}
	}

	in.logger.DebugContext(ctx, "schema built", "table", table, "fields", len(s.Fields), "relations", len(s.Relations))
	return s, nil
}

// deriveRelations 从外键推导关系
// belongs_to: <引用表>_by_<本表列>
// has_many: <子表>_by_<子表外键列>
// many_to_many: <关联表>_by_<中间表>，中间表是同时持有两个外键的表
func deriveRelations(table string, fks []*ForeignKey) []*RelationInfo {
	var relations []*RelationInfo

	byTable := map[string][]*ForeignKey{}
	for _, fk := range fks {
		byTable[fk.Table] = append(byTable[fk.Table], fk)
	}

	for _, fk := range byTable[table] {
		relations = append(relations, &RelationInfo{
			Name:         fk.RefTable + "_by_" + fk.Column,
			Kind:         BelongsTo,
			RelatedTable: fk.RefTable,
			LocalField:   fk.Column,
			ForeignField: fk.RefColumn,
		})
	}

	joinTables := make([]string, 0, len(byTable))
	for t := range byTable {
		joinTables = append(joinTables, t)
	}
	sort.Strings(joinTables)

	for _, child := range joinTables {
		for _, fk := range byTable[child] {
			if fk.RefTable != table {
				continue
			}
			relations = append(relations, &RelationInfo{
				Name:         child + "_by_" + fk.Column,
				Kind:         HasMany,
				RelatedTable: child,
				LocalField:   fk.RefColumn,
				ForeignField: fk.Column,
			})
		}
	}

	for _, join := range joinTables {
		joinFKs := byTable[join]
		if len(joinFKs) < 2 {
			continue
		}
		for _, local := range joinFKs {
			if local.RefTable != table {
				continue
			}
			for _, other := range joinFKs {
				if other == local {
					continue
				}
				relations = append(relations, &RelationInfo{
					Name:             other.RefTable + "_by_" + join,
					Kind:             ManyToMany,
					RelatedTable:     other.RefTable,
					LocalField:       local.RefColumn,
					ForeignField:     other.RefColumn,
					JoinTable:        join,
					JoinLocalField:   local.Column,
					JoinForeignField: other.Column,
				})
			}
		}
	}

	return dedupe(relations)
}

// 同名关系只保留第一个
func dedupe(relations []*RelationInfo) []*RelationInfo {
	seen := map[string]bool{}
	out := relations[:0]
	for _, r := range relations {
		if seen[r.Name] {
			continue
		}
		seen[r.Name] = true
		out = append(out, r)
	}
	return out
}

// deriveLogicalType 根据数据库类型推导逻辑类型
func deriveLogicalType(f *FieldInfo) LogicalType {
	if f.PrimaryKey && f.AutoGenerated {
		return TypeID
	}
	if f.RefTable != "" {
		return TypeReference
	}

	t := strings.ToLower(strings.TrimSpace(f.NativeType))
	if t == "tinyint(1)" || t == "bit" || t == "bit(1)" {
		return TypeBoolean
	}
	base := t
	if i := strings.IndexAny(base, "( "); i >= 0 {
		base = base[:i]
	}

	switch base {
	case "bool", "boolean":
		return TypeBoolean
	case "int", "integer", "tinyint", "smallint", "mediumint", "bigint", "int2", "int4", "int8",
		"serial", "smallserial", "bigserial":
		return TypeInteger
	case "decimal", "numeric", "money":
		return TypeDecimal
	case "real", "float", "float4", "float8", "double":
		return TypeFloat
	case "timestamp", "timestamptz":
		return TypeTimestamp
	case "datetime":
		return TypeDatetime
	case "date":
		return TypeDate
	case "time", "timetz":
		return TypeTime
	case "blob", "tinyblob", "mediumblob", "longblob", "binary", "varbinary", "bytea":
		return TypeBinary
	case "text", "tinytext", "mediumtext", "longtext", "clob":
		return TypeText
	}
	return TypeString
}
