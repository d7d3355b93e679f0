package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/rdb/query"
	"github.com/hatlonely/sqlgate/schema"
	"github.com/hatlonely/sqlgate/translate"
)

// Params 请求中影响一次操作的参数
type Params struct {
	// 逗号分隔，为空时读取返回全部字段，写入只返回标识字段
	Fields string
	// 逗号分隔的标识字段，默认为主键
	IDField string
	// * 或逗号分隔的关系名
	Related            string
	AllowRelatedDelete bool
}

// TxContext 一次请求内的操作上下文，创建后不再修改
type TxContext struct {
	Table     *schema.TableSchema
	Operation Operation
	IDFields  []*schema.FieldInfo
	Selection *translate.Selection
	Related   []*schema.RelationInfo
	// 结果不能只由标识字段构成，写入后需要重新读取
	RequireExpanded    bool
	AllowRelatedDelete bool
	ServerFilter       *query.FilterSpec
	UserID             any
}

// NewTxContext 依次检查表限制、鉴权，再解析字段、标识与关系
func (g *Gateway) NewTxContext(ctx context.Context, table string, op Operation, p Params) (*TxContext, error) {
	if table == "" {
		return nil, errs.BadRequest("Table name can not be empty.")
	}
	if err := g.guard.Allow(table, op); err != nil {
		return nil, err
	}
	if err := g.auth.Authorize(ctx, op.Verb(), table); err != nil {
		return nil, err
	}
	ts, err := g.schemas.Describe(ctx, table)
	if err != nil {
		return nil, err
	}
	server, err := g.auth.ServerFilter(ctx, op.Verb(), table)
	if err != nil {
		return nil, err
	}
	userID, _ := g.auth.CurrentUserID(ctx)

	tc := &TxContext{
		Table:              ts,
		Operation:          op,
		AllowRelatedDelete: p.AllowRelatedDelete,
		ServerFilter:       server,
		UserID:             userID,
	}
	if tc.IDFields, err = idFields(ts, p.IDField); err != nil {
		return nil, err
	}

	fields := translate.ParseFields(p.Fields)
	if len(fields) == 0 && op != OpRead {
		for _, f := range tc.IDFields {
			fields = append(fields, f.Name)
		}
	}
	if tc.Selection, err = translate.Select(ts, fields); err != nil {
		return nil, err
	}
	if tc.Related, err = relations(ts, p.Related); err != nil {
		return nil, err
	}

	tc.RequireExpanded = len(tc.Related) > 0 || !sameFields(tc.Selection.Fields, tc.IDFields) || !sameFields(tc.IDFields, ts.PrimaryFields())
	return tc, nil
}

func idFields(ts *schema.TableSchema, param string) ([]*schema.FieldInfo, error) {
	names := translate.ParseFields(param)
	if len(names) == 0 {
		if len(ts.PrimaryKey) == 0 {
			return nil, errs.BadRequest("Table '%s' has no primary key, an id_field is required.", ts.Name)
		}
		return ts.PrimaryFields(), nil
	}
	out := make([]*schema.FieldInfo, 0, len(names))
	for _, name := range names {
		f := ts.Field(name)
		if f == nil {
			return nil, errs.BadRequest("Invalid id_field '%s' for table '%s'.", name, ts.Name)
		}
		out = append(out, f)
	}
	return out, nil
}

func relations(ts *schema.TableSchema, param string) ([]*schema.RelationInfo, error) {
	param = strings.TrimSpace(param)
	if param == "" {
		return nil, nil
	}
	if param == "*" {
		return ts.Relations, nil
	}
	var out []*schema.RelationInfo
	for _, name := range translate.ParseFields(param) {
		rel := ts.Relation(name)
		if rel == nil {
			return nil, errs.BadRequest("Invalid relationship '%s' requested.", name)
		}
		out = append(out, rel)
	}
	return out, nil
}

func sameFields(a, b []*schema.FieldInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
	}
	return true
}

func (tc *TxContext) writeContext(g *Gateway) translate.WriteContext {
	return translate.WriteContext{UserID: tc.UserID, Now: g.now()}
}

// Key 记录的标识，与 IDFields 一一对应
type Key []any

// KeyOf 接受单个标识值，或包含全部标识字段的记录
func (tc *TxContext) KeyOf(v any) (Key, error) {
	return keyOf(tc.Table, tc.IDFields, v)
}

func keyOf(ts *schema.TableSchema, fields []*schema.FieldInfo, v any) (Key, error) {
	if r, ok := v.(*rdb.Record); ok {
		key := make(Key, len(fields))
		for i, f := range fields {
			x, ok := r.Get(f.Name)
			if !ok || x == nil {
				return nil, errs.BadRequest("Identifying field '%s' can not be empty for record in table '%s'.", f.Name, ts.Name)
			}
			parsed, err := translate.ParseKeyValue(f, x)
			if err != nil {
				return nil, err
			}
			key[i] = parsed
		}
		return key, nil
	}
	if len(fields) != 1 {
		return nil, errs.BadRequest("Table '%s' requires all %d identifying fields for each record.", ts.Name, len(fields))
	}
	if v == nil {
		return nil, errs.BadRequest("Identifying field '%s' can not be empty for record in table '%s'.", fields[0].Name, ts.Name)
	}
	parsed, err := translate.ParseKeyValue(fields[0], v)
	if err != nil {
		return nil, err
	}
	return Key{parsed}, nil
}

// rowKey 从数据库读出的记录中取标识
func rowKey(fields []*schema.FieldInfo, r *rdb.Record) Key {
	key := make(Key, len(fields))
	for i, f := range fields {
		key[i] = r.Value(f.Name)
	}
	return key
}

// index 统一驱动与请求中不同表示的值，用于匹配
func (k Key) index(fields []*schema.FieldInfo) string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = fmt.Sprint(translate.NewBinding(fields[i]).Convert(v))
	}
	return strings.Join(parts, "\x00")
}

func (k Key) String() string {
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = fmt.Sprint(v)
	}
	return strings.Join(parts, ",")
}

func (k Key) Record(fields []*schema.FieldInfo) *rdb.Record {
	r := rdb.NewRecord()
	for i, f := range fields {
		r.Set(f.Name, k[i])
	}
	return r
}

// keysQuery 单字段使用 IN，复合标识使用 (a = ? AND b = ?) OR ...
func keysQuery(fields []*schema.FieldInfo, keys []Key) query.Query {
	if len(fields) == 1 {
		values := make([]any, len(keys))
		for i, k := range keys {
			values[i] = k[0]
		}
		if len(values) == 1 {
			return &query.TermQuery{Field: fields[0].Name, Value: values[0]}
		}
		return &query.TermsQuery{Field: fields[0].Name, Values: values}
	}
	should := make([]query.Query, len(keys))
	for i, k := range keys {
		must := make([]query.Query, len(fields))
		for j, f := range fields {
			must[j] = &query.TermQuery{Field: f.Name, Value: k[j]}
		}
		should[i] = &query.BoolQuery{Must: must}
	}
	if len(should) == 1 {
		return should[0]
	}
	return &query.BoolQuery{Should: should}
}

func notFound(ts *schema.TableSchema, key Key) *errs.Error {
	return errs.NotFound("Record with identifier '%s' not found in table '%s'.", key, ts.Name)
}
