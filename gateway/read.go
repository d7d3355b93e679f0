package gateway

import (
	"context"
	"fmt"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/rdb/query"
	"github.com/hatlonely/sqlgate/schema"
	"github.com/hatlonely/sqlgate/translate"
)

type ListOptions struct {
	Order         string
	Limit         int
	Offset        int
	IncludeCount  bool
	IncludeSchema bool
}

type Meta struct {
	Count  *int64              `json:"count,omitempty"`
	Next   *int                `json:"next,omitempty"`
	Schema *schema.TableSchema `json:"schema,omitempty"`
}

// Collection 列表结果
type Collection struct {
	Records []*rdb.Record `json:"record"`
	Meta    *Meta         `json:"meta,omitempty"`
}

// List 按条件分页读取，结果被截断时在 meta 中给出 next
func (g *Gateway) List(ctx context.Context, exec rdb.Executor, tc *TxContext, filter *query.FilterSpec, opts ListOptions) (*Collection, error) {
	d := exec.Dialect()
	where, args, err := translate.Where(d, tc.Table, filter, tc.ServerFilter)
	if err != nil {
		return nil, err
	}
	order, err := translate.Order(d, tc.Table, opts.Order)
	if err != nil {
		return nil, err
	}
	page := translate.NewPage(opts.Limit, opts.Offset, g.maxRecords)
	limit, limitArgs := page.SQL()

	sel := g.readSelection(tc)
	rows, err := exec.Query(ctx, fmt.Sprintf("SELECT %s FROM %s%s%s%s",
		sel.Columns(d), d.Quote(tc.Table.Name), where, order, limit), append(args, limitArgs...)...)
	if err != nil {
		return nil, err
	}

	c := &Collection{Records: make([]*rdb.Record, 0, len(rows))}
	for _, row := range rows {
		r, err := g.render(ctx, exec, tc, row)
		if err != nil {
			return nil, err
		}
		c.Records = append(c.Records, r)
	}

	meta := &Meta{}
	if opts.IncludeCount || page.NeedLimit {
		total, err := count(ctx, exec, tc.Table, where, args)
		if err != nil {
			return nil, err
		}
		if opts.IncludeCount || total > int64(g.maxRecords) {
			meta.Count = &total
		}
		if total-int64(page.Offset) > int64(page.Limit) {
			next := page.Offset + page.Limit + 1
			meta.Next = &next
		}
	}
	if opts.IncludeSchema {
		meta.Schema = tc.Table
	}
	if meta.Count != nil || meta.Next != nil || meta.Schema != nil {
		c.Meta = meta
	}
	return c, nil
}

// Count 满足条件的记录数
func (g *Gateway) Count(ctx context.Context, exec rdb.Executor, tc *TxContext, filter *query.FilterSpec) (int64, error) {
	where, args, err := translate.Where(exec.Dialect(), tc.Table, filter, tc.ServerFilter)
	if err != nil {
		return 0, err
	}
	return count(ctx, exec, tc.Table, where, args)
}

func count(ctx context.Context, exec rdb.Executor, ts *schema.TableSchema, where string, args []any) (int64, error) {
	d := exec.Dialect()
	rows, err := exec.Query(ctx, fmt.Sprintf("SELECT COUNT(*) AS %s FROM %s%s", d.Quote("count"), d.Quote(ts.Name), where), args...)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, ok := translate.NewBinding(&schema.FieldInfo{Name: "count", LogicalType: schema.TypeInteger}).Convert(rows[0].Value("count")).(int64)
	if !ok {
		return 0, errs.Internal(nil, "unexpected count result for table %s", ts.Name)
	}
	return n, nil
}

// Get 读取单条记录，不存在时返回 NotFound
func (g *Gateway) Get(ctx context.Context, exec rdb.Executor, tc *TxContext, id any) (*rdb.Record, error) {
	slots, err := g.ReadByIDs(ctx, exec, tc, []any{id})
	if err != nil {
		return nil, err
	}
	return slot(slots[0])
}

// ReadByIDs 一次查询读取多条记录，结果与 ids 位置对应，缺失的位置为 NotFound
func (g *Gateway) ReadByIDs(ctx context.Context, exec rdb.Executor, tc *TxContext, ids []any) ([]any, error) {
	slots := make([]any, len(ids))
	keys := make([]Key, len(ids))
	var valid []Key
	for i, id := range ids {
		key, err := tc.KeyOf(id)
		if err != nil {
			slots[i] = errs.Wrap(err)
			continue
		}
		keys[i] = key
		valid = append(valid, key)
	}

	rows, err := g.fetch(ctx, exec, tc, tc.IDFields, valid)
	if err != nil {
		return nil, err
	}
	for i, key := range keys {
		if key == nil {
			continue
		}
		row, ok := rows[key.index(tc.IDFields)]
		if !ok {
			slots[i] = notFound(tc.Table, key)
			continue
		}
		r, err := g.render(ctx, exec, tc, row)
		if err != nil {
			return nil, err
		}
		slots[i] = r
	}
	return slots, nil
}

// readSelection 在请求的字段之外带上标识字段与关系需要的字段
func (g *Gateway) readSelection(tc *TxContext) *translate.Selection {
	extra := append(names(tc.IDFields), names(tc.Table.PrimaryFields())...)
	for _, rel := range tc.Related {
		extra = append(extra, rel.LocalField)
	}
	return tc.Selection.WithFields(tc.Table, extra...)
}

// fetch 按标识读取原始记录，结果以标识索引
// extra 为额外需要读取的字段
func (g *Gateway) fetch(ctx context.Context, exec rdb.Executor, tc *TxContext, fields []*schema.FieldInfo, keys []Key, extra ...string) (map[string]*rdb.Record, error) {
	out := map[string]*rdb.Record{}
	if len(keys) == 0 {
		return out, nil
	}
	d := exec.Dialect()
	where, args, err := translate.Where(d, tc.Table, nil, tc.ServerFilter, keysQuery(fields, keys))
	if err != nil {
		return nil, err
	}
	sel := g.readSelection(tc).WithFields(tc.Table, append(names(fields), extra...)...)
	rows, err := exec.Query(ctx, fmt.Sprintf("SELECT %s FROM %s%s", sel.Columns(d), d.Quote(tc.Table.Name), where), args...)
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[rowKey(fields, row).index(fields)] = row
	}
	return out, nil
}

// render 输出请求的字段，并展开关联记录
func (g *Gateway) render(ctx context.Context, exec rdb.Executor, tc *TxContext, row *rdb.Record) (*rdb.Record, error) {
	out := tc.Selection.Project(row)
	for _, rel := range tc.Related {
		v, err := g.expand(ctx, exec, rel, row.Value(rel.LocalField))
		if err != nil {
			return nil, err
		}
		out.Set(rel.Name, v)
	}
	return out, nil
}

// expand belongs_to 返回单条记录，其余关系返回列表
func (g *Gateway) expand(ctx context.Context, exec rdb.Executor, rel *schema.RelationInfo, value any) (any, error) {
	if value == nil {
		if rel.Kind == schema.BelongsTo {
			return nil, nil
		}
		return []*rdb.Record{}, nil
	}
	if err := g.auth.Authorize(ctx, OpRead.Verb(), rel.RelatedTable); err != nil {
		return nil, err
	}
	rs, err := g.schemas.Describe(ctx, rel.RelatedTable)
	if err != nil {
		return nil, err
	}
	server, err := g.auth.ServerFilter(ctx, OpRead.Verb(), rel.RelatedTable)
	if err != nil {
		return nil, err
	}
	sel, err := translate.Select(rs, nil)
	if err != nil {
		return nil, err
	}

	d := exec.Dialect()
	var cond query.Query = &query.TermQuery{Field: rel.ForeignField, Value: value}
	if rel.Kind == schema.ManyToMany {
		links, err := exec.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
			d.Quote(rel.JoinForeignField), d.Quote(rel.JoinTable), d.Quote(rel.JoinLocalField)), value)
		if err != nil {
			return nil, err
		}
		if len(links) == 0 {
			return []*rdb.Record{}, nil
		}
		values := make([]any, len(links))
		for i, l := range links {
			values[i] = l.Value(rel.JoinForeignField)
		}
		cond = &query.TermsQuery{Field: rel.ForeignField, Values: values}
	}

	where, args, err := translate.Where(d, rs, nil, server, cond)
	if err != nil {
		return nil, err
	}
	limit := g.maxRecords
	if rel.Kind == schema.BelongsTo {
		limit = 1
	}
	rows, err := exec.Query(ctx, fmt.Sprintf("SELECT %s FROM %s%s LIMIT ?", sel.Columns(d), d.Quote(rs.Name), where), append(args, limit)...)
	if err != nil {
		return nil, err
	}
	records := sel.ProjectAll(rows)
	if rel.Kind == schema.BelongsTo {
		if len(records) == 0 {
			return nil, nil
		}
		return records[0], nil
	}
	return records, nil
}

func names(fields []*schema.FieldInfo) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = f.Name
	}
	return out
}

// slot 取出位置结果中的记录或错误
func slot(v any) (*rdb.Record, error) {
	switch x := v.(type) {
	case *rdb.Record:
		return x, nil
	case error:
		return nil, x
	}
	return nil, errs.Internal(nil, "unexpected result %T", v)
}

// Failed 位置结果中失败的位置
func Failed(slots []any) []int {
	var out []int
	for i, v := range slots {
		if _, ok := v.(error); ok {
			out = append(out, i)
		}
	}
	return out
}
