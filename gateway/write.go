package gateway

import (
	"context"
	"fmt"
	"strings"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/rdb/query"
	"github.com/hatlonely/sqlgate/relation"
	"github.com/hatlonely/sqlgate/schema"
	"github.com/hatlonely/sqlgate/translate"
)

// Create 插入记录并收敛关系数据
func (g *Gateway) Create(ctx context.Context, exec rdb.Executor, tc *TxContext, record *rdb.Record) (*rdb.Record, error) {
	w, err := translate.ParseWrite(tc.Table, record, translate.ModeCreate, tc.writeContext(g))
	if err != nil {
		return nil, err
	}
	pk, err := relation.InsertRecord(ctx, exec, tc.Table, w)
	if err != nil {
		return nil, err
	}

	if len(w.Relations) > 0 {
		parent := pk.Clone()
		for i, c := range w.Columns {
			if !parent.Has(c) {
				parent.Set(c, w.Values[i])
			}
		}
		if err := g.reconcile(ctx, exec, tc, w, parent); err != nil {
			return nil, err
		}
	}
	g.logger.DebugContext(ctx, "record created", "table", tc.Table.Name, "relations", len(w.Relations))

	if !tc.RequireExpanded {
		return tc.Selection.Project(pk), nil
	}
	pkFields := tc.Table.PrimaryFields()
	key := rowKey(pkFields, pk)
	rows, err := g.fetch(ctx, exec, tc, pkFields, []Key{key})
	if err != nil {
		return nil, err
	}
	row, ok := rows[key.index(pkFields)]
	if !ok {
		return nil, notFound(tc.Table, key)
	}
	return g.render(ctx, exec, tc, row)
}

// Update id 为空时从记录中取标识，未命中的记录在确认不存在后返回 NotFound
func (g *Gateway) Update(ctx context.Context, exec rdb.Executor, tc *TxContext, id any, record *rdb.Record) (*rdb.Record, error) {
	if id == nil {
		id = record
	}
	key, err := tc.KeyOf(id)
	if err != nil {
		return nil, err
	}
	w, err := g.parseUpdate(tc, record)
	if err != nil {
		return nil, err
	}

	var affected int64
	if !w.Empty() {
		if affected, err = g.updateWhere(ctx, exec, tc, w, nil, keysQuery(tc.IDFields, []Key{key})); err != nil {
			return nil, err
		}
	}
	if affected > 0 && len(w.Relations) == 0 && !tc.RequireExpanded {
		return tc.Selection.Project(key.Record(tc.IDFields)), nil
	}

	rows, err := g.fetch(ctx, exec, tc, tc.IDFields, []Key{key}, relationFields(w)...)
	if err != nil {
		return nil, err
	}
	row, ok := rows[key.index(tc.IDFields)]
	if !ok {
		return nil, notFound(tc.Table, key)
	}
	if err := g.reconcile(ctx, exec, tc, w, row); err != nil {
		return nil, err
	}
	return g.render(ctx, exec, tc, row)
}

// UpdateByIDs 同一份修改应用到多条记录，结果与 ids 位置对应
func (g *Gateway) UpdateByIDs(ctx context.Context, exec rdb.Executor, tc *TxContext, ids []any, patch *rdb.Record) ([]any, error) {
	w, err := g.parseUpdate(tc, patch)
	if err != nil {
		return nil, err
	}
	slots := make([]any, len(ids))

	// 关系数据需要逐条收敛
	if len(w.Relations) > 0 {
		for i, id := range ids {
			r, err := g.Update(ctx, exec, tc, id, patch)
			if err != nil {
				slots[i] = errs.Wrap(err)
				continue
			}
			slots[i] = r
		}
		return slots, nil
	}

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
	if len(valid) == 0 {
		return slots, nil
	}
	if !w.Empty() {
		if _, err := g.updateWhere(ctx, exec, tc, w, nil, keysQuery(tc.IDFields, valid)); err != nil {
			return nil, err
		}
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
		if slots[i], err = g.render(ctx, exec, tc, row); err != nil {
			return nil, err
		}
	}
	g.logger.DebugContext(ctx, "records updated by ids", "table", tc.Table.Name, "ids", len(valid))
	return slots, nil
}

// UpdateByFilter 先取得命中记录的标识，更新后按标识重新读取并收敛关系
func (g *Gateway) UpdateByFilter(ctx context.Context, exec rdb.Executor, tc *TxContext, filter *query.FilterSpec, patch *rdb.Record) ([]*rdb.Record, error) {
	if filter.IsEmpty() {
		return nil, errs.BadRequest("There is no filter given for the update request.")
	}
	w, err := g.parseUpdate(tc, patch)
	if err != nil {
		return nil, err
	}
	keys, err := g.matchKeys(ctx, exec, tc, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*rdb.Record, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	if !w.Empty() {
		callerQuery, err := translate.Filter(tc.Table, filter)
		if err != nil {
			return nil, err
		}
		if _, err := g.updateWhere(ctx, exec, tc, w, callerQuery); err != nil {
			return nil, err
		}
	}
	rows, err := g.fetch(ctx, exec, tc, tc.IDFields, keys, relationFields(w)...)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		row, ok := rows[key.index(tc.IDFields)]
		if !ok {
			continue
		}
		if err := g.reconcile(ctx, exec, tc, w, row); err != nil {
			return nil, err
		}
		r, err := g.render(ctx, exec, tc, row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	g.logger.DebugContext(ctx, "records updated by filter", "table", tc.Table.Name, "matched", len(keys))
	return out, nil
}

// Delete 先读取再删除，返回删除前的记录
func (g *Gateway) Delete(ctx context.Context, exec rdb.Executor, tc *TxContext, id any) (*rdb.Record, error) {
	slots, err := g.DeleteByIDs(ctx, exec, tc, []any{id})
	if err != nil {
		return nil, err
	}
	return slot(slots[0])
}

// DeleteByIDs 一次读取一次删除，结果与 ids 位置对应
func (g *Gateway) DeleteByIDs(ctx context.Context, exec rdb.Executor, tc *TxContext, ids []any) ([]any, error) {
	slots, err := g.ReadByIDs(ctx, exec, tc, ids)
	if err != nil {
		return nil, err
	}
	var found []Key
	for i, id := range ids {
		if _, ok := slots[i].(*rdb.Record); !ok {
			continue
		}
		key, err := tc.KeyOf(id)
		if err != nil {
			return nil, err
		}
		found = append(found, key)
	}
	if len(found) == 0 {
		return slots, nil
	}
	if err := g.deleteWhere(ctx, exec, tc, nil, keysQuery(tc.IDFields, found)); err != nil {
		return nil, err
	}
	g.logger.DebugContext(ctx, "records deleted by ids", "table", tc.Table.Name, "deleted", len(found))
	return slots, nil
}

// DeleteByFilter 没有条件时必须显式 force，且没有服务端条件时直接清空表
func (g *Gateway) DeleteByFilter(ctx context.Context, exec rdb.Executor, tc *TxContext, filter *query.FilterSpec, force bool) ([]*rdb.Record, error) {
	if filter.IsEmpty() {
		if !force {
			return nil, errs.BadRequest("There is no filter given for the delete request, use force to delete all records.")
		}
		if tc.ServerFilter.IsEmpty() {
			if _, err := exec.Exec(ctx, exec.Dialect().Truncate(tc.Table.Name)); err != nil {
				return nil, err
			}
			g.logger.WarnContext(ctx, "table truncated", "table", tc.Table.Name)
			return []*rdb.Record{}, nil
		}
	}

	d := exec.Dialect()
	where, args, err := translate.Where(d, tc.Table, filter, tc.ServerFilter)
	if err != nil {
		return nil, err
	}
	sel := g.readSelection(tc)
	rows, err := exec.Query(ctx, fmt.Sprintf("SELECT %s FROM %s%s", sel.Columns(d), d.Quote(tc.Table.Name), where), args...)
	if err != nil {
		return nil, err
	}
	out := make([]*rdb.Record, 0, len(rows))
	for _, row := range rows {
		r, err := g.render(ctx, exec, tc, row)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if len(rows) == 0 {
		return out, nil
	}
	if _, err := exec.Exec(ctx, fmt.Sprintf("DELETE FROM %s%s", d.Quote(tc.Table.Name), where), args...); err != nil {
		return nil, err
	}
	g.logger.DebugContext(ctx, "records deleted by filter", "table", tc.Table.Name, "deleted", len(rows))
	return out, nil
}

// parseUpdate 标识字段不会被修改
func (g *Gateway) parseUpdate(tc *TxContext, record *rdb.Record) (*translate.WriteSet, error) {
	w, err := translate.ParseWrite(tc.Table, record, translate.ModeUpdate, tc.writeContext(g))
	if err != nil {
		return nil, err
	}
	ids := map[string]bool{}
	for _, f := range tc.IDFields {
		ids[f.Name] = true
	}
	out := &translate.WriteSet{Relations: w.Relations}
	for i, c := range w.Columns {
		if !ids[c] {
			out.Columns = append(out.Columns, c)
			out.Values = append(out.Values, w.Values[i])
		}
	}
	return out, nil
}

func (g *Gateway) updateWhere(ctx context.Context, exec rdb.Executor, tc *TxContext, w *translate.WriteSet, extra ...query.Query) (int64, error) {
	d := exec.Dialect()
	where, args, err := translate.Where(d, tc.Table, nil, tc.ServerFilter, extra...)
	if err != nil {
		return 0, err
	}
	sets := make([]string, len(w.Columns))
	for i, c := range w.Columns {
		sets[i] = d.Quote(c) + " = ?"
	}
	res, err := exec.Exec(ctx, fmt.Sprintf("UPDATE %s SET %s%s", d.Quote(tc.Table.Name), strings.Join(sets, ", "), where),
		append(append([]any{}, w.Values...), args...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected, nil
}

func (g *Gateway) deleteWhere(ctx context.Context, exec rdb.Executor, tc *TxContext, extra ...query.Query) error {
	d := exec.Dialect()
	where, args, err := translate.Where(d, tc.Table, nil, tc.ServerFilter, extra...)
	if err != nil {
		return err
	}
	_, err = exec.Exec(ctx, fmt.Sprintf("DELETE FROM %s%s", d.Quote(tc.Table.Name), where), args...)
	return err
}

// matchKeys 满足条件的记录的标识
func (g *Gateway) matchKeys(ctx context.Context, exec rdb.Executor, tc *TxContext, filter *query.FilterSpec) ([]Key, error) {
	d := exec.Dialect()
	where, args, err := translate.Where(d, tc.Table, filter, tc.ServerFilter)
	if err != nil {
		return nil, err
	}
	cols := make([]string, len(tc.IDFields))
	for i, f := range tc.IDFields {
		cols[i] = d.Quote(f.Name)
	}
	rows, err := exec.Query(ctx, fmt.Sprintf("SELECT %s FROM %s%s", strings.Join(cols, ", "), d.Quote(tc.Table.Name), where), args...)
	if err != nil {
		return nil, err
	}
	keys := make([]Key, len(rows))
	for i, row := range rows {
		keys[i] = rowKey(tc.IDFields, row)
	}
	return keys, nil
}

// reconcile 依次收敛记录中的关系数据
func (g *Gateway) reconcile(ctx context.Context, exec rdb.Executor, tc *TxContext, w *translate.WriteSet, parent *rdb.Record) error {
	for _, p := range w.Relations {
		rel := p.Relation
		if err := g.guard.Allow(rel.RelatedTable, OpUpdate); err != nil {
			return err
		}
		if err := g.auth.Authorize(ctx, tc.Operation.Verb(), rel.RelatedTable); err != nil {
			return err
		}
		if rel.Kind == schema.ManyToMany {
			if err := g.guard.Allow(rel.JoinTable, OpUpdate); err != nil {
				return err
			}
		}
		opts := relation.Options{AllowRelatedDelete: tc.AllowRelatedDelete, Write: tc.writeContext(g)}
		if err := g.reconciler.Reconcile(ctx, exec, tc.Table, parent.Value(rel.LocalField), rel, p.Records, opts); err != nil {
			return err
		}
	}
	return nil
}

func relationFields(w *translate.WriteSet) []string {
	out := make([]string, len(w.Relations))
	for i, p := range w.Relations {
		out[i] = p.Relation.LocalField
	}
	return out
}
