package relation

import (
	"context"
	"fmt"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/log"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/schema"
	"github.com/hatlonely/sqlgate/translate"
)

// SchemaSource 提供关联表的结构
type SchemaSource interface {
	Describe(ctx context.Context, table string) (*schema.TableSchema, error)
}

type Options struct {
	// 外键不可为空时，允许删除从关系中移除的子记录
	AllowRelatedDelete bool
	Write              translate.WriteContext
}

// Reconciler 把关系数据收敛到数据库中的关联状态
type Reconciler struct {
	schemas SchemaSource
	logger  logger.Logger
}

func NewReconciler(schemas SchemaSource, l logger.Logger) *Reconciler {
	if l == nil {
		l = log.Default()
	}
	return &Reconciler{schemas: schemas, logger: l.WithGroup("relation")}
}

// Reconcile parentKey 是父记录中 rel.LocalField 的值
func (r *Reconciler) Reconcile(ctx context.Context, exec rdb.Executor, parent *schema.TableSchema, parentKey any, rel *schema.RelationInfo, payload []any, opts Options) error {
	if parentKey == nil {
		return errs.BadRequest("Relationship '%s' requires a value for field '%s'.", rel.Name, rel.LocalField)
	}
	switch rel.Kind {
	case schema.HasMany:
		return r.hasMany(ctx, exec, parentKey, rel, payload, opts)
	case schema.ManyToMany:
		return r.manyToMany(ctx, exec, parent, parentKey, rel, payload, opts)
	case schema.BelongsTo:
		return nil
	}
	return errs.BadRequest("Unsupported relationship type '%s'.", rel.Kind)
}

func (r *Reconciler) child(ctx context.Context, table string) (*schema.TableSchema, *schema.FieldInfo, error) {
	cs, err := r.schemas.Describe(ctx, table)
	if err != nil {
		return nil, nil, err
	}
	if len(cs.PrimaryKey) != 1 {
		return nil, nil, errs.BadRequest("Relationship updates require a single primary key on table '%s'.", table)
	}
	return cs, cs.Field(cs.PrimaryKey[0]), nil
}

// entry 关系数据中的一条子记录
type entry struct {
	record *rdb.Record
	key    any
}

func parseEntries(rel *schema.RelationInfo, pk *schema.FieldInfo, payload []any) ([]entry, error) {
	entries := make([]entry, 0, len(payload))
	for i, item := range payload {
		rec, ok := item.(*rdb.Record)
		if !ok {
			switch item.(type) {
			case nil, []any, map[string]any:
				return nil, errs.BadRequest("Relationship '%s' entry %d must be an object or an identifier.", rel.Name, i)
			}
			// 只有标识的条目等价于只含主键的记录
			key, err := translate.ParseKeyValue(pk, item)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry{key: key, record: rdb.RecordOf(pk.Name, key)})
			continue
		}
		e := entry{record: rec}
		if v, ok := rec.Get(pk.Name); ok && v != nil {
			key, err := translate.ParseKeyValue(pk, v)
			if err != nil {
				return nil, err
			}
			e.key = key
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// hasMany 当前子记录与请求数据的差异分为六类，每类一条语句
func (r *Reconciler) hasMany(ctx context.Context, exec rdb.Executor, parentKey any, rel *schema.RelationInfo, payload []any, opts Options) error {
	cs, pk, err := r.child(ctx, rel.RelatedTable)
	if err != nil {
		return err
	}
	fk := cs.Field(rel.ForeignField)
	if fk == nil {
		return errs.BadRequest("Relationship '%s' references missing field '%s'.", rel.Name, rel.ForeignField)
	}
	entries, err := parseEntries(rel, pk, payload)
	if err != nil {
		return err
	}

	d := exec.Dialect()
	current, err := exec.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?",
		d.Quote(pk.Name), d.Quote(cs.Name), d.Quote(fk.Name)), parentKey)
	if err != nil {
		return err
	}

	deleteRelated := !fk.Nullable && opts.AllowRelatedDelete
	// 外键不可为空又不允许删除时，无法把子记录移出关系
	nullable := func(key any) error {
		if !fk.Nullable && !opts.AllowRelatedDelete {
			return errs.BadRequest("Relationship '%s' can not be removed for record '%v' because field '%s' can not be NULL and related delete is not allowed.",
				rel.Name, key, fk.Name)
		}
		return nil
	}

	var (
		creates  []*translate.WriteSet
		deletes  []any
		disowns  []any
		relates  []any
		updates  []keyedUpdate
		mentions = map[string]bool{}
	)

	for _, e := range entries {
		if e.key == nil {
			rec := e.record.Clone()
			rec.Set(fk.Name, parentKey)
			w, err := translate.ParseWrite(cs, rec, translate.ModeCreate, opts.Write)
			if err != nil {
				return err
			}
			creates = append(creates, w)
			continue
		}
		mentions[keyString(e.key)] = true

		fkValue, hasFK := e.record.Get(fk.Name)
		nullFK := hasFK && fkValue == nil

		rec := e.record.Clone()
		rec.Delete(fk.Name)
		others := hasOtherFields(cs, rec, pk.Name)
		w := &translate.WriteSet{}
		if others {
			if w, err = translate.ParseWrite(cs, rec, translate.ModeUpdate, opts.Write); err != nil {
				return err
			}
		}

		switch {
		case nullFK && deleteRelated:
			deletes = append(deletes, e.key)
		case nullFK:
			if err := nullable(e.key); err != nil {
				return err
			}
			if others {
				updates = append(updates, keyedUpdate{key: e.key, write: setColumn(w, fk.Name, nil)})
			} else {
				disowns = append(disowns, e.key)
			}
		case others:
			updates = append(updates, keyedUpdate{key: e.key, write: setColumn(w, fk.Name, parentKey)})
		default:
			relates = append(relates, e.key)
		}
	}

	// 请求中未出现的现有子记录视为显式置空
	for _, row := range current {
		key := row.Value(pk.Name)
		if mentions[keyString(key)] {
			continue
		}
		if deleteRelated {
			deletes = append(deletes, key)
			continue
		}
		if err := nullable(key); err != nil {
			return err
		}
		disowns = append(disowns, key)
	}

	if err := deleteByKeys(ctx, exec, cs.Name, pk.Name, deletes); err != nil {
		return err
	}
	if err := setByKeys(ctx, exec, cs.Name, pk.Name, fk.Name, nil, disowns); err != nil {
		return err
	}
	if err := updateByCase(ctx, exec, cs.Name, pk.Name, updates); err != nil {
		return err
	}
	if err := setByKeys(ctx, exec, cs.Name, pk.Name, fk.Name, parentKey, relates); err != nil {
		return err
	}
	if err := insertMany(ctx, exec, cs.Name, creates); err != nil {
		return err
	}

	r.logger.DebugContext(ctx, "has_many reconciled", "relation", rel.Name,
		"create", len(creates), "delete", len(deletes), "disown", len(disowns),
		"update", len(updates), "relate", len(relates))
	return nil
}

// manyToMany 只维护中间表，关联表的记录不会被删除
func (r *Reconciler) manyToMany(ctx context.Context, exec rdb.Executor, parent *schema.TableSchema, parentKey any, rel *schema.RelationInfo, payload []any, opts Options) error {
	rs, _, err := r.child(ctx, rel.RelatedTable)
	if err != nil {
		return err
	}
	ref := rs.Field(rel.ForeignField)
	if ref == nil {
		return errs.BadRequest("Relationship '%s' references missing field '%s'.", rel.Name, rel.ForeignField)
	}
	entries, err := parseEntries(rel, ref, payload)
	if err != nil {
		return err
	}

	d := exec.Dialect()
	join, local, foreign := d.Quote(rel.JoinTable), d.Quote(rel.JoinLocalField), d.Quote(rel.JoinForeignField)
	rows, err := exec.Query(ctx, fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", foreign, join, local), parentKey)
	if err != nil {
		return err
	}
	linked := map[string]bool{}
	for _, row := range rows {
		linked[keyString(row.Value(rel.JoinForeignField))] = true
	}

	markers := []string{parent.Name + "." + rel.LocalField, rel.JoinTable}
	var links, unlinks []any
	var updates []keyedUpdate
	created := 0

	for _, e := range entries {
		if e.key == nil {
			w, err := translate.ParseWrite(rs, e.record, translate.ModeCreate, opts.Write)
			if err != nil {
				return err
			}
			key, err := InsertRecord(ctx, exec, rs, w)
			if err != nil {
				return err
			}
			v := key.Value(ref.Name)
			if v == nil {
				v, _ = w.Value(ref.Name)
			}
			if v == nil {
				return errs.BadRequest("Relationship '%s' can not link a record without field '%s'.", rel.Name, ref.Name)
			}
			links = append(links, v)
			created++
			continue
		}

		if removal(e.record, markers) {
			if linked[keyString(e.key)] {
				unlinks = append(unlinks, e.key)
				linked[keyString(e.key)] = false
			}
			continue
		}

		rec := stripMarkers(e.record, markers)
		if hasOtherFields(rs, rec, ref.Name) {
			w, err := translate.ParseWrite(rs, rec, translate.ModeUpdate, opts.Write)
			if err != nil {
				return err
			}
			updates = append(updates, keyedUpdate{key: e.key, write: withoutColumn(w, ref.Name)})
		}
		if !linked[keyString(e.key)] {
			links = append(links, e.key)
			linked[keyString(e.key)] = true
		}
	}

	if err := updateByCase(ctx, exec, rs.Name, ref.Name, updates); err != nil {
		return err
	}
	if len(unlinks) > 0 {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ? AND %s IN (%s)", join, local, foreign, rdb.Placeholders(len(unlinks)))
		if _, err := exec.Exec(ctx, stmt, append([]any{parentKey}, unlinks...)...); err != nil {
			return err
		}
	}
	if len(links) > 0 {
		sets := make([]*translate.WriteSet, len(links))
		for i, v := range links {
			sets[i] = &translate.WriteSet{
				Columns: []string{rel.JoinLocalField, rel.JoinForeignField},
				Values:  []any{parentKey, v},
			}
		}
		if err := insertMany(ctx, exec, rel.JoinTable, sets); err != nil {
			return err
		}
	}

	r.logger.DebugContext(ctx, "many_to_many reconciled", "relation", rel.Name,
		"create", created, "link", len(links), "unlink", len(unlinks), "update", len(updates))
	return nil
}

// removal 条目带有值为 null 的 <父表>.<字段> 或 <中间表> 时表示解除关联
func removal(rec *rdb.Record, markers []string) bool {
	for _, m := range markers {
		if v, ok := rec.Get(m); ok && v == nil {
			return true
		}
	}
	return false
}

func stripMarkers(rec *rdb.Record, markers []string) *rdb.Record {
	out := rec.Clone()
	for _, m := range markers {
		out.Delete(m)
	}
	return out
}

// hasOtherFields 条目中除 key 以外是否还有表字段
func hasOtherFields(ts *schema.TableSchema, rec *rdb.Record, key string) bool {
	found := false
	rec.Range(func(k string, _ any) bool {
		if k != key && ts.HasField(k) {
			found = true
			return false
		}
		return true
	})
	return found
}

func setColumn(w *translate.WriteSet, column string, value any) *translate.WriteSet {
	out := withoutColumn(w, column)
	out.Columns = append(out.Columns, column)
	out.Values = append(out.Values, value)
	return out
}

func withoutColumn(w *translate.WriteSet, column string) *translate.WriteSet {
	out := &translate.WriteSet{Relations: w.Relations}
	for i, c := range w.Columns {
		if c != column {
			out.Columns = append(out.Columns, c)
			out.Values = append(out.Values, w.Values[i])
		}
	}
	return out
}
