package relation

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/schema"
	"github.com/hatlonely/sqlgate/translate"
)

// InsertRecord 插入单条记录并返回主键
// 自增主键依次取 RETURNING、LastInsertId，其余主键取自写入内容
func InsertRecord(ctx context.Context, exec rdb.Executor, ts *schema.TableSchema, w *translate.WriteSet) (*rdb.Record, error) {
	d := exec.Dialect()
	pkFields := ts.PrimaryFields()

	var auto *schema.FieldInfo
	for _, f := range pkFields {
		if f.AutoGenerated {
			auto = f
		}
	}

	stmt := insertStatement(d, ts.Name, w.Columns, 1)
	key := rdb.NewRecord()

	if auto != nil && d.SupportsReturning() {
		res, err := exec.ExecReturning(ctx, stmt+" RETURNING "+d.Quote(auto.Name), w.Values...)
		if err != nil {
			return nil, err
		}
		if len(res.Returned) == 0 {
			return nil, errs.Internal(nil, "insert into %s returned no key", ts.Name)
		}
		key.Set(auto.Name, res.Returned[0].Value(auto.Name))
	} else {
		res, err := exec.Exec(ctx, stmt, w.Values...)
		if err != nil {
			return nil, err
		}
		if auto != nil {
			key.Set(auto.Name, res.LastInsertID)
		}
	}

	for _, f := range pkFields {
		if key.Has(f.Name) {
			continue
		}
		v, ok := w.Value(f.Name)
		if !ok || v == nil {
			return nil, errs.BadRequest("Identifying field '%s' can not be empty for record in table '%s'.", f.Name, ts.Name)
		}
		key.Set(f.Name, v)
	}
	return key, nil
}

// insertStatement 生成多行 INSERT
func insertStatement(d *rdb.Dialect, table string, columns []string, rows int) string {
	if len(columns) == 0 {
		if d.Name == rdb.MySQL {
			return "INSERT INTO " + d.Quote(table) + " () VALUES ()"
		}
		return "INSERT INTO " + d.Quote(table) + " DEFAULT VALUES"
	}
	cols := make([]string, len(columns))
	for i, c := range columns {
		cols[i] = d.Quote(c)
	}
	tuple := "(" + rdb.Placeholders(len(columns)) + ")"
	tuples := make([]string, rows)
	for i := range tuples {
		tuples[i] = tuple
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES %s", d.Quote(table), strings.Join(cols, ", "), strings.Join(tuples, ", "))
}

// insertMany 按列集合分组，每组一条多行 INSERT
func insertMany(ctx context.Context, exec rdb.Executor, table string, sets []*translate.WriteSet) error {
	groups := map[string][]*translate.WriteSet{}
	var order []string
	for _, w := range sets {
		sig := strings.Join(w.Columns, ",")
		if _, ok := groups[sig]; !ok {
			order = append(order, sig)
		}
		groups[sig] = append(groups[sig], w)
	}

	d := exec.Dialect()
	for _, sig := range order {
		group := groups[sig]
		var args []any
		for _, w := range group {
			args = append(args, w.Values...)
		}
		if _, err := exec.Exec(ctx, insertStatement(d, table, group[0].Columns, len(group)), args...); err != nil {
			return err
		}
	}
	return nil
}

// keyedUpdate 一条语句更新多行，每列用 CASE 按主键取值
type keyedUpdate struct {
	key   any
	write *translate.WriteSet
}

func updateByCase(ctx context.Context, exec rdb.Executor, table, pk string, updates []keyedUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	d := exec.Dialect()

	var columns []string
	seen := map[string]bool{}
	for _, u := range updates {
		for _, c := range u.write.Columns {
			if !seen[c] {
				seen[c] = true
				columns = append(columns, c)
			}
		}
	}
	sort.Strings(columns)

	var sets []string
	var args []any
	for _, c := range columns {
		var sb strings.Builder
		sb.WriteString(d.Quote(c) + " = CASE " + d.Quote(pk))
		for _, u := range updates {
			if v, ok := u.write.Value(c); ok {
				sb.WriteString(" WHEN ? THEN ?")
				args = append(args, u.key, v)
			}
		}
		sb.WriteString(" ELSE " + d.Quote(c) + " END")
		sets = append(sets, sb.String())
	}

	keys := make([]any, len(updates))
	for i, u := range updates {
		keys[i] = u.key
	}
	args = append(args, keys...)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s IN (%s)", d.Quote(table), strings.Join(sets, ", "), d.Quote(pk), rdb.Placeholders(len(keys)))
	_, err := exec.Exec(ctx, stmt, args...)
	return err
}

// setByKeys UPDATE table SET column = value WHERE pk IN (...)
func setByKeys(ctx context.Context, exec rdb.Executor, table, pk, column string, value any, keys []any) error {
	if len(keys) == 0 {
		return nil
	}
	d := exec.Dialect()
	var stmt string
	var args []any
	if value == nil {
		stmt = fmt.Sprintf("UPDATE %s SET %s = NULL WHERE %s IN (%s)", d.Quote(table), d.Quote(column), d.Quote(pk), rdb.Placeholders(len(keys)))
	} else {
		stmt = fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s IN (%s)", d.Quote(table), d.Quote(column), d.Quote(pk), rdb.Placeholders(len(keys)))
		args = append(args, value)
	}
	_, err := exec.Exec(ctx, stmt, append(args, keys...)...)
	return err
}

func deleteByKeys(ctx context.Context, exec rdb.Executor, table, pk string, keys []any) error {
	if len(keys) == 0 {
		return nil
	}
	d := exec.Dialect()
	stmt := fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s)", d.Quote(table), d.Quote(pk), rdb.Placeholders(len(keys)))
	_, err := exec.Exec(ctx, stmt, keys...)
	return err
}

// keyString 用于比较来自驱动与请求的主键值
func keyString(v any) string {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(v)
}
