package translate

import (
	"strings"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/rdb/query"
	"github.com/hatlonely/sqlgate/schema"
)

// FieldFunc 校验条件字段属于表，并按字段类型转换条件值
func FieldFunc(ts *schema.TableSchema) query.FieldFunc {
	return func(field string, value any) (any, error) {
		f := ts.Field(field)
		if f == nil {
			return nil, errs.BadRequest("Invalid field '%s' in filter for table '%s'.", field, ts.Name)
		}
		if value == nil {
			return nil, nil
		}
		switch outputType(f) {
		case OutputInt:
			if n, ok := toInt(value); ok {
				return n, nil
			}
		case OutputFloat:
			if x, ok := toFloat(value); ok {
				return x, nil
			}
		case OutputBool:
			if b, ok := toBool(value); ok {
				return b, nil
			}
		}
		return value, nil
	}
}

// Filter 把过滤条件转换为查询节点，非法条件一律为 BadRequest
func Filter(ts *schema.TableSchema, spec *query.FilterSpec) (query.Query, error) {
	q, err := spec.ToQuery(FieldFunc(ts))
	if err != nil {
		if e, ok := errs.As(err); ok {
			return nil, e
		}
		return nil, errs.BadRequest("Invalid filter: %s", err.Error())
	}
	return q, nil
}

// Where 调用方条件与服务端条件总是以 AND 组合
func Where(d *rdb.Dialect, ts *schema.TableSchema, caller, server *query.FilterSpec, extra ...query.Query) (string, []any, error) {
	callerQuery, err := Filter(ts, caller)
	if err != nil {
		return "", nil, err
	}
	serverQuery, err := Filter(ts, server)
	if err != nil {
		return "", nil, err
	}
	queries := append([]query.Query{callerQuery}, extra...)
	queries = append(queries, serverQuery)

	where, args, err := query.Where(d, query.And(queries...))
	if err != nil {
		return "", nil, errs.BadRequest("Invalid filter: %s", err.Error())
	}
	return where, args, nil
}

// Order 解析 "name desc, id" 形式的排序参数
func Order(d *rdb.Dialect, ts *schema.TableSchema, order string) (string, error) {
	order = strings.TrimSpace(order)
	if order == "" {
		return "", nil
	}

	var parts []string
	for _, item := range strings.Split(order, ",") {
		tokens := strings.Fields(item)
		if len(tokens) == 0 {
			continue
		}
		if len(tokens) > 2 {
			return "", errs.BadRequest("Invalid order clause '%s'.", strings.TrimSpace(item))
		}
		if !ts.HasField(tokens[0]) {
			return "", errs.BadRequest("Invalid field '%s' in order for table '%s'.", tokens[0], ts.Name)
		}
		part := d.Quote(tokens[0])
		if len(tokens) == 2 {
			switch strings.ToUpper(tokens[1]) {
			case "ASC":
				part += " ASC"
			case "DESC":
				part += " DESC"
			default:
				return "", errs.BadRequest("Invalid order direction '%s'.", tokens[1])
			}
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return "", nil
	}
	return " ORDER BY " + strings.Join(parts, ", "), nil
}

// Page 分页参数
type Page struct {
	Limit  int
	Offset int
	// 调用方未给出有效的 limit，结果被截断到上限
	NeedLimit bool
}

// NewPage limit 缺失、小于 1 或超过上限时使用上限
func NewPage(limit, offset, maxRecords int) Page {
	p := Page{Limit: limit, Offset: offset}
	if limit < 1 || limit > maxRecords {
		p.Limit = maxRecords
		p.NeedLimit = true
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

func (p Page) SQL() (string, []any) {
	if p.Offset > 0 {
		return " LIMIT ? OFFSET ?", []any{p.Limit, p.Offset}
	}
	return " LIMIT ?", []any{p.Limit}
}
