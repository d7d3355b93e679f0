package translate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/schema"
)

var validate = validator.New()

// Mode 写入模式
type Mode int

const (
	ModeCreate Mode = iota
	ModeUpdate
)

// RelationPayload 记录中随写入一起提交的关系数据
type RelationPayload struct {
	Relation *schema.RelationInfo
	Records  []any
}

// WriteSet 解析后的写入内容，列与值一一对应
type WriteSet struct {
	Columns   []string
	Values    []any
	Relations []RelationPayload
}

func (w *WriteSet) Empty() bool {
	return len(w.Columns) == 0
}

// Value 返回列的值
func (w *WriteSet) Value(column string) (any, bool) {
	for i, c := range w.Columns {
		if c == column {
			return w.Values[i], true
		}
	}
	return nil, false
}

func (w *WriteSet) set(column string, value any) {
	for i, c := range w.Columns {
		if c == column {
			w.Values[i] = value
			return
		}
	}
	w.Columns = append(w.Columns, column)
	w.Values = append(w.Values, value)
}

// WriteContext 写入时自动填充字段所需的上下文
type WriteContext struct {
	UserID any
	Now    time.Time
}

// ParseWrite 按表结构解析写入的记录
// 自增字段与更新时的主键被跳过，未知字段与未声明的关系被忽略
func ParseWrite(ts *schema.TableSchema, in *rdb.Record, mode Mode, wc WriteContext) (*WriteSet, error) {
	if in == nil {
		in = rdb.NewRecord()
	}
	if wc.Now.IsZero() {
		wc.Now = time.Now()
	}

	w := &WriteSet{}
	for _, f := range ts.Fields {
		if f.AutoGenerated || (mode == ModeUpdate && f.PrimaryKey) {
			continue
		}

		raw, present := in.Get(f.Name)
		if present && !autoFilled(f.LogicalType) {
			v, err := parseValue(f, raw)
			if err != nil {
				return nil, err
			}
			if v == nil && !f.Nullable {
				return nil, errs.BadRequest("Field '%s' can not be NULL.", f.Name)
			}
			if v != nil && f.ValidationRules != "" {
				if err := validate.Var(v, f.ValidationRules); err != nil {
					return nil, errs.BadRequest("Field '%s' value is invalid: %s", f.Name, validationMessage(err))
				}
			}
			w.set(f.Name, v)
		} else if !present && f.Required && mode == ModeCreate {
			return nil, errs.BadRequest("Required field '%s' can not be NULL.", f.Name)
		}

		switch f.LogicalType {
		case schema.TypeTimestampOnCreate:
			if mode == ModeCreate {
				w.set(f.Name, nowValue(f, wc.Now))
			}
		case schema.TypeTimestampOnUpdate:
			w.set(f.Name, nowValue(f, wc.Now))
		case schema.TypeUserIDOnCreate:
			if mode == ModeCreate && wc.UserID != nil {
				w.set(f.Name, wc.UserID)
			}
		case schema.TypeUserIDOnUpdate:
			if wc.UserID != nil {
				w.set(f.Name, wc.UserID)
			}
		}
	}

	in.Range(func(key string, value any) bool {
		if ts.HasField(key) {
			return true
		}
		rel := ts.Relation(key)
		if rel == nil || rel.Kind == schema.BelongsTo {
			return true
		}
		w.Relations = append(w.Relations, RelationPayload{Relation: rel, Records: asList(value)})
		return true
	})
	return w, nil
}

func autoFilled(lt schema.LogicalType) bool {
	switch lt {
	case schema.TypeTimestampOnCreate, schema.TypeTimestampOnUpdate, schema.TypeUserIDOnCreate, schema.TypeUserIDOnUpdate:
		return true
	}
	return false
}

func nowValue(f *schema.FieldInfo, now time.Time) string {
	return formatTime(f.LogicalType, now.UTC())
}

// asList 关系数据可以是单条记录或记录列表，null 视为空列表
func asList(v any) []any {
	switch x := v.(type) {
	case nil:
		return []any{}
	case []any:
		return x
	case []*rdb.Record:
		out := make([]any, len(x))
		for i, r := range x {
			out[i] = r
		}
		return out
	}
	return []any{v}
}

// ParseKeyValue 把路径或 ids 参数中的主键值转换为字段类型
func ParseKeyValue(f *schema.FieldInfo, v any) (any, error) {
	out, err := parseValue(f, v)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, errs.BadRequest("Identifying field '%s' can not be empty.", f.Name)
	}
	return out, nil
}

func parseValue(f *schema.FieldInfo, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch v.(type) {
	case *rdb.Record, []any, map[string]any:
		return nil, errs.BadRequest("Field '%s' must be a scalar value.", f.Name)
	}

	switch outputType(f) {
	case OutputInt:
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" && f.Nullable {
			return nil, nil
		}
		n, ok := toInt(v)
		if !ok {
			return nil, errs.BadRequest("Field '%s' must be a valid integer.", f.Name)
		}
		return n, nil
	case OutputFloat:
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" && f.Nullable {
			return nil, nil
		}
		x, ok := toFloat(v)
		if !ok {
			return nil, errs.BadRequest("Field '%s' must be a valid number.", f.Name)
		}
		return x, nil
	case OutputDecimal:
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" && f.Nullable {
			return nil, nil
		}
		s := fmt.Sprint(v)
		if n, ok := v.(json.Number); ok {
			s = n.String()
		}
		if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
			return nil, errs.BadRequest("Field '%s' must be a valid number.", f.Name)
		}
		return strings.TrimSpace(s), nil
	case OutputBool:
		b, ok := toBool(v)
		if !ok {
			return nil, errs.BadRequest("Field '%s' must be a valid boolean.", f.Name)
		}
		return b, nil
	}

	switch x := v.(type) {
	case json.Number:
		return x.String(), nil
	case time.Time:
		return formatTime(f.LogicalType, x), nil
	}
	return v, nil
}

func validationMessage(err error) string {
	if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
		e := verrs[0]
		if e.Param() != "" {
			return e.Tag() + "=" + e.Param()
		}
		return e.Tag()
	}
	return err.Error()
}
