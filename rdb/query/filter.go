package query

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// UserIDPlaceholder 服务端过滤条件中代表当前用户的占位符
const UserIDPlaceholder = "{user_id}"

// Condition 结构化条件
type Condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    any    `json:"value,omitempty"`
}

// FilterSpec 过滤条件，Literal 与 Conditions 二选一
type FilterSpec struct {
	// 原生条件，支持 ? 与 :name 参数
	Literal string         `json:"literal,omitempty"`
	Params  []any          `json:"params,omitempty"`
	Named   map[string]any `json:"named,omitempty"`

	Conditions []Condition `json:"conditions,omitempty"`
	// and 或 or，默认 and
	Combine string `json:"combine,omitempty"`
}

func Literal(sql string, params ...any) *FilterSpec {
	return &FilterSpec{Literal: sql, Params: params}
}

func Conditions(conditions ...Condition) *FilterSpec {
	return &FilterSpec{Conditions: conditions}
}

func (f *FilterSpec) IsEmpty() bool {
	return f == nil || (strings.TrimSpace(f.Literal) == "" && len(f.Conditions) == 0)
}

// ParseFilter 解析请求中的 filter 参数
// 以 [ 或 { 开头时按结构化条件解析，否则作为原生条件
func ParseFilter(s string) (*FilterSpec, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	switch s[0] {
	case '[':
		var conditions []Condition
		if err := json.Unmarshal([]byte(s), &conditions); err != nil {
			return nil, errors.Wrap(err, "invalid filter conditions")
		}
		return &FilterSpec{Conditions: conditions}, nil
	case '{':
		var spec FilterSpec
		if err := json.Unmarshal([]byte(s), &spec); err != nil {
			return nil, errors.Wrap(err, "invalid filter")
		}
		return &spec, nil
	}
	return &FilterSpec{Literal: s}, nil
}

// BindUser 替换 {user_id} 占位符，返回新的过滤条件
func (f *FilterSpec) BindUser(userID any) *FilterSpec {
	if f == nil {
		return nil
	}
	out := &FilterSpec{Combine: f.Combine, Params: f.Params}
	if strings.Contains(f.Literal, UserIDPlaceholder) {
		out.Named = make(map[string]any, len(f.Named)+1)
		for k, v := range f.Named {
			out.Named[k] = v
		}
		out.Named["current_user_id"] = userID
		out.Literal = strings.ReplaceAll(f.Literal, UserIDPlaceholder, ":current_user_id")
	} else {
		out.Literal = f.Literal
		out.Named = f.Named
	}
	for _, c := range f.Conditions {
		if s, ok := c.Value.(string); ok && s == UserIDPlaceholder {
			c.Value = userID
		}
		out.Conditions = append(out.Conditions, c)
	}
	return out
}

// FieldFunc 校验字段并转换条件值
type FieldFunc func(field string, value any) (any, error)

// ToQuery 将过滤条件转换为查询节点
func (f *FilterSpec) ToQuery(fn FieldFunc) (Query, error) {
	if f.IsEmpty() {
		return nil, nil
	}
	if strings.TrimSpace(f.Literal) != "" {
		if len(f.Conditions) > 0 {
			return nil, errors.New("literal filter cannot be combined with conditions")
		}
		return ParseLiteral(f.Literal, f.Params, f.Named)
	}

	queries := make([]Query, 0, len(f.Conditions))
	for _, c := range f.Conditions {
		q, err := c.ToQuery(fn)
		if err != nil {
			return nil, err
		}
		queries = append(queries, q)
	}
	if len(queries) == 1 {
		return queries[0], nil
	}

	switch strings.ToLower(f.Combine) {
	case "", "and":
		return &BoolQuery{Must: queries}, nil
	case "or":
		return &BoolQuery{Should: queries}, nil
	}
	return nil, errors.Errorf("invalid combine %q", f.Combine)
}

// NormalizeOperator 统一大小写与空白
func NormalizeOperator(op string) string {
	return strings.Join(strings.Fields(strings.ToLower(op)), " ")
}

func (c Condition) ToQuery(fn FieldFunc) (Query, error) {
	if fn == nil {
		fn = func(_ string, v any) (any, error) { return v, nil }
	}
	value := func(v any) (any, error) {
		out, err := fn(c.Field, v)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %s", c.Field)
		}
		return out, nil
	}
	if _, err := fn(c.Field, nil); err != nil {
		return nil, err
	}

	switch NormalizeOperator(c.Operator) {
	case "=", "eq", "":
		if c.Value == nil {
			return &NullQuery{Field: c.Field}, nil
		}
		v, err := value(c.Value)
		if err != nil {
			return nil, err
		}
		return &TermQuery{Field: c.Field, Value: v}, nil
	case "!=", "<>", "ne":
		if c.Value == nil {
			return &ExistsQuery{Field: c.Field}, nil
		}
		v, err := value(c.Value)
		if err != nil {
			return nil, err
		}
		return &TermQuery{Field: c.Field, Value: v, Not: true}, nil
	case ">", "gt", ">=", "ge", "gte", "<", "lt", "<=", "le", "lte":
		v, err := value(c.Value)
		if err != nil {
			return nil, err
		}
		if v == nil {
			return nil, errors.Errorf("operator %s on field %s requires a value", c.Operator, c.Field)
		}
		q := &RangeQuery{Field: c.Field}
		switch NormalizeOperator(c.Operator) {
		case ">", "gt":
			q.Gt = v
		case ">=", "ge", "gte":
			q.Gte = v
		case "<", "lt":
			q.Lt = v
		default:
			q.Lte = v
		}
		return q, nil
	case "in", "not in":
		values, err := list(c.Value)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %s", c.Field)
		}
		for i := range values {
			if values[i], err = value(values[i]); err != nil {
				return nil, err
			}
		}
		return &TermsQuery{Field: c.Field, Values: values, Not: NormalizeOperator(c.Operator) == "not in"}, nil
	case "between":
		values, err := list(c.Value)
		if err != nil {
			return nil, errors.WithMessagef(err, "field %s", c.Field)
		}
		if len(values) != 2 {
			return nil, errors.Errorf("between on field %s requires exactly two values", c.Field)
		}
		lo, err := value(values[0])
		if err != nil {
			return nil, err
		}
		hi, err := value(values[1])
		if err != nil {
			return nil, err
		}
		return &RangeQuery{Field: c.Field, Gte: lo, Lte: hi}, nil
	case "like":
		return &MatchQuery{Field: c.Field, Value: text(c.Value)}, nil
	case "contains":
		return &MatchQuery{Field: c.Field, Value: "%" + text(c.Value) + "%"}, nil
	case "starts with":
		return &PrefixQuery{Field: c.Field, Value: text(c.Value)}, nil
	case "ends with":
		return &SuffixQuery{Field: c.Field, Value: text(c.Value)}, nil
	case "is null":
		return &NullQuery{Field: c.Field}, nil
	case "is not null":
		return &ExistsQuery{Field: c.Field}, nil
	}
	return nil, errors.Errorf("unsupported operator %q", c.Operator)
}

// list 支持数组与逗号分隔的字符串
func list(v any) ([]any, error) {
	switch x := v.(type) {
	case []any:
		return append([]any(nil), x...), nil
	case []string:
		out := make([]any, len(x))
		for i := range x {
			out[i] = x[i]
		}
		return out, nil
	case string:
		parts := strings.Split(strings.Trim(strings.TrimSpace(x), "()"), ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, strings.Trim(p, "'"))
			}
		}
		return out, nil
	case nil:
		return nil, errors.New("value list is required")
	}
	return nil, errors.Errorf("expect a list, got %T", v)
}

func text(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}
