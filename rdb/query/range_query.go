package query

import (
	"strings"
)

// RangeQuery 范围查询，未设置的边界忽略
type RangeQuery struct {
	Field string `json:"field"`
	Gt    any    `json:"gt,omitempty"`
	Gte   any    `json:"gte,omitempty"`
	Lt    any    `json:"lt,omitempty"`
	Lte   any    `json:"lte,omitempty"`
}

func (q *RangeQuery) Type() QueryType {
	return QueryTypeRange
}

func (q *RangeQuery) ToSQL(quoter Quoter) (string, []any, error) {
	var conditions []string
	var args []any
	field := quoter.Quote(q.Field)

	add := func(op string, v any) {
		if v != nil {
			conditions = append(conditions, field+" "+op+" ?")
			args = append(args, v)
		}
	}
	add(">", q.Gt)
	add(">=", q.Gte)
	add("<", q.Lt)
	add("<=", q.Lte)

	switch len(conditions) {
	case 0:
		return "1=1", nil, nil
	case 1:
		return conditions[0], args, nil
	}
	return "(" + strings.Join(conditions, " AND ") + ")", args, nil
}
