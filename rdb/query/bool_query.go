package query

import (
	"strings"
)

// BoolQuery 布尔查询
// Must 与 Filter 中的条件以 AND 连接，Should 以 OR 连接，MustNot 取反
type BoolQuery struct {
	Must    []Query `json:"must,omitempty"`
	Should  []Query `json:"should,omitempty"`
	MustNot []Query `json:"must_not,omitempty"`
	Filter  []Query `json:"filter,omitempty"`
}

func (q *BoolQuery) Type() QueryType {
	return QueryTypeBool
}

func (q *BoolQuery) ToSQL(quoter Quoter) (string, []any, error) {
	var conditions []string
	var args []any

	for _, group := range [][]Query{q.Must, q.Filter} {
		for _, sub := range group {
			sql, subArgs, err := sub.ToSQL(quoter)
			if err != nil {
				return "", nil, err
			}
			conditions = append(conditions, "("+sql+")")
			args = append(args, subArgs...)
		}
	}

	if len(q.Should) > 0 {
		should := make([]string, 0, len(q.Should))
		for _, sub := range q.Should {
			sql, subArgs, err := sub.ToSQL(quoter)
			if err != nil {
				return "", nil, err
			}
			should = append(should, "("+sql+")")
			args = append(args, subArgs...)
		}
		if len(should) == 1 {
			conditions = append(conditions, should[0])
		} else {
			conditions = append(conditions, "("+strings.Join(should, " OR ")+")")
		}
	}

	for _, sub := range q.MustNot {
		sql, subArgs, err := sub.ToSQL(quoter)
		if err != nil {
			return "", nil, err
		}
		conditions = append(conditions, "NOT ("+sql+")")
		args = append(args, subArgs...)
	}

	if len(conditions) == 0 {
		return "1=1", nil, nil
	}
	return strings.Join(conditions, " AND "), args, nil
}
