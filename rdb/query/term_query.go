package query

import (
	"strings"

	"github.com/pkg/errors"
)

// TermQuery 精确匹配，Not 为 true 时表示不等
type TermQuery struct {
	Field string `json:"field"`
	Value any    `json:"value"`
	Not   bool   `json:"not,omitempty"`
}

func (q *TermQuery) Type() QueryType {
	return QueryTypeTerm
}

func (q *TermQuery) ToSQL(quoter Quoter) (string, []any, error) {
	op := " = ?"
	if q.Not {
		op = " <> ?"
	}
	return quoter.Quote(q.Field) + op, []any{q.Value}, nil
}

// TermsQuery 集合匹配（IN / NOT IN）
type TermsQuery struct {
	Field  string `json:"field"`
	Values []any  `json:"values"`
	Not    bool   `json:"not,omitempty"`
}

func (q *TermsQuery) Type() QueryType {
	return QueryTypeTerms
}

func (q *TermsQuery) ToSQL(quoter Quoter) (string, []any, error) {
	if len(q.Values) == 0 {
		if q.Not {
			return "1=1", nil, nil
		}
		return "1=0", nil, nil
	}
	for _, v := range q.Values {
		if v == nil {
			return "", nil, errors.Errorf("null value in set for field %s", q.Field)
		}
	}

	op := " IN ("
	if q.Not {
		op = " NOT IN ("
	}
	placeholders := strings.Repeat("?, ", len(q.Values)-1) + "?"
	args := make([]any, len(q.Values))
	copy(args, q.Values)
	return quoter.Quote(q.Field) + op + placeholders + ")", args, nil
}
