package query

// ExistsQuery 字段非空
type ExistsQuery struct {
	Field string `json:"field"`
}

func (q *ExistsQuery) Type() QueryType {
	return QueryTypeExists
}

func (q *ExistsQuery) ToSQL(quoter Quoter) (string, []any, error) {
	return quoter.Quote(q.Field) + " IS NOT NULL", nil, nil
}

// NullQuery 字段为空
type NullQuery struct {
	Field string `json:"field"`
}

func (q *NullQuery) Type() QueryType {
	return QueryTypeNull
}

func (q *NullQuery) ToSQL(quoter Quoter) (string, []any, error) {
	return quoter.Quote(q.Field) + " IS NULL", nil, nil
}
