package query

// MatchQuery LIKE 匹配，Value 作为完整的模式使用
type MatchQuery struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (q *MatchQuery) Type() QueryType {
	return QueryTypeMatch
}

func (q *MatchQuery) ToSQL(quoter Quoter) (string, []any, error) {
	return quoter.Quote(q.Field) + " LIKE ?", []any{q.Value}, nil
}

// PrefixQuery 前缀匹配
type PrefixQuery struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (q *PrefixQuery) Type() QueryType {
	return QueryTypePrefix
}

func (q *PrefixQuery) ToSQL(quoter Quoter) (string, []any, error) {
	return quoter.Quote(q.Field) + " LIKE ?", []any{q.Value + "%"}, nil
}

// SuffixQuery 后缀匹配
type SuffixQuery struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

func (q *SuffixQuery) Type() QueryType {
	return QueryTypeSuffix
}

func (q *SuffixQuery) ToSQL(quoter Quoter) (string, []any, error) {
	return quoter.Quote(q.Field) + " LIKE ?", []any{"%" + q.Value}, nil
}
