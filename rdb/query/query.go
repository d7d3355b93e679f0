package query

// QueryType 查询类型
type QueryType string

const (
	QueryTypeBool   QueryType = "bool"
	QueryTypeTerm   QueryType = "term"
	QueryTypeTerms  QueryType = "terms"
	QueryTypeMatch  QueryType = "match"
	QueryTypeRange  QueryType = "range"
	QueryTypeExists QueryType = "exists"
	QueryTypeNull   QueryType = "null"
	QueryTypePrefix QueryType = "prefix"
	QueryTypeSuffix QueryType = "suffix"
	QueryTypeRaw    QueryType = "raw"
)

// Quoter 负责引用字段名，由数据库方言实现
type Quoter interface {
	Quote(ident string) string
}

// Query 查询节点接口，ToSQL 生成以 ? 为占位符的条件
type Query interface {
	Type() QueryType
	ToSQL(q Quoter) (string, []any, error)
}

// And 组合多个条件，nil 条件被忽略
func And(queries ...Query) Query {
	var must []Query
	for _, q := range queries {
		if q != nil {
			must = append(must, q)
		}
	}
	switch len(must) {
	case 0:
		return nil
	case 1:
		return must[0]
	}
	return &BoolQuery{Must: must}
}

// Where 生成 WHERE 子句，q 为空时返回空串
func Where(quoter Quoter, q Query) (string, []any, error) {
	if q == nil {
		return "", nil, nil
	}
	sql, args, err := q.ToSQL(quoter)
	if err != nil {
		return "", nil, err
	}
	return " WHERE " + sql, args, nil
}
