package query

import (
	"strings"

	"github.com/pkg/errors"
)

// RawQuery 原生条件片段，输出时加括号
type RawQuery struct {
	SQL  string
	Args []any
}

func (q *RawQuery) Type() QueryType {
	return QueryTypeRaw
}

func (q *RawQuery) ToSQL(Quoter) (string, []any, error) {
	return "(" + q.SQL + ")", q.Args, nil
}

var ErrUnsafeLiteral = errors.New("filter must not contain statement separators or comments")

var ErrUnbalancedLiteral = errors.New("filter has unbalanced parentheses")

// ParseLiteral 校验原生条件并绑定参数
// ? 依次消费 positional，:name 从 named 中取值，:: 类型转换与引号内的内容原样保留
// 条件会和服务端条件用 AND 组合，括号必须配对，否则调用方可以提前闭合外层括号
// 引号内不允许反斜杠，MySQL 会把 \' 当作转义
func ParseLiteral(sql string, positional []any, named map[string]any) (*RawQuery, error) {
	var sb strings.Builder
	var args []any
	next := 0
	depth := 0
	var inQuote byte

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		if inQuote != 0 {
			if c == '\\' {
				return nil, errors.New("backslash is not allowed in quoted filter text")
			}
			sb.WriteByte(c)
			if c == inQuote {
				inQuote = 0
			}
			continue
		}

		switch {
		case c == '\'' || c == '"' || c == '`':
			inQuote = c
		case c == '(':
			depth++
		case c == ')':
			if depth--; depth < 0 {
				return nil, ErrUnbalancedLiteral
			}
		case c == ';':
			return nil, ErrUnsafeLiteral
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			return nil, ErrUnsafeLiteral
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			return nil, ErrUnsafeLiteral
		case c == '?':
			if next >= len(positional) {
				return nil, errors.Errorf("missing value for positional parameter %d", next+1)
			}
			args = append(args, positional[next])
			next++
		case c == ':' && i+1 < len(sql) && sql[i+1] == ':':
			sb.WriteString("::")
			i++
			continue
		case c == ':' && i+1 < len(sql) && isNameStart(sql[i+1]):
			j := i + 1
			for j < len(sql) && isNameChar(sql[j]) {
				j++
			}
			name := sql[i+1 : j]
			v, ok := named[name]
			if !ok {
				return nil, errors.Errorf("missing value for parameter :%s", name)
			}
			args = append(args, v)
			sb.WriteByte('?')
			i = j - 1
			continue
		}
		sb.WriteByte(c)
	}

	if inQuote != 0 {
		return nil, errors.New("unterminated quoted string in filter")
	}
	if depth != 0 {
		return nil, ErrUnbalancedLiteral
	}
	if next < len(positional) {
		return nil, errors.Errorf("too many positional parameters: %d given, %d used", len(positional), next)
	}
	return &RawQuery{SQL: strings.TrimSpace(sb.String()), Args: args}, nil
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
