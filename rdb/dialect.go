package rdb

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

const (
	SQLite   = "sqlite"
	MySQL    = "mysql"
	Postgres = "postgres"
)

var identifierRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidIdentifier 表名、字段名只允许字母数字下划线
func ValidIdentifier(s string) bool {
	return s != "" && len(s) <= 128 && identifierRe.MatchString(s)
}

// Dialect 不同数据库在 SQL 语法上的差异
type Dialect struct {
	Name string

	quote     byte
	dollar    bool
	returning bool
}

var dialects = map[string]*Dialect{
	SQLite:   {Name: SQLite, quote: '"'},
	MySQL:    {Name: MySQL, quote: '`'},
	Postgres: {Name: Postgres, quote: '"', dollar: true, returning: true},
}

// DialectOf 根据驱动名获取方言
func DialectOf(driver string) (*Dialect, error) {
	switch driver {
	case "sqlite3", "sqlite":
		return dialects[SQLite], nil
	case "mysql":
		return dialects[MySQL], nil
	case "pgx", "postgres", "postgresql":
		return dialects[Postgres], nil
	}
	return nil, errors.Errorf("unsupported driver: %s", driver)
}

// Quote 引用标识符，标识符内的引号字符会被转义
func (d *Dialect) Quote(ident string) string {
	q := string(d.quote)
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

// QuoteColumn 形如 "table"."column"
func (d *Dialect) QuoteColumn(table, column string) string {
	return d.Quote(table) + "." + d.Quote(column)
}

// SupportsReturning 插入时可以通过 RETURNING 取回主键
func (d *Dialect) SupportsReturning() bool {
	return d.returning
}

// Truncate 清空表
func (d *Dialect) Truncate(table string) string {
	if d.Name == SQLite {
		return "DELETE FROM " + d.Quote(table)
	}
	return "TRUNCATE TABLE " + d.Quote(table)
}

// Rebind 将 ? 占位符替换为方言的格式，引号内的内容原样保留
func (d *Dialect) Rebind(query string) string {
	if !d.dollar || strings.IndexByte(query, '?') < 0 {
		return query
	}

	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	var inQuote byte
	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case inQuote != 0:
			if c == inQuote {
				inQuote = 0
			}
		case c == '\'' || c == '"':
			inQuote = c
		case c == '?':
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(c)
	}
	return sb.String()
}

// Placeholders 生成 n 个以逗号分隔的 ?
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
