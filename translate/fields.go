package translate

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/schema"
)

// OutputType 字段输出时的目标类型
type OutputType int

const (
	OutputString OutputType = iota
	OutputInt
	OutputFloat
	OutputBool
	OutputDecimal
	OutputTime
	OutputRaw
)

const (
	DatetimeLayout = "2006-01-02 15:04:05"
	DateLayout     = "2006-01-02"
	TimeLayout     = "15:04:05"
)

// Binding 字段的输出描述，由逻辑类型与数据库类型共同决定
type Binding struct {
	Field       string
	LogicalType schema.LogicalType
	NativeType  string
	Output      OutputType
}

// Selection 一次读取选中的字段，顺序即输出顺序
type Selection struct {
	Fields   []*schema.FieldInfo
	Bindings []Binding
}

func (s *Selection) Names() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Has 字段是否已被选中
func (s *Selection) Has(name string) bool {
	for _, f := range s.Fields {
		if f.Name == name {
			return true
		}
	}
	return false
}

// Columns 生成 SELECT 的列清单
func (s *Selection) Columns(d *rdb.Dialect) string {
	cols := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		cols[i] = d.Quote(f.Name)
	}
	return strings.Join(cols, ", ")
}

// WithFields 追加未选中的字段，用于在读取时带上主键或关系字段
func (s *Selection) WithFields(ts *schema.TableSchema, names ...string) *Selection {
	out := &Selection{Fields: append([]*schema.FieldInfo{}, s.Fields...), Bindings: append([]Binding{}, s.Bindings...)}
	for _, name := range names {
		if out.Has(name) {
			continue
		}
		if f := ts.Field(name); f != nil {
			out.Fields = append(out.Fields, f)
			out.Bindings = append(out.Bindings, NewBinding(f))
		}
	}
	return out
}

// ParseFields 解析逗号分隔的字段参数
func ParseFields(param string) []string {
	var fields []string
	for _, f := range strings.Split(param, ",") {
		if f = strings.TrimSpace(f); f != "" {
			fields = append(fields, f)
		}
	}
	return fields
}

// Select 解析字段选择，为空或 * 时返回全部字段
func Select(ts *schema.TableSchema, fields []string) (*Selection, error) {
	all := len(fields) == 0 || (len(fields) == 1 && fields[0] == "*")
	if all {
		fields = ts.FieldNames()
	}

	s := &Selection{}
	seen := map[string]bool{}
	for _, name := range fields {
		f := ts.Field(name)
		if f == nil {
			return nil, errs.BadRequest("Invalid field '%s' selected for table '%s'.", name, ts.Name)
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		s.Fields = append(s.Fields, f)
		s.Bindings = append(s.Bindings, NewBinding(f))
	}
	return s, nil
}

func NewBinding(f *schema.FieldInfo) Binding {
	return Binding{Field: f.Name, LogicalType: f.LogicalType, NativeType: f.NativeType, Output: outputType(f)}
}

func outputType(f *schema.FieldInfo) OutputType {
	switch f.LogicalType {
	case schema.TypeInteger:
		return OutputInt
	case schema.TypeID, schema.TypeReference, schema.TypeUserID, schema.TypeUserIDOnCreate, schema.TypeUserIDOnUpdate:
		if numericNative(f.NativeType) {
			return OutputInt
		}
		return OutputString
	case schema.TypeFloat:
		return OutputFloat
	case schema.TypeDecimal:
		return OutputDecimal
	case schema.TypeBoolean:
		return OutputBool
	case schema.TypeTimestamp, schema.TypeDatetime, schema.TypeDate, schema.TypeTime,
		schema.TypeTimestampOnCreate, schema.TypeTimestampOnUpdate:
		return OutputTime
	case schema.TypeBinary:
		return OutputRaw
	}
	return OutputString
}

// numericNative 数据库类型是否为整数
func numericNative(native string) bool {
	t := strings.ToLower(native)
	return strings.Contains(t, "int") && !strings.Contains(t, "interval") && !strings.Contains(t, "point") ||
		strings.Contains(t, "serial")
}

// Convert 按绑定描述转换驱动返回的值
func (b Binding) Convert(v any) any {
	if v == nil {
		return nil
	}
	if raw, ok := v.([]byte); ok {
		v = string(raw)
	}

	switch b.Output {
	case OutputInt:
		if n, ok := toInt(v); ok {
			return n
		}
	case OutputFloat:
		if f, ok := toFloat(v); ok {
			return f
		}
	case OutputDecimal:
		switch x := v.(type) {
		case string:
			return x
		case float64:
			return strconv.FormatFloat(x, 'f', -1, 64)
		case int64:
			return strconv.FormatInt(x, 10)
		}
	case OutputBool:
		if bv, ok := toBool(v); ok {
			return bv
		}
	case OutputTime:
		if t, ok := v.(time.Time); ok {
			return formatTime(b.LogicalType, t)
		}
	}
	return v
}

func formatTime(lt schema.LogicalType, t time.Time) string {
	switch lt {
	case schema.TypeDate:
		return t.Format(DateLayout)
	case schema.TypeTime:
		return t.Format(TimeLayout)
	}
	return t.Format(DatetimeLayout)
}

// Project 按选择的字段与顺序输出记录
func (s *Selection) Project(r *rdb.Record) *rdb.Record {
	out := rdb.NewRecord()
	for _, b := range s.Bindings {
		out.Set(b.Field, b.Convert(r.Value(b.Field)))
	}
	return out
}

func (s *Selection) ProjectAll(records []*rdb.Record) []*rdb.Record {
	out := make([]*rdb.Record, len(records))
	for i, r := range records {
		out[i] = s.Project(r)
	}
	return out
}

func toInt(v any) (int64, bool) {
	switch x := v.(type) {
	case int64:
		return x, true
	case int:
		return int64(x), true
	case int32:
		return int64(x), true
	case uint64:
		if x <= math.MaxInt64 {
			return int64(x), true
		}
	case float64:
		if x == math.Trunc(x) {
			return int64(x), true
		}
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return n, true
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(x), 10, 64); err == nil {
			return n, true
		}
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f, true
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(x), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

func toBool(v any) (bool, bool) {
	switch x := v.(type) {
	case bool:
		return x, true
	case string:
		switch strings.ToLower(strings.TrimSpace(x)) {
		case "1", "t", "true", "y", "yes", "on":
			return true, true
		case "0", "f", "false", "n", "no", "off", "":
			return false, true
		}
		return false, false
	}
	if n, ok := toInt(v); ok {
		return n != 0, true
	}
	return false, false
}
