package schema

// LogicalType 字段的逻辑类型，决定输入解析与输出格式
type LogicalType string

const (
	TypeID                LogicalType = "id"
	TypeReference         LogicalType = "reference"
	TypeInteger           LogicalType = "integer"
	TypeFloat             LogicalType = "float"
	TypeDecimal           LogicalType = "decimal"
	TypeString            LogicalType = "string"
	TypeText              LogicalType = "text"
	TypeBoolean           LogicalType = "boolean"
	TypeTimestamp         LogicalType = "timestamp"
	TypeDatetime          LogicalType = "datetime"
	TypeDate              LogicalType = "date"
	TypeTime              LogicalType = "time"
	TypeBinary            LogicalType = "binary"
	TypeTimestampOnCreate LogicalType = "timestamp_on_create"
	TypeTimestampOnUpdate LogicalType = "timestamp_on_update"
	TypeUserID            LogicalType = "user_id"
	TypeUserIDOnCreate    LogicalType = "user_id_on_create"
	TypeUserIDOnUpdate    LogicalType = "user_id_on_update"
)

var logicalTypes = map[LogicalType]bool{
	TypeID: true, TypeReference: true, TypeInteger: true, TypeFloat: true, TypeDecimal: true,
	TypeString: true, TypeText: true, TypeBoolean: true, TypeTimestamp: true, TypeDatetime: true,
	TypeDate: true, TypeTime: true, TypeBinary: true, TypeTimestampOnCreate: true,
	TypeTimestampOnUpdate: true, TypeUserID: true, TypeUserIDOnCreate: true, TypeUserIDOnUpdate: true,
}

func (t LogicalType) Valid() bool {
	return logicalTypes[t]
}

// RelationKind 关系类型
type RelationKind string

const (
	BelongsTo  RelationKind = "belongs_to"
	HasMany    RelationKind = "has_many"
	ManyToMany RelationKind = "many_to_many"
)

type FieldInfo struct {
	Name            string      `json:"name" msgpack:"name"`
	LogicalType     LogicalType `json:"type" msgpack:"type"`
	NativeType      string      `json:"db_type" msgpack:"db_type"`
	Nullable        bool        `json:"allow_null" msgpack:"allow_null"`
	AutoGenerated   bool        `json:"auto_increment" msgpack:"auto_increment"`
	PrimaryKey      bool        `json:"is_primary_key" msgpack:"is_primary_key"`
	Required        bool        `json:"required" msgpack:"required"`
	Default         *string     `json:"default,omitempty" msgpack:"default,omitempty"`
	ValidationRules string      `json:"validation,omitempty" msgpack:"validation,omitempty"`
	RefTable        string      `json:"ref_table,omitempty" msgpack:"ref_table,omitempty"`
	RefField        string      `json:"ref_field,omitempty" msgpack:"ref_field,omitempty"`
}

type RelationInfo struct {
	Name             string       `json:"name" msgpack:"name"`
	Kind             RelationKind `json:"type" msgpack:"type"`
	RelatedTable     string       `json:"ref_table" msgpack:"ref_table"`
	LocalField       string       `json:"field" msgpack:"field"`
	ForeignField     string       `json:"ref_field" msgpack:"ref_field"`
	JoinTable        string       `json:"join_table,omitempty" msgpack:"join_table,omitempty"`
	JoinLocalField   string       `json:"join_field,omitempty" msgpack:"join_field,omitempty"`
	JoinForeignField string       `json:"join_ref_field,omitempty" msgpack:"join_ref_field,omitempty"`
}

// TableSchema 构建后不可修改
type TableSchema struct {
	Name       string          `json:"name" msgpack:"name"`
	Fields     []*FieldInfo    `json:"field" msgpack:"field"`
	Relations  []*RelationInfo `json:"related,omitempty" msgpack:"related,omitempty"`
	PrimaryKey []string        `json:"primary_key" msgpack:"primary_key"`
}

func (s *TableSchema) Field(name string) *FieldInfo {
	for _, f := range s.Fields {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func (s *TableSchema) HasField(name string) bool {
	return s.Field(name) != nil
}

func (s *TableSchema) Relation(name string) *RelationInfo {
	for _, r := range s.Relations {
		if r.Name == name {
			return r
		}
	}
	return nil
}

func (s *TableSchema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// PrimaryFields 主键字段，按声明顺序
func (s *TableSchema) PrimaryFields() []*FieldInfo {
	out := make([]*FieldInfo, 0, len(s.PrimaryKey))
	for _, name := range s.PrimaryKey {
		if f := s.Field(name); f != nil {
			out = append(out, f)
		}
	}
	return out
}
