package rdb

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// Record 有序的字段集合，序列化时保持字段写入顺序
type Record struct {
	keys   []string
	values map[string]any
}

func NewRecord() *Record {
	return &Record{values: map[string]any{}}
}

// RecordOf 按 kv 交替的参数构造记录
func RecordOf(kvs ...any) *Record {
	r := NewRecord()
	for i := 0; i+1 < len(kvs); i += 2 {
		k, _ := kvs[i].(string)
		r.Set(k, kvs[i+1])
	}
	return r
}

func (r *Record) Set(key string, value any) *Record {
	if _, ok := r.values[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.values[key] = value
	return r
}

func (r *Record) Get(key string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.values[key]
	return v, ok
}

// Value 不存在时返回 nil
func (r *Record) Value(key string) any {
	v, _ := r.Get(key)
	return v
}

func (r *Record) Has(key string) bool {
	_, ok := r.Get(key)
	return ok
}

func (r *Record) Delete(key string) {
	if _, ok := r.values[key]; !ok {
		return
	}
	delete(r.values, key)
	for i, k := range r.keys {
		if k == key {
			r.keys = append(r.keys[:i:i], r.keys[i+1:]...)
			break
		}
	}
}

func (r *Record) Keys() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.keys...)
}

func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

// Range 按顺序遍历，fn 返回 false 时停止
func (r *Record) Range(fn func(key string, value any) bool) {
	if r == nil {
		return
	}
	for _, k := range r.keys {
		if !fn(k, r.values[k]) {
			return
		}
	}
}

// Clone 浅拷贝
func (r *Record) Clone() *Record {
	c := &Record{keys: r.Keys(), values: make(map[string]any, r.Len())}
	r.Range(func(k string, v any) bool {
		c.values[k] = v
		return true
	})
	return c
}

// Project 按给定顺序取出字段，不存在的字段忽略
func (r *Record) Project(keys []string) *Record {
	p := NewRecord()
	for _, k := range keys {
		if v, ok := r.Get(k); ok {
			p.Set(k, v)
		}
	}
	return p
}

// Map 转成无序 map，嵌套记录同样展开
func (r *Record) Map() map[string]any {
	m := make(map[string]any, r.Len())
	r.Range(func(k string, v any) bool {
		m[k] = plain(v)
		return true
	})
	return m
}

func plain(v any) any {
	switch x := v.(type) {
	case *Record:
		return x.Map()
	case []any:
		out := make([]any, len(x))
		for i := range x {
			out[i] = plain(x[i])
		}
		return out
	}
	return v
}

func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range r.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		val, err := json.Marshal(r.values[k])
		if err != nil {
			return nil, errors.Wrapf(err, "marshal field %s failed", k)
		}
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON 嵌套对象解析为 *Record，数字解析为 json.Number
func (r *Record) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return errors.Wrap(err, "decode record failed")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errors.New("record must be a json object")
	}
	parsed, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*r = *parsed
	return nil
}

// ParseRecord 解析 json 对象
func ParseRecord(data []byte) (*Record, error) {
	r := NewRecord()
	if err := r.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return r, nil
}

// DecodeValue 解析任意 json 值，对象同样解析为 *Record
func DecodeValue(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	return decodeValue(dec)
}

func decodeObject(dec *json.Decoder) (*Record, error) {
	r := NewRecord()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "decode key failed")
		}
		key, ok := tok.(string)
		if !ok {
			return nil, errors.Errorf("unexpected token %v", tok)
		}
		v, err := decodeValue(dec)
		if err != nil {
			return nil, err
		}
		r.Set(key, v)
	}
	if _, err := dec.Token(); err != nil {
		return nil, errors.Wrap(err, "decode object end failed")
	}
	return r, nil
}

func decodeValue(dec *json.Decoder) (any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Wrap(err, "decode value failed")
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return decodeObject(dec)
		case '[':
			arr := []any{}
			for dec.More() {
				v, err := decodeValue(dec)
				if err != nil {
					return nil, err
				}
				arr = append(arr, v)
			}
			if _, err := dec.Token(); err != nil {
				return nil, errors.Wrap(err, "decode array end failed")
			}
			return arr, nil
		}
		return nil, errors.Errorf("unexpected delimiter %v", t)
	default:
		return t, nil
	}
}
