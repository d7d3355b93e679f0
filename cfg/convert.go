package cfg

import (
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
	errNotTime   = errors.New("not a time type")
)

// ConvertTo 将 map/slice 构成的通用数据转换成 object（结构体、map、slice 等）
// 结构体字段名优先取 cfg tag，其次 json tag，最后是首字母小写的字段名
func ConvertTo(src any, object any) error {
	rv := reflect.ValueOf(object)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("object must be a non-nil pointer")
	}
	return convertValue(src, rv)
}

func convertValue(src any, dst reflect.Value) error {
	srcValue := reflect.ValueOf(src)
	if !srcValue.IsValid() {
		return nil
	}

	if dst.Kind() == reflect.Ptr {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		return convertValue(src, dst.Elem())
	}
	if !dst.CanSet() {
		return errors.New("destination is not settable")
	}

	for srcValue.Kind() == reflect.Ptr || srcValue.Kind() == reflect.Interface {
		if srcValue.IsNil() {
			return nil
		}
		srcValue = srcValue.Elem()
	}

	if srcValue.Type().AssignableTo(dst.Type()) {
		dst.Set(srcValue)
		return nil
	}

	if err := convertTimeTypes(srcValue, dst); err == nil {
		return nil
	} else if !errors.Is(err, errNotTime) {
		return err
	}

	switch dst.Kind() {
	case reflect.Map:
		return convertToMap(srcValue, dst)
	case reflect.Slice:
		return convertToSlice(srcValue, dst)
	case reflect.Struct:
		return convertToStruct(srcValue, dst)
	case reflect.Interface:
		if dst.Type().NumMethod() == 0 {
			dst.Set(srcValue)
			return nil
		}
	}

	// 环境变量展开后的值常以字符串出现
	if srcValue.Kind() == reflect.String && dst.Kind() != reflect.String {
		return convertFromString(srcValue.String(), dst)
	}

	if srcValue.Type().ConvertibleTo(dst.Type()) && srcValue.Kind() != reflect.String {
		dst.Set(srcValue.Convert(dst.Type()))
		return nil
	}

	return errors.Errorf("cannot convert %v to %v", srcValue.Type(), dst.Type())
}

func convertFromString(s string, dst reflect.Value) error {
	switch dst.Kind() {
	case reflect.Bool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return errors.Wrapf(err, "invalid bool %q", s)
		}
		dst.SetBool(v)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		v, err := strconv.ParseInt(s, 0, dst.Type().Bits())
		if err != nil {
			return errors.Wrapf(err, "invalid int %q", s)
		}
		dst.SetInt(v)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v, err := strconv.ParseUint(s, 0, dst.Type().Bits())
		if err != nil {
			return errors.Wrapf(err, "invalid uint %q", s)
		}
		dst.SetUint(v)
	case reflect.Float32, reflect.Float64:
		v, err := strconv.ParseFloat(s, dst.Type().Bits())
		if err != nil {
			return errors.Wrapf(err, "invalid float %q", s)
		}
		dst.SetFloat(v)
	default:
		return errors.Errorf("cannot convert string to %v", dst.Type())
	}
	return nil
}

func convertTimeTypes(src, dst reflect.Value) error {
	switch dst.Type() {
	case durationType:
		return convertToDuration(src, dst)
	case timeType:
		return convertToTime(src, dst)
	}
	return errNotTime
}

// 整数视为纳秒，浮点数视为秒
func convertToDuration(src, dst reflect.Value) error {
	switch src.Kind() {
	case reflect.String:
		d, err := time.ParseDuration(src.String())
		if err != nil {
			return errors.Wrapf(err, "parse duration %q failed", src.String())
		}
		dst.SetInt(int64(d))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		dst.SetInt(src.Int())
		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		dst.SetInt(int64(src.Uint()))
		return nil
	case reflect.Float32, reflect.Float64:
		dst.SetInt(int64(src.Float() * float64(time.Second)))
		return nil
	}
	return errors.Errorf("cannot convert %v to time.Duration", src.Type())
}

func convertToTime(src, dst reflect.Value) error {
	switch src.Kind() {
	case reflect.String:
		t, err := parseTime(src.String())
		if err != nil {
			return err
		}
		dst.Set(reflect.ValueOf(t))
		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		dst.Set(reflect.ValueOf(time.Unix(src.Int(), 0)))
		return nil
	case reflect.Float32, reflect.Float64:
		f := src.Float()
		sec := int64(f)
		dst.Set(reflect.ValueOf(time.Unix(sec, int64((f-float64(sec))*1e9))))
		return nil
	}
	return errors.Errorf("cannot convert %v to time.Time", src.Type())
}

var timeFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) (time.Time, error) {
	for _, format := range timeFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Errorf("invalid time %q", s)
}

func convertToMap(src, dst reflect.Value) error {
	if src.Kind() != reflect.Map {
		return errors.Errorf("expect map, got %v", src.Type())
	}
	if dst.IsNil() {
		dst.Set(reflect.MakeMap(dst.Type()))
	}

	keyType := dst.Type().Key()
	for _, key := range src.MapKeys() {
		item := reflect.New(dst.Type().Elem()).Elem()
		if err := convertValue(src.MapIndex(key).Interface(), item); err != nil {
			return errors.WithMessagef(err, "key %v", key.Interface())
		}

		k := key
		for k.Kind() == reflect.Interface {
			k = k.Elem()
		}
		if !k.Type().AssignableTo(keyType) {
			if !k.Type().ConvertibleTo(keyType) {
				return errors.Errorf("cannot convert key %v to %v", k.Type(), keyType)
			}
			k = k.Convert(keyType)
		}
		dst.SetMapIndex(k, item)
	}
	return nil
}

func convertToSlice(src, dst reflect.Value) error {
	if src.Kind() != reflect.Slice && src.Kind() != reflect.Array {
		return errors.Errorf("expect slice, got %v", src.Type())
	}

	n := src.Len()
	dst.Set(reflect.MakeSlice(dst.Type(), n, n))
	for i := 0; i < n; i++ {
		if err := convertValue(src.Index(i).Interface(), dst.Index(i)); err != nil {
			return errors.WithMessagef(err, "index %d", i)
		}
	}
	return nil
}

func convertToStruct(src, dst reflect.Value) error {
	if src.Kind() != reflect.Map {
		return errors.Errorf("expect map, got %v", src.Type())
	}

	values := make(map[string]reflect.Value, src.Len())
	for _, key := range src.MapKeys() {
		values[keyString(key)] = src.MapIndex(key)
	}

	dstType := dst.Type()
	for i := 0; i < dstType.NumField(); i++ {
		field := dstType.Field(i)
		fieldValue := dst.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		name := fieldName(field)
		if name == "-" {
			continue
		}
		v, ok := values[name]
		if !ok {
			continue
		}
		if err := convertValue(v.Interface(), fieldValue); err != nil {
			return errors.WithMessagef(err, "field %s", name)
		}
	}
	return nil
}

func keyString(key reflect.Value) string {
	for key.Kind() == reflect.Interface {
		key = key.Elem()
	}
	if key.Kind() == reflect.String {
		return key.String()
	}
	return ""
}

func fieldName(field reflect.StructField) string {
	for _, tagKey := range []string{"cfg", "json"} {
		if tag := field.Tag.Get(tagKey); tag != "" {
			if name := strings.Split(tag, ",")[0]; name != "" {
				return name
			}
		}
	}
	return strings.ToLower(field.Name[:1]) + field.Name[1:]
}
