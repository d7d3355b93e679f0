package cfg

import (
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// SetDefaults 按 def tag 为零值字段填充默认值，嵌套结构体递归处理
func SetDefaults(object any) error {
	rv := reflect.ValueOf(object)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return errors.New("object must be a non-nil pointer")
	}
	return setDefaults(rv.Elem())
}

func setDefaults(rv reflect.Value) error {
	switch rv.Kind() {
	case reflect.Ptr:
		if rv.IsNil() {
			return nil
		}
		return setDefaults(rv.Elem())
	case reflect.Slice:
		for i := 0; i < rv.Len(); i++ {
			if err := setDefaults(rv.Index(i)); err != nil {
				return errors.WithMessagef(err, "index %d", i)
			}
		}
		return nil
	case reflect.Map:
		// map 元素不可寻址，结构体元素需要复制后写回
		for _, key := range rv.MapKeys() {
			item := rv.MapIndex(key)
			if item.Kind() != reflect.Struct {
				if item.Kind() == reflect.Ptr {
					if err := setDefaults(item); err != nil {
						return err
					}
				}
				continue
			}
			cp := reflect.New(item.Type()).Elem()
			cp.Set(item)
			if err := setDefaults(cp); err != nil {
				return errors.WithMessagef(err, "key %v", key.Interface())
			}
			rv.SetMapIndex(key, cp)
		}
		return nil
	case reflect.Struct:
	default:
		return nil
	}

	if rv.Type() == timeType {
		return nil
	}

	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		fieldValue := rv.Field(i)
		if !fieldValue.CanSet() {
			continue
		}

		if err := setDefaults(fieldValue); err != nil {
			return errors.WithMessagef(err, "field %s", field.Name)
		}

		def, ok := field.Tag.Lookup("def")
		if !ok || !fieldValue.IsZero() {
			continue
		}
		if fieldValue.Kind() == reflect.Ptr {
			fieldValue.Set(reflect.New(fieldValue.Type().Elem()))
			fieldValue = fieldValue.Elem()
		}
		if err := setDefaultValue(fieldValue, def); err != nil {
			return errors.WithMessagef(err, "field %s", field.Name)
		}
	}
	return nil
}

func setDefaultValue(rv reflect.Value, def string) error {
	if rv.Type() == durationType {
		d, err := time.ParseDuration(def)
		if err != nil {
			return errors.Wrapf(err, "invalid duration %q", def)
		}
		rv.SetInt(int64(d))
		return nil
	}
	if rv.Type() == timeType {
		t, err := parseTime(def)
		if err != nil {
			return err
		}
		rv.Set(reflect.ValueOf(t))
		return nil
	}

	switch rv.Kind() {
	case reflect.String:
		rv.SetString(def)
		return nil
	case reflect.Slice:
		parts := strings.Split(def, ",")
		slice := reflect.MakeSlice(rv.Type(), len(parts), len(parts))
		for i, part := range parts {
			if err := setDefaultValue(slice.Index(i), strings.TrimSpace(part)); err != nil {
				return errors.WithMessagef(err, "index %d", i)
			}
		}
		rv.Set(slice)
		return nil
	case reflect.Map:
		return errors.New("map default values are not supported")
	}

	return convertFromString(def, rv)
}
