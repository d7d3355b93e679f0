package cfg

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Load 读取配置文件并填充 object
// 按扩展名选择格式（yaml/yml、toml、json），依次完成环境变量展开、结构转换、默认值填充和校验
func Load(path string, object any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s failed", path)
	}
	if err := Decode(data, formatOf(path), object); err != nil {
		return errors.WithMessagef(err, "load config %s failed", path)
	}
	return nil
}

// Decode 按格式解析配置内容
func Decode(data []byte, format string, object any) error {
	data = []byte(os.ExpandEnv(string(data)))

	var raw any
	switch format {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return errors.Wrap(err, "decode yaml failed")
		}
	case "toml":
		m := map[string]any{}
		if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&m); err != nil {
			return errors.Wrap(err, "decode toml failed")
		}
		raw = m
	case "json":
		if err := json.Unmarshal(data, &raw); err != nil {
			return errors.Wrap(err, "decode json failed")
		}
	default:
		return errors.Errorf("unsupported config format: %s", format)
	}

	return Apply(raw, object)
}

// Apply 把已解析的通用结构转换为 object，再填充默认值并校验
func Apply(raw any, object any) error {
	if err := ConvertTo(raw, object); err != nil {
		return errors.WithMessage(err, "convert config failed")
	}
	if err := SetDefaults(object); err != nil {
		return errors.WithMessage(err, "set defaults failed")
	}
	if err := Validate(object); err != nil {
		return errors.WithMessage(err, "validate config failed")
	}
	return nil
}

// Validate 使用 validate tag 校验结构体
func Validate(object any) error {
	if object == nil {
		return nil
	}
	return validate.Struct(object)
}

func formatOf(path string) string {
	return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
}
