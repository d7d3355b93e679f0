package log

import (
	"sync/atomic"

	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/pkg/errors"
)

var defaultLogger atomic.Value

func init() {
	// 默认向终端输出 text 格式日志
	slog, err := logger.NewSLogWithOptions(&logger.SLogOptions{
		Level:  "info",
		Format: "text",
	})
	if err != nil {
		panic("failed to initialize default logger: " + err.Error())
	}
	defaultLogger.Store(loggerHolder{slog})
}

type loggerHolder struct {
	logger.Logger
}

func Default() logger.Logger {
	return defaultLogger.Load().(loggerHolder).Logger
}

// SetDefault 替换默认日志，服务启动时按配置调用
func SetDefault(l logger.Logger) {
	if l == nil {
		return
	}
	defaultLogger.Store(loggerHolder{l})
}

// NewLoggerWithOptions 按配置创建日志
func NewLoggerWithOptions(options *logger.SLogOptions) (*logger.SLog, error) {
	l, err := logger.NewSLogWithOptions(options)
	if err != nil {
		return nil, errors.WithMessage(err, "create logger failed")
	}
	return l, nil
}
