package writer

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// Writer 日志输出器接口
type Writer interface {
	io.Writer
	io.Closer
}

// Options 输出目标配置
type Options struct {
	// console 或 file
	Type string `cfg:"type" def:"console" validate:"oneof=console file"`
	// console 时生效：stdout, stderr
	Target string `cfg:"target" def:"stdout"`
	// file 时生效
	Path string `cfg:"path"`
}

// NewWriterWithOptions 按类型创建输出器
func NewWriterWithOptions(options *Options) (Writer, error) {
	if options == nil {
		return NewConsoleWriter("stdout"), nil
	}
	switch options.Type {
	case "", "console":
		return NewConsoleWriter(options.Target), nil
	case "file":
		return NewFileWriterWithOptions(&FileWriterOptions{Path: options.Path})
	default:
		return nil, errors.Errorf("unsupported writer type: %s", options.Type)
	}
}

// ConsoleWriter 控制台输出器
type ConsoleWriter struct {
	w io.Writer
}

func NewConsoleWriter(target string) *ConsoleWriter {
	if target == "stderr" {
		return &ConsoleWriter{w: os.Stderr}
	}
	return &ConsoleWriter{w: os.Stdout}
}

func (c *ConsoleWriter) Write(p []byte) (int, error) {
	return c.w.Write(p)
}

// Close 控制台不需要关闭
func (c *ConsoleWriter) Close() error {
	return nil
}
