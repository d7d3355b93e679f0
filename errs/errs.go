package errs

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind 错误分类
type Kind int

const (
	KindInternal Kind = iota
	KindBadRequest
	KindUnauthorized
	KindForbidden
	KindNotFound
)

func (k Kind) String() string {
	switch k {
	case KindBadRequest:
		return "BadRequest"
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindNotFound:
		return "NotFound"
	default:
		return "InternalServerError"
	}
}

// Status 对应的 HTTP 状态码
func (k Kind) Status() int {
	switch k {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Error 网关对外暴露的错误类型，底层驱动错误不会直接透出
type Error struct {
	Kind    Kind
	Message string
	Context map[string]any
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// WithContext 附加诊断信息，返回自身便于链式调用
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = map[string]any{}
	}
	e.Context[key] = value
	return e
}

// Payload 序列化为响应体中的 error 对象
func (e *Error) Payload() map[string]any {
	payload := map[string]any{
		"code":    e.Kind.Status(),
		"kind":    e.Kind.String(),
		"message": e.Message,
	}
	if len(e.Context) > 0 {
		payload["context"] = e.Context
	}
	return payload
}

func (e *Error) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]any{"error": e.Payload()})
}

func newError(kind Kind, format string, args ...any) *Error {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &Error{Kind: kind, Message: msg}
}

func BadRequest(format string, args ...any) *Error {
	return newError(KindBadRequest, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return newError(KindUnauthorized, format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return newError(KindForbidden, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return newError(KindNotFound, format, args...)
}

// Internal 包装底层错误，保留原始信息用于诊断
func Internal(cause error, format string, args ...any) *Error {
	e := newError(KindInternal, format, args...)
	if cause != nil {
		if e.Message == "" {
			e.Message = cause.Error()
		} else {
			e.Message = e.Message + ": " + cause.Error()
		}
	}
	e.cause = cause
	return e
}

// Wrap 已经是 *Error 的原样返回，其余一律视为 InternalServerError
func Wrap(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := As(err); ok {
		return e
	}
	return Internal(err, "")
}

// As 沿错误链查找 *Error
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf 返回错误分类，非 *Error 视为 KindInternal
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

func IsBadRequest(err error) bool {
	return err != nil && KindOf(err) == KindBadRequest
}
