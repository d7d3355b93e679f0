package dispatch

import (
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/log"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/pkg/errors"
)

type Verb string

const (
	GET    Verb = "GET"
	POST   Verb = "POST"
	PUT    Verb = "PUT"
	PATCH  Verb = "PATCH"
	DELETE Verb = "DELETE"
)

var knownVerbs = map[Verb]bool{GET: true, POST: true, PUT: true, PATCH: true, DELETE: true}

// Unhandled 处理函数不处理当前请求时返回
var Unhandled = errors.New("request not handled")

// Request 传输层无关的请求
type Request struct {
	Verb Verb
	// 别名转发前的动词
	OriginalVerb Verb
	Path         string
	Resource     string
	Segments     []string
	Params       url.Values
	// 请求体，*rdb.Record 或 []any
	Payload any
}

func (r *Request) Param(name string) string {
	if r.Params == nil {
		return ""
	}
	return strings.TrimSpace(r.Params.Get(name))
}

// BoolParam true、1、yes 视为真
func (r *Request) BoolParam(name string) bool {
	switch strings.ToLower(r.Param(name)) {
	case "true", "1", "yes", "on":
		return true
	}
	return false
}

func (r *Request) IntParam(name string) (int, error) {
	v := r.Param(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.BadRequest("Parameter '%s' must be an integer.", name)
	}
	return n, nil
}

// Segment 资源名之后的第 i 段路径
func (r *Request) Segment(i int) string {
	if i < len(r.Segments) {
		return r.Segments[i]
	}
	return ""
}

type Handler func(ctx context.Context, req *Request) (any, error)

// PreHook 返回错误时请求被终止
type PreHook func(ctx context.Context, req *Request) error

// PostHook 可以替换处理结果
type PostHook func(ctx context.Context, req *Request, result any) (any, error)

// alias 转发到另一个动词，或者直接调用回调
type alias struct {
	verb     Verb
	callback Handler
}

type ServiceOption func(*Service)

// WithAlias from 动词的请求交给 to 动词的处理函数
func WithAlias(from, to Verb) ServiceOption {
	return func(s *Service) { s.aliases[from] = alias{verb: to} }
}

func WithAliasFunc(from Verb, callback Handler) ServiceOption {
	return func(s *Service) { s.aliases[from] = alias{callback: callback} }
}

// WithAction 注册额外动作，名称不区分大小写
func WithAction(name string, h Handler) ServiceOption {
	return func(s *Service) { s.actions[strings.ToLower(name)] = h }
}

func WithPreHook(h PreHook) ServiceOption {
	return func(s *Service) { s.pre = append(s.pre, h) }
}

func WithPostHook(h PostHook) ServiceOption {
	return func(s *Service) { s.post = append(s.post, h) }
}

func WithServiceLogger(l logger.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// Service 按资源与动词分发请求
type Service struct {
	name     string
	handlers map[Verb]Handler
	aliases  map[Verb]alias
	actions  map[string]Handler
	pre      []PreHook
	post     []PostHook
	logger   logger.Logger
}

func NewService(name string, handlers map[Verb]Handler, opts ...ServiceOption) *Service {
	s := &Service{
		name:     name,
		handlers: map[Verb]Handler{},
		aliases:  map[Verb]alias{},
		actions:  map[string]Handler{},
		logger:   log.Default(),
	}
	for v, h := range handlers {
		s.handlers[v] = h
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithGroup("dispatch")
	return s
}

func (s *Service) Name() string {
	return s.name
}

// Process 路径归一化、前置钩子、额外动作、别名、处理函数、后置钩子
func (s *Service) Process(ctx context.Context, req *Request) (any, error) {
	req.Verb = Verb(strings.ToUpper(string(req.Verb)))
	if req.OriginalVerb == "" {
		req.OriginalVerb = req.Verb
	}
	req.Resource, req.Segments = splitPath(req.Path)

	for _, h := range s.pre {
		if err := h(ctx, req); err != nil {
			return nil, errs.Wrap(err)
		}
	}

	if h, ok := s.actions[strings.ToLower(req.Resource)]; ok {
		s.logger.DebugContext(ctx, "extra action", "service", s.name, "action", req.Resource, "verb", req.Verb)
		result, err := h(ctx, req)
		return s.finish(req, result, err)
	}

	if !knownVerbs[req.Verb] {
		return nil, errs.BadRequest("Invalid verb '%s' in request.", req.Verb)
	}

	handler := s.handlers[req.Verb]
	if a, ok := s.aliases[req.Verb]; ok {
		if a.callback != nil {
			handler = a.callback
		} else {
			req.Verb = a.verb
			handler = s.handlers[a.verb]
		}
	}
	if handler == nil {
		return nil, s.unsupported(req)
	}

	result, err := handler(ctx, req)
	if err != nil {
		return s.finish(req, nil, err)
	}
	for _, h := range s.post {
		if result, err = h(ctx, req, result); err != nil {
			return nil, errs.Wrap(err)
		}
	}
	return s.finish(req, result, nil)
}

func (s *Service) finish(req *Request, result any, err error) (any, error) {
	if errors.Is(err, Unhandled) {
		return nil, s.unsupported(req)
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return result, nil
}

func (s *Service) unsupported(req *Request) error {
	name := req.Resource
	if name == "" {
		name = s.name
	}
	return errs.BadRequest("%s requests for resource '%s' are not currently supported.", req.OriginalVerb, name)
}

// splitPath 去掉首尾的 /，第一段为资源名
func splitPath(path string) (string, []string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", nil
	}
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
