package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/hatlonely/sqlgate/auth"
	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/log"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/relation"
	"github.com/hatlonely/sqlgate/schema"
)

type Options struct {
	// 单次读取返回的记录上限
	MaxRecords int `cfg:"maxRecords" def:"1000" validate:"min=1"`
	// 只允许读取的表
	ReadOnlyTables []string `cfg:"readOnlyTables"`
	// 不出现在表清单中的表
	HiddenTables []string `cfg:"hiddenTables"`
}

// Operation 对记录的操作
type Operation string

const (
	OpRead   Operation = "read"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Verb 鉴权时使用的请求动词
func (op Operation) Verb() string {
	switch op {
	case OpCreate:
		return "POST"
	case OpUpdate:
		return "PUT"
	case OpDelete:
		return "DELETE"
	}
	return "GET"
}

// TableGuard 表级别的访问限制
type TableGuard interface {
	Allow(table string, op Operation) error
	Visible(table string) bool
}

// DefaultGuard 拒绝写入只读表，并在清单中隐藏配置的表
type DefaultGuard struct {
	readOnly map[string]bool
	hidden   map[string]bool
}

func NewDefaultGuard(readOnly, hidden []string) *DefaultGuard {
	g := &DefaultGuard{readOnly: map[string]bool{}, hidden: map[string]bool{}}
	for _, t := range readOnly {
		g.readOnly[strings.ToLower(t)] = true
	}
	for _, t := range hidden {
		g.hidden[strings.ToLower(t)] = true
	}
	return g
}

func (g *DefaultGuard) Allow(table string, op Operation) error {
	if op != OpRead && g.readOnly[strings.ToLower(table)] {
		return errs.Forbidden("Table '%s' is read only.", table)
	}
	return nil
}

func (g *DefaultGuard) Visible(table string) bool {
	return !g.hidden[strings.ToLower(table)]
}

// Schemas 表结构来源，通常是 schema.Introspector
type Schemas interface {
	ListTables(ctx context.Context) ([]string, error)
	Describe(ctx context.Context, table string) (*schema.TableSchema, error)
	Invalidate(ctx context.Context, table string)
	Clear(ctx context.Context)
}

type Option func(*Gateway)

func WithGuard(guard TableGuard) Option {
	return func(g *Gateway) { g.guard = guard }
}

func WithLogger(l logger.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithClock 自动填充时间字段时使用的时钟
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// Gateway 按表结构把记录操作翻译成 SQL
type Gateway struct {
	schemas    Schemas
	auth       auth.Provider
	guard      TableGuard
	reconciler *relation.Reconciler
	maxRecords int
	logger     logger.Logger
	now        func() time.Time
}

func NewGatewayWithOptions(schemas Schemas, provider auth.Provider, options *Options, opts ...Option) *Gateway {
	if options == nil {
		options = &Options{}
	}
	if provider == nil {
		provider = auth.AllowAll{}
	}
	g := &Gateway{
		schemas:    schemas,
		auth:       provider,
		guard:      NewDefaultGuard(options.ReadOnlyTables, options.HiddenTables),
		maxRecords: options.MaxRecords,
		logger:     log.Default(),
		now:        time.Now,
	}
	if g.maxRecords <= 0 {
		g.maxRecords = 1000
	}
	for _, opt := range opts {
		opt(g)
	}
	g.reconciler = relation.NewReconciler(schemas, g.logger)
	g.logger = g.logger.WithGroup("gateway")
	return g
}

func (g *Gateway) MaxRecords() int {
	return g.maxRecords
}

// ListTables 当前调用方可以读取的表
func (g *Gateway) ListTables(ctx context.Context) ([]string, error) {
	tables, err := g.schemas.ListTables(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(tables))
	for _, t := range tables {
		if !g.guard.Visible(t) {
			continue
		}
		if err := g.auth.Authorize(ctx, OpRead.Verb(), t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// Describe 返回表结构，与读取记录使用同样的访问控制
func (g *Gateway) Describe(ctx context.Context, table string) (*schema.TableSchema, error) {
	if err := g.guard.Allow(table, OpRead); err != nil {
		return nil, err
	}
	if err := g.auth.Authorize(ctx, OpRead.Verb(), table); err != nil {
		return nil, err
	}
	return g.schemas.Describe(ctx, table)
}

// Invalidate table 为空时清空全部表结构缓存
func (g *Gateway) Invalidate(ctx context.Context, table string) {
	if table == "" {
		g.schemas.Clear(ctx)
		g.logger.InfoContext(ctx, "schema cache cleared")
		return
	}
	g.schemas.Invalidate(ctx, table)
	g.logger.InfoContext(ctx, "schema cache invalidated", "table", table)
}
