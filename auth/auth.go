package auth

import (
	"context"
	"path"
	"strings"

	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/rdb/query"
	"github.com/pkg/errors"
)

// Provider 鉴权与行级过滤，由外部实现注入
type Provider interface {
	CurrentUserID(ctx context.Context) (any, bool)
	// Authorize 返回 Unauthorized 或 Forbidden 时原样透出
	Authorize(ctx context.Context, verb, table string) error
	// ServerFilter 返回的条件总是与调用方条件以 AND 组合，可以为 nil
	ServerFilter(ctx context.Context, verb, table string) (*query.FilterSpec, error)
}

type userIDKey struct{}

// WithUserID 在上下文中记录当前用户
func WithUserID(ctx context.Context, userID any) context.Context {
	return context.WithValue(ctx, userIDKey{}, userID)
}

func UserIDFrom(ctx context.Context) (any, bool) {
	v := ctx.Value(userIDKey{})
	return v, v != nil
}

// Rule 按表与动词匹配，第一条匹配的规则生效
type Rule struct {
	// 表名，支持 * 通配
	Table string `cfg:"table" def:"*"`
	// 为空时匹配全部动词
	Verbs []string `cfg:"verbs"`
	Deny  bool     `cfg:"deny"`
	// 服务端过滤条件，可以使用 {user_id} 占位符
	Filter string `cfg:"filter"`
}

type Options struct {
	// 没有用户身份的请求返回 Unauthorized
	RequireUser bool   `cfg:"requireUser"`
	Rules       []Rule `cfg:"rules"`
}

// StaticProvider 基于配置规则的实现，用户身份来自上下文
type StaticProvider struct {
	rules   []Rule
	filters []*query.FilterSpec
	require bool
}

func NewStaticProviderWithOptions(options *Options) (*StaticProvider, error) {
	if options == nil {
		options = &Options{}
	}
	p := &StaticProvider{require: options.RequireUser}
	for i, rule := range options.Rules {
		if rule.Table == "" {
			rule.Table = "*"
		}
		if _, err := path.Match(rule.Table, ""); err != nil {
			return nil, errors.Wrapf(err, "invalid table pattern in rule %d", i)
		}
		filter, err := query.ParseFilter(rule.Filter)
		if err != nil {
			return nil, errors.WithMessagef(err, "invalid filter in rule %d", i)
		}
		p.rules = append(p.rules, rule)
		p.filters = append(p.filters, filter)
	}
	return p, nil
}

func (p *StaticProvider) CurrentUserID(ctx context.Context) (any, bool) {
	return UserIDFrom(ctx)
}

func (p *StaticProvider) Authorize(ctx context.Context, verb, table string) error {
	if _, ok := p.CurrentUserID(ctx); !ok && p.require {
		return errs.Unauthorized("There is no valid session for the current request.")
	}
	if i := p.match(verb, table); i >= 0 && p.rules[i].Deny {
		return errs.Forbidden("Access to %s on '%s' is not allowed.", strings.ToUpper(verb), table)
	}
	return nil
}

func (p *StaticProvider) ServerFilter(ctx context.Context, verb, table string) (*query.FilterSpec, error) {
	i := p.match(verb, table)
	if i < 0 || p.filters[i] == nil {
		return nil, nil
	}
	userID, ok := p.CurrentUserID(ctx)
	filter := p.filters[i]
	if strings.Contains(p.rules[i].Filter, query.UserIDPlaceholder) {
		if !ok {
			return nil, errs.Unauthorized("A user is required to access '%s'.", table)
		}
		filter = filter.BindUser(userID)
	}
	return filter, nil
}

func (p *StaticProvider) match(verb, table string) int {
	for i, rule := range p.rules {
		if ok, _ := path.Match(rule.Table, table); !ok {
			continue
		}
		if len(rule.Verbs) == 0 {
			return i
		}
		for _, v := range rule.Verbs {
			if strings.EqualFold(v, verb) {
				return i
			}
		}
	}
	return -1
}

// AllowAll 不做任何限制
type AllowAll struct{}

func (AllowAll) CurrentUserID(ctx context.Context) (any, bool) {
	return UserIDFrom(ctx)
}

func (AllowAll) Authorize(context.Context, string, string) error {
	return nil
}

func (AllowAll) ServerFilter(context.Context, string, string) (*query.FilterSpec, error) {
	return nil, nil
}
