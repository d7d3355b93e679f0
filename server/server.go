package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/hatlonely/sqlgate/auth"
	"github.com/hatlonely/sqlgate/cfg"
	"github.com/hatlonely/sqlgate/dispatch"
	"github.com/hatlonely/sqlgate/gateway"
	"github.com/hatlonely/sqlgate/kv/store"
	"github.com/hatlonely/sqlgate/log"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/hatlonely/sqlgate/schema"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

type Option func(*Server)

// WithLogger 使用指定日志，不再按配置创建
func WithLogger(l logger.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithAuthProvider 替换按配置规则创建的鉴权实现
func WithAuthProvider(p auth.Provider) Option {
	return func(s *Server) { s.provider = p }
}

// Server 把记录服务挂载到 HTTP 上
type Server struct {
	options *Options

	db           *rdb.DB
	store        store.Store
	introspector *schema.Introspector
	gateway      *gateway.Gateway
	service      *dispatch.Service
	provider     auth.Provider

	engine  *gin.Engine
	limiter *rate.Limiter
	metrics *metrics
	logger  logger.Logger
}

func NewServerWithOptions(options *Options, opts ...Option) (*Server, error) {
	if options == nil {
		return nil, errors.New("options is nil")
	}
	if err := cfg.SetDefaults(options); err != nil {
		return nil, errors.WithMessage(err, "set defaults failed")
	}
	if err := cfg.Validate(options); err != nil {
		return nil, errors.WithMessage(err, "invalid options")
	}
	s := &Server{options: options}
	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		l, err := log.NewLoggerWithOptions(&options.Log)
		if err != nil {
			return nil, err
		}
		log.SetDefault(l)
		s.logger = l
	}
	if s.provider == nil {
		p, err := auth.NewStaticProviderWithOptions(&options.Auth)
		if err != nil {
			return nil, errors.WithMessage(err, "create auth provider failed")
		}
		s.provider = p
	}

	db, err := rdb.NewDBWithOptions(&options.Database)
	if err != nil {
		return nil, errors.WithMessage(err, "open database failed")
	}
	s.db = db

	introspector, err := s.newIntrospector()
	if err != nil {
		s.Close()
		return nil, err
	}
	s.introspector = introspector

	s.gateway = gateway.NewGatewayWithOptions(introspector, s.provider, &options.Gateway, gateway.WithLogger(s.logger))
	s.service = dispatch.NewDBService(s.gateway, db, s.logger)

	if options.HTTP.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(options.HTTP.RateLimit), options.HTTP.Burst)
	}
	s.metrics = newMetrics()
	s.engine = s.routes()

	s.logger.Info("server created", "driver", options.Database.Driver, "cache", options.Cache.Type, "prefix", options.HTTP.Prefix)
	return s, nil
}

// newIntrospector 配置了缓存类型时，表结构同时写入第二层存储
func (s *Server) newIntrospector() (*schema.Introspector, error) {
	describer, err := schema.NewDescriber(s.db, s.options.Schema.Schema)
	if err != nil {
		return nil, err
	}
	var backend schema.Backend
	if s.options.Cache.Type != "" {
		st, err := store.NewStoreWithOptions(&s.options.Cache)
		if err != nil {
			return nil, errors.WithMessage(err, "create schema cache store failed")
		}
		s.store = st
		backend = st
	}
	cache := schema.NewCache(backend, s.logger)
	return schema.NewIntrospector(describer, cache, &s.options.Schema, s.logger), nil
}

func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) Introspector() *schema.Introspector {
	return s.introspector
}

// Reload 只有字段覆盖与关系声明支持热更新，同时清空表结构缓存
func (s *Server) Reload(ctx context.Context, options *Options) {
	s.introspector.Reload(ctx, &options.Schema)
}

// Watch 配置文件变化时重新加载
func (s *Server) Watch(path string) (*cfg.Watcher, error) {
	w, err := cfg.NewWatcher(path)
	if err != nil {
		return nil, err
	}
	w.OnChange(func(path string) error {
		var options Options
		if err := cfg.Load(path, &options); err != nil {
			return err
		}
		s.Reload(context.Background(), &options)
		return nil
	})
	w.OnError(func(err error) {
		s.logger.Error("reload config failed", "path", path, "error", err)
	})
	if err := w.Watch(); err != nil {
		return nil, err
	}
	return w, nil
}

// Run 阻塞直到 ctx 结束，然后优雅退出
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.options.HTTP.Addr,
		Handler:      s.engine,
		ReadTimeout:  s.options.HTTP.ReadTimeout,
		WriteTimeout: s.options.HTTP.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", s.options.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "listen failed")
	case <-ctx.Done():
	}

	timeout := s.options.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	s.logger.Info("server shutting down")
	return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown failed")
}

func (s *Server) Close() error {
	var firstErr error
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			firstErr = errors.Wrap(err, "close schema cache store failed")
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, "close database failed")
		}
	}
	return firstErr
}
