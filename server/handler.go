package server

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hatlonely/sqlgate/auth"
	"github.com/hatlonely/sqlgate/dispatch"
	"github.com/hatlonely/sqlgate/errs"
	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/hatlonely/sqlgate/rdb"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestIDKey = "requestId"

type metrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// 同名指标只注册一次，多个 Server 共用
func register[C prometheus.Collector](c C) C {
	if err := prometheus.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}

func newMetrics() *metrics {
	return &metrics{
		requests: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sqlgate_http_requests_total",
				Help: "Total number of gateway requests",
			},
			[]string{"verb", "status"},
		)),
		duration: register(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sqlgate_http_request_duration_seconds",
				Help:    "Duration of gateway requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"verb"},
		)),
	}
}

func (s *Server) routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestID(), s.access())

	r.GET("/healthz", s.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group(s.options.HTTP.Prefix, s.rateLimit())
	base := "/" + s.service.Name()
	api.Any(base, s.dispatch)
	api.Any(base+"/*path", s.dispatch)
	return r
}

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Request-Id", id)
		c.Request = c.Request.WithContext(logger.ContextWith(c.Request.Context(), requestIDKey, id))
		c.Next()
	}
}

func (s *Server) access() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		elapsed := time.Since(start)
		status := c.Writer.Status()
		s.metrics.requests.WithLabelValues(c.Request.Method, strconv.Itoa(status)).Inc()
		s.metrics.duration.WithLabelValues(c.Request.Method).Observe(elapsed.Seconds())
		s.logger.InfoContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"elapsed", elapsed,
		)
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": gin.H{
				"code":    http.StatusTooManyRequests,
				"kind":    "TooManyRequests",
				"message": "Too many requests, slow down.",
			}})
			return
		}
		c.Next()
	}
}

func (s *Server) health(c *gin.Context) {
	if err := s.db.SQLDB().PingContext(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// dispatch 把 HTTP 请求转换为与传输无关的请求
// X-Http-Method 头可以覆盖请求方法，便于只支持 GET/POST 的客户端
func (s *Server) dispatch(c *gin.Context) {
	ctx := c.Request.Context()
	if uid := strings.TrimSpace(c.GetHeader(s.options.HTTP.UserHeader)); uid != "" {
		ctx = auth.WithUserID(ctx, uid)
	}

	verb := c.Request.Method
	if override := c.GetHeader("X-Http-Method"); override != "" {
		verb = override
	}
	payload, err := s.payload(c)
	if err != nil {
		s.fail(c, err)
		return
	}

	req := &dispatch.Request{
		Verb:    dispatch.Verb(verb),
		Path:    c.Param("path"),
		Params:  c.Request.URL.Query(),
		Payload: payload,
	}
	result, err := s.service.Process(ctx, req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// payload 请求体为 json，对象按字段顺序解析为记录
func (s *Server) payload(c *gin.Context) (any, error) {
	if c.Request.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.options.HTTP.MaxBodySize))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			return nil, errs.BadRequest("Request body is larger than %d bytes.", mbe.Limit)
		}
		return nil, errs.Internal(err, "read request body failed")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	v, err := rdb.DecodeValue(data)
	if err != nil {
		return nil, errs.BadRequest("Invalid JSON in request body: %s", err.Error())
	}
	return v, nil
}

func (s *Server) fail(c *gin.Context, err error) {
	e := errs.Wrap(err)
	if e.Kind == errs.KindInternal {
		s.logger.ErrorContext(c.Request.Context(), "request failed", "error", e.Message)
	}
	c.AbortWithStatusJSON(e.Kind.Status(), e)
}
