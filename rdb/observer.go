package rdb

import (
	"context"
	"time"

	"github.com/hatlonely/sqlgate/log/logger"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type ObserverOptions struct {
	// Name 指标名前缀，同时作为 span 的 component 属性
	Name string `cfg:"name" def:"sqlgate_rdb"`

	EnableMetrics bool `cfg:"enableMetrics"`
	EnableTracing bool `cfg:"enableTracing"`

	// 超过该耗时的语句以 warn 级别记录
	SlowThreshold time.Duration `cfg:"slowThreshold" def:"1s"`
}

type observerMetrics struct {
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	activeOperations  *prometheus.GaugeVec
}

// 同名指标只注册一次，重复创建时复用已注册的收集器
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

func newObserverMetrics(name string) *observerMetrics {
	return &observerMetrics{
		operationCounter: register(prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: name + "_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		)),
		operationDuration: register(prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    name + "_operation_duration_seconds",
				Help:    "Duration of database operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"operation"},
		)),
		activeOperations: register(prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: name + "_active_operations",
				Help: "Number of active database operations",
			},
			[]string{"operation"},
		)),
	}
}

// Observer 为数据库调用记录指标、追踪和日志
type Observer struct {
	name          string
	logger        logger.Logger
	metrics       *observerMetrics
	tracer        trace.Tracer
	slowThreshold time.Duration
}

func NewObserver(options *ObserverOptions, l logger.Logger) *Observer {
	if options == nil {
		options = &ObserverOptions{Name: "sqlgate_rdb", SlowThreshold: time.Second}
	}
	obs := &Observer{
		name:          options.Name,
		logger:        l,
		slowThreshold: options.SlowThreshold,
	}
	if options.EnableMetrics {
		obs.metrics = newObserverMetrics(options.Name)
	}
	if options.EnableTracing {
		obs.tracer = otel.Tracer("rdb." + options.Name)
	}
	return obs
}

func (obs *Observer) observe(ctx context.Context, operation string, statement string, fn func(context.Context) error) error {
	start := time.Now()

	var span trace.Span
	if obs.tracer != nil {
		ctx, span = obs.tracer.Start(ctx, "rdb."+operation,
			trace.WithAttributes(
				attribute.String("component", obs.name),
				attribute.String("db.statement", statement),
			),
		)
		defer span.End()
	}

	if obs.metrics != nil {
		obs.metrics.activeOperations.WithLabelValues(operation).Inc()
		defer obs.metrics.activeOperations.WithLabelValues(operation).Dec()
	}

	err := fn(ctx)
	duration := time.Since(start)

	if span != nil {
		span.SetAttributes(attribute.Int64("duration_ms", duration.Milliseconds()))
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.RecordError(err)
		} else {
			span.SetStatus(codes.Ok, "")
		}
	}

	if obs.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		obs.metrics.operationCounter.WithLabelValues(operation, status).Inc()
		obs.metrics.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	}

	if obs.logger != nil {
		switch {
		case err != nil:
			obs.logger.ErrorContext(ctx, "database operation failed",
				"operation", operation, "statement", statement, "duration", duration, "error", err)
		case obs.slowThreshold > 0 && duration > obs.slowThreshold:
			obs.logger.WarnContext(ctx, "slow database operation",
				"operation", operation, "statement", statement, "duration", duration)
		default:
			obs.logger.DebugContext(ctx, "database operation",
				"operation", operation, "statement", statement, "duration", duration)
		}
	}

	return err
}
