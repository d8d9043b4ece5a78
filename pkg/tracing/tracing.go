package tracing

import (
	"context"
	"fmt"

	"consult-service/internal/config"
	"consult-service/pkg/logger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "consult-service"

var (
	tracer oteltrace.Tracer
	meter  otelmetric.Meter
)

// Init 初始化 OpenTelemetry 追踪与指标，返回清理函数
func Init(cfg *config.Config) (func(), error) {
	var cleanupFuncs []func()
	log := logger.GetLogger()

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.Monitoring.Tracing.ServiceName),
			semconv.ServiceVersionKey.String(cfg.Monitoring.Tracing.ServiceVersion),
			attribute.String("environment", cfg.Monitoring.Tracing.Environment),
		),
		resource.WithProcess(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	if cfg.Monitoring.Tracing.Enabled {
		traceExporter, err := jaeger.New(jaeger.WithCollectorEndpoint(
			jaeger.WithEndpoint(cfg.Monitoring.Tracing.JaegerEndpoint),
		))
		if err != nil {
			return nil, fmt.Errorf("create jaeger exporter: %w", err)
		}

		tp := sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(traceExporter),
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.Monitoring.Tracing.SampleRate)),
		)
		otel.SetTracerProvider(tp)
		tracer = tp.Tracer(cfg.Monitoring.Tracing.ServiceName)

		cleanupFuncs = append(cleanupFuncs, func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.WithError(err).Warn("tracer provider shutdown failed")
			}
		})
	}

	if cfg.Monitoring.Metrics.Enabled {
		promExporter, err := prometheus.New()
		if err != nil {
			return nil, fmt.Errorf("create prometheus exporter: %w", err)
		}

		mp := metric.NewMeterProvider(
			metric.WithReader(promExporter),
			metric.WithResource(res),
		)
		otel.SetMeterProvider(mp)
		meter = mp.Meter(cfg.Monitoring.Tracing.ServiceName)

		cleanupFuncs = append(cleanupFuncs, func() {
			if err := mp.Shutdown(context.Background()); err != nil {
				log.WithError(err).Warn("meter provider shutdown failed")
			}
		})
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	log.WithFields(map[string]interface{}{
		"service_name":    cfg.Monitoring.Tracing.ServiceName,
		"service_version": cfg.Monitoring.Tracing.ServiceVersion,
		"environment":     cfg.Monitoring.Tracing.Environment,
		"tracing_enabled": cfg.Monitoring.Tracing.Enabled,
		"sample_rate":     cfg.Monitoring.Tracing.SampleRate,
		"metrics_enabled": cfg.Monitoring.Metrics.Enabled,
		"metrics_path":    cfg.Monitoring.Metrics.Path,
	}).Info("OpenTelemetry initialised")

	return func() {
		for _, f := range cleanupFuncs {
			f()
		}
	}, nil
}

func GetTracer() oteltrace.Tracer {
	if tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return tracer
}

func GetMeter() otelmetric.Meter {
	if meter == nil {
		return otel.Meter(instrumentationName)
	}
	return meter
}

// StartSpan 开始一个 span
func StartSpan(ctx context.Context, name string, opts ...oteltrace.SpanStartOption) (context.Context, oteltrace.Span) {
	return GetTracer().Start(ctx, name, opts...)
}

// EndSpan 记录错误状态并结束 span
func EndSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
