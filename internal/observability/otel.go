package observability

import (
	"context"
	"fmt"
	"strings"

	"bidtrack/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/gorm"
	gormtracing "gorm.io/plugin/opentelemetry/tracing"
)

const defaultSampleRatio = 0.1

// SetupTracing 初始化 OpenTelemetry TracerProvider，返回关闭函数。
// version 为 dev 时不写 service.version。
func SetupTracing(ctx context.Context, tc config.TracingConfig, version string) (func(context.Context) error, error) {
	if !tc.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	endpoint := tc.Endpoint
	if endpoint == "" {
		endpoint = "http://localhost:4317"
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpointHost(endpoint))}
	if tc.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	svcName := tc.ServiceName
	if svcName == "" {
		svcName = "bidtrack"
	}
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(serviceAttributes(svcName, version)...),
	)
	if err != nil {
		return nil, fmt.Errorf("resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio(tc.SampleRatio)))),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// InstrumentDB 为 gorm 注册 tracing 插件，未启用追踪时不做任何事
func InstrumentDB(db *gorm.DB, tc config.TracingConfig) error {
	if !tc.Enabled {
		return nil
	}
	if err := db.Use(gormtracing.NewPlugin()); err != nil {
		return fmt.Errorf("gorm tracing: %w", err)
	}
	return nil
}

func serviceAttributes(name, version string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("service.name", name)}
	if version != "" && version != "dev" {
		attrs = append(attrs, attribute.String("service.version", version))
	}
	return attrs
}

func sampleRatio(r float64) float64 {
	if r <= 0 || r > 1 {
		return defaultSampleRatio
	}
	return r
}

// endpointHost 从 http://host:port 或 host:port 提取 host:port 供 gRPC 使用
func endpointHost(s string) string {
	for _, scheme := range []string{"http://", "https://"} {
		if strings.HasPrefix(s, scheme) && len(s) > len(scheme) {
			return strings.TrimPrefix(s, scheme)
		}
	}
	return s
}
