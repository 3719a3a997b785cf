package observability

import (
	"context"
	"testing"

	"bidtrack/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestSetupTracing_DisabledIsNoOp(t *testing.T) {
	tc := config.GetDefaultConfig().Monitoring.Tracing
	tc.Enabled = false

	shutdown, err := SetupTracing(context.Background(), tc, "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestSetupTracing_EnabledBuildsProvider(t *testing.T) {
	tc := config.TracingConfig{Enabled: true, Insecure: true, ServiceName: "bidtrack-test"}

	// grpc 连接是惰性的，没有 collector 也能创建
	shutdown, err := SetupTracing(context.Background(), tc, "test")
	if err != nil {
		t.Skipf("exporter unavailable: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = shutdown(ctx)
}

func TestEndpointHost(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://localhost:4317", "localhost:4317"},
		{"https://otel-collector:4317", "otel-collector:4317"},
		{"127.0.0.1:4317", "127.0.0.1:4317"},
		{"", ""},
		{"http://", "http://"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, endpointHost(tt.input))
		})
	}
}

func TestSampleRatio(t *testing.T) {
	assert.Equal(t, defaultSampleRatio, sampleRatio(-0.1))
	assert.Equal(t, defaultSampleRatio, sampleRatio(0))
	assert.Equal(t, defaultSampleRatio, sampleRatio(1.5))
	assert.Equal(t, 0.5, sampleRatio(0.5))
	assert.Equal(t, 1.0, sampleRatio(1))
}

func TestInstrumentDB(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)

	assert.NoError(t, InstrumentDB(db, config.TracingConfig{Enabled: false}))
	assert.NoError(t, InstrumentDB(db, config.TracingConfig{Enabled: true}))
}

func TestServiceAttributes(t *testing.T) {
	assert.Len(t, serviceAttributes("bidtrack", "dev"), 1)
	assert.Len(t, serviceAttributes("bidtrack", ""), 1)

	attrs := serviceAttributes("bidtrack", "1.4.0")
	require.Len(t, attrs, 2)
	assert.Equal(t, "service.version", string(attrs[1].Key))
	assert.Equal(t, "1.4.0", attrs[1].Value.AsString())
}
