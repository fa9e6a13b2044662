package observe

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/chinmina/regtoken/internal/config"
)

func TestConfigure_Disabled(t *testing.T) {
	shutdown, err := Configure(context.Background(), config.ObserveConfig{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(context.Background()))
}

func TestConfigure_Stdout(t *testing.T) {
	cfg := config.ObserveConfig{
		Enabled:                   true,
		MetricsEnabled:            true,
		Type:                      "stdout",
		ServiceName:               "regtoken-test",
		SDKLogLevel:               "warn",
		TraceBatchTimeoutSeconds:  1,
		MetricReadIntervalSeconds: 60,
	}

	shutdown, err := Configure(context.Background(), cfg)
	require.NoError(t, err)

	assert.NoError(t, shutdown(context.Background()))
}

func TestConfigure_UnsupportedType(t *testing.T) {
	_, err := Configure(context.Background(), config.ObserveConfig{
		Enabled:     true,
		Type:        "carrier-pigeon",
		ServiceName: "regtoken-test",
	})
	assert.ErrorContains(t, err, `unsupported telemetry exporter type "carrier-pigeon"`)
}

func TestHTTPTransport(t *testing.T) {
	base := http.DefaultTransport

	tests := []struct {
		name    string
		cfg     config.ObserveConfig
		wrapped bool
	}{
		{
			name:    "telemetry disabled",
			cfg:     config.ObserveConfig{Enabled: false, HTTPTransportEnabled: true},
			wrapped: false,
		},
		{
			name:    "transport disabled",
			cfg:     config.ObserveConfig{Enabled: true, HTTPTransportEnabled: false},
			wrapped: false,
		},
		{
			name:    "enabled",
			cfg:     config.ObserveConfig{Enabled: true, HTTPTransportEnabled: true},
			wrapped: true,
		},
		{
			name:    "enabled with connection trace",
			cfg:     config.ObserveConfig{Enabled: true, HTTPTransportEnabled: true, HTTPConnectionTraceEnabled: true},
			wrapped: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := HTTPTransport(base, tt.cfg)
			if !tt.wrapped {
				assert.Same(t, base, rt)
				return
			}
			assert.IsType(t, &otelhttp.Transport{}, rt)
		})
	}
}
