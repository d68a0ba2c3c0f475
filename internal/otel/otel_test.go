package otel

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupOTelSDK_Disabled(t *testing.T) {
	tel, err := SetupOTelSDK(context.Background(), "brokerproxy-test", Config{})
	require.NoError(t, err)
	assert.Nil(t, tel.MetricsHandler)
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.Shutdown(context.Background()), "shutdown is repeatable")
}

func TestSetupOTelSDK_Prometheus(t *testing.T) {
	tel, err := SetupOTelSDK(context.Background(), "brokerproxy-test", Config{Prometheus: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	require.NotNil(t, tel.MetricsHandler)

	counter, err := otel.Meter("brokerproxy/otel-test").Int64Counter("brokerproxy.test.requests")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	rec := httptest.NewRecorder()
	tel.MetricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "brokerproxy_test_requests")
}
