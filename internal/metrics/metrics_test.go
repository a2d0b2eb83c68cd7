package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.RotationStarted("password")
	r.RotationFinished("password", "completed", 1)
	r.VaultOperation("memory", "put", nil, 0.01)
	r.AuditPurged(3)
}

func TestRecorderCounts(t *testing.T) {
	InitMetrics()
	assert.True(t, IsMetricsRegistered())

	r := New()

	before := testutil.ToFloat64(GetRotationStartedTotal().WithLabelValues("api_key"))
	r.RotationStarted("api_key")
	r.RotationStarted("api_key")
	assert.Equal(t, before+2, testutil.ToFloat64(GetRotationStartedTotal().WithLabelValues("api_key")))

	before = testutil.ToFloat64(GetRotationFinishedTotal().WithLabelValues("api_key", "failed"))
	r.RotationFinished("api_key", "failed", 0.2)
	assert.Equal(t, before+1, testutil.ToFloat64(GetRotationFinishedTotal().WithLabelValues("api_key", "failed")))

	before = testutil.ToFloat64(GetRetriesExhaustedTotal().WithLabelValues("token"))
	r.RetryExhausted("token")
	assert.Equal(t, before+1, testutil.ToFloat64(GetRetriesExhaustedTotal().WithLabelValues("token")))

	before = testutil.ToFloat64(GetAuditVerifyFailuresTotal())
	r.AuditVerifyFailed()
	assert.Equal(t, before+1, testutil.ToFloat64(GetAuditVerifyFailuresTotal()))

	before = testutil.ToFloat64(GetNotificationsDroppedTotal())
	r.NotificationDropped()
	assert.Equal(t, before+1, testutil.ToFloat64(GetNotificationsDroppedTotal()))

	// Repeated init keeps the same collectors.
	InitMetrics()
	assert.Equal(t, before+1, testutil.ToFloat64(GetNotificationsDroppedTotal()))
}

func TestServerHandlerHealth(t *testing.T) {
	InitMetrics()

	healthy := NewServer(DefaultServerConfig(), func(context.Context) error { return nil }, nil)
	rec := httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	broken := NewServer(DefaultServerConfig(), func(context.Context) error { return errors.New("db down") }, nil)
	rec = httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")

	rec = httptest.NewRecorder()
	healthy.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "credrotate_")
}

func TestServerStartStop(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Enabled = true
	cfg.Port = 0

	srv := NewServer(cfg, nil, nil)
	require.NoError(t, srv.Start())
	require.NotEmpty(t, srv.Addr())

	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	assert.Equal(t, "OK", strings.TrimSpace(string(body)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, srv.Stop(ctx))
}

func TestServerDisabled(t *testing.T) {
	srv := NewServer(DefaultServerConfig(), nil, nil)
	require.NoError(t, srv.Start())
	assert.Empty(t, srv.Addr())
	assert.NoError(t, srv.Stop(context.Background()))
}
