package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMode string

func (m fakeMode) Mode() string { return string(m) }

type fakeUsers struct{ err error }

func (f fakeUsers) Health(context.Context) error { return f.err }

func serve(h gin.HandlerFunc, path string) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET(path, h)
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestLivenessAlwaysOK(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	w := serve(h.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	var body LivenessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "alive", body.Status)
}

func TestReadinessHealthy(t *testing.T) {
	h := NewHandler(nil, fakeMode("redis"), fakeUsers{})
	w := serve(h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, "redis", body.Checks["storage"])
	assert.Equal(t, "healthy", body.Checks["database"])
}

func TestReadinessDeadDatabase(t *testing.T) {
	h := NewHandler(nil, fakeMode("memory"), fakeUsers{err: errors.New("down")})
	w := serve(h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	var body ReadinessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "unhealthy", body.Checks["database"])
}

func TestCompactHealthReportsStorageMode(t *testing.T) {
	h := NewHandler(nil, fakeMode("memory"), nil)
	w := serve(h.Health, "/health")

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["ok"])
	assert.Equal(t, "memory", body["storage"])
}
