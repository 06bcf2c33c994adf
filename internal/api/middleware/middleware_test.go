package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func engine(mw ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r http.Handler, header map[string]string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestAPIKeyAuth(t *testing.T) {
	r := engine(APIKeyAuth(AuthConfig{Enabled: true, APIKeys: []string{"sk_test_12345678"}}, zap.NewNop()))

	tests := []struct {
		name   string
		header map[string]string
		want   int
	}{
		{"缺少key", nil, http.StatusUnauthorized},
		{"无效key", map[string]string{"X-API-Key": "nope"}, http.StatusForbidden},
		{"X-API-Key", map[string]string{"X-API-Key": "sk_test_12345678"}, http.StatusOK},
		{"Bearer", map[string]string{"Authorization": "Bearer sk_test_12345678"}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, get(r, tt.header))
		})
	}
}

func TestAPIKeyAuth_Disabled(t *testing.T) {
	r := engine(APIKeyAuth(AuthConfig{Enabled: false}, zap.NewNop()))
	assert.Equal(t, http.StatusOK, get(r, nil))
}

func TestMaskAPIKey(t *testing.T) {
	assert.Equal(t, "****", maskAPIKey("short"))
	assert.Equal(t, "sk_t****5678", maskAPIKey("sk_test_12345678"))
}

func TestRateLimit(t *testing.T) {
	l := NewRateLimiter(0.001, 2)
	r := engine(RateLimit(l))

	assert.Equal(t, http.StatusOK, get(r, nil))
	assert.Equal(t, http.StatusOK, get(r, nil))
	assert.Equal(t, http.StatusTooManyRequests, get(r, nil))

	stats := l.Stats()
	assert.Equal(t, int64(2), stats.AllowedTotal)
	assert.Equal(t, int64(1), stats.RejectedTotal)
	assert.Equal(t, 2, stats.Burst)
}

func TestCORS_Preflight(t *testing.T) {
	r := engine(CORS())
	req := httptest.NewRequest(http.MethodOptions, "/ping", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
