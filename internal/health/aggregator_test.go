package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/idro-ble/internal/blesession"
	"github.com/taoyao-code/idro-ble/internal/peripheral"
)

// mockChecker 模拟检查器
type mockChecker struct {
	name   string
	status Status
}

func (m *mockChecker) Name() string { return m.name }

func (m *mockChecker) Check(context.Context) CheckResult {
	return CheckResult{Status: m.status, Message: "mock", Latency: time.Millisecond}
}

func TestAggregator(t *testing.T) {
	tests := []struct {
		name  string
		in    []Status
		want  Status
		ready bool
	}{
		{"全部健康", []Status{StatusHealthy, StatusHealthy}, StatusHealthy, true},
		{"部分降级", []Status{StatusHealthy, StatusDegraded}, StatusDegraded, true},
		{"存在不健康", []Status{StatusDegraded, StatusUnhealthy}, StatusUnhealthy, false},
		{"无检查器", nil, StatusHealthy, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator()
			for i, s := range tt.in {
				agg.AddChecker(&mockChecker{name: string(rune('a' + i)), status: s})
			}
			ctx := context.Background()
			assert.Equal(t, tt.want, agg.OverallStatus(ctx))
			assert.Equal(t, tt.ready, agg.Ready(ctx))
			assert.Len(t, agg.CheckAll(ctx), len(tt.in))
		})
	}
}

func TestCheckerFunc_RecordsLatency(t *testing.T) {
	c := CheckerFunc{ID: "slow", Fn: func(context.Context) CheckResult {
		time.Sleep(5 * time.Millisecond)
		return CheckResult{Status: StatusHealthy}
	}}
	r := c.Check(context.Background())
	assert.Equal(t, "slow", c.Name())
	assert.GreaterOrEqual(t, r.Latency, 5*time.Millisecond)
}

func TestSessionChecker(t *testing.T) {
	p := peripheral.Identity{Name: "IdroCtrl-01"}
	tests := []struct {
		name string
		st   blesession.Status
		want Status
		msg  string
	}{
		{"已连接", blesession.Status{State: blesession.StateReady, Connected: true, Peripheral: &p}, StatusHealthy, "ok"},
		{"未连接", blesession.Status{State: blesession.StateIdle}, StatusDegraded, "no peripheral connected"},
		{"阶段失败", blesession.Status{State: blesession.StateFailed, FailedPhase: blesession.PhaseWrite, Connected: true}, StatusDegraded, "last phase failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := SessionChecker(func() blesession.Status { return tt.st }).Check(context.Background())
			assert.Equal(t, tt.want, r.Status)
			assert.Equal(t, tt.msg, r.Message)
		})
	}
}

func TestMQTTChecker(t *testing.T) {
	up := true
	c := MQTTChecker(func() bool { return up })
	assert.Equal(t, StatusHealthy, c.Check(context.Background()).Status)
	up = false
	assert.Equal(t, StatusDegraded, c.Check(context.Background()).Status)
}

func TestReadiness(t *testing.T) {
	r := New()
	assert.False(t, r.Ready())
	r.SetTransportReady(true)
	assert.True(t, r.Ready())
	r.SetBridgeReady(false)
	assert.False(t, r.Ready())
}

func TestHTTPRoutes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	status := StatusHealthy
	agg := NewAggregator(CheckerFunc{ID: "x", Fn: func(context.Context) CheckResult {
		return CheckResult{Status: status}
	}})
	r := gin.New()
	RegisterHTTPRoutes(r, agg)

	get := func() (*httptest.ResponseRecorder, HealthReport) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		var rep HealthReport
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rep))
		return w, rep
	}

	w, rep := get()
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, StatusHealthy, rep.Status)
	assert.Contains(t, rep.Checks, "x")

	status = StatusUnhealthy
	w, _ = get()
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
