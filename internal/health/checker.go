package health

import (
	"context"
	"time"
)

// Status 健康状态
type Status string

const (
	StatusHealthy   Status = "healthy"   // 健康
	StatusDegraded  Status = "degraded"  // 降级（仍可服务）
	StatusUnhealthy Status = "unhealthy" // 不健康（无法服务）
)

// CheckResult 健康检查结果
type CheckResult struct {
	Status  Status         `json:"status"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Latency time.Duration  `json:"latency"`
}

// Checker 健康检查器接口
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckerFunc 以函数实现 Checker
type CheckerFunc struct {
	ID string
	Fn func(ctx context.Context) CheckResult
}

// Name 检查器名称
func (f CheckerFunc) Name() string { return f.ID }

// Check 执行检查并记录耗时
func (f CheckerFunc) Check(ctx context.Context) CheckResult {
	start := time.Now()
	r := f.Fn(ctx)
	r.Latency = time.Since(start)
	return r
}
