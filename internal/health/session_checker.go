package health

import (
	"context"

	"github.com/taoyao-code/idro-ble/internal/blesession"
)

// SessionChecker 蓝牙会话健康检查：已连接为健康，未连接或阶段失败为降级
func SessionChecker(status func() blesession.Status) Checker {
	return CheckerFunc{ID: "ble_session", Fn: func(context.Context) CheckResult {
		st := status()
		details := map[string]any{
			"state":     st.StateName,
			"connected": st.Connected,
			"last_code": st.LastCode,
		}
		switch {
		case st.State == blesession.StateFailed:
			details["failed_phase"] = st.FailedPhase
			return CheckResult{Status: StatusDegraded, Message: "last phase failed", Details: details}
		case !st.Connected:
			return CheckResult{Status: StatusDegraded, Message: "no peripheral connected", Details: details}
		default:
			if st.Peripheral != nil {
				details["peripheral"] = st.Peripheral.String()
			}
			return CheckResult{Status: StatusHealthy, Message: "ok", Details: details}
		}
	}}
}

// MQTTChecker MQTT 转发健康检查
func MQTTChecker(connected func() bool) Checker {
	return CheckerFunc{ID: "mqtt", Fn: func(context.Context) CheckResult {
		if connected() {
			return CheckResult{Status: StatusHealthy, Message: "ok"}
		}
		return CheckResult{Status: StatusDegraded, Message: "broker unreachable"}
	}}
}
