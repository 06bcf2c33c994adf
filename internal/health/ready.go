package health

import "sync/atomic"

// Readiness 就绪状态聚合（传输层、MQTT 转发）
type Readiness struct {
	transportReady atomic.Bool
	bridgeReady    atomic.Bool
}

// New 创建就绪状态，MQTT 转发默认视为就绪（未启用时不参与判断）
func New() *Readiness {
	r := &Readiness{}
	r.bridgeReady.Store(true)
	return r
}

func (r *Readiness) SetTransportReady(v bool) { r.transportReady.Store(v) }
func (r *Readiness) SetBridgeReady(v bool)    { r.bridgeReady.Store(v) }

// Ready 总体就绪：各子系统均为 true
func (r *Readiness) Ready() bool {
	return r.transportReady.Load() && r.bridgeReady.Load()
}
