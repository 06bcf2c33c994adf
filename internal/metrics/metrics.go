package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry 创建自定义 Prometheus Registry，并注册常用采集器
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler 返回 Prometheus 指标 HTTP 处理器
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// BLEMetrics BLE 会话业务指标。所有方法允许 nil 接收者，便于测试时不注入指标。
type BLEMetrics struct {
	PhaseTimeoutTotal *prometheus.CounterVec   // labels: phase
	PhaseDuration     *prometheus.HistogramVec // labels: phase
	WriteTotal        *prometheus.CounterVec   // labels: code, result=ok|error|timeout
	ReplyTotal        *prometheus.CounterVec   // labels: code, result=ack|nack
	DiscoveredTotal   prometheus.Counter       // 扫描新增外设
	ConnectedGauge    prometheus.Gauge         // 1=已连接
}

// NewBLEMetrics 注册并返回 BLE 指标
func NewBLEMetrics(reg *prometheus.Registry) *BLEMetrics {
	m := &BLEMetrics{
		PhaseTimeoutTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_phase_timeout_total",
			Help: "Bounded waits that timed out, by session phase.",
		}, []string{"phase"}),
		PhaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ble_phase_duration_seconds",
			Help:    "Duration of completed bounded waits, by session phase.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4},
		}, []string{"phase"}),
		WriteTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_write_total",
			Help: "Command writes by opcode and result.",
		}, []string{"code", "result"}),
		ReplyTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ble_reply_total",
			Help: "Gateway replies by context opcode and ack/nack.",
		}, []string{"code", "result"}),
		DiscoveredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ble_discovered_total",
			Help: "Distinct peripherals added to the registry.",
		}),
		ConnectedGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ble_connected",
			Help: "1 when a peripheral is connected.",
		}),
	}
	reg.MustRegister(m.PhaseTimeoutTotal, m.PhaseDuration, m.WriteTotal, m.ReplyTotal, m.DiscoveredTotal, m.ConnectedGauge)
	return m
}

// PhaseTimeout 记录一次阶段超时
func (m *BLEMetrics) PhaseTimeout(phase string) {
	if m == nil {
		return
	}
	m.PhaseTimeoutTotal.WithLabelValues(phase).Inc()
}

// PhaseDone 记录阶段耗时
func (m *BLEMetrics) PhaseDone(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.PhaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

// Write 记录一次写入结果
func (m *BLEMetrics) Write(code, result string) {
	if m == nil {
		return
	}
	m.WriteTotal.WithLabelValues(code, result).Inc()
}

// Reply 记录一次应答
func (m *BLEMetrics) Reply(code string, ack bool) {
	if m == nil {
		return
	}
	result := "nack"
	if ack {
		result = "ack"
	}
	m.ReplyTotal.WithLabelValues(code, result).Inc()
}

// Discovered 扫描新增外设
func (m *BLEMetrics) Discovered() {
	if m == nil {
		return
	}
	m.DiscoveredTotal.Inc()
}

// SetConnected 更新连接状态
func (m *BLEMetrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.ConnectedGauge.Set(1)
		return
	}
	m.ConnectedGauge.Set(0)
}
