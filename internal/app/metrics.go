package app

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/taoyao-code/idro-ble/internal/metrics"
)

// NewMetrics 初始化注册表与蓝牙会话指标
func NewMetrics() (*prometheus.Registry, *metrics.BLEMetrics) {
	reg := metrics.NewRegistry()
	return reg, metrics.NewBLEMetrics(reg)
}
