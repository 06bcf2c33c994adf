package app

import (
	"github.com/gin-gonic/gin"

	"github.com/taoyao-code/idro-ble/internal/blesession"
	"github.com/taoyao-code/idro-ble/internal/health"
)

// NewHealthAggregator 创建健康检查聚合器，初始只含蓝牙会话检查
func NewHealthAggregator(sess *blesession.Session) *health.Aggregator {
	return health.NewAggregator(health.SessionChecker(sess.Status))
}

// RegisterHealthRoutes 注册健康检查HTTP路由
func RegisterHealthRoutes(r *gin.Engine, aggregator *health.Aggregator) {
	health.RegisterHTTPRoutes(r, aggregator)
}

// AddMQTTChecker MQTT 转发启用后追加检查器
func AddMQTTChecker(aggregator *health.Aggregator, connected func() bool) {
	aggregator.AddChecker(health.MQTTChecker(connected))
}
