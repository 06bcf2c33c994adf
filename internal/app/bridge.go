package app

import (
	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/bridge"
	cfgpkg "github.com/taoyao-code/idro-ble/internal/config"
	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
)

// NewBridgeIfEnabled 根据配置连接 MQTT 并创建应答转发器，未启用时返回 nil
func NewBridgeIfEnabled(cfg cfgpkg.MQTTConfig, catalog *idro.NackCatalog, logger *zap.Logger) (*bridge.Bridge, *bridge.MQTTPublisher, error) {
	if !cfg.Enable {
		return nil, nil, nil
	}
	if cfg.ClientID == "" {
		cfg.ClientID = GenerateClientID()
	}
	pub, err := bridge.Dial(cfg, logger)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("mqtt bridge connected",
		zap.String("broker", cfg.Broker),
		zap.String("client_id", cfg.ClientID),
		zap.String("topic_prefix", cfg.TopicPrefix))
	return bridge.New(pub, cfg.TopicPrefix, catalog, logger), pub, nil
}
