package app

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/blesession"
	cfgpkg "github.com/taoyao-code/idro-ble/internal/config"
	"github.com/taoyao-code/idro-ble/internal/metrics"
	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
	"github.com/taoyao-code/idro-ble/internal/transport"
	"github.com/taoyao-code/idro-ble/internal/transport/hci"
	"github.com/taoyao-code/idro-ble/internal/transport/sim"
)

// NewTransport 按配置选择传输：sim 为内存模拟网关，hci 为本机蓝牙适配器
func NewTransport(cfg cfgpkg.BLEConfig, logger *zap.Logger) (transport.Transport, error) {
	switch cfg.Transport {
	case "sim":
		devices := make([]*sim.Device, 0, len(cfg.SimDevices))
		for i, name := range cfg.SimDevices {
			d := sim.NewDevice(name, -40-10*i)
			if cfg.ServiceUUID != "" {
				svc := transport.Service{UUID: cfg.ServiceUUID}
				d.Services = map[transport.Service][]transport.Characteristic{
					svc: {{UUID: cfg.CharacteristicUUID, ServiceUUID: cfg.ServiceUUID}},
				}
			}
			devices = append(devices, d)
		}
		logger.Info("using simulated transport", zap.Strings("devices", cfg.SimDevices))
		return sim.New(logger, devices...), nil
	case "hci":
		t, err := hci.New(logger)
		if err != nil {
			return nil, fmt.Errorf("open hci adapter: %w", err)
		}
		logger.Info("using hci transport")
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

// SessionOptions 由配置构造会话参数
func SessionOptions(cfg cfgpkg.BLEConfig) blesession.Options {
	opts := blesession.DefaultOptions()
	opts.ConnectTimeout = cfg.ConnectTimeout
	opts.DiscoveryTimeout = cfg.DiscoveryTimeout
	opts.WriteTimeout = cfg.WriteTimeout
	opts.SubscribeTimeout = cfg.SubscribeTimeout
	if cfg.DeviceMarker != "" {
		opts.DeviceMarker = cfg.DeviceMarker
	}
	return opts
}

// WriteMode 配置对应的写入方式
func WriteMode(cfg cfgpkg.BLEConfig) transport.WriteMode {
	if cfg.WriteWithResponse {
		return transport.WriteWithResponse
	}
	return transport.WriteWithoutResponse
}

// NewSession 创建蓝牙会话
func NewSession(t transport.Transport, cfg cfgpkg.BLEConfig, logger *zap.Logger, m *metrics.BLEMetrics) *blesession.Session {
	opts := SessionOptions(cfg)
	logger.Info("ble session configured",
		zap.Duration("connect_timeout", opts.ConnectTimeout),
		zap.Duration("discovery_timeout", opts.DiscoveryTimeout),
		zap.Duration("write_timeout", opts.WriteTimeout),
		zap.Duration("subscribe_timeout", opts.SubscribeTimeout),
		zap.String("device_marker", opts.DeviceMarker))
	return blesession.New(t, opts, logger, m)
}

// LoadNackCatalog 加载否定应答说明表，未配置时返回 nil
func LoadNackCatalog(path string, logger *zap.Logger) *idro.NackCatalog {
	if path == "" {
		return nil
	}
	cat, err := idro.LoadNackCatalog(path)
	if err != nil {
		logger.Warn("load nack catalog failed", zap.String("path", path), zap.Error(err))
		return nil
	}
	logger.Info("nack catalog loaded", zap.String("path", path))
	return cat
}

// CloseTransport 释放传输资源
func CloseTransport(t transport.Transport) error {
	switch c := t.(type) {
	case interface{ Close() error }:
		return c.Close()
	case interface{ Close() }:
		c.Close()
	}
	return nil
}
