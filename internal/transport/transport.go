// Package transport 定义会话层依赖的无线外设栈边界：
// 所有请求均为异步，结果通过 Delegate 在传输层自己的后台上下文中回调。
package transport

import (
	"strings"

	"github.com/taoyao-code/idro-ble/internal/peripheral"
)

// WriteMode 特征值写入方式
type WriteMode int

const (
	WriteWithResponse    WriteMode = iota // 等待写入确认
	WriteWithoutResponse                  // 不等待确认
)

func (m WriteMode) String() string {
	if m == WriteWithoutResponse {
		return "without-response"
	}
	return "with-response"
}

// Service GATT 服务
type Service struct {
	UUID string `json:"uuid"`
}

// Characteristic GATT 特征
type Characteristic struct {
	UUID        string `json:"uuid"`
	ServiceUUID string `json:"service_uuid"`
}

// SameUUID UUID 比较（大小写不敏感）
func SameUUID(a, b string) bool {
	return strings.EqualFold(a, b)
}

// Advertisement 一次广播发现
type Advertisement struct {
	Peripheral peripheral.Identity
	RSSI       int
}

// Delegate 传输层事件回调
type Delegate interface {
	DidConnect(p peripheral.Identity)
	DidFailToConnect(p peripheral.Identity, err error)
	DidDisconnect(p peripheral.Identity, err error)
	DidDiscoverServices(p peripheral.Identity, services []Service, err error)
	DidDiscoverCharacteristics(p peripheral.Identity, service Service, chars []Characteristic, err error)
	DidWriteValue(p peripheral.Identity, ch Characteristic, err error)
	DidUpdateNotificationState(p peripheral.Identity, ch Characteristic, enabled bool, err error)
	DidUpdateValue(p peripheral.Identity, ch Characteristic, value []byte, err error)
}

// Transport 无线外设栈能力
type Transport interface {
	SetDelegate(d Delegate)
	StartScan(onDiscover func(Advertisement)) error
	StopScan()
	Connect(p peripheral.Identity) error
	Disconnect(p peripheral.Identity) error
	DiscoverServices(p peripheral.Identity) error
	DiscoverCharacteristics(p peripheral.Identity, service Service) error
	WriteValue(p peripheral.Identity, ch Characteristic, data []byte, mode WriteMode) error
	SetNotify(p peripheral.Identity, ch Characteristic, enabled bool) error
	ReadValue(p peripheral.Identity, ch Characteristic) error
}
