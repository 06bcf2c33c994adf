// Package sim 提供内存中的网关模拟传输：请求异步执行，结果在单独的事件协程中
// 按序回调 Delegate。写入的指令由 Responder 生成应答帧并以通知送达。
package sim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/peripheral"
	"github.com/taoyao-code/idro-ble/internal/transport"
)

// 默认 GATT 布局：单服务，单个可写可通知特征
const (
	DefaultServiceUUID        = "FFE0"
	DefaultCharacteristicUUID = "FFE1"
)

var (
	// ErrUnknownPeripheral 连接了未在模拟器中登记的外设
	ErrUnknownPeripheral = errors.New("sim: unknown peripheral")
	// ErrClosed 模拟器已关闭
	ErrClosed = errors.New("sim: closed")
)

// namespace 由名称派生稳定外设标识
var namespace = uuid.MustParse("5b0c6a3e-2f7d-4c8e-9a41-1d2e3f4a5b6c")

// NewIdentity 以名称派生稳定的外设标识
func NewIdentity(name string) peripheral.Identity {
	return peripheral.New(uuid.NewSHA1(namespace, []byte(name)), name)
}

// Device 模拟外设
type Device struct {
	Identity peripheral.Identity
	RSSI     int
	Services map[transport.Service][]transport.Characteristic
	// Responder 为空时使用 NewGatewayResponder(DefaultProfile())
	Responder Responder
}

// NewDevice 以默认 GATT 布局创建模拟外设
func NewDevice(name string, rssi int) *Device {
	svc := transport.Service{UUID: DefaultServiceUUID}
	return &Device{
		Identity: NewIdentity(name),
		RSSI:     rssi,
		Services: map[transport.Service][]transport.Characteristic{
			svc: {{UUID: DefaultCharacteristicUUID, ServiceUUID: DefaultServiceUUID}},
		},
	}
}

// Faults 故障注入开关：为 true 时对应请求被静默丢弃，从而触发调用方的有界等待超时
type Faults struct {
	DropConnect   bool
	DropDiscovery bool
	DropWrite     bool
	DropNotify    bool
	DropReply     bool
}

// Transport 内存模拟传输
type Transport struct {
	log *zap.Logger

	mu         sync.Mutex
	delegate   transport.Delegate
	devices    map[uuid.UUID]*Device
	order      []uuid.UUID
	connected  map[uuid.UUID]bool
	notifying  map[uuid.UUID]bool
	lastValue  map[uuid.UUID][]byte
	onDiscover func(transport.Advertisement)
	faults     Faults
	replyDelay time.Duration
	writes     [][]byte

	events chan func()
	done   chan struct{}
	once   sync.Once
}

var _ transport.Transport = (*Transport)(nil)

// New 创建模拟传输并启动事件协程
func New(logger *zap.Logger, devices ...*Device) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Transport{
		log:       logger.Named("sim"),
		devices:   make(map[uuid.UUID]*Device),
		connected: make(map[uuid.UUID]bool),
		notifying: make(map[uuid.UUID]bool),
		lastValue: make(map[uuid.UUID][]byte),
		events:    make(chan func(), 256),
		done:      make(chan struct{}),
	}
	for _, d := range devices {
		t.AddDevice(d)
	}
	go t.loop()
	return t
}

func (t *Transport) loop() {
	for {
		select {
		case fn := <-t.events:
			fn()
		case <-t.done:
			return
		}
	}
}

// post 将回调排入事件队列
func (t *Transport) post(fn func()) error {
	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	select {
	case t.events <- fn:
		return nil
	case <-t.done:
		return ErrClosed
	}
}

// postAfter 延迟排入事件队列
func (t *Transport) postAfter(d time.Duration, fn func()) {
	if d <= 0 {
		_ = t.post(fn)
		return
	}
	time.AfterFunc(d, func() { _ = t.post(fn) })
}

// Close 停止事件协程，之后的请求返回 ErrClosed
func (t *Transport) Close() {
	t.once.Do(func() { close(t.done) })
}

// AddDevice 登记模拟外设；扫描进行中时立即广播
func (t *Transport) AddDevice(d *Device) {
	t.mu.Lock()
	id := d.Identity.ID
	if _, ok := t.devices[id]; !ok {
		t.order = append(t.order, id)
	}
	t.devices[id] = d
	cb := t.onDiscover
	t.mu.Unlock()

	if cb != nil {
		adv := transport.Advertisement{Peripheral: d.Identity, RSSI: d.RSSI}
		_ = t.post(func() { cb(adv) })
	}
}

// SetFaults 设置故障注入开关
func (t *Transport) SetFaults(f Faults) {
	t.mu.Lock()
	t.faults = f
	t.mu.Unlock()
}

// SetReplyDelay 设置写入到应答通知之间的延迟
func (t *Transport) SetReplyDelay(d time.Duration) {
	t.mu.Lock()
	t.replyDelay = d
	t.mu.Unlock()
}

// Writes 返回已写入的报文副本
func (t *Transport) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	for i, w := range t.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// DropConnection 模拟远端断开
func (t *Transport) DropConnection(p peripheral.Identity, reason error) {
	t.mu.Lock()
	was := t.connected[p.ID]
	delete(t.connected, p.ID)
	delete(t.notifying, p.ID)
	d := t.delegate
	t.mu.Unlock()
	if was && d != nil {
		_ = t.post(func() { d.DidDisconnect(p, reason) })
	}
}

// Notify 模拟设备主动推送一帧
func (t *Transport) Notify(p peripheral.Identity, ch transport.Characteristic, value []byte) {
	t.mu.Lock()
	d := t.delegate
	t.lastValue[p.ID] = append([]byte(nil), value...)
	t.mu.Unlock()
	if d != nil {
		v := append([]byte(nil), value...)
		_ = t.post(func() { d.DidUpdateValue(p, ch, v, nil) })
	}
}

// SetDelegate 设置事件回调
func (t *Transport) SetDelegate(d transport.Delegate) {
	t.mu.Lock()
	t.delegate = d
	t.mu.Unlock()
}

// StartScan 对所有已登记外设各广播一次
func (t *Transport) StartScan(onDiscover func(transport.Advertisement)) error {
	if onDiscover == nil {
		return fmt.Errorf("sim: nil scan handler")
	}
	t.mu.Lock()
	t.onDiscover = onDiscover
	advs := make([]transport.Advertisement, 0, len(t.order))
	for _, id := range t.order {
		d := t.devices[id]
		advs = append(advs, transport.Advertisement{Peripheral: d.Identity, RSSI: d.RSSI})
	}
	t.mu.Unlock()

	for _, adv := range advs {
		adv := adv
		if err := t.post(func() { onDiscover(adv) }); err != nil {
			return err
		}
	}
	return nil
}

// StopScan 停止扫描
func (t *Transport) StopScan() {
	t.mu.Lock()
	t.onDiscover = nil
	t.mu.Unlock()
}

func (t *Transport) device(p peripheral.Identity) (*Device, transport.Delegate, Faults, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.devices[p.ID]
	return d, t.delegate, t.faults, ok
}

// Connect 连接外设
func (t *Transport) Connect(p peripheral.Identity) error {
	_, d, faults, ok := t.device(p)
	if d == nil {
		return fmt.Errorf("sim: no delegate")
	}
	if !ok {
		return t.post(func() { d.DidFailToConnect(p, ErrUnknownPeripheral) })
	}
	if faults.DropConnect {
		t.log.Debug("dropping connect", zap.String("peripheral", p.String()))
		return nil
	}
	t.mu.Lock()
	t.connected[p.ID] = true
	t.mu.Unlock()
	return t.post(func() { d.DidConnect(p) })
}

// Disconnect 断开外设
func (t *Transport) Disconnect(p peripheral.Identity) error {
	t.DropConnection(p, nil)
	return nil
}

func (t *Transport) requireConnected(p peripheral.Identity) (*Device, transport.Delegate, Faults, error) {
	dev, d, faults, ok := t.device(p)
	if !ok {
		return nil, nil, faults, ErrUnknownPeripheral
	}
	t.mu.Lock()
	conn := t.connected[p.ID]
	t.mu.Unlock()
	if !conn {
		return nil, nil, faults, fmt.Errorf("sim: %s not connected", p)
	}
	return dev, d, faults, nil
}

// DiscoverServices 发现服务
func (t *Transport) DiscoverServices(p peripheral.Identity) error {
	dev, d, faults, err := t.requireConnected(p)
	if err != nil {
		return err
	}
	if faults.DropDiscovery {
		return nil
	}
	services := make([]transport.Service, 0, len(dev.Services))
	for svc := range dev.Services {
		services = append(services, svc)
	}
	return t.post(func() { d.DidDiscoverServices(p, services, nil) })
}

// DiscoverCharacteristics 发现服务下的特征
func (t *Transport) DiscoverCharacteristics(p peripheral.Identity, svc transport.Service) error {
	dev, d, faults, err := t.requireConnected(p)
	if err != nil {
		return err
	}
	if faults.DropDiscovery {
		return nil
	}
	chars := append([]transport.Characteristic(nil), dev.Services[svc]...)
	return t.post(func() { d.DidDiscoverCharacteristics(p, svc, chars, nil) })
}

// WriteValue 写入指令；开启通知时由 Responder 生成应答并推送
func (t *Transport) WriteValue(p peripheral.Identity, ch transport.Characteristic, data []byte, mode transport.WriteMode) error {
	dev, d, faults, err := t.requireConnected(p)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	t.mu.Lock()
	t.writes = append(t.writes, payload)
	notifying := t.notifying[p.ID]
	delay := t.replyDelay
	t.mu.Unlock()

	if faults.DropWrite {
		t.log.Debug("dropping write", zap.String("peripheral", p.String()))
		return nil
	}
	if mode == transport.WriteWithResponse {
		if err := t.post(func() { d.DidWriteValue(p, ch, nil) }); err != nil {
			return err
		}
	}
	if !notifying || faults.DropReply {
		return nil
	}

	responder := dev.Responder
	if responder == nil {
		responder = NewGatewayResponder(DefaultProfile())
	}
	reply, rerr := responder(payload)
	if rerr != nil {
		t.log.Warn("responder failed", zap.Error(rerr))
		return nil
	}
	if reply == nil {
		return nil
	}
	t.mu.Lock()
	t.lastValue[p.ID] = reply
	t.mu.Unlock()
	t.postAfter(delay, func() { d.DidUpdateValue(p, ch, reply, nil) })
	return nil
}

// SetNotify 开关通知
func (t *Transport) SetNotify(p peripheral.Identity, ch transport.Characteristic, enabled bool) error {
	_, d, faults, err := t.requireConnected(p)
	if err != nil {
		return err
	}
	if faults.DropNotify {
		return nil
	}
	t.mu.Lock()
	t.notifying[p.ID] = enabled
	t.mu.Unlock()
	return t.post(func() { d.DidUpdateNotificationState(p, ch, enabled, nil) })
}

// ReadValue 读取最近一次的特征值（无值时回调空值）
func (t *Transport) ReadValue(p peripheral.Identity, ch transport.Characteristic) error {
	_, d, _, err := t.requireConnected(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	v := append([]byte(nil), t.lastValue[p.ID]...)
	t.mu.Unlock()
	return t.post(func() { d.DidUpdateValue(p, ch, v, nil) })
}
