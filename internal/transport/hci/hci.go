//go:build linux

// Package hci 基于 go-ble/ble 的真实蓝牙适配器（Linux HCI）。
// 阻塞式的 go-ble 调用在独立协程中执行，结果通过 Delegate 回调，
// 与会话层期望的异步语义保持一致。
package hci

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/peripheral"
	"github.com/taoyao-code/idro-ble/internal/transport"
)

// namespace 由蓝牙地址派生稳定外设标识
var namespace = uuid.MustParse("9f3a51c2-6b1e-4d7a-8c20-7e5f4b3a2d19")

// ErrUnknownPeripheral 外设未在扫描中出现过，无法解析地址
var ErrUnknownPeripheral = errors.New("hci: peripheral not seen during scan")

// IdentityFor 蓝牙地址对应的外设标识
func IdentityFor(addr, name string) peripheral.Identity {
	return peripheral.New(uuid.NewSHA1(namespace, []byte(strings.ToLower(addr))), name)
}

// link 一条已建立的连接及其 GATT 缓存
type link struct {
	client   ble.Client
	services map[string]*ble.Service
	chars    map[string]*ble.Characteristic
}

// Transport go-ble 适配器
type Transport struct {
	dev ble.Device
	log *zap.Logger

	mu         sync.Mutex
	delegate   transport.Delegate
	addrs      map[uuid.UUID]ble.Addr
	links      map[uuid.UUID]*link
	stopScan   context.CancelFunc
	cancelDial map[uuid.UUID]context.CancelFunc
}

var _ transport.Transport = (*Transport)(nil)

// New 打开默认 HCI 设备
func New(logger *zap.Logger) (*Transport, error) {
	d, err := linux.NewDevice()
	if err != nil {
		return nil, fmt.Errorf("open hci device: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{
		dev:        d,
		log:        logger.Named("hci"),
		addrs:      make(map[uuid.UUID]ble.Addr),
		links:      make(map[uuid.UUID]*link),
		cancelDial: make(map[uuid.UUID]context.CancelFunc),
	}, nil
}

// Close 断开所有连接并释放设备
func (t *Transport) Close() error {
	t.StopScan()
	t.mu.Lock()
	links := t.links
	t.links = make(map[uuid.UUID]*link)
	t.mu.Unlock()
	for _, l := range links {
		_ = l.client.CancelConnection()
	}
	return t.dev.Stop()
}

// SetDelegate 设置事件回调
func (t *Transport) SetDelegate(d transport.Delegate) {
	t.mu.Lock()
	t.delegate = d
	t.mu.Unlock()
}

func (t *Transport) del() transport.Delegate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.delegate
}

// StartScan 在后台扫描直到 StopScan
func (t *Transport) StartScan(onDiscover func(transport.Advertisement)) error {
	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if t.stopScan != nil {
		t.stopScan()
	}
	t.stopScan = cancel
	t.mu.Unlock()

	handler := func(a ble.Advertisement) {
		id := IdentityFor(a.Addr().String(), a.LocalName())
		t.mu.Lock()
		t.addrs[id.ID] = a.Addr()
		t.mu.Unlock()
		onDiscover(transport.Advertisement{Peripheral: id, RSSI: a.RSSI()})
	}
	go func() {
		err := t.dev.Scan(ctx, false, handler)
		if err != nil && !errors.Is(err, context.Canceled) {
			t.log.Warn("scan stopped", zap.Error(err))
		}
	}()
	return nil
}

// StopScan 停止扫描
func (t *Transport) StopScan() {
	t.mu.Lock()
	if t.stopScan != nil {
		t.stopScan()
		t.stopScan = nil
	}
	t.mu.Unlock()
}

// Connect 异步拨号
func (t *Transport) Connect(p peripheral.Identity) error {
	t.mu.Lock()
	addr, ok := t.addrs[p.ID]
	if !ok {
		t.mu.Unlock()
		return ErrUnknownPeripheral
	}
	ctx, cancel := context.WithCancel(context.Background())
	if prev := t.cancelDial[p.ID]; prev != nil {
		prev()
	}
	t.cancelDial[p.ID] = cancel
	t.mu.Unlock()

	go func() {
		defer cancel()
		client, err := t.dev.Dial(ctx, addr)
		t.mu.Lock()
		delete(t.cancelDial, p.ID)
		t.mu.Unlock()
		if err != nil {
			if d := t.del(); d != nil {
				d.DidFailToConnect(p, err)
			}
			return
		}

		if ctx.Err() != nil {
			// 拨号期间已被 Disconnect 撤销
			_ = client.CancelConnection()
			return
		}
		t.store(p, client)

		if d := t.del(); d != nil {
			d.DidConnect(p)
		}
	}()
	return nil
}

// store 登记新链路，同一外设的旧链路先被取消
func (t *Transport) store(p peripheral.Identity, client ble.Client) {
	t.mu.Lock()
	prev := t.links[p.ID]
	t.links[p.ID] = &link{
		client:   client,
		services: make(map[string]*ble.Service),
		chars:    make(map[string]*ble.Characteristic),
	}
	t.mu.Unlock()
	if prev != nil && prev.client != client {
		if err := prev.client.CancelConnection(); err != nil {
			t.log.Debug("cancel replaced link", zap.String("peripheral", p.String()), zap.Error(err))
		}
	}
	go t.watch(p, client)
}

// watch 等待链路断开并回调。已被替换的链路断开时不回调。
func (t *Transport) watch(p peripheral.Identity, client ble.Client) {
	<-client.Disconnected()
	t.mu.Lock()
	l, ok := t.links[p.ID]
	current := ok && l.client == client
	if current {
		delete(t.links, p.ID)
	}
	t.mu.Unlock()
	if !current {
		t.log.Debug("stale link closed", zap.String("peripheral", p.String()))
		return
	}
	if d := t.del(); d != nil {
		d.DidDisconnect(p, nil)
	}
}

// Disconnect 取消连接或未完成的拨号
func (t *Transport) Disconnect(p peripheral.Identity) error {
	t.mu.Lock()
	if cancel := t.cancelDial[p.ID]; cancel != nil {
		cancel()
	}
	l := t.links[p.ID]
	t.mu.Unlock()
	if l == nil {
		return nil
	}
	return l.client.CancelConnection()
}

func (t *Transport) linkFor(p peripheral.Identity) (*link, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.links[p.ID]
	if !ok {
		return nil, fmt.Errorf("hci: %s not connected", p)
	}
	return l, nil
}

func uuidKey(u string) string { return strings.ToUpper(strings.ReplaceAll(u, "-", "")) }

// DiscoverServices 发现全部服务
func (t *Transport) DiscoverServices(p peripheral.Identity) error {
	l, err := t.linkFor(p)
	if err != nil {
		return err
	}
	go func() {
		svcs, err := l.client.DiscoverServices(nil)
		out := make([]transport.Service, 0, len(svcs))
		if err == nil {
			t.mu.Lock()
			for _, s := range svcs {
				key := uuidKey(s.UUID.String())
				l.services[key] = s
				out = append(out, transport.Service{UUID: key})
			}
			t.mu.Unlock()
		}
		if d := t.del(); d != nil {
			d.DidDiscoverServices(p, out, err)
		}
	}()
	return nil
}

// DiscoverCharacteristics 发现服务下的特征及其描述符（订阅需要 CCCD）
func (t *Transport) DiscoverCharacteristics(p peripheral.Identity, svc transport.Service) error {
	l, err := t.linkFor(p)
	if err != nil {
		return err
	}
	t.mu.Lock()
	s, ok := l.services[uuidKey(svc.UUID)]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("hci: service %s not discovered", svc.UUID)
	}
	go func() {
		chars, err := l.client.DiscoverCharacteristics(nil, s)
		out := make([]transport.Characteristic, 0, len(chars))
		if err == nil {
			for _, c := range chars {
				if _, derr := l.client.DiscoverDescriptors(nil, c); derr != nil {
					t.log.Debug("descriptor discovery failed", zap.String("characteristic", c.UUID.String()), zap.Error(derr))
				}
				key := uuidKey(c.UUID.String())
				t.mu.Lock()
				l.chars[key] = c
				t.mu.Unlock()
				out = append(out, transport.Characteristic{UUID: key, ServiceUUID: uuidKey(svc.UUID)})
			}
		}
		if d := t.del(); d != nil {
			d.DidDiscoverCharacteristics(p, svc, out, err)
		}
	}()
	return nil
}

func (t *Transport) characteristic(p peripheral.Identity, ch transport.Characteristic) (*link, *ble.Characteristic, error) {
	l, err := t.linkFor(p)
	if err != nil {
		return nil, nil, err
	}
	t.mu.Lock()
	c, ok := l.chars[uuidKey(ch.UUID)]
	t.mu.Unlock()
	if !ok {
		return nil, nil, fmt.Errorf("hci: characteristic %s not discovered", ch.UUID)
	}
	return l, c, nil
}

// WriteValue 写入特征值
func (t *Transport) WriteValue(p peripheral.Identity, ch transport.Characteristic, data []byte, mode transport.WriteMode) error {
	l, c, err := t.characteristic(p, ch)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	noRsp := mode == transport.WriteWithoutResponse
	go func() {
		err := l.client.WriteCharacteristic(c, payload, noRsp)
		if noRsp {
			if err != nil {
				t.log.Warn("write without response failed", zap.Error(err))
			}
			return
		}
		if d := t.del(); d != nil {
			d.DidWriteValue(p, ch, err)
		}
	}()
	return nil
}

// SetNotify 开关通知
func (t *Transport) SetNotify(p peripheral.Identity, ch transport.Characteristic, enabled bool) error {
	l, c, err := t.characteristic(p, ch)
	if err != nil {
		return err
	}
	go func() {
		var err error
		if enabled {
			err = l.client.Subscribe(c, false, func(value []byte) {
				v := append([]byte(nil), value...)
				if d := t.del(); d != nil {
					d.DidUpdateValue(p, ch, v, nil)
				}
			})
		} else {
			err = l.client.Unsubscribe(c, false)
		}
		if d := t.del(); d != nil {
			d.DidUpdateNotificationState(p, ch, enabled, err)
		}
	}()
	return nil
}

// ReadValue 读取特征值
func (t *Transport) ReadValue(p peripheral.Identity, ch transport.Characteristic) error {
	l, c, err := t.characteristic(p, ch)
	if err != nil {
		return err
	}
	go func() {
		v, err := l.client.ReadCharacteristic(c)
		if d := t.del(); d != nil {
			d.DidUpdateValue(p, ch, v, err)
		}
	}()
	return nil
}
