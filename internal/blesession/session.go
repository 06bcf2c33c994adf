// Package blesession 在异步回调式的传输层之上提供同步阻塞的会话：
// 扫描 → 连接 → 发现服务 → 发现特征 → 订阅 → 写入 → 等待应答，
// 每个阶段以单槽有界等待守护。
package blesession

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/metrics"
	"github.com/taoyao-code/idro-ble/internal/peripheral"
	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
	"github.com/taoyao-code/idro-ble/internal/transport"
)

// DefaultDeviceMarker 网关广播名称中的固定标记
const DefaultDeviceMarker = "IdroCtrl"

const defaultPhaseTimeout = 4 * time.Second

// ScanHandler 注册表发生变化时回调完整的有序列表
type ScanHandler func([]peripheral.Identity)

// ReplyHandler 设备通知回调
type ReplyHandler func(p peripheral.Identity, resp *idro.Response, err error)

// Options 会话参数
type Options struct {
	ConnectTimeout   time.Duration
	DiscoveryTimeout time.Duration
	WriteTimeout     time.Duration
	// SubscribeTimeout 开启通知的等待上限，0 表示无限等待
	SubscribeTimeout time.Duration
	DeviceMarker     string
	// WriteDelay 写入前等待，默认取操作码的 Delay()
	WriteDelay func(idro.CommandCode) time.Duration
}

// DefaultOptions 默认参数：各阶段 4s
func DefaultOptions() Options {
	return Options{
		ConnectTimeout:   defaultPhaseTimeout,
		DiscoveryTimeout: defaultPhaseTimeout,
		WriteTimeout:     defaultPhaseTimeout,
		SubscribeTimeout: defaultPhaseTimeout,
		DeviceMarker:     DefaultDeviceMarker,
	}
}

// device 已连接外设及其发现结果
type device struct {
	p         peripheral.Identity
	services  []transport.Service
	chars     []transport.Characteristic
	notifying map[string]bool
}

func (d *device) characteristic(uuid string) (transport.Characteristic, bool) {
	for _, c := range d.chars {
		if transport.SameUUID(c.UUID, uuid) {
			return c, true
		}
	}
	return transport.Characteristic{}, false
}

// Status 会话状态快照
type Status struct {
	State       State                `json:"state"`
	StateName   string               `json:"state_name"`
	FailedPhase Phase                `json:"failed_phase,omitempty"`
	Connected   bool                 `json:"connected"`
	Peripheral  *peripheral.Identity `json:"peripheral,omitempty"`
	LastCode    string               `json:"last_code"`
	Scanning    bool                 `json:"scanning"`
}

// Session 单个 BLE 会话。由调用方显式创建并持有，不存在进程级单例。
type Session struct {
	t        transport.Transport
	log      *zap.Logger
	metrics  *metrics.BLEMetrics
	opts     Options
	registry *peripheral.Registry

	mu            sync.RWMutex
	state         State
	failedPhase   Phase
	scanning      bool
	scanPrefix    string
	onScan        ScanHandler
	pending       *peripheral.Identity // 正在连接的目标
	dev           *device
	lastConnected *peripheral.Identity
	onReply       ReplyHandler
	lastCode      idro.CommandCode
	observers     map[int]func(bool)
	nextObserver  int

	connectW   waiter
	servicesW  waiter
	charsW     waiter
	subscribeW waiter
	writeW     waiter
}

// New 创建会话并注册为传输层的 Delegate
func New(t transport.Transport, opts Options, logger *zap.Logger, m *metrics.BLEMetrics) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.DeviceMarker == "" {
		opts.DeviceMarker = DefaultDeviceMarker
	}
	if opts.WriteDelay == nil {
		opts.WriteDelay = func(c idro.CommandCode) time.Duration { return c.Delay() }
	}
	s := &Session{
		t:         t,
		log:       logger.Named("blesession"),
		metrics:   m,
		opts:      opts,
		registry:  peripheral.NewRegistry(),
		observers: make(map[int]func(bool)),
	}
	t.SetDelegate(s)
	return s
}

// ---------------------------------------------------------------------------
// 扫描

// ScanForPeripherals 清空注册表并开始扫描。名称为空、或既不包含 prefix 也不包含
// 设备标记的外设被过滤；仅在注册表变化时回调 onResult。
func (s *Session) ScanForPeripherals(prefix string, onResult ScanHandler) error {
	s.registry.Reset()
	s.mu.Lock()
	s.scanPrefix = prefix
	s.onScan = onResult
	s.scanning = true
	if s.dev == nil {
		s.state = StateScanning
	}
	s.mu.Unlock()

	s.log.Info("scan started", zap.String("prefix", prefix))
	if err := s.t.StartScan(s.handleAdvertisement); err != nil {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
		return fmt.Errorf("start scan: %w", err)
	}
	return nil
}

func (s *Session) accepts(name string) bool {
	if name == "" {
		return false
	}
	s.mu.RLock()
	prefix, marker := s.scanPrefix, s.opts.DeviceMarker
	s.mu.RUnlock()
	if prefix == "" {
		return true
	}
	return strings.Contains(name, prefix) || strings.Contains(name, marker)
}

func (s *Session) handleAdvertisement(adv transport.Advertisement) {
	if !s.accepts(adv.Peripheral.Name) {
		return
	}
	if !s.registry.Add(adv.Peripheral) {
		return
	}
	s.metrics.Discovered()
	s.log.Debug("peripheral discovered",
		zap.String("peripheral", adv.Peripheral.String()),
		zap.Int("rssi", adv.RSSI))

	s.mu.RLock()
	cb := s.onScan
	s.mu.RUnlock()
	if cb != nil {
		cb(s.registry.Snapshot())
	}
}

// StopScan 停止扫描（不等待确认）
func (s *Session) StopScan() {
	s.t.StopScan()
	s.mu.Lock()
	s.scanning = false
	if s.state == StateScanning {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

// Peripherals 当前扫描结果
func (s *Session) Peripherals() []peripheral.Identity {
	return s.registry.Snapshot()
}

// Lookup 在扫描结果中按标识字符串查找外设
func (s *Session) Lookup(id string) (peripheral.Identity, bool) {
	for _, p := range s.registry.Snapshot() {
		if strings.EqualFold(p.ID.String(), id) {
			return p, true
		}
	}
	return peripheral.Identity{}, false
}

// ---------------------------------------------------------------------------
// 连接与发现

// Connect 连接外设并完成服务、特征发现。各阶段超时均返回错误而不重试，
// 会话保持可用，调用方可以再次调用 Connect。
func (s *Session) Connect(ctx context.Context, p peripheral.Identity) error {
	if !s.isConnectedTo(p) {
		ch, ok := s.connectW.arm()
		if !ok {
			return &PhaseError{Phase: PhaseConnect, Err: ErrBusy}
		}
		s.mu.Lock()
		s.pending = &p
		s.state = StateConnecting
		s.mu.Unlock()

		s.log.Info("connecting", zap.String("peripheral", p.String()))
		start := time.Now()
		if err := s.t.Connect(p); err != nil {
			s.connectW.disarm()
			s.mu.Lock()
			s.pending = nil
			s.mu.Unlock()
			return s.fail(PhaseConnect, err)
		}
		if err := s.connectW.await(ctx, ch, s.opts.ConnectTimeout); err != nil {
			s.mu.Lock()
			s.pending = nil
			s.mu.Unlock()
			// 撤销仍在进行的连接，避免超时后链路迟到建立
			if derr := s.t.Disconnect(p); derr != nil {
				s.log.Debug("cancel connect failed", zap.String("peripheral", p.String()), zap.Error(derr))
			}
			return s.fail(PhaseConnect, err)
		}
		s.metrics.PhaseDone(string(PhaseConnect), time.Since(start))
	}

	if !s.isConnectedTo(p) {
		s.setConnected(newDevice(p))
	}
	s.mu.Lock()
	last := p
	s.lastConnected = &last
	s.mu.Unlock()

	return s.discover(ctx, p)
}

// Reconnect 重连最近一次成功连接的外设，失败时清除连接状态
func (s *Session) Reconnect(ctx context.Context) error {
	s.mu.RLock()
	last := s.lastConnected
	s.mu.RUnlock()
	if last == nil {
		s.setConnected(nil)
		return ErrNoLastPeripheral
	}
	if err := s.Connect(ctx, *last); err != nil {
		s.setConnected(nil)
		return err
	}
	return nil
}

func (s *Session) discover(ctx context.Context, p peripheral.Identity) error {
	ch, ok := s.servicesW.arm()
	if !ok {
		return &PhaseError{Phase: PhaseDiscoverServices, Err: ErrBusy}
	}
	s.setState(StateDiscoveringServices)
	start := time.Now()
	if err := s.t.DiscoverServices(p); err != nil {
		s.servicesW.disarm()
		return s.fail(PhaseDiscoverServices, err)
	}
	if err := s.servicesW.await(ctx, ch, s.opts.DiscoveryTimeout); err != nil {
		return s.fail(PhaseDiscoverServices, err)
	}
	s.metrics.PhaseDone(string(PhaseDiscoverServices), time.Since(start))

	s.mu.RLock()
	var services []transport.Service
	if s.dev != nil {
		services = append(services, s.dev.services...)
	}
	s.mu.RUnlock()

	// 任一服务的特征发现失败都使整体连接失败，但仍继续发现其余服务
	var firstErr error
	for _, svc := range services {
		if err := s.discoverCharacteristics(ctx, p, svc); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}

	s.setState(StateReady)
	s.log.Info("peripheral ready",
		zap.String("peripheral", p.String()),
		zap.Int("services", len(services)))
	return nil
}

func (s *Session) discoverCharacteristics(ctx context.Context, p peripheral.Identity, svc transport.Service) error {
	ch, ok := s.charsW.arm()
	if !ok {
		return &PhaseError{Phase: PhaseDiscoverCharacteristics, Err: ErrBusy}
	}
	s.setState(StateDiscoveringCharacteristics)
	start := time.Now()
	if err := s.t.DiscoverCharacteristics(p, svc); err != nil {
		s.charsW.disarm()
		return s.fail(PhaseDiscoverCharacteristics, err)
	}
	if err := s.charsW.await(ctx, ch, s.opts.DiscoveryTimeout); err != nil {
		return s.fail(PhaseDiscoverCharacteristics, err)
	}
	s.metrics.PhaseDone(string(PhaseDiscoverCharacteristics), time.Since(start))
	return nil
}

// Disconnect 请求断开（不等待确认）
func (s *Session) Disconnect() {
	s.mu.RLock()
	dev := s.dev
	s.mu.RUnlock()
	if dev == nil {
		return
	}
	if err := s.t.Disconnect(dev.p); err != nil {
		s.log.Warn("disconnect request failed", zap.String("peripheral", dev.p.String()), zap.Error(err))
	}
}

// ---------------------------------------------------------------------------
// 订阅

// Subscribe 注册应答回调并开启通知。已处于通知状态时直接发起一次读取。
func (s *Session) Subscribe(ctx context.Context, characteristic string, onReply ReplyHandler) error {
	p, ch, notifying, err := s.lookupCharacteristic(characteristic)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.onReply = onReply
	s.mu.Unlock()

	if !notifying {
		if err := s.setNotify(ctx, PhaseSubscribe, p, ch, true); err != nil {
			return err
		}
	}
	if err := s.t.ReadValue(p, ch); err != nil {
		return fmt.Errorf("read %s: %w", ch.UUID, err)
	}
	return nil
}

// Unsubscribe 关闭通知
func (s *Session) Unsubscribe(ctx context.Context, characteristic string) error {
	p, ch, notifying, err := s.lookupCharacteristic(characteristic)
	if err != nil {
		return err
	}
	if !notifying {
		return nil
	}
	return s.setNotify(ctx, PhaseUnsubscribe, p, ch, false)
}

func (s *Session) setNotify(ctx context.Context, phase Phase, p peripheral.Identity, ch transport.Characteristic, enabled bool) error {
	wch, ok := s.subscribeW.arm()
	if !ok {
		return &PhaseError{Phase: phase, Err: ErrBusy}
	}
	start := time.Now()
	if err := s.t.SetNotify(p, ch, enabled); err != nil {
		s.subscribeW.disarm()
		return s.fail(phase, err)
	}
	if err := s.subscribeW.await(ctx, wch, s.opts.SubscribeTimeout); err != nil {
		return s.fail(phase, err)
	}
	s.metrics.PhaseDone(string(phase), time.Since(start))
	return nil
}

func (s *Session) lookupCharacteristic(uuid string) (peripheral.Identity, transport.Characteristic, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dev == nil {
		return peripheral.Identity{}, transport.Characteristic{}, false, ErrNotConnected
	}
	ch, ok := s.dev.characteristic(uuid)
	if !ok {
		return s.dev.p, transport.Characteristic{}, false, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, uuid)
	}
	return s.dev.p, ch, s.dev.notifying[strings.ToUpper(ch.UUID)], nil
}

// ---------------------------------------------------------------------------
// 写入

// Write 按操作码延迟后写入指令。带确认模式下以 WriteTimeout 为上限等待写入完成：
// 超时回调 onTimeout，完成回调 onComplete。无确认模式发送后立即回调成功。
// 应答通过 Subscribe 注册的回调异步送达。
func (s *Session) Write(ctx context.Context, cmd *idro.Command, characteristic string, mode transport.WriteMode,
	onTimeout func(), onComplete func(peripheral.Identity, bool)) error {
	p, ch, _, err := s.lookupCharacteristic(characteristic)
	if err != nil {
		return err
	}
	code := cmd.Code().String()

	if err := sleepCtx(ctx, s.opts.WriteDelay(cmd.Code())); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastCode = cmd.Code()
	s.state = StateWriting
	s.mu.Unlock()

	log := s.log.With(zap.String("peripheral", p.String()), zap.String("code", code), zap.String("hex", cmd.Hex()))

	if mode == transport.WriteWithoutResponse {
		if err := s.t.WriteValue(p, ch, cmd.Bytes(), mode); err != nil {
			s.metrics.Write(code, "error")
			complete(onComplete, p, false)
			return fmt.Errorf("write %s: %w", code, err)
		}
		log.Debug("command written without response")
		s.metrics.Write(code, "ok")
		s.setState(StateAwaitingReply)
		complete(onComplete, p, true)
		return nil
	}

	wch, ok := s.writeW.arm()
	if !ok {
		return &PhaseError{Phase: PhaseWrite, Err: ErrBusy}
	}
	start := time.Now()
	if err := s.t.WriteValue(p, ch, cmd.Bytes(), mode); err != nil {
		s.writeW.disarm()
		s.metrics.Write(code, "error")
		complete(onComplete, p, false)
		return s.fail(PhaseWrite, err)
	}

	err = s.writeW.await(ctx, wch, s.opts.WriteTimeout)
	switch {
	case errors.Is(err, ErrTimeout):
		s.metrics.Write(code, "timeout")
		if onTimeout != nil {
			onTimeout()
		}
		return s.fail(PhaseWrite, err)
	case err != nil:
		s.metrics.Write(code, "error")
		complete(onComplete, p, false)
		return s.fail(PhaseWrite, err)
	}

	s.metrics.Write(code, "ok")
	s.metrics.PhaseDone(string(PhaseWrite), time.Since(start))
	log.Info("command written")
	s.setState(StateAwaitingReply)
	complete(onComplete, p, true)
	return nil
}

func complete(fn func(peripheral.Identity, bool), p peripheral.Identity, ok bool) {
	if fn != nil {
		fn(p, ok)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---------------------------------------------------------------------------
// 状态与观察者

// OnConnectivityChanged 注册连接状态观察者，返回注销函数
func (s *Session) OnConnectivityChanged(fn func(connected bool)) func() {
	s.mu.Lock()
	id := s.nextObserver
	s.nextObserver++
	s.observers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Connected 是否已连接
func (s *Session) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dev != nil
}

// ConnectedPeripheral 当前连接的外设
func (s *Session) ConnectedPeripheral() (peripheral.Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dev == nil {
		return peripheral.Identity{}, false
	}
	return s.dev.p, true
}

// Characteristics 当前连接外设已发现的特征
func (s *Session) Characteristics() []transport.Characteristic {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.dev == nil {
		return nil
	}
	out := make([]transport.Characteristic, len(s.dev.chars))
	copy(out, s.dev.chars)
	return out
}

// LastCode 最近一次写入的操作码，作为应答的上下文
func (s *Session) LastCode() idro.CommandCode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastCode
}

// State 当前状态
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Status 状态快照
func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Status{
		State:     s.state,
		StateName: s.state.String(),
		Connected: s.dev != nil,
		LastCode:  s.lastCode.String(),
		Scanning:  s.scanning,
	}
	if s.state == StateFailed {
		st.FailedPhase = s.failedPhase
	}
	if s.dev != nil {
		p := s.dev.p
		st.Peripheral = &p
	}
	return st
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) isConnectedTo(p peripheral.Identity) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dev != nil && s.dev.p.Equal(p)
}

// fail 记录阶段失败，会话停留在 Failed，由调用方决定是否重试
func (s *Session) fail(phase Phase, err error) error {
	s.mu.Lock()
	s.state = StateFailed
	s.failedPhase = phase
	s.mu.Unlock()

	if errors.Is(err, ErrTimeout) {
		s.metrics.PhaseTimeout(string(phase))
		s.log.Warn("bounded wait timed out", zap.String("phase", string(phase)))
	} else {
		s.log.Warn("phase failed", zap.String("phase", string(phase)), zap.Error(err))
	}
	return &PhaseError{Phase: phase, Err: err}
}

// setConnected 更新连接设备并在状态翻转时通知观察者
func (s *Session) setConnected(dev *device) {
	s.mu.Lock()
	was := s.dev != nil
	s.dev = dev
	now := dev != nil
	var fns []func(bool)
	if was != now {
		for _, fn := range s.observers {
			fns = append(fns, fn)
		}
	}
	s.mu.Unlock()

	if was == now {
		return
	}
	s.metrics.SetConnected(now)
	for _, fn := range fns {
		fn(now)
	}
}

func newDevice(p peripheral.Identity) *device {
	return &device{p: p, notifying: make(map[string]bool)}
}
