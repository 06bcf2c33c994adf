package blesession

import (
	"strings"

	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/peripheral"
	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
	"github.com/taoyao-code/idro-ble/internal/transport"
)

var _ transport.Delegate = (*Session)(nil)

// DidConnect 连接建立
func (s *Session) DidConnect(p peripheral.Identity) {
	s.mu.RLock()
	pending := s.pending
	s.mu.RUnlock()
	if pending == nil || !pending.Equal(p) {
		s.log.Debug("ignoring unsolicited connect", zap.String("peripheral", p.String()))
		return
	}
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	s.setConnected(newDevice(p))
	s.log.Info("peripheral connected", zap.String("peripheral", p.String()))
	s.connectW.signal(nil)
}

// DidFailToConnect 连接失败
func (s *Session) DidFailToConnect(p peripheral.Identity, err error) {
	s.mu.Lock()
	if s.pending == nil || !s.pending.Equal(p) {
		s.mu.Unlock()
		s.log.Debug("ignoring connect failure for non-pending peripheral", zap.String("peripheral", p.String()), zap.Error(err))
		return
	}
	s.pending = nil
	s.mu.Unlock()
	s.log.Warn("connect failed", zap.String("peripheral", p.String()), zap.Error(err))
	if err == nil {
		err = ErrDisconnected
	}
	s.connectW.signal(err)
}

// DidDisconnect 连接断开：清除设备、通知观察者并中止所有未完成的等待
func (s *Session) DidDisconnect(p peripheral.Identity, err error) {
	s.mu.RLock()
	dev := s.dev
	s.mu.RUnlock()
	if dev == nil || !dev.p.Equal(p) {
		return
	}
	s.log.Info("peripheral disconnected", zap.String("peripheral", p.String()), zap.Error(err))

	s.setConnected(nil)
	s.setState(StateDisconnected)

	for _, w := range []*waiter{&s.servicesW, &s.charsW, &s.subscribeW, &s.writeW} {
		w.signal(ErrDisconnected)
	}
}

// DidDiscoverServices 服务发现完成
func (s *Session) DidDiscoverServices(p peripheral.Identity, services []transport.Service, err error) {
	if err == nil {
		s.mu.Lock()
		if s.dev != nil && s.dev.p.Equal(p) {
			s.dev.services = append([]transport.Service(nil), services...)
			s.dev.chars = nil
		}
		s.mu.Unlock()
		s.log.Debug("services discovered", zap.String("peripheral", p.String()), zap.Int("count", len(services)))
	}
	s.servicesW.signal(err)
}

// DidDiscoverCharacteristics 某服务的特征发现完成
func (s *Session) DidDiscoverCharacteristics(p peripheral.Identity, service transport.Service, chars []transport.Characteristic, err error) {
	if err == nil {
		s.mu.Lock()
		if s.dev != nil && s.dev.p.Equal(p) {
			for _, c := range chars {
				if c.ServiceUUID == "" {
					c.ServiceUUID = service.UUID
				}
				if _, dup := s.dev.characteristic(c.UUID); !dup {
					s.dev.chars = append(s.dev.chars, c)
				}
			}
		}
		s.mu.Unlock()
		s.log.Debug("characteristics discovered",
			zap.String("service", service.UUID),
			zap.Int("count", len(chars)))
	}
	s.charsW.signal(err)
}

// DidWriteValue 带确认写入完成
func (s *Session) DidWriteValue(_ peripheral.Identity, ch transport.Characteristic, err error) {
	if !s.writeW.signal(err) {
		s.log.Debug("late write confirmation ignored", zap.String("characteristic", ch.UUID))
	}
}

// DidUpdateNotificationState 通知开关状态变化
func (s *Session) DidUpdateNotificationState(p peripheral.Identity, ch transport.Characteristic, enabled bool, err error) {
	if err == nil {
		s.mu.Lock()
		if s.dev != nil && s.dev.p.Equal(p) {
			s.dev.notifying[strings.ToUpper(ch.UUID)] = enabled
		}
		s.mu.Unlock()
	}
	s.subscribeW.signal(err)
}

// DidUpdateValue 设备通知：以最近写入的操作码为上下文构造应答
func (s *Session) DidUpdateValue(p peripheral.Identity, ch transport.Characteristic, value []byte, err error) {
	s.mu.Lock()
	handler := s.onReply
	code := s.lastCode
	if s.state == StateAwaitingReply {
		s.state = StateReady
	}
	s.mu.Unlock()

	if handler == nil {
		return
	}
	if err != nil {
		handler(p, nil, err)
		return
	}
	if len(value) == 0 {
		return
	}
	resp := idro.NewResponse(value, code)
	s.metrics.Reply(resp.Code().String(), resp.Ack() != "")
	s.log.Debug("reply received",
		zap.String("characteristic", ch.UUID),
		zap.String("code", resp.Code().String()),
		zap.String("frame", resp.Frame().Hex()))
	handler(p, resp, nil)
}
