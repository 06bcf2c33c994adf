package blesession

import (
	"errors"
	"fmt"
)

var (
	// ErrTimeout 有界等待超时
	ErrTimeout = errors.New("blesession: timeout")
	// ErrNotConnected 当前没有已连接外设
	ErrNotConnected = errors.New("blesession: not connected")
	// ErrCharacteristicNotFound 已连接外设上找不到该特征
	ErrCharacteristicNotFound = errors.New("blesession: characteristic not found")
	// ErrBusy 同一阶段已有未完成的操作
	ErrBusy = errors.New("blesession: operation already in flight")
	// ErrDisconnected 等待期间传输层断开
	ErrDisconnected = errors.New("blesession: peripheral disconnected")
	// ErrNoLastPeripheral 没有可重连的外设
	ErrNoLastPeripheral = errors.New("blesession: no previously connected peripheral")
)

// PhaseError 带阶段信息的错误
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Phase, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }
