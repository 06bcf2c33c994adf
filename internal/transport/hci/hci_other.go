//go:build !linux

package hci

import (
	"errors"

	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/transport"
)

// ErrUnsupported 当前平台没有 HCI 支持
var ErrUnsupported = errors.New("hci: only supported on linux")

// New 非 Linux 平台不可用
func New(_ *zap.Logger) (transport.Transport, error) {
	return nil, ErrUnsupported
}
