package idro

import "errors"

var (
	// ErrUndefinedCode 操作码未定义
	ErrUndefinedCode = errors.New("idro: undefined command code")
	// ErrInvalidHex 字段不是合法的十六进制字符串
	ErrInvalidHex = errors.New("idro: invalid hex")
	// ErrFieldLength 字段长度不符合协议
	ErrFieldLength = errors.New("idro: invalid field length")
)
