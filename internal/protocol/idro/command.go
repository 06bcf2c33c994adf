package idro

import (
	"encoding/hex"
	"fmt"
)

const (
	// GatewayIDLen 网关ID字节数
	GatewayIDLen = 4
	// TargetIDLen 目标节点ID字节数
	TargetIDLen = 9
)

// Command 下行指令，构造后不可变。
// 帧格式：opcode(1) + gateway(4) + target(9) + args(var)，全部以十六进制拼接。
type Command struct {
	code    CommandCode
	gateway string
	target  string
	args    string
	message string
	raw     []byte
}

// NewCommand 构造下行指令。gateway/target/args 为十六进制字符串，原样保留大小写。
func NewCommand(code CommandCode, gateway, target, args string) (*Command, error) {
	if !code.Defined() {
		return nil, ErrUndefinedCode
	}
	if err := checkHexField("gateway", gateway, GatewayIDLen); err != nil {
		return nil, err
	}
	if err := checkHexField("target", target, TargetIDLen); err != nil {
		return nil, err
	}
	if err := checkHexField("args", args, -1); err != nil {
		return nil, err
	}

	message := code.ASCIIHex() + gateway + target + args
	raw, err := hex.DecodeString(message)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}

	return &Command{
		code:    code,
		gateway: gateway,
		target:  target,
		args:    args,
		message: message,
		raw:     raw,
	}, nil
}

// checkHexField 校验十六进制字段，size<0 表示不限长度（仍需偶数长度）
func checkHexField(name, value string, size int) error {
	if size >= 0 && len(value) != size*2 {
		return fmt.Errorf("%w: %s must be %d bytes, got %q", ErrFieldLength, name, size, value)
	}
	if len(value)%2 != 0 {
		return fmt.Errorf("%w: %s has odd length", ErrInvalidHex, name)
	}
	if _, err := hex.DecodeString(value); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidHex, name, err)
	}
	return nil
}

// Code 操作码
func (c *Command) Code() CommandCode { return c.code }

// Gateway 网关ID（十六进制）
func (c *Command) Gateway() string { return c.gateway }

// Target 目标节点ID（十六进制）
func (c *Command) Target() string { return c.target }

// Args 参数载荷（十六进制）
func (c *Command) Args() string { return c.args }

// Hex 完整十六进制报文
func (c *Command) Hex() string { return c.message }

// Bytes 报文字节（返回副本）
func (c *Command) Bytes() []byte {
	out := make([]byte, len(c.raw))
	copy(out, c.raw)
	return out
}

// Equal 以十六进制报文判等
func (c *Command) Equal(other *Command) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.message == other.message
}

// Description 指令描述
func (c *Command) Description() string { return c.code.Description() }

func (c *Command) String() string {
	return fmt.Sprintf("%s[%s]", c.code, c.message)
}
