package idro

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// 应答帧固定偏移（字节）
const (
	offsetOpcode     = 0
	offsetGateway    = 1
	offsetAckShort   = 5 // 指令确认帧的 ack 位置
	offsetAckLong    = 9 // 数据帧的 ack 位置
	offsetTarget     = 5
	offsetReply      = 10
	offsetCount      = 5
	offsetPrefix     = 6
	offsetMask       = 9
	offsetNodeType   = 10
	offsetSensors    = 10
	offsetNetworks   = 6
	offsetAckPadding = 6

	prefixLen     = 3
	maskLen       = 7
	trailerLen    = 2
	sensorSlotLen = 5
	networkLen    = 3

	// DataFrameLen 专用解码要求的数据帧总长度：1+4+1+3+7+2
	DataFrameLen = 1 + GatewayIDLen + 1 + prefixLen + maskLen + trailerLen

	ackPaddingByte = 0x03
	// AckByte 成功应答
	AckByte = 0x30
)

// Shape 应答帧形态
type Shape int

const (
	// ShapeData 数据帧：ack 位于偏移 9
	ShapeData Shape = iota
	// ShapeCommandAck 指令确认帧：偏移 6 至帧尾前全部为 0x03，ack 位于偏移 5
	ShapeCommandAck
)

func (s Shape) String() string {
	if s == ShapeCommandAck {
		return "command-ack"
	}
	return "data"
}

// Frame 原始应答字节的只读视图，所有方法均为纯函数，不会 panic
type Frame []byte

// ParseHex 将十六进制字符串解析为 Frame
func ParseHex(s string) (Frame, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHex, err)
	}
	return Frame(b), nil
}

// Hex 大写十六进制表示
func (f Frame) Hex() string {
	return hexUpper(f)
}

// Len 字节长度
func (f Frame) Len() int { return len(f) }

// Opcode 首字节对应的操作码
func (f Frame) Opcode() CommandCode {
	if len(f) == 0 {
		return CodeUndefined
	}
	return CodeFromByte(f[offsetOpcode])
}

// Gateway 网关ID，帧长不足 5 字节时为空
func (f Frame) Gateway() string {
	return f.field(offsetGateway, GatewayIDLen)
}

// Target 目标节点ID（偏移 5，9 字节），长度不足时为空
func (f Frame) Target() string {
	return f.field(offsetTarget, TargetIDLen)
}

// Reply 偏移 9 之后的应答载荷，可能为空
func (f Frame) Reply() string {
	if len(f) <= offsetReply {
		return ""
	}
	return hexUpper(f[offsetReply:])
}

// Shape 先按“全 0x03 填充区”判定帧形态
func (f Frame) Shape() Shape {
	if len(f) < offsetAckPadding+trailerLen {
		return ShapeData
	}
	for _, b := range f[offsetAckPadding : len(f)-trailerLen] {
		if b != ackPaddingByte {
			return ShapeData
		}
	}
	return ShapeCommandAck
}

// IsCommandAck 是否为指令确认帧
func (f Frame) IsCommandAck() bool {
	return f.Shape() == ShapeCommandAck
}

// AckByte 按帧形态读取 ack/nack 字节，越界时 ok=false
func (f Frame) AckByte() (b byte, ok bool) {
	off := offsetAckLong
	if f.Shape() == ShapeCommandAck {
		off = offsetAckShort
	}
	if len(f) <= off {
		return 0, false
	}
	return f[off], true
}

// AckHex ack/nack 字节的十六进制表示，越界时为空
func (f Frame) AckHex() string {
	b, ok := f.AckByte()
	if !ok {
		return ""
	}
	return fmt.Sprintf("%02X", b)
}

func (f Frame) field(off, size int) string {
	if len(f) < off+size {
		return ""
	}
	return hexUpper(f[off : off+size])
}

func (f Frame) isDataFrame() bool {
	return len(f) == DataFrameLen
}

func hexUpper(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
