package idro

import (
	"encoding/hex"
	"fmt"
)

// FrameTrailer 构造应答帧时使用的 2 字节帧尾，解析时不校验
var FrameTrailer = [trailerLen]byte{0x0D, 0x0A}

// header 构造 opcode + gateway 前缀
func header(code CommandCode, gateway string) ([]byte, error) {
	if !code.Defined() {
		return nil, ErrUndefinedCode
	}
	if err := checkHexField("gateway", gateway, GatewayIDLen); err != nil {
		return nil, err
	}
	gw, _ := hex.DecodeString(gateway)
	buf := make([]byte, 0, DataFrameLen)
	buf = append(buf, byte(code))
	buf = append(buf, gw...)
	return buf, nil
}

func decodePrefix(prefix string) ([]byte, error) {
	if err := checkHexField("prefix", prefix, prefixLen); err != nil {
		return nil, err
	}
	b, _ := hex.DecodeString(prefix)
	return b, nil
}

// dataFrame 生成 18 字节数据帧骨架（偏移 5..15 置零）
func dataFrame(code CommandCode, gateway string) ([]byte, error) {
	buf, err := header(code, gateway)
	if err != nil {
		return nil, err
	}
	buf = append(buf, make([]byte, DataFrameLen-trailerLen-len(buf))...)
	return append(buf, FrameTrailer[:]...), nil
}

// BuildCommandAck 构造指令确认帧：ack 位于偏移 5，其后以 0x03 填充至帧尾
func BuildCommandAck(code CommandCode, gateway string, ack byte) ([]byte, error) {
	buf, err := dataFrame(code, gateway)
	if err != nil {
		return nil, err
	}
	buf[offsetAckShort] = ack
	for i := offsetAckPadding; i < len(buf)-trailerLen; i++ {
		buf[i] = ackPaddingByte
	}
	return buf, nil
}

// BuildSensorFrame 构造传感器读数帧（ack 位于偏移 9，读数自偏移 10 打包）
func BuildSensorFrame(code CommandCode, gateway string, values [4]int) ([]byte, error) {
	buf, err := dataFrame(code, gateway)
	if err != nil {
		return nil, err
	}
	buf[offsetAckLong] = AckByte
	packed := PackSensorValues(values)
	copy(buf[offsetSensors:], packed[:])
	return buf, nil
}

// BuildDiscoveryFrame 构造节点发现帧：nodes 为节点序号 1..55，needOptionW 置位掩码第 0 位
func BuildDiscoveryFrame(code CommandCode, gateway, prefix string, nodes []int, needOptionW bool) ([]byte, error) {
	buf, err := dataFrame(code, gateway)
	if err != nil {
		return nil, err
	}
	p, err := decodePrefix(prefix)
	if err != nil {
		return nil, err
	}
	copy(buf[offsetPrefix:], p)

	last := offsetMask + maskLen - 1
	set := func(i int) { buf[last-i/8] |= 1 << uint(i%8) }
	if needOptionW {
		set(0)
	}
	for _, n := range nodes {
		if n <= 0 || n >= maskLen*8 {
			return nil, fmt.Errorf("%w: node index %d out of range", ErrFieldLength, n)
		}
		set(n)
	}
	buf[offsetCount] = byte(len(nodes))
	return buf, nil
}

// BuildErrorNodeFrame 构造异常节点帧：count + 前缀 + 最多 7 个 1 字节后缀
func BuildErrorNodeFrame(code CommandCode, gateway, prefix string, suffixes []byte) ([]byte, error) {
	if len(suffixes) > maskLen {
		return nil, fmt.Errorf("%w: at most %d error nodes", ErrFieldLength, maskLen)
	}
	buf, err := dataFrame(code, gateway)
	if err != nil {
		return nil, err
	}
	p, err := decodePrefix(prefix)
	if err != nil {
		return nil, err
	}
	buf[offsetCount] = byte(len(suffixes))
	copy(buf[offsetPrefix:], p)
	copy(buf[offsetMask:], suffixes)
	return buf, nil
}

// BuildNodeTypeFrame 构造节点类型帧
func BuildNodeTypeFrame(code CommandCode, gateway string, t NodeType) ([]byte, error) {
	buf, err := dataFrame(code, gateway)
	if err != nil {
		return nil, err
	}
	buf[offsetAckLong] = AckByte
	buf[offsetNodeType] = byte(t)
	return buf, nil
}

// BuildNetworkListFrame 构造网络列表帧，每个网络为 3 字节十六进制
func BuildNetworkListFrame(code CommandCode, gateway string, networks []string) ([]byte, error) {
	if len(networks) > 0xFF {
		return nil, fmt.Errorf("%w: too many networks", ErrFieldLength)
	}
	buf, err := header(code, gateway)
	if err != nil {
		return nil, err
	}
	buf = append(buf, byte(len(networks)))
	for _, n := range networks {
		if err := checkHexField("network", n, networkLen); err != nil {
			return nil, err
		}
		b, _ := hex.DecodeString(n)
		buf = append(buf, b...)
	}
	return append(buf, FrameTrailer[:]...), nil
}
