package idro

import "fmt"

// NodeType 节点类型
type NodeType byte

const (
	NodeTypeRepeater NodeType = 0x52
	NodeTypeSensor   NodeType = 0x53
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeRepeater:
		return "REPEATER"
	case NodeTypeSensor:
		return "SENSOR"
	default:
		return fmt.Sprintf("UNKNOWN(0x%02X)", byte(t))
	}
}

// SensorValues 解码传感器读数：每个节点槽 5 字节打包 4 个 10 位无符号整数。
// 指令确认帧或长度不符时返回 nil。
func (f Frame) SensorValues() []int {
	if f.IsCommandAck() || !f.isDataFrame() {
		return nil
	}
	var values []int
	for off := offsetSensors; off+sensorSlotLen <= len(f)-trailerLen; off += sensorSlotLen {
		v := UnpackSensorValues(f[off : off+sensorSlotLen])
		values = append(values, v[0], v[1], v[2], v[3])
	}
	return values
}

// UnpackSensorValues 5 字节 -> 4 个 10 位读数，输入不足 5 字节时返回零值
func UnpackSensorValues(b []byte) [4]int {
	var v [4]int
	if len(b) < sensorSlotLen {
		return v
	}
	b0, b1, b2, b3, b4 := int(b[0]), int(b[1]), int(b[2]), int(b[3]), int(b[4])
	v[0] = (b0 << 2) | (b1 >> 6)
	v[1] = ((b1 & 0x3F) << 4) | (b2 >> 4)
	v[2] = ((b2 & 0x0F) << 6) | (b3 >> 2)
	v[3] = ((b3 & 0x03) << 8) | b4
	return v
}

// PackSensorValues 4 个 10 位读数 -> 5 字节（UnpackSensorValues 的逆运算），超出 10 位的部分被截断
func PackSensorValues(v [4]int) [5]byte {
	a, b, c, d := v[0]&0x3FF, v[1]&0x3FF, v[2]&0x3FF, v[3]&0x3FF
	return [5]byte{
		byte(a >> 2),
		byte((a&0x03)<<6 | b>>4),
		byte((b&0x0F)<<4 | c>>6),
		byte((c&0x3F)<<2 | d>>8),
		byte(d & 0xFF),
	}
}

// NodeDiscovery 节点发现结果
type NodeDiscovery struct {
	Count       int      `json:"count"`
	Prefix      string   `json:"prefix"`
	Nodes       []string `json:"nodes"`
	NeedOptionW bool     `json:"need_option_w"`
}

// maskBit 位掩码反转后的第 i 位：i=0 对应最后一个掩码字节的最低位
func (f Frame) maskBit(i int) bool {
	last := offsetMask + maskLen - 1
	return f[last-i/8]&(1<<uint(i%8)) != 0
}

// Discovery 解析节点发现帧，长度不符时 ok=false
func (f Frame) Discovery() (NodeDiscovery, bool) {
	if !f.isDataFrame() {
		return NodeDiscovery{}, false
	}
	prefix := f.field(offsetPrefix, prefixLen)
	d := NodeDiscovery{
		Count:       int(f[offsetCount]),
		Prefix:      prefix,
		Nodes:       []string{},
		NeedOptionW: f.maskBit(0),
	}
	// 第 0 位保留，不对应节点
	for i := 1; i < maskLen*8; i++ {
		if f.maskBit(i) {
			d.Nodes = append(d.Nodes, fmt.Sprintf("%s%02X", prefix, i))
		}
	}
	return d, true
}

// DiscoveryNodes 发现的节点地址列表
func (f Frame) DiscoveryNodes() []string {
	d, ok := f.Discovery()
	if !ok {
		return nil
	}
	return d.Nodes
}

// NeedOptionW 掩码第 0 位：是否需要以 W 选项重新执行 D 指令
func (f Frame) NeedOptionW() bool {
	d, ok := f.Discovery()
	return ok && d.NeedOptionW
}

// DiscoveryErrorNodes 解析异常节点帧：count 个 1 字节后缀紧随网络前缀
func (f Frame) DiscoveryErrorNodes() []string {
	if !f.isDataFrame() {
		return nil
	}
	count := int(f[offsetCount])
	if count > maskLen {
		return nil
	}
	prefix := f.field(offsetPrefix, prefixLen)
	nodes := make([]string, 0, count)
	for i := 0; i < count; i++ {
		nodes = append(nodes, fmt.Sprintf("%s%02X", prefix, f[offsetMask+i]))
	}
	return nodes
}

// NodeType 偏移 10 的节点类型，无法识别或长度不符时 ok=false
func (f Frame) NodeType() (NodeType, bool) {
	if !f.isDataFrame() {
		return 0, false
	}
	switch t := NodeType(f[offsetNodeType]); t {
	case NodeTypeRepeater, NodeTypeSensor:
		return t, true
	default:
		return 0, false
	}
}

// Networks 网络列表：偏移 5 为数量，随后每项 3 字节。帧长必须为 6+3*count+2。
func (f Frame) Networks() []string {
	if len(f) <= offsetCount {
		return nil
	}
	count := int(f[offsetCount])
	if len(f) != offsetNetworks+networkLen*count+trailerLen {
		return nil
	}
	networks := make([]string, 0, count)
	for i := 0; i < count; i++ {
		off := offsetNetworks + i*networkLen
		networks = append(networks, hexUpper(f[off:off+networkLen]))
	}
	return networks
}
