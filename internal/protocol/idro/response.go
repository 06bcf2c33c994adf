package idro

import "fmt"

var defaultCatalog = DefaultNackCatalog()

// Response 设备应答：原始帧 + 引发该应答的操作码（由调用方根据上下文提供）
type Response struct {
	code    CommandCode
	frame   Frame
	gateway string
	ack     string
	nack    string
	target  string
	reply   string
}

// NewResponse 解析应答。ack 与 nack 互斥：ack 字节为 0x30 时写入 ack，否则写入 nack。
func NewResponse(data []byte, code CommandCode) *Response {
	raw := make([]byte, len(data))
	copy(raw, data)
	f := Frame(raw)

	r := &Response{
		code:    code,
		frame:   f,
		gateway: f.Gateway(),
		target:  f.Target(),
		reply:   f.Reply(),
	}
	if ack := f.AckHex(); ack == "30" {
		r.ack = ack
	} else {
		r.nack = ack
	}
	return r
}

// Code 上下文操作码；上下文未知时回退到帧首字节
func (r *Response) Code() CommandCode {
	if r.code.Defined() {
		return r.code
	}
	return r.frame.Opcode()
}

// FrameCode 帧首字节解析出的操作码
func (r *Response) FrameCode() CommandCode { return r.frame.Opcode() }

// Frame 原始帧
func (r *Response) Frame() Frame { return r.frame }

// Gateway 网关ID
func (r *Response) Gateway() string { return r.gateway }

// Ack 成功时为 "30"，否则为空
func (r *Response) Ack() string { return r.ack }

// Nack 失败时的 nack 字节
func (r *Response) Nack() string { return r.nack }

// Target 目标节点ID
func (r *Response) Target() string { return r.target }

// Reply 应答载荷
func (r *Response) Reply() string { return r.reply }

// Evaluate 按默认消息表评估应答
func (r *Response) Evaluate() (ok bool, message string, code int) {
	return r.EvaluateWith(defaultCatalog)
}

// EvaluateWith 按指定消息表评估应答：仅 ack==30 视为成功
func (r *Response) EvaluateWith(cat *NackCatalog) (ok bool, message string, code int) {
	if r.ack == "30" {
		return true, "", 0
	}
	message, code = cat.Lookup(r.nack)
	return false, message, code
}

// IsCommandAck 是否为指令确认帧
func (r *Response) IsCommandAck() bool { return r.frame.IsCommandAck() }

// SensorValues 传感器读数，确认帧返回空
func (r *Response) SensorValues() []int { return r.frame.SensorValues() }

// DiscoveryNodes 发现的节点
func (r *Response) DiscoveryNodes() []string { return r.frame.DiscoveryNodes() }

// DiscoveryErrorNodes 异常节点
func (r *Response) DiscoveryErrorNodes() []string { return r.frame.DiscoveryErrorNodes() }

// NodeType 节点类型
func (r *Response) NodeType() (NodeType, bool) { return r.frame.NodeType() }

// Networks 网络列表
func (r *Response) Networks() []string { return r.frame.Networks() }

// NeedOptionW 是否需要 D 指令的 W 选项
func (r *Response) NeedOptionW() bool { return r.frame.NeedOptionW() }

// Description 操作码描述
func (r *Response) Description() string { return r.Code().Description() }

func (r *Response) String() string {
	return fmt.Sprintf("%s[%s]", r.Code(), r.frame.Hex())
}

// Summary 应答的解码视图（JSON 友好）
type Summary struct {
	Code        string   `json:"code"`
	FrameCode   string   `json:"frame_code"`
	Hex         string   `json:"hex"`
	Shape       string   `json:"shape"`
	Gateway     string   `json:"gateway"`
	Target      string   `json:"target,omitempty"`
	Ack         string   `json:"ack,omitempty"`
	Nack        string   `json:"nack,omitempty"`
	Success     bool     `json:"success"`
	Message     string   `json:"message,omitempty"`
	ErrorCode   int      `json:"error_code"`
	Reply       string   `json:"reply,omitempty"`
	Sensors     []int    `json:"sensors,omitempty"`
	Nodes       []string `json:"nodes,omitempty"`
	ErrorNodes  []string `json:"error_nodes,omitempty"`
	NodeType    string   `json:"node_type,omitempty"`
	Networks    []string `json:"networks,omitempty"`
	NeedOptionW bool     `json:"need_option_w"`
}

// Summary 生成解码视图
func (r *Response) Summary(cat *NackCatalog) Summary {
	if cat == nil {
		cat = defaultCatalog
	}
	ok, msg, code := r.EvaluateWith(cat)
	s := Summary{
		Code:      r.Code().String(),
		FrameCode: r.FrameCode().String(),
		Hex:       r.frame.Hex(),
		Shape:     r.frame.Shape().String(),
		Gateway:   r.gateway,
		Target:    r.target,
		Ack:       r.ack,
		Nack:      r.nack,
		Success:   ok,
		Message:   msg,
		ErrorCode: code,
		Reply:     r.reply,
	}
	// 按操作码选择专用解码，上下文未知时全部尝试
	op := r.Code()
	all := !op.Defined()
	if all || op == CodeC {
		s.Sensors = r.SensorValues()
	}
	if all || op == CodeD {
		s.Nodes = r.DiscoveryNodes()
		s.ErrorNodes = r.DiscoveryErrorNodes()
		s.NeedOptionW = r.NeedOptionW()
	}
	if all || op == CodeV {
		if t, ok := r.NodeType(); ok {
			s.NodeType = t.String()
		}
	}
	if all || op == CodeM {
		s.Networks = r.Networks()
	}
	return s
}
