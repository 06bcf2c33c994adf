package sim

import (
	"encoding/hex"
	"fmt"

	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
)

// Responder 根据写入的指令报文生成应答帧，返回 nil 表示不应答
type Responder func(command []byte) ([]byte, error)

// Profile 模拟网关的应答数据
type Profile struct {
	Prefix      string
	Nodes       []int
	NeedOptionW bool
	Sensors     [4]int
	NodeType    idro.NodeType
	Networks    []string
	// Nacks 指定操作码以给定 nack 字节应答（如 0x33）
	Nacks map[idro.CommandCode]byte
}

// DefaultProfile 默认网关数据
func DefaultProfile() Profile {
	return Profile{
		Prefix:   "A1B2C3",
		Nodes:    []int{1, 2, 5},
		Sensors:  [4]int{512, 100, 1023, 0},
		NodeType: idro.NodeTypeSensor,
		Networks: []string{"0A0B0C", "0D0E0F"},
	}
}

// NewGatewayResponder 按操作码生成网关应答：
// D 节点发现，C 传感器读数，V 节点类型，M 网络列表，其余为指令确认。
func NewGatewayResponder(p Profile) Responder {
	return func(command []byte) ([]byte, error) {
		if len(command) < 1+idro.GatewayIDLen {
			return nil, fmt.Errorf("sim: command too short: %d bytes", len(command))
		}
		code := idro.CodeFromByte(command[0])
		if !code.Defined() {
			return nil, idro.ErrUndefinedCode
		}
		gateway := hex.EncodeToString(command[1 : 1+idro.GatewayIDLen])

		if nack, ok := p.Nacks[code]; ok {
			return idro.BuildCommandAck(code, gateway, nack)
		}
		switch code {
		case idro.CodeD:
			return idro.BuildDiscoveryFrame(code, gateway, p.Prefix, p.Nodes, p.NeedOptionW)
		case idro.CodeC:
			return idro.BuildSensorFrame(code, gateway, p.Sensors)
		case idro.CodeV:
			return idro.BuildNodeTypeFrame(code, gateway, p.NodeType)
		case idro.CodeM:
			return idro.BuildNetworkListFrame(code, gateway, p.Networks)
		default:
			return idro.BuildCommandAck(code, gateway, idro.AckByte)
		}
	}
}
