package idro

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// CommandCode 网关指令操作码（单个 ASCII 字母）
type CommandCode byte

// CodeUndefined 未识别操作码的哨兵值，永远不会出现在构造成功的 Command 中
const CodeUndefined CommandCode = 0

const (
	CodeA CommandCode = 'A'
	CodeB CommandCode = 'B'
	CodeC CommandCode = 'C' // 读取传感器
	CodeD CommandCode = 'D' // 扫描现场节点
	CodeE CommandCode = 'E'
	CodeF CommandCode = 'F'
	CodeG CommandCode = 'G'
	CodeH CommandCode = 'H'
	CodeI CommandCode = 'I' // 开启安装模式
	CodeJ CommandCode = 'J'
	CodeK CommandCode = 'K'
	CodeL CommandCode = 'L'
	CodeM CommandCode = 'M' // 网络连接检查
	CodeN CommandCode = 'N' // 关闭安装模式
	CodeO CommandCode = 'O' // 网关状态检查
	CodeP CommandCode = 'P'
	CodeQ CommandCode = 'Q'
	CodeR CommandCode = 'R' // 读取应答
	CodeS CommandCode = 'S'
	CodeT CommandCode = 'T'
	CodeU CommandCode = 'U' // 修改网络 APN
	CodeV CommandCode = 'V' // 节点类型
	CodeW CommandCode = 'W'
	CodeX CommandCode = 'X'
	CodeY CommandCode = 'Y'
	CodeZ CommandCode = 'Z'
)

// writeDelay 所有操作码写入前的固定等待，满足网关侧时序要求
const writeDelay = 2 * time.Second

type codeInfo struct {
	wait        time.Duration
	description string
}

// catalogue 操作码静态表：应答等待时长 + 描述
var catalogue = map[CommandCode]codeInfo{
	CodeA: {wait: 2 * time.Second},
	CodeB: {wait: 2 * time.Second},
	CodeC: {wait: 35 * time.Second, description: "Lettura dei sensori"},
	CodeD: {wait: 8 * time.Second, description: "Scansione dei nodi in campo"},
	CodeE: {wait: 2 * time.Second},
	CodeF: {wait: 2 * time.Second},
	CodeG: {wait: 2 * time.Second},
	CodeH: {wait: 2 * time.Second},
	CodeI: {wait: 2 * time.Second, description: "Abilitazione della modalità installazione"},
	CodeJ: {wait: 2 * time.Second},
	CodeK: {wait: 2 * time.Second},
	CodeL: {wait: 2 * time.Second},
	CodeM: {wait: 90 * time.Second, description: "Verifica della connessione di rete"},
	CodeN: {wait: 2 * time.Second, description: "Disabilitazione della modalità installazione"},
	CodeO: {wait: 2 * time.Second, description: "Verifica dello stato del gateway"},
	CodeP: {wait: 2 * time.Second},
	CodeQ: {wait: 2 * time.Second},
	CodeR: {wait: 2 * time.Second, description: "Lettura della risposta"},
	CodeS: {wait: 2 * time.Second},
	CodeT: {wait: 2 * time.Second},
	CodeU: {wait: 2 * time.Second, description: "Cambiamento dell'APN di rete"},
	CodeV: {wait: 8 * time.Second, description: "Tipologia di un nodo"},
	CodeW: {wait: 2 * time.Second},
	CodeX: {wait: 2 * time.Second},
	CodeY: {wait: 2 * time.Second},
	CodeZ: {wait: 2 * time.Second},
}

const undefinedDescription = "Comando sconosciuto"

// Defined 是否为目录中的有效操作码
func (c CommandCode) Defined() bool {
	_, ok := catalogue[c]
	return ok
}

// String 返回操作码字母，未定义时返回 UNDEF
func (c CommandCode) String() string {
	if !c.Defined() {
		return "UNDEF"
	}
	return string(rune(c))
}

// ASCIIHex 返回操作码的 ASCII 十六进制表示，例如 D -> "44"
func (c CommandCode) ASCIIHex() string {
	if !c.Defined() {
		return ""
	}
	return fmt.Sprintf("%02X", byte(c))
}

// Delay 写入前等待时长
func (c CommandCode) Delay() time.Duration {
	if !c.Defined() {
		return 0
	}
	return writeDelay
}

// ResponseWait 建议的应答等待时长。
// 仅供调用方（界面/API）参考，会话本身不会以此作为协议超时。
func (c CommandCode) ResponseWait() time.Duration {
	return catalogue[c].wait
}

// Description 操作码描述
func (c CommandCode) Description() string {
	if !c.Defined() {
		return undefinedDescription
	}
	return catalogue[c].description
}

// CodeFromByte 将帧首字节映射为操作码，无法识别时返回 CodeUndefined
func CodeFromByte(b byte) CommandCode {
	c := CommandCode(b)
	if c.Defined() {
		return c
	}
	return CodeUndefined
}

// ParseCode 解析字母形式的操作码（大小写不敏感）
func ParseCode(s string) CommandCode {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) != 1 {
		return CodeUndefined
	}
	return CodeFromByte(s[0])
}

// Codes 按字母顺序返回全部有效操作码
func Codes() []CommandCode {
	out := make([]CommandCode, 0, len(catalogue))
	for c := range catalogue {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
