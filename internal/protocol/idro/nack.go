package idro

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GenericErrorCode 未知 nack 的通用错误码
const GenericErrorCode = 40

// nackCodes nack 字节 -> 错误码，属于协议约定，不可通过配置修改
var nackCodes = map[string]int{
	"31": 31, // 安装模式未开启
	"32": 32, // 指令无效
	"33": 33, // 网关正在执行 GSM 例程
	"34": 34, // 网关无法获取自身配置
	"35": 35, // 选项无效
	"36": 36, // 选项无效
}

// NackCatalog nack 错误消息表，仅消息文本可以重新本地化
type NackCatalog struct {
	Messages map[string]string `yaml:"messages"`
	Generic  string            `yaml:"generic"`
}

// DefaultNackCatalog 默认（意大利语）消息表
func DefaultNackCatalog() *NackCatalog {
	return &NackCatalog{
		Messages: map[string]string{
			"31": "Impossibile eseguire il comando in quanto la modalità installazione è disabilitata",
			"32": "Impossibile eseguire il comando in quanto non valido",
			"33": "Il Gateway è impegnato nella routine GSM",
			"34": "Il Gateway non è riuscito a recuperare la propria configurazione",
			"35": "Impossibile eseguire il comando in quanto l’opzione specificata non valida",
			"36": "Impossibile eseguire il comando in quanto l’opzione specificata non valida",
		},
		Generic: "Errore generico",
	}
}

// LoadNackCatalog 从 YAML 文件加载消息覆盖，未覆盖的条目沿用默认值。
// 文件中出现协议未定义的 nack 字节时报错。
func LoadNackCatalog(path string) (*NackCatalog, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read nack catalog: %w", err)
	}
	var override NackCatalog
	if err := yaml.Unmarshal(b, &override); err != nil {
		return nil, fmt.Errorf("unmarshal nack catalog: %w", err)
	}
	cat := DefaultNackCatalog()
	for k, v := range override.Messages {
		k = strings.ToUpper(k)
		if _, ok := nackCodes[k]; !ok {
			return nil, fmt.Errorf("nack catalog: unknown nack %q", k)
		}
		cat.Messages[k] = v
	}
	if override.Generic != "" {
		cat.Generic = override.Generic
	}
	return cat, nil
}

// Lookup 返回 nack 对应的消息与错误码，未知 nack 回退到通用错误 40
func (c *NackCatalog) Lookup(nack string) (string, int) {
	if c == nil {
		c = DefaultNackCatalog()
	}
	code, ok := nackCodes[strings.ToUpper(nack)]
	if !ok {
		return c.Generic, GenericErrorCode
	}
	return c.Messages[strings.ToUpper(nack)], code
}
