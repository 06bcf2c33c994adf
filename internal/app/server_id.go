package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateClientID 生成 MQTT 客户端ID
// 优先使用环境变量 IDRO_CLIENT_ID，否则按主机名生成
func GenerateClientID() string {
	if id := os.Getenv("IDRO_CLIENT_ID"); id != "" {
		return id
	}

	// 格式：idro-ble-{hostname}-{uuid前8位}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("idro-ble-%s-%s", hostname, uuid.New().String()[:8])
}
