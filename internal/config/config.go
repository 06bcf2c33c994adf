package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvConfigPath 指定配置文件路径的环境变量
const EnvConfigPath = "IDRO_CONFIG"

// AppConfig 应用基础信息
type AppConfig struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"readTimeout"`
	WriteTimeout time.Duration `mapstructure:"writeTimeout"`
}

// LumberjackConfig 日志滚动（lumberjack）配置
type LumberjackConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"maxSize"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAge"`
	Compress   bool   `mapstructure:"compress"`
}

// LoggingConfig 日志级别与输出配置
type LoggingConfig struct {
	Level  string           `mapstructure:"level"`
	Format string           `mapstructure:"format"`
	File   LumberjackConfig `mapstructure:"file"`
}

// MetricsConfig Prometheus 指标暴露配置
type MetricsConfig struct {
	Enable bool   `mapstructure:"enable"`
	Path   string `mapstructure:"path"`
}

// BLEConfig 蓝牙会话配置
type BLEConfig struct {
	Transport          string        `mapstructure:"transport"` // sim | hci
	ScanPrefix         string        `mapstructure:"scanPrefix"`
	DeviceMarker       string        `mapstructure:"deviceMarker"`
	ServiceUUID        string        `mapstructure:"serviceUUID"`
	CharacteristicUUID string        `mapstructure:"characteristicUUID"`
	WriteWithResponse  bool          `mapstructure:"writeWithResponse"`
	ConnectTimeout     time.Duration `mapstructure:"connectTimeout"`
	DiscoveryTimeout   time.Duration `mapstructure:"discoveryTimeout"`
	WriteTimeout       time.Duration `mapstructure:"writeTimeout"`
	SubscribeTimeout   time.Duration `mapstructure:"subscribeTimeout"`
	SimDevices         []string      `mapstructure:"simDevices"`
}

// ProtocolConfig 协议配置
type ProtocolConfig struct {
	// NackCatalog 可选 YAML 文件，覆盖默认的 nack 提示文本
	NackCatalog string `mapstructure:"nackCatalog"`
}

// APIAuthConfig 控制 API 认证
type APIAuthConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	APIKeys []string `mapstructure:"apiKeys"`
}

// APIConfig 控制 API 配置
type APIConfig struct {
	CommandRate  float64       `mapstructure:"commandRate"` // 每秒指令数
	CommandBurst int           `mapstructure:"commandBurst"`
	CORS         bool          `mapstructure:"cors"`
	Auth         APIAuthConfig `mapstructure:"auth"`
}

// MQTTConfig 应答转发配置
type MQTTConfig struct {
	Enable      bool          `mapstructure:"enable"`
	Broker      string        `mapstructure:"broker"`
	ClientID    string        `mapstructure:"clientID"`
	Username    string        `mapstructure:"username"`
	Password    string        `mapstructure:"password"`
	TopicPrefix string        `mapstructure:"topicPrefix"`
	QoS         byte          `mapstructure:"qos"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Config 顶层配置结构
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	BLE      BLEConfig      `mapstructure:"ble"`
	Protocol ProtocolConfig `mapstructure:"protocol"`
	API      APIConfig      `mapstructure:"api"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
}

// Load 从 YAML/TOML/JSON 文件与环境变量加载配置。
// 若 path 为空，则尝试从环境变量 IDRO_CONFIG 读取；否则回退到 configs/example.yaml。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = os.Getenv(EnvConfigPath)
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.SetConfigName("example")
		v.SetConfigType("yaml")
	}

	setDefaults(v)

	// 环境变量覆盖：前缀 IDRO_，并将点号替换为下划线
	v.SetEnvPrefix("IDRO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 首次运行允许缺少配置文件，依赖默认值与环境变量
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验取值范围
func (c *Config) Validate() error {
	switch c.BLE.Transport {
	case "sim", "hci":
	default:
		return fmt.Errorf("config: ble.transport must be sim or hci, got %q", c.BLE.Transport)
	}
	if c.BLE.CharacteristicUUID == "" {
		return errors.New("config: ble.characteristicUUID is required")
	}
	for name, d := range map[string]time.Duration{
		"ble.connectTimeout":   c.BLE.ConnectTimeout,
		"ble.discoveryTimeout": c.BLE.DiscoveryTimeout,
		"ble.writeTimeout":     c.BLE.WriteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("config: %s must be positive", name)
		}
	}
	if c.BLE.SubscribeTimeout < 0 {
		return errors.New("config: ble.subscribeTimeout must not be negative")
	}
	if c.API.Auth.Enabled && len(c.API.Auth.APIKeys) == 0 {
		return errors.New("config: api.auth.apiKeys is required when auth is enabled")
	}
	if c.MQTT.Enable && c.MQTT.Broker == "" {
		return errors.New("config: mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt.qos must be 0..2, got %d", c.MQTT.QoS)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "idro-ble")
	v.SetDefault("app.env", "dev")

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.readTimeout", "5s")
	v.SetDefault("http.writeTimeout", "120s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file.filename", "logs/idro-ble.log")
	v.SetDefault("logging.file.maxSize", 100)
	v.SetDefault("logging.file.maxBackups", 7)
	v.SetDefault("logging.file.maxAge", 30)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("metrics.enable", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("ble.transport", "sim")
	v.SetDefault("ble.scanPrefix", "")
	v.SetDefault("ble.deviceMarker", "IdroCtrl")
	v.SetDefault("ble.serviceUUID", "FFE0")
	v.SetDefault("ble.characteristicUUID", "FFE1")
	v.SetDefault("ble.writeWithResponse", true)
	v.SetDefault("ble.connectTimeout", "4s")
	v.SetDefault("ble.discoveryTimeout", "4s")
	v.SetDefault("ble.writeTimeout", "4s")
	v.SetDefault("ble.subscribeTimeout", "4s")
	v.SetDefault("ble.simDevices", []string{"IdroCtrl-Demo"})

	v.SetDefault("protocol.nackCatalog", "")

	v.SetDefault("api.commandRate", 1.0)
	v.SetDefault("api.commandBurst", 2)
	v.SetDefault("api.cors", false)
	v.SetDefault("api.auth.enabled", false)
	v.SetDefault("api.auth.apiKeys", []string{})

	v.SetDefault("mqtt.enable", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.clientID", "idro-ble")
	v.SetDefault("mqtt.topicPrefix", "idro")
	v.SetDefault("mqtt.qos", 1)
	v.SetDefault("mqtt.timeout", "5s")
}
