// Package bridge 将解码后的网关应答与连接状态转发到 MQTT。
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/config"
	"github.com/taoyao-code/idro-ble/internal/peripheral"
	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
)

// Publisher 消息发布抽象
type Publisher interface {
	Publish(topic string, payload []byte) error
	Close()
}

// MQTTPublisher paho 客户端封装
type MQTTPublisher struct {
	client  mqtt.Client
	qos     byte
	timeout time.Duration
}

// NewMQTTPublisher 使用已有客户端构造发布者
func NewMQTTPublisher(client mqtt.Client, qos byte, timeout time.Duration) *MQTTPublisher {
	return &MQTTPublisher{client: client, qos: qos, timeout: timeout}
}

// Dial 按配置连接 broker
func Dial(cfg config.MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions().AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		return nil, fmt.Errorf("mqtt connect %s: timeout", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return NewMQTTPublisher(client, cfg.QoS, cfg.Timeout), nil
}

// Connected broker 连接状态
func (p *MQTTPublisher) Connected() bool {
	return p.client.IsConnectionOpen()
}

// Publish 发布并等待确认
func (p *MQTTPublisher) Publish(topic string, payload []byte) error {
	token := p.client.Publish(topic, p.qos, false, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("mqtt publish %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Close 断开连接
func (p *MQTTPublisher) Close() {
	p.client.Disconnect(250)
}

// ReplyMessage 应答消息体
type ReplyMessage struct {
	Peripheral peripheral.Identity `json:"peripheral"`
	Reply      idro.Summary        `json:"reply"`
	Received   time.Time           `json:"received"`
}

// StatusMessage 连接状态消息体
type StatusMessage struct {
	Connected bool      `json:"connected"`
	Changed   time.Time `json:"changed"`
}

// queueSize 发布队列长度
const queueSize = 128

type outgoing struct {
	topic   string
	payload []byte
}

// Bridge 应答转发器。发布在独立协程中进行，不阻塞传输事件回调。
type Bridge struct {
	pub     Publisher
	prefix  string
	catalog *idro.NackCatalog
	log     *zap.Logger
	now     func() time.Time
	breaker *Breaker

	mu      sync.RWMutex
	closed  bool
	queue   chan outgoing
	doneC   chan struct{}
	overrun int64
}

// New 创建转发器并启动发布协程，topic 形如 <prefix>/<gateway>/reply
func New(pub Publisher, prefix string, catalog *idro.NackCatalog, logger *zap.Logger) *Bridge {
	return newWithQueue(pub, prefix, catalog, logger, queueSize)
}

func newWithQueue(pub Publisher, prefix string, catalog *idro.NackCatalog, logger *zap.Logger, size int) *Bridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Bridge{
		pub:     pub,
		prefix:  strings.TrimSuffix(prefix, "/"),
		catalog: catalog,
		log:     logger.Named("bridge"),
		now:     time.Now,
		breaker: NewBreaker(5, 30*time.Second),
		queue:   make(chan outgoing, size),
		doneC:   make(chan struct{}),
	}
	go b.run()
	return b
}

// run 发布循环，队列关闭且排空后退出
func (b *Bridge) run() {
	defer close(b.doneC)
	for msg := range b.queue {
		b.send(msg)
	}
}

// Close 停止接收新消息，等待队列中的消息发布完毕
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.doneC
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()
	<-b.doneC
}

// QueueOverruns 队列满被丢弃的消息数
func (b *Bridge) QueueOverruns() int64 {
	return atomic.LoadInt64(&b.overrun)
}

// BreakerStats 发布熔断统计
func (b *Bridge) BreakerStats() BreakerStats {
	return b.breaker.Stats()
}

// ReplyTopic 网关应答主题，网关未知时使用 unknown
func (b *Bridge) ReplyTopic(gateway string) string {
	if gateway == "" {
		gateway = "unknown"
	}
	return fmt.Sprintf("%s/%s/reply", b.prefix, gateway)
}

// StatusTopic 连接状态主题
func (b *Bridge) StatusTopic() string {
	return b.prefix + "/status"
}

// HandleReply 可直接作为会话的应答回调
func (b *Bridge) HandleReply(p peripheral.Identity, resp *idro.Response, err error) {
	if err != nil || resp == nil {
		return
	}
	msg := ReplyMessage{Peripheral: p, Reply: resp.Summary(b.catalog), Received: b.now().UTC()}
	b.publish(b.ReplyTopic(resp.Gateway()), msg)
}

// HandleConnectivity 连接状态观察者
func (b *Bridge) HandleConnectivity(connected bool) {
	b.publish(b.StatusTopic(), StatusMessage{Connected: connected, Changed: b.now().UTC()})
}

func (b *Bridge) publish(topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.log.Error("marshal mqtt payload", zap.Error(err))
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.log.Debug("bridge closed, message dropped", zap.String("topic", topic))
		return
	}
	select {
	case b.queue <- outgoing{topic: topic, payload: payload}:
	default:
		atomic.AddInt64(&b.overrun, 1)
		b.log.Warn("mqtt publish queue full, message dropped", zap.String("topic", topic))
	}
}

func (b *Bridge) send(msg outgoing) {
	err := b.breaker.Call(func() error { return b.pub.Publish(msg.topic, msg.payload) })
	switch {
	case errors.Is(err, ErrBreakerOpen):
		b.log.Debug("mqtt publish dropped", zap.String("topic", msg.topic))
		return
	case err != nil:
		b.log.Warn("mqtt publish failed", zap.String("topic", msg.topic), zap.Error(err))
		return
	}
	b.log.Debug("mqtt published", zap.String("topic", msg.topic), zap.Int("bytes", len(msg.payload)))
}
