package api

import (
	"sync"

	"github.com/taoyao-code/idro-ble/internal/peripheral"
	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
)

// ReplySink 应答消费者，签名与会话的应答回调一致
type ReplySink func(p peripheral.Identity, resp *idro.Response, err error)

// ReplyHub 将会话唯一的应答回调扇出给多个消费者：
// 常驻 sink（如 MQTT 转发）以及等待指令应答的一次性订阅。
type ReplyHub struct {
	mu      sync.Mutex
	sinks   []ReplySink
	waiters map[int]chan *idro.Response
	next    int
}

// NewReplyHub 创建扇出器
func NewReplyHub(sinks ...ReplySink) *ReplyHub {
	return &ReplyHub{sinks: sinks, waiters: make(map[int]chan *idro.Response)}
}

// AddSink 追加常驻消费者
func (h *ReplyHub) AddSink(s ReplySink) {
	h.mu.Lock()
	h.sinks = append(h.sinks, s)
	h.mu.Unlock()
}

// Await 订阅下一条应答，返回接收通道与取消函数
func (h *ReplyHub) Await() (<-chan *idro.Response, func()) {
	ch := make(chan *idro.Response, 1)
	h.mu.Lock()
	id := h.next
	h.next++
	h.waiters[id] = ch
	h.mu.Unlock()
	return ch, func() {
		h.mu.Lock()
		delete(h.waiters, id)
		h.mu.Unlock()
	}
}

// Handle 分发一条应答；读取错误只交给常驻消费者
func (h *ReplyHub) Handle(p peripheral.Identity, resp *idro.Response, err error) {
	h.mu.Lock()
	sinks := append([]ReplySink(nil), h.sinks...)
	var waiters []chan *idro.Response
	if err == nil && resp != nil {
		for id, ch := range h.waiters {
			waiters = append(waiters, ch)
			delete(h.waiters, id)
		}
	}
	h.mu.Unlock()

	for _, ch := range waiters {
		ch <- resp
	}
	for _, s := range sinks {
		s(p, resp, err)
	}
}
