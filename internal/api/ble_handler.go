package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/api/middleware"
	"github.com/taoyao-code/idro-ble/internal/blesession"
	"github.com/taoyao-code/idro-ble/internal/peripheral"
	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
	"github.com/taoyao-code/idro-ble/internal/transport"
)

// Controller 控制 API 依赖的会话能力
type Controller interface {
	ScanForPeripherals(prefix string, onResult blesession.ScanHandler) error
	StopScan()
	Peripherals() []peripheral.Identity
	Lookup(id string) (peripheral.Identity, bool)
	Connect(ctx context.Context, p peripheral.Identity) error
	Reconnect(ctx context.Context) error
	Disconnect()
	Subscribe(ctx context.Context, characteristic string, onReply blesession.ReplyHandler) error
	Write(ctx context.Context, cmd *idro.Command, characteristic string, mode transport.WriteMode,
		onTimeout func(), onComplete func(peripheral.Identity, bool)) error
	Status() blesession.Status
}

// HandlerOptions 控制 API 参数
type HandlerOptions struct {
	Characteristic string
	WriteMode      transport.WriteMode
	ScanPrefix     string
	Catalog        *idro.NackCatalog
	// ReplyWait 指令写入后等待应答的时长，默认取操作码的 ResponseWait()
	ReplyWait func(idro.CommandCode) time.Duration
}

// BLEHandler 蓝牙控制API处理器
type BLEHandler struct {
	sess    Controller
	hub     *ReplyHub
	opts    HandlerOptions
	limiter *middleware.RateLimiter
	logger  *zap.Logger
}

// NewBLEHandler 创建蓝牙控制API处理器
func NewBLEHandler(sess Controller, hub *ReplyHub, limiter *middleware.RateLimiter, opts HandlerOptions, logger *zap.Logger) *BLEHandler {
	if opts.ReplyWait == nil {
		opts.ReplyWait = func(c idro.CommandCode) time.Duration { return c.ResponseWait() }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BLEHandler{sess: sess, hub: hub, opts: opts, limiter: limiter, logger: logger}
}

// CodeView 操作码目录条目
type CodeView struct {
	Code           string `json:"code"`
	Hex            string `json:"hex"`
	Description    string `json:"description"`
	DelayMs        int64  `json:"delay_ms"`
	ResponseWaitMs int64  `json:"response_wait_ms"`
}

// ListCodes 列出操作码目录
func (h *BLEHandler) ListCodes(c *gin.Context) {
	codes := idro.Codes()
	out := make([]CodeView, 0, len(codes))
	for _, code := range codes {
		out = append(out, CodeView{
			Code:           code.String(),
			Hex:            code.ASCIIHex(),
			Description:    code.Description(),
			DelayMs:        code.Delay().Milliseconds(),
			ResponseWaitMs: code.ResponseWait().Milliseconds(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"codes": out})
}

// ListPeripherals 当前扫描结果
func (h *BLEHandler) ListPeripherals(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peripherals": h.sess.Peripherals()})
}

type scanRequest struct {
	Prefix *string `json:"prefix"`
}

// StartScan 清空扫描结果并开始扫描
func (h *BLEHandler) StartScan(c *gin.Context) {
	var req scanRequest
	if !bindOptional(c, &req) {
		return
	}
	prefix := h.opts.ScanPrefix
	if req.Prefix != nil {
		prefix = *req.Prefix
	}
	if err := h.sess.ScanForPeripherals(prefix, nil); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scanning": true, "prefix": prefix})
}

// StopScan 停止扫描
func (h *BLEHandler) StopScan(c *gin.Context) {
	h.sess.StopScan()
	c.JSON(http.StatusOK, gin.H{"scanning": false})
}

type connectRequest struct {
	ID        string `json:"id" binding:"required"`
	Subscribe bool   `json:"subscribe"`
}

// Connect 连接扫描结果中的外设，可选地立即开启通知
func (h *BLEHandler) Connect(c *gin.Context) {
	var req connectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	p, ok := h.sess.Lookup(req.ID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "peripheral not in scan results"})
		return
	}
	ctx := c.Request.Context()
	if err := h.sess.Connect(ctx, p); err != nil {
		h.fail(c, err)
		return
	}
	if req.Subscribe {
		if err := h.sess.Subscribe(ctx, h.opts.Characteristic, h.hub.Handle); err != nil {
			h.fail(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, h.sess.Status())
}

// Reconnect 重连最近一次连接的外设
func (h *BLEHandler) Reconnect(c *gin.Context) {
	if err := h.sess.Reconnect(c.Request.Context()); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sess.Status())
}

// Disconnect 请求断开（异步）
func (h *BLEHandler) Disconnect(c *gin.Context) {
	h.sess.Disconnect()
	c.JSON(http.StatusAccepted, gin.H{"disconnecting": true})
}

// Subscribe 开启应答通知
func (h *BLEHandler) Subscribe(c *gin.Context) {
	if err := h.sess.Subscribe(c.Request.Context(), h.opts.Characteristic, h.hub.Handle); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"subscribed": true, "characteristic": h.opts.Characteristic})
}

type commandRequest struct {
	Code    string `json:"code" binding:"required"`
	Gateway string `json:"gateway" binding:"required"`
	Target  string `json:"target" binding:"required"`
	Args    string `json:"args"`
	NoWait  bool   `json:"no_wait"`
}

// CommandView 已发送指令
type CommandView struct {
	Code        string `json:"code"`
	Hex         string `json:"hex"`
	Description string `json:"description"`
}

// CommandResult 指令执行结果
type CommandResult struct {
	Command  CommandView   `json:"command"`
	Reply    *idro.Summary `json:"reply"`
	TimedOut bool          `json:"timed_out"`
}

// SendCommand 构造并写入指令，随后在操作码的建议时长内等待下一条应答
func (h *BLEHandler) SendCommand(c *gin.Context) {
	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	code := idro.ParseCode(req.Code)
	cmd, err := idro.NewCommand(code, req.Gateway, req.Target, req.Args)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_command", "message": err.Error()})
		return
	}

	replies, cancel := h.hub.Await()
	defer cancel()

	ctx := c.Request.Context()
	if err := h.sess.Write(ctx, cmd, h.opts.Characteristic, h.opts.WriteMode, nil, nil); err != nil {
		h.fail(c, err)
		return
	}

	result := CommandResult{Command: CommandView{Code: code.String(), Hex: cmd.Hex(), Description: cmd.Description()}}
	if req.NoWait {
		c.JSON(http.StatusAccepted, result)
		return
	}

	timer := time.NewTimer(h.opts.ReplyWait(code))
	defer timer.Stop()
	select {
	case resp := <-replies:
		s := resp.Summary(h.opts.Catalog)
		result.Reply = &s
		c.JSON(http.StatusOK, result)
	case <-timer.C:
		result.TimedOut = true
		c.JSON(http.StatusAccepted, result)
	case <-ctx.Done():
		c.JSON(http.StatusRequestTimeout, gin.H{"error": "canceled", "message": ctx.Err().Error()})
	}
}

type decodeRequest struct {
	Hex  string `json:"hex" binding:"required"`
	Code string `json:"code"`
}

// Decode 离线解码应答帧；未给出操作码时按帧首字节尝试全部解码
func (h *BLEHandler) Decode(c *gin.Context) {
	var req decodeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	f, err := idro.ParseHex(req.Hex)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_hex", "message": err.Error()})
		return
	}
	resp := idro.NewResponse(f, idro.ParseCode(req.Code))
	c.JSON(http.StatusOK, resp.Summary(h.opts.Catalog))
}

// Status 会话状态与限流统计
func (h *BLEHandler) Status(c *gin.Context) {
	body := gin.H{"session": h.sess.Status()}
	if h.limiter != nil {
		body["rate_limit"] = h.limiter.Stats()
	}
	c.JSON(http.StatusOK, body)
}

// fail 将会话错误映射为 HTTP 状态
func (h *BLEHandler) fail(c *gin.Context, err error) {
	status, kind := http.StatusInternalServerError, "internal"
	switch {
	case errors.Is(err, blesession.ErrTimeout):
		status, kind = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, blesession.ErrNotConnected), errors.Is(err, blesession.ErrNoLastPeripheral):
		status, kind = http.StatusConflict, "not_connected"
	case errors.Is(err, blesession.ErrBusy):
		status, kind = http.StatusConflict, "busy"
	case errors.Is(err, blesession.ErrCharacteristicNotFound):
		status, kind = http.StatusNotFound, "characteristic_not_found"
	case errors.Is(err, blesession.ErrDisconnected):
		status, kind = http.StatusServiceUnavailable, "disconnected"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, kind = http.StatusRequestTimeout, "canceled"
	}
	h.logger.Warn("ble request failed",
		zap.String("path", c.Request.URL.Path),
		zap.String("error_kind", kind),
		zap.Error(err))
	body := gin.H{"error": kind, "message": err.Error()}
	var pe *blesession.PhaseError
	if errors.As(err, &pe) {
		body["phase"] = pe.Phase
	}
	c.JSON(status, body)
}

// bindOptional 允许空请求体
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return false
	}
	return true
}
