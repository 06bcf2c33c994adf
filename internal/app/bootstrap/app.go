package bootstrap

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/taoyao-code/idro-ble/internal/api"
	"github.com/taoyao-code/idro-ble/internal/api/middleware"
	"github.com/taoyao-code/idro-ble/internal/app"
	cfgpkg "github.com/taoyao-code/idro-ble/internal/config"
	"github.com/taoyao-code/idro-ble/internal/health"
	"github.com/taoyao-code/idro-ble/internal/metrics"
)

// Run 统一启动流程，阻塞直到收到退出信号
func Run(cfg *cfgpkg.Config, log *zap.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigCh
		log.Info("received shutdown signal, gracefully shutting down...")
		cancel()
	}()
	return RunContext(ctx, cfg, log)
}

// RunContext 启动全部组件，ctx 取消后优雅关闭
func RunContext(ctx context.Context, cfg *cfgpkg.Config, log *zap.Logger) error {
	log.Info("starting idro ble bridge", zap.String("app", cfg.App.Name), zap.String("env", cfg.App.Env))

	// ========== 阶段1: 初始化基础组件 ==========
	reg, bleMetrics := app.NewMetrics()
	metricsHandler := metrics.Handler(reg)
	ready := health.New()
	catalog := app.LoadNackCatalog(cfg.Protocol.NackCatalog, log)
	log.Info("basic components initialized")

	// ========== 阶段2: 打开传输（失败直接返回）==========
	tr, err := app.NewTransport(cfg.BLE, log)
	if err != nil {
		log.Error("transport initialization failed", zap.Error(err))
		return err
	}
	defer func() {
		if err := app.CloseTransport(tr); err != nil {
			log.Warn("close transport failed", zap.Error(err))
		}
	}()
	ready.SetTransportReady(true)

	// ========== 阶段3: 蓝牙会话与应答分发 ==========
	sess := app.NewSession(tr, cfg.BLE, log, bleMetrics)
	hub := api.NewReplyHub()
	healthAgg := app.NewHealthAggregator(sess)

	// ========== 阶段4: MQTT 转发（可选）==========
	br, pub, err := app.NewBridgeIfEnabled(cfg.MQTT, catalog, log)
	if err != nil {
		log.Error("mqtt bridge initialization failed", zap.Error(err))
		return err
	}
	if br != nil {
		defer pub.Close()
		defer br.Close()
		hub.AddSink(br.HandleReply)
		unregister := sess.OnConnectivityChanged(br.HandleConnectivity)
		defer unregister()
		app.AddMQTTChecker(healthAgg, pub.Connected)
		ready.SetBridgeReady(true)
	}

	// ========== 阶段5: HTTP 服务 ==========
	limiter := middleware.NewRateLimiter(cfg.API.CommandRate, cfg.API.CommandBurst)
	handler := api.NewBLEHandler(sess, hub, limiter, api.HandlerOptions{
		Characteristic: cfg.BLE.CharacteristicUUID,
		WriteMode:      app.WriteMode(cfg.BLE),
		ScanPrefix:     cfg.BLE.ScanPrefix,
		Catalog:        catalog,
	}, log)

	metricsPath := ""
	if cfg.Metrics.Enable {
		metricsPath = cfg.Metrics.Path
	} else {
		metricsHandler = nil
	}
	httpSrv := app.NewHTTPServer(cfg.HTTP, metricsPath, metricsHandler, ready.Ready, log)
	httpSrv.Register(func(r *gin.Engine) {
		api.RegisterBLERoutes(r, handler, api.RouteOptions{
			Auth: middleware.AuthConfig{APIKeys: cfg.API.Auth.APIKeys, Enabled: cfg.API.Auth.Enabled},
			CORS: cfg.API.CORS,
		}, log)
		app.RegisterHealthRoutes(r, healthAgg)
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Start()
	}()
	log.Info("all services ready", zap.String("addr", cfg.HTTP.Addr), zap.String("transport", cfg.BLE.Transport))

	// ========== 阶段6: 等待关闭 ==========
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			log.Error("http server error", zap.Error(err))
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess.StopScan()
	sess.Disconnect()
	_ = httpSrv.Shutdown(shutdownCtx)
	log.Info("http server stopped")

	log.Info("shutdown complete")
	return nil
}
