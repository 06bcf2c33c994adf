package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/idro-ble/internal/config"
)

func testConfig(t *testing.T) *cfgpkg.Config {
	t.Helper()
	cfg, err := cfgpkg.Load("")
	require.NoError(t, err)
	cfg.HTTP.Addr = "127.0.0.1:0"
	return cfg
}

func TestRunContext_ShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- RunContext(ctx, cfg, zap.NewNop()) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("RunContext did not return after cancel")
	}
}

func TestRunContext_UnknownTransport(t *testing.T) {
	cfg := testConfig(t)
	cfg.BLE.Transport = "carrier-pigeon"
	err := RunContext(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown transport")
}

func TestRunContext_MQTTUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.MQTT.Enable = true
	cfg.MQTT.Broker = "tcp://127.0.0.1:1"
	cfg.MQTT.Timeout = 200 * time.Millisecond
	err := RunContext(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "mqtt connect")
}
