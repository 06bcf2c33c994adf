package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	cfgpkg "github.com/taoyao-code/idro-ble/internal/config"
	"github.com/taoyao-code/idro-ble/internal/health"
	"github.com/taoyao-code/idro-ble/internal/transport"
	"github.com/taoyao-code/idro-ble/internal/transport/sim"
)

func bleConfig() cfgpkg.BLEConfig {
	return cfgpkg.BLEConfig{
		Transport:          "sim",
		CharacteristicUUID: "FFF1",
		ServiceUUID:        "FFF0",
		ConnectTimeout:     time.Second,
		DiscoveryTimeout:   2 * time.Second,
		WriteTimeout:       3 * time.Second,
		SubscribeTimeout:   0,
		SimDevices:         []string{"IdroCtrl-A", "IdroCtrl-B"},
	}
}

func TestNewTransport_Sim(t *testing.T) {
	tr, err := NewTransport(bleConfig(), zap.NewNop())
	require.NoError(t, err)
	defer func() { assert.NoError(t, CloseTransport(tr)) }()
	assert.IsType(t, &sim.Transport{}, tr)
}

func TestNewTransport_Unknown(t *testing.T) {
	cfg := bleConfig()
	cfg.Transport = "usb"
	_, err := NewTransport(cfg, zap.NewNop())
	assert.ErrorContains(t, err, "unknown transport")
}

func TestSessionOptions(t *testing.T) {
	cfg := bleConfig()
	opts := SessionOptions(cfg)
	assert.Equal(t, time.Second, opts.ConnectTimeout)
	assert.Equal(t, 2*time.Second, opts.DiscoveryTimeout)
	assert.Equal(t, 3*time.Second, opts.WriteTimeout)
	assert.Zero(t, opts.SubscribeTimeout)
	assert.Equal(t, "IdroCtrl", opts.DeviceMarker)

	cfg.DeviceMarker = "Garden"
	assert.Equal(t, "Garden", SessionOptions(cfg).DeviceMarker)
}

func TestWriteMode(t *testing.T) {
	cfg := bleConfig()
	assert.Equal(t, transport.WriteWithoutResponse, WriteMode(cfg))
	cfg.WriteWithResponse = true
	assert.Equal(t, transport.WriteWithResponse, WriteMode(cfg))
}

func TestNewSession_ConnectsToConfiguredLayout(t *testing.T) {
	cfg := bleConfig()
	tr, err := NewTransport(cfg, zap.NewNop())
	require.NoError(t, err)
	defer CloseTransport(tr)

	sess := NewSession(tr, cfg, zap.NewNop(), nil)
	require.NoError(t, sess.ScanForPeripherals("", nil))
	require.Eventually(t, func() bool { return len(sess.Peripherals()) == 2 }, time.Second, 5*time.Millisecond)

	p := sess.Peripherals()[0]
	require.NoError(t, sess.Connect(context.Background(), p))
	chars := sess.Characteristics()
	require.Len(t, chars, 1)
	assert.Equal(t, "FFF1", chars[0].UUID)

	agg := NewHealthAggregator(sess)
	assert.Equal(t, health.StatusHealthy, agg.OverallStatus(context.Background()))
	AddMQTTChecker(agg, func() bool { return false })
	assert.Equal(t, health.StatusDegraded, agg.OverallStatus(context.Background()))
}

func TestLoadNackCatalog(t *testing.T) {
	assert.Nil(t, LoadNackCatalog("", zap.NewNop()))
	assert.Nil(t, LoadNackCatalog(filepath.Join(t.TempDir(), "missing.yaml"), zap.NewNop()))

	path := filepath.Join(t.TempDir(), "nack.yaml")
	require.NoError(t, os.WriteFile(path, []byte("messages:\n  \"33\": \"valve busy\"\n"), 0o644))
	cat := LoadNackCatalog(path, zap.NewNop())
	require.NotNil(t, cat)
	msg, code := cat.Lookup("33")
	assert.Equal(t, "valve busy", msg)
	assert.Equal(t, 33, code)
}

func TestGenerateClientID(t *testing.T) {
	t.Setenv("IDRO_CLIENT_ID", "fixed")
	assert.Equal(t, "fixed", GenerateClientID())

	t.Setenv("IDRO_CLIENT_ID", "")
	assert.Regexp(t, `^idro-ble-.+-[0-9a-f]{8}$`, GenerateClientID())
}

func TestNewBridgeIfEnabled_Disabled(t *testing.T) {
	br, pub, err := NewBridgeIfEnabled(cfgpkg.MQTTConfig{}, nil, zap.NewNop())
	assert.NoError(t, err)
	assert.Nil(t, br)
	assert.Nil(t, pub)
}
