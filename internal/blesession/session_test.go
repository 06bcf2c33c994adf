package blesession

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taoyao-code/idro-ble/internal/metrics"
	"github.com/taoyao-code/idro-ble/internal/peripheral"
	"github.com/taoyao-code/idro-ble/internal/protocol/idro"
	"github.com/taoyao-code/idro-ble/internal/transport"
	"github.com/taoyao-code/idro-ble/internal/transport/sim"
)

const charUUID = sim.DefaultCharacteristicUUID

func testOptions() Options {
	opts := DefaultOptions()
	opts.ConnectTimeout = 100 * time.Millisecond
	opts.DiscoveryTimeout = 100 * time.Millisecond
	opts.WriteTimeout = 100 * time.Millisecond
	opts.SubscribeTimeout = 100 * time.Millisecond
	opts.WriteDelay = func(idro.CommandCode) time.Duration { return 0 }
	return opts
}

func newTestSession(t *testing.T, devices ...*sim.Device) (*Session, *sim.Transport, *metrics.BLEMetrics) {
	t.Helper()
	if len(devices) == 0 {
		devices = []*sim.Device{sim.NewDevice("IdroCtrl-01", -40)}
	}
	tr := sim.New(nil, devices...)
	t.Cleanup(tr.Close)
	m := metrics.NewBLEMetrics(metrics.NewRegistry())
	return New(tr, testOptions(), nil, m), tr, m
}

func command(t *testing.T, code idro.CommandCode) *idro.Command {
	t.Helper()
	cmd, err := idro.NewCommand(code, "0A0B0C0D", "010203040506070809", "")
	require.NoError(t, err)
	return cmd
}

// replies 收集订阅回调
type replies struct {
	ch chan *idro.Response
}

func newReplies() *replies { return &replies{ch: make(chan *idro.Response, 8)} }

func (r *replies) handler(_ peripheral.Identity, resp *idro.Response, err error) {
	if err == nil {
		r.ch <- resp
	}
}

func (r *replies) next(t *testing.T) *idro.Response {
	t.Helper()
	select {
	case resp := <-r.ch:
		return resp
	case <-time.After(time.Second):
		t.Fatal("no reply received")
		return nil
	}
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 4*time.Second, opts.ConnectTimeout)
	assert.Equal(t, 4*time.Second, opts.DiscoveryTimeout)
	assert.Equal(t, 4*time.Second, opts.WriteTimeout)
	assert.Equal(t, 4*time.Second, opts.SubscribeTimeout)
	assert.Equal(t, "IdroCtrl", opts.DeviceMarker)
}

func TestSession_ScanFiltersAndDedupes(t *testing.T) {
	s, tr, _ := newTestSession(t,
		sim.NewDevice("IdroCtrl-B", -40),
		sim.NewDevice("", -40),
		sim.NewDevice("Speaker", -60),
		sim.NewDevice("Garden-A", -50),
	)

	var mu sync.Mutex
	var calls int
	var last []peripheral.Identity
	require.NoError(t, s.ScanForPeripherals("Garden", func(list []peripheral.Identity) {
		mu.Lock()
		calls++
		last = list
		mu.Unlock()
	}))
	assert.Equal(t, StateScanning, s.State())

	// 重复广播不应触发回调
	tr.AddDevice(sim.NewDevice("Garden-A", -50))

	require.Eventually(t, func() bool { return len(s.Peripherals()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls)
	require.Len(t, last, 2)
	assert.Equal(t, "Garden-A", last[0].Name)
	assert.Equal(t, "IdroCtrl-B", last[1].Name)

	s.StopScan()
	assert.Equal(t, StateIdle, s.State())
}

func TestSession_ScanEmptyPrefixAcceptsNamed(t *testing.T) {
	s, _, _ := newTestSession(t, sim.NewDevice("Speaker", -40), sim.NewDevice("", -40))
	require.NoError(t, s.ScanForPeripherals("", nil))
	require.Eventually(t, func() bool { return len(s.Peripherals()) == 1 }, time.Second, 5*time.Millisecond)

	p, ok := s.Lookup(sim.NewIdentity("Speaker").ID.String())
	require.True(t, ok)
	assert.Equal(t, "Speaker", p.Name)
}

func TestSession_ConnectDiscovers(t *testing.T) {
	s, _, m := newTestSession(t)
	p := sim.NewIdentity("IdroCtrl-01")

	require.NoError(t, s.Connect(context.Background(), p))
	assert.Equal(t, StateReady, s.State())
	assert.True(t, s.Connected())

	got, ok := s.ConnectedPeripheral()
	require.True(t, ok)
	assert.True(t, got.Equal(p))

	chars := s.Characteristics()
	require.Len(t, chars, 1)
	assert.Equal(t, charUUID, chars[0].UUID)
	assert.Equal(t, sim.DefaultServiceUUID, chars[0].ServiceUUID)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectedGauge))

	// 已连接时再次 Connect 只重新发现
	require.NoError(t, s.Connect(context.Background(), p))
	assert.Len(t, s.Characteristics(), 1)
}

func TestSession_ConnectTimeoutThenRetry(t *testing.T) {
	s, tr, m := newTestSession(t)
	p := sim.NewIdentity("IdroCtrl-01")

	tr.SetFaults(sim.Faults{DropConnect: true})
	err := s.Connect(context.Background(), p)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var pe *PhaseError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, PhaseConnect, pe.Phase)

	st := s.Status()
	assert.Equal(t, StateFailed, st.State)
	assert.Equal(t, PhaseConnect, st.FailedPhase)
	assert.False(t, st.Connected)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseTimeoutTotal.WithLabelValues("connect")))

	// 会话保持可用，重试成功
	tr.SetFaults(sim.Faults{})
	require.NoError(t, s.Connect(context.Background(), p))
	assert.Equal(t, StateReady, s.State())
}

func TestSession_DiscoveryTimeout(t *testing.T) {
	s, tr, _ := newTestSession(t)
	tr.SetFaults(sim.Faults{DropDiscovery: true})

	err := s.Connect(context.Background(), sim.NewIdentity("IdroCtrl-01"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, PhaseDiscoverServices, s.Status().FailedPhase)
}

func TestSession_ConnectUnknownPeripheral(t *testing.T) {
	s, _, _ := newTestSession(t)
	err := s.Connect(context.Background(), sim.NewIdentity("ghost"))
	require.Error(t, err)
	assert.ErrorIs(t, err, sim.ErrUnknownPeripheral)
	assert.False(t, s.Connected())
}

func TestSession_ConnectContextCancel(t *testing.T) {
	s, tr, _ := newTestSession(t)
	tr.SetFaults(sim.Faults{DropConnect: true})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Connect(ctx, sim.NewIdentity("IdroCtrl-01"))
	assert.ErrorIs(t, err, context.Canceled)
}

// disconnectCounter 记录 Disconnect 调用
type disconnectCounter struct {
	*sim.Transport
	mu    sync.Mutex
	calls []peripheral.Identity
}

func (d *disconnectCounter) Disconnect(p peripheral.Identity) error {
	d.mu.Lock()
	d.calls = append(d.calls, p)
	d.mu.Unlock()
	return d.Transport.Disconnect(p)
}

func TestSession_ConnectTimeoutCancelsDial(t *testing.T) {
	tr := sim.New(nil, sim.NewDevice("IdroCtrl-01", -40))
	t.Cleanup(tr.Close)
	dc := &disconnectCounter{Transport: tr}
	s := New(dc, testOptions(), nil, nil)
	p := sim.NewIdentity("IdroCtrl-01")

	tr.SetFaults(sim.Faults{DropConnect: true})
	require.ErrorIs(t, s.Connect(context.Background(), p), ErrTimeout)

	dc.mu.Lock()
	calls := append([]peripheral.Identity(nil), dc.calls...)
	dc.mu.Unlock()
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Equal(p))
	assert.Equal(t, StateFailed, s.State())
}

func TestSession_FailureForOtherPeripheralIgnored(t *testing.T) {
	s, tr, _ := newTestSession(t)
	p := sim.NewIdentity("IdroCtrl-01")
	tr.SetFaults(sim.Faults{DropConnect: true})

	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), p) }()
	require.Eventually(t, func() bool { return s.State() == StateConnecting }, time.Second, time.Millisecond)

	// 其他外设的失败回调不能结束当前连接
	s.DidFailToConnect(sim.NewIdentity("IdroCtrl-99"), errors.New("stale failure"))

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrTimeout)
		assert.NotContains(t, err.Error(), "stale failure")
	case <-time.After(time.Second):
		t.Fatal("connect did not return")
	}
}

func TestSession_FailureForPendingPeripheralAborts(t *testing.T) {
	s, tr, _ := newTestSession(t)
	s.opts.ConnectTimeout = 0
	p := sim.NewIdentity("IdroCtrl-01")
	tr.SetFaults(sim.Faults{DropConnect: true})

	errc := make(chan error, 1)
	go func() { errc <- s.Connect(context.Background(), p) }()
	require.Eventually(t, func() bool { return s.State() == StateConnecting }, time.Second, time.Millisecond)

	refused := errors.New("connection refused")
	s.DidFailToConnect(p, refused)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, refused)
		assert.Equal(t, PhaseConnect, s.Status().FailedPhase)
	case <-time.After(time.Second):
		t.Fatal("connect not aborted")
	}
}

func TestSession_SubscribeWhenAlreadyNotifyingReadsOnce(t *testing.T) {
	s, tr, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, sim.NewIdentity("IdroCtrl-01")))

	r := newReplies()
	require.NoError(t, s.Subscribe(ctx, charUUID, r.handler))
	require.NoError(t, s.Write(ctx, command(t, idro.CodeC), charUUID, transport.WriteWithResponse, nil, nil))
	assert.Equal(t, idro.CodeC, r.next(t).Code())

	// 已在通知状态：不再开启通知，只读取一次最近的值
	tr.SetFaults(sim.Faults{DropNotify: true})
	require.NoError(t, s.Subscribe(ctx, charUUID, r.handler))

	resp := r.next(t)
	assert.Equal(t, idro.CodeC, resp.Code())
	assert.Equal(t, []int{512, 100, 1023, 0}, resp.SensorValues())

	select {
	case extra := <-r.ch:
		t.Fatalf("unexpected second reply %v", extra.Code())
	case <-time.After(50 * time.Millisecond):
	}
	assert.NotEqual(t, StateFailed, s.State())
}

func TestSession_SubscribeWriteReply(t *testing.T) {
	s, tr, m := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, sim.NewIdentity("IdroCtrl-01")))

	r := newReplies()
	require.NoError(t, s.Subscribe(ctx, charUUID, r.handler))
	assert.Equal(t, idro.CodeUndefined, s.LastCode())

	var completed bool
	err := s.Write(ctx, command(t, idro.CodeC), charUUID, transport.WriteWithResponse,
		func() { t.Error("unexpected timeout") },
		func(_ peripheral.Identity, ok bool) { completed = ok })
	require.NoError(t, err)
	assert.True(t, completed)
	assert.Equal(t, idro.CodeC, s.LastCode())

	resp := r.next(t)
	assert.Equal(t, idro.CodeC, resp.Code())
	assert.Equal(t, "0A0B0C0D", resp.Gateway())
	assert.Equal(t, []int{512, 100, 1023, 0}, resp.SensorValues())
	ok, _, _ := resp.Evaluate()
	assert.True(t, ok)

	require.Len(t, tr.Writes(), 1)
	assert.Equal(t, command(t, idro.CodeC).Bytes(), tr.Writes()[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteTotal.WithLabelValues("C", "ok")))
}

func TestSession_WriteWithoutResponse(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, sim.NewIdentity("IdroCtrl-01")))
	r := newReplies()
	require.NoError(t, s.Subscribe(ctx, charUUID, r.handler))

	var completed bool
	require.NoError(t, s.Write(ctx, command(t, idro.CodeV), charUUID, transport.WriteWithoutResponse,
		nil, func(_ peripheral.Identity, ok bool) { completed = ok }))
	assert.True(t, completed)

	resp := r.next(t)
	nt, ok := resp.NodeType()
	require.True(t, ok)
	assert.Equal(t, idro.NodeTypeSensor, nt)
}

func TestSession_WriteTimeout(t *testing.T) {
	s, tr, m := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, sim.NewIdentity("IdroCtrl-01")))

	tr.SetFaults(sim.Faults{DropWrite: true})
	var timedOut, completed bool
	err := s.Write(ctx, command(t, idro.CodeA), charUUID, transport.WriteWithResponse,
		func() { timedOut = true },
		func(peripheral.Identity, bool) { completed = true })

	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, timedOut)
	assert.False(t, completed)
	assert.Equal(t, PhaseWrite, s.Status().FailedPhase)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WriteTotal.WithLabelValues("A", "timeout")))
}

func TestSession_WriteErrors(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	err := s.Write(ctx, command(t, idro.CodeA), charUUID, transport.WriteWithResponse, nil, nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, s.Connect(ctx, sim.NewIdentity("IdroCtrl-01")))
	err = s.Write(ctx, command(t, idro.CodeA), "DEAD", transport.WriteWithResponse, nil, nil)
	assert.ErrorIs(t, err, ErrCharacteristicNotFound)
}

func TestSession_WriteDelayHonoursContext(t *testing.T) {
	tr := sim.New(nil, sim.NewDevice("IdroCtrl-01", -40))
	t.Cleanup(tr.Close)
	opts := testOptions()
	opts.WriteDelay = func(idro.CommandCode) time.Duration { return time.Hour }
	s := New(tr, opts, nil, nil)
	require.NoError(t, s.Connect(context.Background(), sim.NewIdentity("IdroCtrl-01")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.Write(ctx, command(t, idro.CodeA), charUUID, transport.WriteWithResponse, nil, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, tr.Writes())
}

func TestSession_SubscribeTimeoutAndUnsubscribe(t *testing.T) {
	s, tr, _ := newTestSession(t)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx, sim.NewIdentity("IdroCtrl-01")))

	tr.SetFaults(sim.Faults{DropNotify: true})
	err := s.Subscribe(ctx, charUUID, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, PhaseSubscribe, s.Status().FailedPhase)

	tr.SetFaults(sim.Faults{})
	require.NoError(t, s.Subscribe(ctx, charUUID, nil))
	require.NoError(t, s.Unsubscribe(ctx, charUUID))
	// 未开启通知时 Unsubscribe 直接返回
	require.NoError(t, s.Unsubscribe(ctx, charUUID))
}

func TestSession_DisconnectObserver(t *testing.T) {
	s, tr, m := newTestSession(t)
	ctx := context.Background()

	events := make(chan bool, 4)
	unregister := s.OnConnectivityChanged(func(c bool) { events <- c })

	p := sim.NewIdentity("IdroCtrl-01")
	require.NoError(t, s.Connect(ctx, p))
	assert.True(t, <-events)

	tr.DropConnection(p, errors.New("link lost"))
	select {
	case c := <-events:
		assert.False(t, c)
	case <-time.After(time.Second):
		t.Fatal("observer not notified")
	}
	require.Eventually(t, func() bool { return s.State() == StateDisconnected }, time.Second, 5*time.Millisecond)
	assert.False(t, s.Connected())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ConnectedGauge))

	unregister()
	require.NoError(t, s.Connect(ctx, p))
	select {
	case <-events:
		t.Fatal("unregistered observer called")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestSession_DisconnectAbortsWait(t *testing.T) {
	s, tr, _ := newTestSession(t)
	s.opts.WriteTimeout = 0 // 无限等待，只能被断开中止
	ctx := context.Background()
	p := sim.NewIdentity("IdroCtrl-01")
	require.NoError(t, s.Connect(ctx, p))

	tr.SetFaults(sim.Faults{DropWrite: true})
	errc := make(chan error, 1)
	go func() {
		errc <- s.Write(ctx, command(t, idro.CodeA), charUUID, transport.WriteWithResponse, nil, nil)
	}()

	require.Eventually(t, func() bool { return len(tr.Writes()) == 1 }, time.Second, 5*time.Millisecond)
	tr.DropConnection(p, nil)

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, ErrDisconnected)
	case <-time.After(time.Second):
		t.Fatal("write not aborted by disconnect")
	}
}

func TestSession_Reconnect(t *testing.T) {
	s, _, _ := newTestSession(t)
	ctx := context.Background()

	assert.ErrorIs(t, s.Reconnect(ctx), ErrNoLastPeripheral)

	p := sim.NewIdentity("IdroCtrl-01")
	require.NoError(t, s.Connect(ctx, p))
	s.Disconnect()
	require.Eventually(t, func() bool { return !s.Connected() }, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Reconnect(ctx))
	got, ok := s.ConnectedPeripheral()
	require.True(t, ok)
	assert.True(t, got.Equal(p))
}

func TestSession_ReplyBeforeWriteIsUndefined(t *testing.T) {
	s, tr, _ := newTestSession(t)
	ctx := context.Background()
	p := sim.NewIdentity("IdroCtrl-01")
	require.NoError(t, s.Connect(ctx, p))
	r := newReplies()
	require.NoError(t, s.Subscribe(ctx, charUUID, r.handler))

	frame, err := idro.BuildCommandAck(idro.CodeB, "0A0B0C0D", idro.AckByte)
	require.NoError(t, err)
	tr.Notify(p, transport.Characteristic{UUID: charUUID}, frame)

	resp := r.next(t)
	// 上下文未知时回退到帧首字节
	assert.Equal(t, idro.CodeB, resp.Code())
	assert.Equal(t, "UNDEF", s.Status().LastCode)
}

func TestWaiter_LateSignalIgnored(t *testing.T) {
	var w waiter
	ch, ok := w.arm()
	require.True(t, ok)

	_, ok = w.arm()
	assert.False(t, ok, "second arm while in flight")

	err := w.await(context.Background(), ch, 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)

	assert.False(t, w.signal(nil), "late signal after timeout")

	ch, ok = w.arm()
	require.True(t, ok)
	assert.True(t, w.signal(nil))
	assert.NoError(t, w.await(context.Background(), ch, 0))
}
