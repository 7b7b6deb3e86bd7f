package liveness

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

// udpPeer listens on loopback and echoes datagrams while reply is true.
func udpPeer(t *testing.T, reply *atomic.Bool) (port int, received *atomic.Int64) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = pc.Close() })

	received = &atomic.Int64{}
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			received.Store(int64(n))
			if reply.Load() {
				_, _ = pc.WriteTo(buf[:n], addr)
			}
		}
	}()
	return pc.LocalAddr().(*net.UDPAddr).Port, received
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{name: "defaults", cfg: Config{Port: 2011}, ok: true},
		{name: "sleep equals threshold", cfg: Config{Port: 2011, Sleep: time.Second, Threshold: time.Second}},
		{name: "sleep above threshold", cfg: Config{Port: 2011, Sleep: 2 * time.Minute}},
		{name: "no port", cfg: Config{}},
		{name: "port too large", cfg: Config{Port: 70000}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(tt.cfg, logx.Nop())
			if tt.ok {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestHeartbeatWhileModuleAnswers(t *testing.T) {
	t.Parallel()
	reply := &atomic.Bool{}
	reply.Store(true)
	port, received := udpPeer(t, reply)

	var lostCalls atomic.Int32
	m, err := New(Config{Host: "127.0.0.1", Port: port, Sleep: 10 * time.Millisecond, Threshold: 500 * time.Millisecond}, logx.Nop(),
		WithOnLost(func(LostEvent) { lostCalls.Add(1) }))
	require.NoError(t, err)
	require.NoError(t, m.Startup(context.Background()))
	require.ErrorIs(t, m.Startup(context.Background()), ErrAlreadyRunning)

	require.Eventually(t, func() bool { return m.Snapshot().Beats >= 3 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, m.Running())
	require.EqualValues(t, DefaultPacketSize, received.Load())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(ctx))
	require.False(t, m.Running())
	require.False(t, m.Lost())
	require.NoError(t, m.Err())
	require.Zero(t, lostCalls.Load())
}

func TestLossIsReportedOnce(t *testing.T) {
	t.Parallel()
	reply := &atomic.Bool{}
	reply.Store(true)
	port, _ := udpPeer(t, reply)

	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	var lostCalls atomic.Int32
	m, err := New(Config{Host: "127.0.0.1", Port: port, Sleep: 10 * time.Millisecond, Threshold: 100 * time.Millisecond}, logx.Nop(),
		WithEventBus(bus),
		WithOnLost(func(ev LostEvent) { lostCalls.Add(1) }))
	require.NoError(t, err)
	require.NoError(t, m.Startup(context.Background()))
	require.Eventually(t, func() bool { return m.Snapshot().Beats >= 1 }, 2*time.Second, 5*time.Millisecond)

	reply.Store(false)

	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("monitor did not stop after the module went silent")
	}
	require.True(t, m.Lost())
	require.False(t, m.Running())
	require.True(t, errors.Is(m.Err(), ErrModuleUnreachable))
	require.EqualValues(t, 1, lostCalls.Load())

	var ev eventbus.Event
	require.Eventually(t, func() bool {
		select {
		case ev = <-events:
			return ev.Type == "liveness.lost"
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	lost, ok := ev.Data.(LostEvent)
	require.True(t, ok)
	require.GreaterOrEqual(t, lost.Beats, uint64(1))

	// Shutdown after loss is a no-op.
	require.NoError(t, m.Shutdown(context.Background()))
	require.EqualValues(t, 1, lostCalls.Load())
}

func TestShutdownDuringSleep(t *testing.T) {
	t.Parallel()
	reply := &atomic.Bool{}
	port, _ := udpPeer(t, reply)

	m, err := New(Config{Host: "127.0.0.1", Port: port, Sleep: time.Minute, Threshold: 2 * time.Minute}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Startup(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, m.Shutdown(ctx))
	require.Less(t, time.Since(start), time.Second)
	require.False(t, m.Lost())
}

func TestDatagramsFromOtherSendersDoNotCountAsReplies(t *testing.T) {
	t.Parallel()
	// The module records where heartbeats come from but never answers.
	module, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = module.Close() })
	monitorAddr := make(chan net.Addr, 1)
	go func() {
		buf := make([]byte, 2048)
		for {
			_, addr, err := module.ReadFrom(buf)
			if err != nil {
				return
			}
			select {
			case monitorAddr <- addr:
			default:
			}
		}
	}()

	m, err := New(Config{Host: "127.0.0.1", Port: module.LocalAddr().(*net.UDPAddr).Port, Sleep: 10 * time.Millisecond, Threshold: 200 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, m.Startup(context.Background()))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	var target net.Addr
	select {
	case target = <-monitorAddr:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat reached the module")
	}

	stranger, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = stranger.Close() })
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		tick := time.NewTicker(5 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				_, _ = stranger.WriteTo([]byte{1}, target)
			}
		}
	}()

	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("monitor kept running while only a stranger answered")
	}
	require.True(t, m.Lost())
	require.ErrorIs(t, m.Err(), ErrModuleUnreachable)
	snap := m.Snapshot()
	require.Zero(t, snap.Beats)
	require.NotZero(t, snap.Strays)
}
