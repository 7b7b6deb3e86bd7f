package liveness

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
	rtsup "github.com/SpaceDev/SpaceRTK/internal/runtime/supervisor"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

const (
	DefaultSleep      = 30 * time.Second
	DefaultThreshold  = 60 * time.Second
	DefaultPacketSize = 512
)

var (
	ErrInvalidConfig     = errors.New("invalid liveness config")
	ErrNetworkFailure    = errors.New("liveness network failure")
	ErrModuleUnreachable = errors.New("module unreachable")
	ErrAlreadyRunning    = errors.New("liveness monitor already running")
)

type Config struct {
	Host       string
	Port       int
	Sleep      time.Duration // pause between send and receive
	Threshold  time.Duration // receive deadline; must be > Sleep
	PacketSize int
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = "127.0.0.1"
	}
	if c.Sleep <= 0 {
		c.Sleep = DefaultSleep
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.PacketSize <= 0 {
		c.PacketSize = DefaultPacketSize
	}
	return c
}

// Validate checks the effective config (defaults applied).
func (c Config) Validate() error {
	c = c.withDefaults()
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Sleep >= c.Threshold {
		return fmt.Errorf("%w: sleep (%s) must be shorter than threshold (%s)", ErrInvalidConfig, c.Sleep, c.Threshold)
	}
	return nil
}

// Addr is host:port of the Module.
func (c Config) Addr() string {
	c = c.withDefaults()
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// LostEvent is published on the event bus as "liveness.lost".
type LostEvent struct {
	Addr      string    `json:"addr"`
	LastReply time.Time `json:"last_reply"`
	Beats     uint64    `json:"beats"`
}

// Snapshot is a point-in-time view for health output.
type Snapshot struct {
	Addr      string    `json:"addr"`
	Running   bool      `json:"running"`
	Lost      bool      `json:"lost"`
	Beats     uint64    `json:"beats"`
	Strays    uint64    `json:"strays"` // datagrams from other senders
	LastReply time.Time `json:"last_reply"`
	Err       string    `json:"err,omitempty"`
}

type Option func(*Monitor)

// WithOnLost registers a callback run once, on the monitor goroutine, when
// the Module stops answering.
func WithOnLost(fn func(LostEvent)) Option {
	return func(m *Monitor) { m.onLost = fn }
}

func WithEventBus(bus eventbus.Bus) Option {
	return func(m *Monitor) { m.bus = bus }
}

// Monitor is the heartbeat loop. It is safe for concurrent use.
type Monitor struct {
	cfg    Config
	log    logx.Logger
	bus    eventbus.Bus
	onLost func(LostEvent)

	running atomic.Bool
	lost    atomic.Bool
	beats   atomic.Uint64
	last    atomic.Int64 // unix nano of last reply
	strays  atomic.Uint64

	mu   sync.Mutex
	sup  *rtsup.Supervisor
	conn net.PacketConn
	done chan struct{}
	err  error
}

// New validates cfg and returns a stopped monitor.
func New(cfg Config, log logx.Logger, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Monitor{cfg: cfg.withDefaults(), log: log}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

func (m *Monitor) Running() bool { return m.running.Load() }

// Lost reports whether the current (or last) run detected loss.
func (m *Monitor) Lost() bool { return m.lost.Load() }

// Done is closed when the current run ends. Nil before the first Startup.
func (m *Monitor) Done() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.done
}

// Err returns why the last run ended: nil after Shutdown,
// ErrModuleUnreachable after loss, or a wrapped ErrNetworkFailure.
func (m *Monitor) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *Monitor) Snapshot() Snapshot {
	s := Snapshot{
		Addr:    m.cfg.Addr(),
		Running: m.Running(),
		Lost:    m.Lost(),
		Beats:   m.beats.Load(),
		Strays:  m.strays.Load(),
	}
	if ns := m.last.Load(); ns != 0 {
		s.LastReply = time.Unix(0, ns)
	}
	if err := m.Err(); err != nil {
		s.Err = err.Error()
	}
	return s
}

// Startup opens the socket and starts the loop. The loss latch is reset.
func (m *Monitor) Startup(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running.Load() {
		return ErrAlreadyRunning
	}

	raddr, err := net.ResolveUDPAddr("udp", m.cfg.Addr())
	if err != nil {
		return fmt.Errorf("%w: resolve %s: %v", ErrNetworkFailure, m.cfg.Addr(), err)
	}
	// Unconnected socket: ICMP port-unreachable must surface as a missed
	// reply, not as a read error.
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return fmt.Errorf("%w: listen: %v", ErrNetworkFailure, err)
	}

	m.conn = conn
	m.err = nil
	m.done = make(chan struct{})
	m.lost.Store(false)
	m.running.Store(true)
	m.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(m.log))
	done := m.done

	m.sup.Go("liveness", func(c context.Context) error {
		err := m.loop(c, conn, raddr)
		m.mu.Lock()
		m.err = err
		m.conn = nil
		m.mu.Unlock()
		_ = conn.Close()
		m.running.Store(false)
		close(done)
		return err
	})
	m.log.Info("liveness monitor started", logx.String("addr", m.cfg.Addr()), logx.Duration("sleep", m.cfg.Sleep), logx.Duration("threshold", m.cfg.Threshold))
	return nil
}

// Shutdown stops the loop and waits for it to exit or for ctx to end.
func (m *Monitor) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	m.mu.Lock()
	sup := m.sup
	conn := m.conn
	done := m.done
	m.mu.Unlock()
	if sup == nil {
		return nil
	}

	sup.Cancel()
	if conn != nil {
		// Unblocks a pending read; the loop sees ctx done and exits cleanly.
		_ = conn.Close()
	}
	select {
	case <-done:
		m.log.Info("liveness monitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Monitor) loop(ctx context.Context, conn net.PacketConn, raddr *net.UDPAddr) error {
	packet := make([]byte, m.cfg.PacketSize)
	buf := make([]byte, m.cfg.PacketSize)
	sleep := time.NewTimer(m.cfg.Sleep)
	defer sleep.Stop()

	for {
		if _, err := conn.WriteTo(packet, raddr); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.log.Error("heartbeat send failed", logx.String("addr", raddr.String()), logx.Err(err))
			return fmt.Errorf("%w: send: %v", ErrNetworkFailure, err)
		}

		sleep.Reset(m.cfg.Sleep)
		select {
		case <-ctx.Done():
			return nil
		case <-sleep.C:
		}

		if err := conn.SetReadDeadline(time.Now().Add(m.cfg.Threshold)); err != nil {
			return fmt.Errorf("%w: deadline: %v", ErrNetworkFailure, err)
		}
		if err := m.awaitReply(ctx, conn, raddr, buf); err != nil {
			return err
		}
		m.beats.Add(1)
		m.last.Store(time.Now().UnixNano())
	}
}

// awaitReply reads until a datagram from raddr arrives or the deadline set
// by the caller passes. Datagrams from other senders are dropped.
func (m *Monitor) awaitReply(ctx context.Context, conn net.PacketConn, raddr *net.UDPAddr, buf []byte) error {
	for {
		_, from, err := conn.ReadFrom(buf)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				m.reportLost(raddr.String())
				return ErrModuleUnreachable
			}
			m.log.Error("heartbeat receive failed", logx.String("addr", raddr.String()), logx.Err(err))
			return fmt.Errorf("%w: receive: %v", ErrNetworkFailure, err)
		}
		if fromModule(from, raddr) {
			return nil
		}
		m.strays.Add(1)
		m.log.Debug("ignoring datagram from unexpected sender", logx.String("from", from.String()))
	}
}

func fromModule(from net.Addr, raddr *net.UDPAddr) bool {
	u, ok := from.(*net.UDPAddr)
	return ok && u.Port == raddr.Port && u.IP.Equal(raddr.IP)
}

func (m *Monitor) reportLost(addr string) {
	if !m.lost.CompareAndSwap(false, true) {
		return
	}
	ev := LostEvent{Addr: addr, Beats: m.beats.Load()}
	if ns := m.last.Load(); ns != 0 {
		ev.LastReply = time.Unix(0, ns)
	}
	m.log.Error("unable to ping the module", logx.String("addr", addr), logx.Duration("threshold", m.cfg.Threshold), logx.Uint64("beats", ev.Beats))
	m.log.Warn("please ensure the correct ports are open", logx.String("addr", addr))

	if m.onLost != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("liveness OnLost panicked", logx.Any("panic", r))
				}
			}()
			m.onLost(ev)
		}()
	}
	if m.bus != nil {
		m.bus.Publish(eventbus.Event{Type: eventbus.LivenessLost, Time: time.Now(), Data: ev})
	}
}
