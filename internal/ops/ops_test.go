package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SpaceDev/SpaceRTK/internal/action"
	"github.com/SpaceDev/SpaceRTK/internal/eventbus"
	logx "github.com/SpaceDev/SpaceRTK/pkg/logx"
)

func get(t *testing.T, h http.Handler, path string, hdr ...string) (int, string) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec.Code, rec.Body.String()
}

func TestHandler_HealthAndAuth(t *testing.T) {
	status := "ok"
	srv := NewServer(Config{}, Sources{
		Health: func() Health {
			return Health{Status: status, Jobs: 3, Liveness: &LivenessHealth{Running: true, Addr: "127.0.0.1:2012"}}
		},
	}, logx.Nop())

	h := srv.Handler(Config{Token: "s3cret"})

	code, _ := get(t, h, "/healthz")
	require.Equal(t, http.StatusUnauthorized, code)

	code, body := get(t, h, "/healthz", "Authorization", "Bearer s3cret")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"jobs":3`)
	require.Contains(t, body, `"running":true`)

	code, _ = get(t, h, "/healthz?token=s3cret")
	require.Equal(t, http.StatusOK, code)

	status = "degraded"
	code, _ = get(t, h, "/healthz?token=s3cret")
	require.Equal(t, http.StatusServiceUnavailable, code)

	code, _ = get(t, h, "/debug/pprof/?token=s3cret")
	require.Equal(t, http.StatusNotFound, code)
}

func TestMetrics_ObserveAndFollow(t *testing.T) {
	m := NewMetrics(Gauges{JobsScheduled: func() float64 { return 2 }})

	m.Observe(context.Background(), action.Call{Action: "copyFile", Duration: time.Millisecond})
	m.Observe(context.Background(), action.Call{Name: "nope", Err: action.ErrNotFound})
	m.Observe(context.Background(), action.Call{Action: "copyFile", Err: &action.HandlerError{Action: "copyFile", Err: errors.New("disk")}})

	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Follow(ctx, bus)
		close(done)
	}()
	// Subscription happens inside Follow; publish until it is observed.
	require.Eventually(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.LivenessLost})
		_, body := get(t, NewServer(Config{}, Sources{Metrics: m}, logx.Nop()).Handler(Config{}), "/metrics")
		return strings.Contains(body, "spacertk_liveness_lost_total") && !strings.Contains(body, "spacertk_liveness_lost_total 0")
	}, 2*time.Second, 10*time.Millisecond)
	bus.Publish(eventbus.Event{Type: eventbus.JobFired})
	cancel()
	<-done

	_, body := get(t, NewServer(Config{}, Sources{Metrics: m}, logx.Nop()).Handler(Config{}), "/metrics")
	require.Contains(t, body, `spacertk_dispatch_total{action="copyFile",outcome="ok"} 1`)
	require.Contains(t, body, `spacertk_dispatch_total{action="copyFile",outcome="handler_error"} 1`)
	require.Contains(t, body, `spacertk_dispatch_total{action="unknown",outcome="not_found"} 1`)
	require.Contains(t, body, "spacertk_jobs_scheduled 2")
	require.Contains(t, body, "go_goroutines")
}

func TestOutcome(t *testing.T) {
	require.Equal(t, "ok", Outcome(nil))
	require.Equal(t, "not_found", Outcome(action.ErrNotFound))
	require.Equal(t, "mismatch", Outcome(action.ErrArgumentMismatch))
	require.Equal(t, "handler_error", Outcome(errors.New("x")))
}

func TestServer_StartStop(t *testing.T) {
	srv := NewServer(Config{Enabled: true, Addr: "127.0.0.1:0", Pprof: true}, Sources{
		Health: func() Health { return Health{Status: "ok"} },
	}, logx.Nop())
	srv.Start(context.Background())

	var addr string
	require.Eventually(t, func() bool {
		addr = srv.Addr()
		return addr != ""
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(b), `"status":"ok"`)

	resp, err = http.Get("http://" + addr + "/debug/pprof/cmdline")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	srv.Reconfigure(ctx, Config{Enabled: false})
	require.Empty(t, srv.Addr())
}
