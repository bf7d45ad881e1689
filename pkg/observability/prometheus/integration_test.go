package prometheus_test

import (
	"context"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/fluxorio/ocworker/pkg/observability/prometheus"
)

func startAdmin(t *testing.T, reg *prom.Registry, health prometheus.HealthFunc) *fasthttp.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	srv := prometheus.NewAdminServer(reg, health, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Serve returned %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("admin server did not stop")
		}
	})

	return &fasthttp.Client{
		Dial: func(string) (net.Conn, error) { return ln.Dial() },
	}
}

func get(t *testing.T, c *fasthttp.Client, path string) (int, string) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI("http://admin" + path)
	if err := c.DoTimeout(req, resp, 5*time.Second); err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp.StatusCode(), string(resp.Body())
}

func TestAdminServer_Metrics(t *testing.T) {
	m, reg := newMetrics(t)
	prometheus.NewObserver(m).FrameSent("worker/hello", 12)

	c := startAdmin(t, reg, nil)
	status, body := get(t, c, "/metrics")
	if status != fasthttp.StatusOK {
		t.Fatalf("status = %d", status)
	}
	if !strings.Contains(body, `ocworker_frames_sent_total{route="worker/hello"} 1`) {
		t.Errorf("metrics body missing frame counter:\n%s", body)
	}
}

func TestAdminServer_Healthz(t *testing.T) {
	var ready atomic.Bool
	c := startAdmin(t, prom.NewRegistry(), func() (bool, string) {
		if ready.Load() {
			return true, "connected"
		}
		return false, "disconnected"
	})

	status, body := get(t, c, "/healthz")
	if status != fasthttp.StatusServiceUnavailable || !strings.Contains(body, "disconnected") {
		t.Errorf("unready healthz = %d %s", status, body)
	}

	ready.Store(true)
	status, body = get(t, c, "/healthz")
	if status != fasthttp.StatusOK || !strings.Contains(body, `"ready":true`) {
		t.Errorf("ready healthz = %d %s", status, body)
	}

	if status, _ := get(t, c, "/nope"); status != fasthttp.StatusNotFound {
		t.Errorf("unknown path status = %d", status)
	}
}
