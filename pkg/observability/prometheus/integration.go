package prometheus

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/fluxorio/ocworker/pkg/core"
)

// Observer feeds transport, protocol and GPU callbacks into Metrics. It
// satisfies transport.Observer, worker.Observer and gpu.KernelObserver.
type Observer struct {
	m *Metrics
}

// NewObserver returns an Observer recording into m, or into the global
// metrics when m is nil.
func NewObserver(m *Metrics) *Observer {
	if m == nil {
		m = GetMetrics()
	}
	return &Observer{m: m}
}

func (o *Observer) FrameSent(route string, bytes int)     { o.m.RecordFrame("out", route, bytes) }
func (o *Observer) FrameReceived(route string, bytes int) { o.m.RecordFrame("in", route, bytes) }
func (o *Observer) FrameDropped(reason string)            { o.m.FramesDropped.WithLabelValues(reason).Inc() }
func (o *Observer) Reconnect()                            { o.m.Reconnects.Inc() }

func (o *Observer) RequestHandled(route string, err error, duration time.Duration) {
	o.m.RecordRequest(route, err, duration)
	if route == "worker/init" {
		o.m.ProgramLoads.WithLabelValues(result(err)).Inc()
	}
}

func (o *Observer) ObserveKernel(kernel string, duration time.Duration, err error) {
	o.m.RecordKernel(kernel, duration, err)
}

// HealthFunc reports whether the worker is ready, with a short reason.
type HealthFunc func() (bool, string)

// AdminServer serves /metrics and /healthz.
type AdminServer struct {
	server *fasthttp.Server
	logger core.Logger
}

// NewAdminServer builds the admin endpoint over gatherer. A nil gatherer
// means DefaultRegistry; a nil health func always reports ready.
func NewAdminServer(gatherer prometheus.Gatherer, health HealthFunc, logger core.Logger) *AdminServer {
	if gatherer == nil {
		gatherer = DefaultRegistry
	}
	if health == nil {
		health = func() (bool, string) { return true, "ok" }
	}
	if logger == nil {
		logger = core.NewNopLogger()
	}
	metricsHandler := fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	handler := func(ctx *fasthttp.RequestCtx) {
		switch string(ctx.Path()) {
		case "/metrics":
			metricsHandler(ctx)
		case "/healthz":
			ready, reason := health()
			status := fasthttp.StatusOK
			if !ready {
				status = fasthttp.StatusServiceUnavailable
			}
			body, _ := core.JSONEncode(map[string]interface{}{"ready": ready, "reason": reason})
			ctx.SetStatusCode(status)
			ctx.SetContentType("application/json")
			ctx.SetBody(body)
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}

	return &AdminServer{
		server: &fasthttp.Server{
			Handler:      handler,
			Name:         "ocworker-admin",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		logger: core.Named(logger, "admin"),
	}
}

// Serve accepts connections on ln until ctx is cancelled.
func (s *AdminServer) Serve(ctx context.Context, ln net.Listener) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.server.Serve(ln)
	}()
	s.logger.Infof("admin endpoint listening on %s", ln.Addr())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.ShutdownWithContext(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return nil
	}
}

// ListenAndServe listens on addr and calls Serve.
func (s *AdminServer) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}
