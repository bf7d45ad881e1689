// Package worker implements the coordinator protocol: it loads programs on
// worker/init, runs functions on worker/run and answers through the
// transport.
package worker

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/fluxorio/ocworker/pkg/core"
	"github.com/fluxorio/ocworker/pkg/core/concurrency"
	"github.com/fluxorio/ocworker/pkg/core/failfast"
	"github.com/fluxorio/ocworker/pkg/engine"
	"github.com/fluxorio/ocworker/pkg/events"
	"github.com/fluxorio/ocworker/pkg/transport"
)

const tracerName = "github.com/fluxorio/ocworker/pkg/worker"

// DefaultSendChannel is the pool lane responses are queued on.
const DefaultSendChannel = 0

// Sender writes a frame to the coordinator. *transport.Client implements it.
type Sender interface {
	Send(route, payload string, large []byte) error
}

// Router registers route handlers. *transport.Client implements it.
type Router interface {
	Handle(route string, h transport.Handler)
	HandleLarge(route string, h transport.LargeHandler)
}

// Observer is notified once per handled request.
type Observer interface {
	RequestHandled(route string, err error, duration time.Duration)
}

// Outgoing is a response queued for the forwarder.
type Outgoing struct {
	Route   string
	Payload string
	Large   []byte
}

// Options configures a Worker.
type Options struct {
	WorkerID    string
	Envelope    Envelope
	SendChannel int

	// KeepAliveDelay is the wait before the first hello; KeepAliveInterval
	// the period after it. A zero interval disables keep-alive.
	KeepAliveDelay    time.Duration
	KeepAliveInterval time.Duration

	Logger   core.Logger
	Events   events.Publisher
	Observer Observer
}

// Worker serves the protocol routes.
type Worker struct {
	slot   *engine.ProgramSlot
	pool   *concurrency.ChannelPool
	sender Sender
	opts   Options
	logger core.Logger
	tracer trace.Tracer

	mu  sync.RWMutex
	ctx context.Context
}

// New creates a worker that loads programs into slot and queues responses
// on pool lane opts.SendChannel for delivery through sender.
func New(slot *engine.ProgramSlot, pool *concurrency.ChannelPool, sender Sender, opts Options) *Worker {
	failfast.NotNil(slot, "slot")
	failfast.NotNil(pool, "pool")
	failfast.NotNil(sender, "sender")
	failfast.InRange(opts.SendChannel, pool.Size(), "send channel")

	if opts.Envelope.Codec == nil {
		opts.Envelope.Codec = PlainCodec{}
	}
	if opts.Envelope.AuthCode == 0 {
		opts.Envelope.AuthCode = DefaultAuthCode
	}
	if opts.Logger == nil {
		opts.Logger = core.NewNopLogger()
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	return &Worker{
		slot:   slot,
		pool:   pool,
		sender: sender,
		opts:   opts,
		logger: core.Named(opts.Logger, "worker"),
		tracer: otel.Tracer(tracerName),
		ctx:    context.Background(),
	}
}

// Register installs the protocol handlers on r.
func (w *Worker) Register(r Router) {
	r.Handle(RouteHello, w.HandleHello)
	r.Handle(RouteInit, func(status int16, payload string) { w.HandleInit(status, payload, nil) })
	r.HandleLarge(RouteInit, w.HandleInit)
	r.Handle(RouteRun, func(status int16, payload string) { w.HandleRun(status, payload, nil) })
	r.HandleLarge(RouteRun, w.HandleRun)
	r.Handle(RouteClose, w.HandleClose)
}

// Run forwards queued responses to the sender and sends keep-alive hellos
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.ctx = ctx
	w.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.forward(ctx)
	})
	g.Go(func() error {
		return w.keepAlive(ctx)
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) context() context.Context {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ctx
}

func (w *Worker) forward(ctx context.Context) error {
	id := w.opts.SendChannel
	for {
		out, ok := concurrency.Recv[Outgoing](ctx, w.pool, id)
		if !ok {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if ch, err := w.pool.Channel(id); err != nil || ch.IsClosed() {
				return nil
			}
			w.logger.Warnf("dropping non-response message on channel %d", id)
			continue
		}
		if err := w.sender.Send(out.Route, out.Payload, out.Large); err != nil {
			w.logger.Errorf("send %s failed: %v", out.Route, err)
		}
	}
}

// emit seals payload and queues it for the forwarder.
func (w *Worker) emit(route string, eventID, operatorID uint64, payload string) {
	text, err := w.opts.Envelope.Seal(eventID, operatorID, payload)
	if err != nil {
		w.logger.Errorf("seal %s response: %v", route, err)
		return
	}
	if err := w.pool.Send(w.opts.SendChannel, Outgoing{Route: route, Payload: text}); err != nil {
		w.logger.Errorf("queue %s response: %v", route, err)
	}
}

func (w *Worker) reply(route string, eventID, operatorID uint64, v interface{}) {
	payload, err := core.BuildJSON(v)
	if err != nil {
		w.logger.Errorf("encode %s response: %v", route, err)
		return
	}
	w.emit(route, eventID, operatorID, payload)
}

// Hello announces the worker under a fresh event id.
func (w *Worker) Hello() {
	w.emit(RouteHello, core.RandUint64(), 0, "")
}

// ReportError sends msg on the direct error route.
func (w *Worker) ReportError(msg string) {
	w.emit(RouteDirectError, 0, 0, msg)
}

func (w *Worker) observe(route string, err error, start time.Time) {
	if w.opts.Observer != nil {
		w.opts.Observer.RequestHandled(route, err, time.Since(start))
	}
}

func (w *Worker) publish(ctx context.Context, e events.Event) {
	e.WorkerID = w.opts.WorkerID
	if err := w.opts.Events.Publish(ctx, e); err != nil {
		w.logger.Debugf("publish %s: %v", e.Type, err)
	}
}

func (w *Worker) startSpan(ctx context.Context, name string, base BaseMsg, info MsgInfo) (context.Context, trace.Span) {
	ctx = core.WithRequestID(ctx, strconv.FormatUint(base.EventID, 16))
	return w.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("worker.event_id", strconv.FormatUint(base.EventID, 10)),
		attribute.String("worker.operator_id", strconv.FormatUint(info.OperatorID, 10)),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// HandleHello logs the coordinator's answer to a hello. An accepted hello
// publishes a connected event.
func (w *Worker) HandleHello(status int16, _ string) {
	if status == 0 {
		w.logger.Info("worker hello succ")
		w.publish(w.context(), events.Event{Type: events.TypeConnected})
	} else {
		w.logger.Warnf("worker hello failed, status %d", status)
	}
}

// HandleInit compiles the program in the request and installs it. A large
// payload, when present, is the program text. Undecodable requests are
// logged and reported on the direct error route.
func (w *Worker) HandleInit(_ int16, payload string, large []byte) {
	start := time.Now()
	base, info, err := w.opts.Envelope.Open(payload)
	if err != nil {
		w.rejectInit(err, start)
		return
	}
	req, err := core.ParseJSON[InitRequest](info.Payload)
	if err != nil {
		w.rejectInit(err, start)
		return
	}
	if len(large) > 0 {
		req.Code = string(large)
	}

	ctx, span := w.startSpan(w.context(), "worker.init", base, info)
	span.SetAttributes(attribute.String("worker.source_uid", req.SourceUID))

	res := InitResult{SourceUID: req.SourceUID, Succ: true}
	loadErr := w.slot.Load(ctx, req.Code)
	if loadErr != nil {
		res.Succ = false
		res.Payload = loadErr.Error()
		w.logger.Warnf("program %s rejected: %v", req.SourceUID, loadErr)
	}
	w.reply(RouteInit, base.EventID, 0, res)
	endSpan(span, loadErr)
	w.observe(RouteInit, loadErr, start)

	e := events.Event{Type: events.TypeProgramLoaded, EventID: base.EventID, SourceUID: req.SourceUID, Duration: time.Since(start)}
	if loadErr != nil {
		e.Type = events.TypeProgramRejected
		e.Error = loadErr.Error()
	}
	w.publish(ctx, e)
}

func (w *Worker) rejectInit(err error, start time.Time) {
	w.logger.Errorf("worker/init: %v", err)
	w.ReportError(err.Error())
	w.observe(RouteInit, err, start)
}

// HandleRun invokes the requested function on the loaded program. A large
// payload, when present, is the JSON argument text. Undecodable requests
// are answered on worker/error.
func (w *Worker) HandleRun(_ int16, payload string, large []byte) {
	start := time.Now()
	base, info, err := w.opts.Envelope.Open(payload)
	if err != nil {
		w.rejectRun(err, start)
		return
	}
	req, err := core.ParseJSON[RunRequest](info.Payload)
	if err != nil {
		w.rejectRun(err, start)
		return
	}
	if len(large) > 0 {
		req.Input = string(large)
	}

	ctx, span := w.startSpan(w.context(), "worker.run", base, info)
	span.SetAttributes(
		attribute.String("worker.source_uid", req.SourceUID),
		attribute.String("worker.func", req.Func),
		attribute.Int("worker.output", int(req.Output)),
	)

	res := RunResult{SourceUID: req.SourceUID}
	result, runErr := w.slot.Run(ctx, req.Func, req.Input, engine.OutputType(req.Output))
	if runErr != nil {
		res.Error = runErr.Error()
		w.logger.Debugf("run %s failed: %v", req.Func, runErr)
	} else {
		res.Result = result
	}
	w.reply(RouteRun, base.EventID, info.OperatorID, res)
	endSpan(span, runErr)
	w.observe(RouteRun, runErr, start)

	e := events.Event{
		Type:       events.TypeRunCompleted,
		EventID:    base.EventID,
		OperatorID: info.OperatorID,
		SourceUID:  req.SourceUID,
		Func:       req.Func,
		Duration:   time.Since(start),
	}
	if runErr != nil {
		e.Type = events.TypeRunFailed
		e.Error = runErr.Error()
	}
	w.publish(ctx, e)
}

func (w *Worker) rejectRun(err error, start time.Time) {
	w.logger.Errorf("worker/run: %v", err)
	w.emit(RouteError, core.RandUint64(), 0, err.Error())
	w.observe(RouteRun, err, start)
}

// HandleClose accepts a close notice. Nothing is sent back.
func (w *Worker) HandleClose(int16, string) {
	w.logger.Info("worker close received")
}
