package main

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/fluxorio/ocworker/pkg/config"
	"github.com/fluxorio/ocworker/pkg/core"
	"github.com/fluxorio/ocworker/pkg/core/concurrency"
	"github.com/fluxorio/ocworker/pkg/engine"
	"github.com/fluxorio/ocworker/pkg/events"
	"github.com/fluxorio/ocworker/pkg/fvm"
	"github.com/fluxorio/ocworker/pkg/gpu"
	_ "github.com/fluxorio/ocworker/pkg/gpu/wgpu"
	"github.com/fluxorio/ocworker/pkg/observability/otel"
	"github.com/fluxorio/ocworker/pkg/observability/prometheus"
	"github.com/fluxorio/ocworker/pkg/reactor"
	"github.com/fluxorio/ocworker/pkg/transport"
	"github.com/fluxorio/ocworker/pkg/worker"
)

const version = "0.1.0"

func printConfig(w io.Writer, cfg *config.WorkerConfig) error {
	shown := *cfg
	if shown.Envelope.Secret != "" {
		shown.Envelope.Secret = "********"
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&shown); err != nil {
		return err
	}
	return enc.Close()
}

// run wires the worker and blocks until ctx is cancelled or a component
// fails.
func run(ctx context.Context, cfg *config.WorkerConfig) error {
	logger, err := core.NewLogger(cfg.Log.Env)
	if err != nil {
		return err
	}
	logger.Infof("Starting ocworker %s", version)

	shutdownTracing, err := otel.Initialize(ctx, otel.Config{
		Exporter:       cfg.Observability.Tracing,
		Endpoint:       cfg.Observability.Endpoint,
		ServiceName:    "ocworker",
		ServiceVersion: version,
		Environment:    cfg.Log.Env,
		SampleRate:     cfg.Observability.SampleRatio,
	})
	if err != nil {
		logger.Warnf("Failed to initialize OpenTelemetry: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warnf("tracing shutdown: %v", err)
		}
	}()

	observer := prometheus.NewObserver(prometheus.GetMetrics())

	gpuManager, err := gpu.NewManager(ctx, gpu.Config{
		Backend:  cfg.GPU.Backend,
		Workers:  cfg.GPU.Workers,
		Logger:   logger,
		Observer: observer,
	})
	if err != nil {
		if errors.Is(err, gpu.ErrNoAdapter) {
			logger.Error("Failed to find an appropriate adapter")
		}
		return err
	}
	defer gpuManager.Close()
	if info := gpuManager.Info(); info.Backend == gpu.BackendSoftware && cfg.GPU.Backend != gpu.BackendSoftware {
		logger.Warnf("running kernels on the software compute device; available hardware backends: %v", gpu.Drivers())
	}

	hosts := fvm.NewRegistry()
	if err := engine.RegisterBuiltins(hosts); err != nil {
		return err
	}
	if err := gpu.RegisterHostFunctions(hosts, gpuManager); err != nil {
		return err
	}

	engineLoop := reactor.New("engine", logger)
	engineLoop.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engineLoop.Stop(stopCtx); err != nil {
			logger.Warnf("engine loop stop: %v", err)
		}
	}()
	slot := engine.NewProgramSlot(engineLoop, hosts, logger)

	pool := concurrency.NewChannelPool(cfg.Protocol.Channels)
	defer pool.Close()

	client := transport.NewClient(transport.Options{
		URL:            cfg.Server.URL,
		ClientID:       cfg.Server.Token,
		ReconnectDelay: cfg.Server.ReconnectDelay,
		Logger:         logger,
		Observer:       observer,
	})
	defer client.Close()

	codec, err := worker.NewCodec(cfg.Envelope.Codec, cfg.Envelope.Secret)
	if err != nil {
		return err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Events.URL != "" {
		p, err := events.NewNATSPublisher(events.Config{
			URL:    cfg.Events.URL,
			Prefix: cfg.Events.Prefix,
			Name:   "ocworker-" + client.ClientID(),
			Logger: logger,
		})
		if err != nil {
			logger.Warnf("Events disabled: %v", err)
		} else {
			publisher = p
			defer p.Close()
		}
	}

	w := worker.New(slot, pool, client, worker.Options{
		WorkerID:          client.ClientID(),
		Envelope:          worker.Envelope{Codec: codec, AuthCode: cfg.Protocol.AuthCode},
		SendChannel:       cfg.Protocol.SendChannel,
		KeepAliveDelay:    cfg.Protocol.KeepAliveDelay,
		KeepAliveInterval: cfg.Protocol.KeepAliveInterval,
		Logger:            logger,
		Events:            publisher,
		Observer:          observer,
	})
	w.Register(client)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Run(gctx)
	})
	g.Go(func() error {
		return w.Run(gctx)
	})
	if addr := cfg.Observability.AdminAddr; addr != "" {
		admin := prometheus.NewAdminServer(nil, func() (bool, string) {
			if client.Connected() {
				return true, "connected"
			}
			return false, "disconnected"
		}, logger)
		g.Go(func() error {
			return admin.ListenAndServe(gctx, addr)
		})
	}

	logger.Infof("worker %s connecting to %s", client.ClientID(), cfg.Server.URL)
	err = g.Wait()
	logger.Info("ocworker stopped")
	return err
}
