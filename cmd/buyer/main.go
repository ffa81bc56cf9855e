package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/ocx/acp-buyer/internal/acp/bridge"
	"github.com/ocx/acp-buyer/internal/audit"
	"github.com/ocx/acp-buyer/internal/buyer"
	"github.com/ocx/acp-buyer/internal/circuitbreaker"
	"github.com/ocx/acp-buyer/internal/config"
	"github.com/ocx/acp-buyer/internal/dispatch"
	"github.com/ocx/acp-buyer/internal/events"
	"github.com/ocx/acp-buyer/internal/monitoring"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		buyer.ReportCritical(audit.NewLogger(audit.DefaultFile), errors.WithStack(err))
		return
	}
	slog.SetDefault(newLogger(cfg.Logging, os.Stderr))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("ACP buyer stopped", "error", err)
		stop()
		os.Exit(1)
	}
	slog.Info("ACP buyer stopped")
}

// run wires every component and blocks until ctx is cancelled or the SDK
// connection is lost. A failed startup is reported and is not an error.
func run(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitoring.NewMetrics(reg)

	auditOpts := []audit.Option{
		audit.WithFailureHook(func(error) { metrics.RecordAuditFailure() }),
	}
	if cfg.Audit.RedisAddr != "" {
		mirror, err := audit.DialRedisMirror(ctx, cfg.Audit.RedisAddr, cfg.Audit.RedisPassword, cfg.Audit.RedisDB, cfg.Audit.RedisStream)
		if err != nil {
			slog.Warn("Audit mirror disabled", "addr", cfg.Audit.RedisAddr, "error", err)
		} else {
			defer mirror.Close()
			breaker := circuitbreaker.New(circuitbreaker.DefaultConfig("audit-mirror"))
			auditOpts = append(auditOpts, audit.WithMirror(audit.WithBreaker(mirror, breaker)))
		}
	}
	rec := audit.NewLogger(cfg.Audit.File, auditOpts...)

	emitter := newEmitter(ctx, cfg.Events)
	if c, ok := emitter.(interface{ Close() error }); ok {
		defer c.Close()
	}

	handler := dispatch.New(rec, dispatch.WithEmitter(emitter), dispatch.WithMetrics(metrics))
	builder := &bridge.Builder{URL: cfg.Bridge.URL, HandshakeTimeout: cfg.HandshakeTimeout()}

	client, err := buyer.Start(ctx, cfg, rec, builder, handler)
	if err != nil {
		buyer.ReportCritical(rec, err)
		return nil
	}
	defer client.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })
	if cfg.Metrics.PushgatewayURL != "" {
		pusher := monitoring.NewPusher(cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, reg, cfg.PushInterval())
		g.Go(func() error { return pusher.Run(gctx) })
	}
	return g.Wait()
}

// newEmitter publishes to Pub/Sub when a topic is configured and falls back
// to the in-process bus otherwise. The in-process bus logs every event at
// debug level.
func newEmitter(ctx context.Context, cfg config.EventsConfig) events.Emitter {
	if cfg.PubSubProject == "" || cfg.PubSubTopic == "" {
		return logBus(ctx)
	}
	bus, err := events.NewPubSubBus(ctx, cfg.PubSubProject, cfg.PubSubTopic)
	if err != nil {
		slog.Warn("Pub/Sub unavailable, events stay in process", "project", cfg.PubSubProject, "topic", cfg.PubSubTopic, "error", err)
		return logBus(ctx)
	}
	return bus
}

func logBus(ctx context.Context) *events.Bus {
	bus := events.NewBus()
	bus.LogEvents(ctx, slog.Default())
	return bus
}
