package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mtingers/lockerd/internal/config"
	"github.com/mtingers/lockerd/internal/events"
	"github.com/mtingers/lockerd/internal/lock"
	"github.com/mtingers/lockerd/internal/metrics"
	"github.com/mtingers/lockerd/internal/server"
	"github.com/mtingers/lockerd/internal/snapshot"
)

func newRootCommand(log *slog.Logger, level *slog.LevelVar) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "lockerd",
		Short:         "lockerd is a named-lock server with FIFO queues, leases and restart recovery",
		SilenceErrors: true,
		Example: `
  # Plain TCP on the default port, no recovery
  lockerd

  # Persist lock state to a file and expose /metrics
  lockerd --snapshot /var/lib/lockerd/state.json --metrics-listen :9090

  # Shared state in Redis, events on NATS
  LOCKERD_SNAPSHOT=redis://localhost:6379/0?key=lockerd:prod lockerd --nats-url nats://localhost:4222
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.FromFlags(cmd.Flags())
			if err != nil {
				return fmt.Errorf("configuration error: %w", err)
			}
			if cfg.Debug {
				level.Set(slog.LevelDebug)
			}
			cfg.Watch(func(next *config.Config) {
				if next.Debug {
					level.Set(slog.LevelDebug)
				} else {
					level.Set(slog.LevelInfo)
				}
				log.Info("config reloaded", "debug", next.Debug)
			}, func(err error) {
				log.Warn("config reload rejected", "err", err)
			})
			return run(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().AddFlagSet(config.NewFlagSet("lockerd"))
	cmd.AddCommand(newStatusCommand(), newVersionCommand())
	return cmd
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithWriter(os.Stderr))
		if err != nil {
			return fmt.Errorf("trace exporter: %w", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer tp.Shutdown(context.Background())
		otel.SetTracerProvider(tp)
	}

	store, err := snapshot.Open(ctx, cfg.Snapshot)
	switch {
	case errors.Is(err, snapshot.ErrNoStore):
		log.Info("snapshot disabled; CONT will replay nothing")
	case err != nil:
		return fmt.Errorf("open snapshot store: %w", err)
	default:
		log.Info("snapshot enabled", "store", store.String())
	}
	bridge := snapshot.NewBridge(store, log)
	defer bridge.Close()

	var sink events.Sink
	if cfg.NATSURL != "" {
		nc, err := events.ConnectNATS(cfg.NATSURL, log)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer nc.Drain()
		sink = events.NewNATSSink(nc, cfg.NATSSubject)
		log.Info("publishing lock events", "url", cfg.NATSURL, "subject", cfg.NATSSubject)
	}
	bus := events.NewBus(sink, log)

	reg := metrics.NewRegistry()
	metrics.Register(reg)

	lm := lock.NewManager(cfg, log, lock.WithNotifier(bus))
	srv := server.New(lm, bridge, cfg, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if cfg.MetricsListen != "" {
		hs := &http.Server{
			Addr:              cfg.MetricsListen,
			Handler:           srv.Handler(reg, bus),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("management listener", "addr", cfg.MetricsListen)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("management listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server error", "err", err)
		return err
	}
	return nil
}
