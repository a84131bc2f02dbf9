package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"liftdispatch/src/api"
	"liftdispatch/src/config"
	"liftdispatch/src/dispatcher"
	"liftdispatch/src/eventlog"
	"liftdispatch/src/network"
	"liftdispatch/src/utils"

	"github.com/rs/zerolog"
)

const (
	eventHistory    = 10_000
	httpGrace       = 5 * time.Second
	tripGrace       = 30 * time.Second
	feedLossTimeout = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "YAML config file")
	envPath := flag.String("env", "", ".env file loaded before the process environment")
	collector := flag.Bool("collector", false, "Receive events from remote dispatchers instead of dispatching")
	monitor := flag.Bool("monitor", false, "Log the status feed of other dispatchers instead of dispatching")
	nodeID := flag.String("id", "", "Node id on the status feed (default: hostname)")
	flag.Parse()

	cfg, err := config.Load(*configPath, *envPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 1
	}
	logCloser, err := utils.InitLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return 1
	}
	defer logCloser.Close()
	zerolog.TimeFieldFormat = time.RFC3339Nano

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch {
	case *collector:
		err = runCollector(ctx, cfg)
	case *monitor:
		err = runMonitor(ctx, cfg)
	default:
		if *nodeID == "" {
			*nodeID, _ = os.Hostname()
		}
		err = runDispatcher(ctx, cfg, *nodeID)
	}
	if err != nil {
		slog.Error("Exiting", "err", err)
		return 1
	}
	return 0
}

func runDispatcher(ctx context.Context, cfg config.Config, nodeID string) error {
	history := eventlog.NewMemorySink(eventHistory)
	sinks := eventlog.MultiSink{history}
	var closers []io.Closer

	if cfg.AuditLogPath != "" {
		audit, err := eventlog.OpenAuditLog(cfg.AuditLogPath)
		if err != nil {
			return err
		}
		sinks = append(sinks, audit)
		closers = append(closers, audit)
	}
	if cfg.EventCollectorAddr != "" {
		remote := eventlog.NewQUICSink(cfg.EventCollectorAddr)
		sinks = append(sinks, remote)
		closers = append(closers, remote)
	}
	rec := eventlog.NewRecorder(sinks, cfg.EventBuffer)

	d := dispatcher.New(cfg, rec)
	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		d.Run(runCtx)
		close(runDone)
	}()

	if cfg.StatusFeedAddr != "" {
		go func() {
			err := network.Transmitter(ctx, cfg.StatusFeedAddr, nodeID, cfg.StatusFeedInterval, d.Elevators)
			if err != nil {
				slog.Error("Status feed stopped", "err", err)
			}
		}()
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewHandler(d, history, cfg.MaxTripDuration()/2),
		ReadHeaderTimeout: 5 * time.Second,
	}
	srvErr := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	var exitErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-srvErr:
		exitErr = fmt.Errorf("http server: %w", err)
	}

	httpCtx, cancelHTTP := context.WithTimeout(context.Background(), httpGrace)
	defer cancelHTTP()
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Warn("HTTP shutdown", "err", err)
	}

	tripCtx, cancelTrips := context.WithTimeout(context.Background(), tripGrace)
	defer cancelTrips()
	if err := d.Shutdown(tripCtx); err != nil {
		slog.Warn("Trips aborted at shutdown", "err", err)
	}
	cancelRun()
	<-runDone

	rec.Close()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			slog.Warn("Closing event sink", "err", err)
		}
	}
	stats := rec.Stats()
	slog.Info("Stopped", "events", stats.Recorded, "dropped", stats.Dropped, "sink_failures", stats.Failed)
	return exitErr
}

func runCollector(ctx context.Context, cfg config.Config) error {
	var audit *eventlog.AuditSink
	if cfg.AuditLogPath != "" {
		var err error
		if audit, err = eventlog.OpenAuditLog(cfg.AuditLogPath); err != nil {
			return err
		}
		defer audit.Close()
	} else {
		audit = eventlog.NewAuditSink(os.Stdout)
	}

	collector, err := eventlog.ListenCollector(cfg.CollectorListenAddr)
	if err != nil {
		return err
	}
	slog.Info("Event collector listening", "addr", collector.Addr())
	return collector.Serve(ctx, audit)
}

func runMonitor(ctx context.Context, cfg config.Config) error {
	if cfg.StatusFeedAddr == "" {
		return errors.New("monitor needs STATUS_FEED_ADDR")
	}
	rx, err := network.NewReceiver(cfg.StatusFeedAddr, feedLossTimeout)
	if err != nil {
		return err
	}
	updates := make(chan network.FeedUpdate)
	go func() {
		if err := rx.Run(ctx, updates); err != nil {
			slog.Error("Status feed receiver stopped", "err", err)
		}
	}()
	slog.Info("Monitoring status feed", "addr", rx.Addr())

	for {
		select {
		case <-ctx.Done():
			return nil
		case u := <-updates:
			if u.New != "" {
				slog.Info("Node joined", "node", u.New, "nodes", u.Nodes)
			}
			if len(u.Lost) > 0 {
				slog.Warn("Nodes lost", "lost", u.Lost, "nodes", u.Nodes)
			}
			if u.Status != nil {
				for _, e := range u.Status.Elevators {
					slog.Debug("Elevator", "node", u.Status.NodeID, "id", e.ID, "floor", e.Floor,
						"state", e.State, "direction", e.Dir)
				}
			}
		}
	}
}
