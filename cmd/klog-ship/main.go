package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	klog "github.com/klogsdk/klog-go"
	"github.com/klogsdk/klog-go/internal/config"
	"github.com/klogsdk/klog-go/internal/health"
	"github.com/klogsdk/klog-go/internal/ingest"
	"github.com/klogsdk/klog-go/internal/logging"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "klog-ship: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := config.Parse(args)
	if err != nil {
		return err
	}
	if cfg.ShowHelp {
		config.PrintUsage(stdout)
		return nil
	}
	if cfg.ShowVersion {
		config.PrintVersion(stdout)
		return nil
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	var zl *zap.Logger
	if cfg.LogFile != "" {
		var closer io.Closer
		zl, closer = logging.NewFileZapLogger(logging.FileConfig{
			Path:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
		}, level)
		defer closer.Close()
	} else {
		zl = logging.NewZapLogger(stderr, level)
	}
	defer func() { _ = zl.Sync() }()
	logger := logging.NewWithSink(logging.NewZapSink(zl), level)

	if cfg.MemoryLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemoryLimitRatio),
			memlimit.WithProvider(memlimit.FromCgroup),
		)
		if err != nil {
			logger.Debug("memory limit not set", logging.F("error", err.Error()))
		} else {
			logger.Info("memory limit set", logging.F("gomemlimit_bytes", limit))
		}
	}

	cc := cfg.ClientConfig()
	cc.LogSink = logging.NewZapSink(zl)
	client, err := klog.NewWithConfig(cc)
	if err != nil {
		return err
	}

	checker := health.New()
	checker.Register("queue", health.QueueCheck(func() int64 { return client.Stats().QueueLength }, cfg.QueueSize, 0.9))
	checker.Register("delivery", health.DeliveryCheck(func() (uint64, uint64) {
		s := client.Stats()
		return s.BatchesSent, s.SendErrors
	}))

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(client.Registry(), promhttp.HandlerOpts{}))
		checker.Mount(mux)
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("metrics endpoint started", logging.F("addr", cfg.MetricsAddr, "path", "/metrics"))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server error", logging.F("error", err.Error()))
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("klog-ship started", logging.F(
		"endpoint", client.Endpoint(),
		"project", cfg.Project,
		"pool", cfg.Pool,
		"inputs", len(cfg.Inputs),
	))

	type result struct {
		n   int64
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := ingest.Run(ctx, cfg.Inputs, stdin, client, ingest.Options{
			Project: cfg.Project,
			Pool:    cfg.Pool,
			JSON:    cfg.JSON,
		})
		done <- result{n, err}
	}()

	// A reader blocked on stdin cannot be interrupted; on a signal shutdown
	// proceeds without it.
	var runErr error
	select {
	case r := <-done:
		if r.err != nil && !errors.Is(r.err, klog.ErrClosed) {
			runErr = r.err
		}
		logger.Info("inputs exhausted", logging.F("records", r.n))
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	checker.SetShuttingDown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := client.Close(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}

	s := client.Stats()
	logger.Info("shutdown complete", logging.F(
		"records_sent", s.RecordsSent,
		"records_dropped", s.RecordsDropped,
		"batches_sent", s.BatchesSent,
	))
	return runErr
}
