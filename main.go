package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := LoadConfig(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	lm := NewLogManager(cfg)

	gateway, err := NewGateway(ctx, cfg, lm)
	if err != nil {
		lm.SendLog(lm.BuildLog("Startup", "failed to create gateway", logrus.ErrorLevel, nil, err))
		os.Exit(1)
	}
	defer gateway.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewMetricExporter(cfg.ServerID, gateway.Tracker, func() int { return len(gateway.Carriers) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	exporter := &PrometheusExporter{
		Path:     cfg.PrometheusPath,
		Listen:   cfg.PrometheusListen,
		Registry: registry,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return gateway.runWorkers(gctx) })
	g.Go(func() error { return gateway.serveWeb(gctx) })
	g.Go(func() error { return exporter.Start(gctx) })

	if err := g.Wait(); err != nil {
		lm.SendLog(lm.BuildLog("Shutdown", "server stopped with error", logrus.ErrorLevel, nil, err))
		gateway.Close()
		os.Exit(1)
	}
	lm.SendLog(lm.BuildLog("Shutdown", "stopped", logrus.InfoLevel, nil))
}
