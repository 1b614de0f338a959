package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"clinic-smsgw/coding"
)

// PrometheusExporter serves a registry on its own listener.
type PrometheusExporter struct {
	Path     string
	Listen   string
	Registry *prometheus.Registry
}

// Start serves metrics until ctx is done.
func (e *PrometheusExporter) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(e.Path, promhttp.HandlerFor(e.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: e.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// MetricExporter reports broadcast and message totals from the Tracker.
type MetricExporter struct {
	desc     map[string]*prometheus.Desc
	tracker  *Tracker
	carriers func() int
}

func NewMetricExporter(serverID string, tracker *Tracker, carriers func() int) *MetricExporter {
	labels := prometheus.Labels{"server_id": serverID}
	return &MetricExporter{
		desc: map[string]*prometheus.Desc{
			"broadcasts":    prometheus.NewDesc("smsgw_broadcasts", "Broadcasts known to this server by status", []string{"status"}, labels),
			"messages":      prometheus.NewDesc("smsgw_messages_total", "Recipient outcomes across all broadcasts", []string{"status"}, labels),
			"segments":      prometheus.NewDesc("smsgw_segments_sent_total", "SMS segments handed to carriers", []string{"encoding"}, labels),
			"carriers":      prometheus.NewDesc("smsgw_carriers_enabled", "Number of enabled carriers", nil, labels),
			"server_status": prometheus.NewDesc("smsgw_server_status", "General OK status of the server", nil, labels),
		},
		tracker:  tracker,
		carriers: carriers,
	}
}

func (e *MetricExporter) Describe(ch chan<- *prometheus.Desc) {
	for _, desc := range e.desc {
		ch <- desc
	}
}

func (e *MetricExporter) Collect(ch chan<- prometheus.Metric) {
	totals := e.tracker.Totals()

	for _, status := range allStatuses {
		ch <- prometheus.MustNewConstMetric(e.desc["broadcasts"], prometheus.GaugeValue, float64(totals.ByStatus[status]), string(status))
	}
	for _, status := range []MsgStatus{MsgStatusSent, MsgStatusFailed, MsgStatusSkipped} {
		ch <- prometheus.MustNewConstMetric(e.desc["messages"], prometheus.CounterValue, float64(totals.Messages[status]), string(status))
	}
	for _, enc := range []coding.Encoding{coding.GSM7, coding.UCS2} {
		ch <- prometheus.MustNewConstMetric(e.desc["segments"], prometheus.CounterValue, float64(totals.Segments[enc]), string(enc))
	}
	ch <- prometheus.MustNewConstMetric(e.desc["carriers"], prometheus.GaugeValue, float64(e.carriers()))
	ch <- prometheus.MustNewConstMetric(e.desc["server_status"], prometheus.GaugeValue, 1)
}
