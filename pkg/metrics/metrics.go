// Package metrics exports the latest speed-test values for Prometheus.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"speedtest-mqtt/pkg/models"
)

const (
	OutcomeOK      = "ok"
	OutcomeFailed  = "failed"
	OutcomeSkipped = "skipped"
)

type Metrics struct {
	registry *prometheus.Registry

	download    prometheus.Gauge
	upload      prometheus.Gauge
	latency     prometheus.Gauge
	bufferBloat prometheus.Gauge
	runs        *prometheus.CounterVec
	duration    prometheus.Histogram
}

// New registers all collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		download: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedtest_download_mbps",
			Help: "Download speed of the last measurement in Mbit/s.",
		}),
		upload: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedtest_upload_mbps",
			Help: "Upload speed of the last measurement in Mbit/s.",
		}),
		latency: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedtest_latency_ms",
			Help: "Unloaded latency of the last measurement in milliseconds.",
		}),
		bufferBloat: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "speedtest_buffer_bloat_ms",
			Help: "Latency increase under load of the last measurement in milliseconds.",
		}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "speedtest_measurements_total",
			Help: "Measurements by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "speedtest_measurement_duration_seconds",
			Help:    "Wall time of one measurement.",
			Buckets: []float64{5, 10, 15, 20, 30, 45, 60, 90, 120},
		}),
	}
	m.registry.MustRegister(m.download, m.upload, m.latency, m.bufferBloat, m.runs, m.duration)
	return m
}

// ObserveResult records a finished measurement. Gauges are only updated
// when the result was good enough to publish.
func (m *Metrics) ObserveResult(r models.MeasurementResult, published bool, took time.Duration) {
	m.duration.Observe(took.Seconds())
	if !published {
		m.runs.WithLabelValues(OutcomeSkipped).Inc()
		return
	}
	m.runs.WithLabelValues(OutcomeOK).Inc()
	m.download.Set(r.DownloadSpeed)
	m.upload.Set(r.UploadSpeed)
	m.latency.Set(r.Latency)
	m.bufferBloat.Set(r.BufferBloat)
}

func (m *Metrics) ObserveFailure(took time.Duration) {
	m.duration.Observe(took.Seconds())
	m.runs.WithLabelValues(OutcomeFailed).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("serving metrics", "component", "metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
