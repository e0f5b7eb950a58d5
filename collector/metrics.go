package collector

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config Metrics, updated whenever a ConfigSource stores a new Config.
var (
	configSampleSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "url_metrics_collector_config_sample_size",
		Help: "The configured number of fresh URL Metrics that complete a group",
	})
	configGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "url_metrics_collector_config_groups",
		Help: "The number of viewport groups, one more than the number of breakpoints",
	})
	configFreshnessTTL = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "url_metrics_collector_config_freshness_ttl_seconds",
		Help: "The configured URL Metric freshness TTL",
	})
	configReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "url_metrics_collector_config_loads",
		Help: "The number of times a config was put into effect",
	})
)

func observeConfig(c *Config) {
	configSampleSize.Set(float64(c.SampleSize))
	configGroups.Set(float64(len(c.Breakpoints) + 1))
	configFreshnessTTL.Set(c.FreshnessTTL.Seconds())
	configReloads.Inc()
}

func metricsMux() *http.ServeMux {
	metricMux := http.NewServeMux()
	metricMux.Handle("/metrics", promhttp.Handler())
	return metricMux
}

// RunMetricsServer creates an HTTP server that listens on the supplied
// `addr` and serves Prometheus metrics on `/metrics`.  It returns once
// ctx is done and the server has shut down.
func RunMetricsServer(ctx context.Context, addr string) error {
	s := &http.Server{
		Addr:              addr,
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Shutdown(shutdownCtx)
	}()
	err := s.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
