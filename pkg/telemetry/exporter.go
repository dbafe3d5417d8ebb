// ABOUTME: OpenTelemetry exporter factory for creating metric readers and trace exporters (Prometheus, OTLP, stdout)
// ABOUTME: Handles configuration and creation of the telemetry export destinations

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/trace"

	"github.com/KevoDB/flashkv/pkg/common/log"
)

// createMetricReaders creates metric readers based on configuration. The
// prometheus exporter is pull based, so it comes with an HTTP server that is
// started by the caller.
func createMetricReaders(cfg Config) ([]metric.Reader, *metricsServer, error) {
	var (
		readers []metric.Reader
		server  *metricsServer
	)

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case ExporterPrometheus:
			registry := prometheus.NewRegistry()
			exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
			}
			readers = append(readers, exporter)
			server = newMetricsServer(cfg.PrometheusPort, registry)

		case ExporterStdout:
			exporter, err := createStdoutMetricExporter(cfg)
			if err != nil {
				return nil, nil, fmt.Errorf("failed to create stdout metric exporter: %w", err)
			}
			readers = append(readers, metric.NewPeriodicReader(exporter,
				metric.WithInterval(cfg.MetricInterval),
				metric.WithTimeout(cfg.ExportTimeout),
			))

		default:
			// otlp carries traces only
			continue
		}
	}

	return readers, server, nil
}

// createTraceExporters creates trace exporters based on configuration.
func createTraceExporters(cfg Config) ([]trace.SpanExporter, error) {
	var exporters []trace.SpanExporter

	for _, exporterName := range cfg.Exporters {
		switch exporterName {
		case ExporterOTLP:
			exporter, err := createOTLPTraceExporter(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		case ExporterStdout:
			exporter, err := createStdoutTraceExporter(cfg)
			if err != nil {
				return nil, fmt.Errorf("failed to create stdout trace exporter: %w", err)
			}
			exporters = append(exporters, exporter)

		default:
			// prometheus doesn't carry traces
			continue
		}
	}

	return exporters, nil
}

func createStdoutMetricExporter(cfg Config) (metric.Exporter, error) {
	return stdoutmetric.New(
		stdoutmetric.WithWriter(cfg.writer()),
		stdoutmetric.WithPrettyPrint(),
	)
}

func createOTLPTraceExporter(cfg Config) (trace.SpanExporter, error) {
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.OTLPEndpoint, "http://"), "https://")
	return otlptracegrpc.New(
		context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(cfg.ExportTimeout),
	)
}

func createStdoutTraceExporter(cfg Config) (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(cfg.writer()),
		stdouttrace.WithPrettyPrint(),
	)
}

// metricsServer serves the prometheus registry on /metrics.
type metricsServer struct {
	srv    *http.Server
	logger log.Logger
}

func newMetricsServer(port int, registry *prometheus.Registry) *metricsServer {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	return &metricsServer{
		srv: &http.Server{
			Addr:              net.JoinHostPort("", strconv.Itoa(port)),
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: log.GetDefaultLogger(),
	}
}

// start binds the listen address and serves in the background. A bind
// failure is logged and returned; the store keeps running without the endpoint.
func (s *metricsServer) start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		s.logger.Error("Metrics endpoint on %s unavailable: %v", s.srv.Addr, err)
		return fmt.Errorf("listening on %s: %w", s.srv.Addr, err)
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Metrics endpoint on %s stopped: %v", s.srv.Addr, err)
		}
	}()
	return nil
}

func (s *metricsServer) shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
