// Package obs owns the gateway's OTel metrics: meter provider setup with a
// configurable exporter, and the pipeline instruments recorded per
// transaction.
package obs

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Exporter selectors.
const (
	ExporterStdout   = "stdout"
	ExporterOTLPGRPC = "otlp-grpc"
	ExporterOTLPHTTP = "otlp-http"
)

// Config selects and tunes the metric exporter. An empty Exporter disables
// metrics entirely.
type Config struct {
	Exporter string
	Endpoint string

	// ExportInterval is the time between exports. Default: 10s
	ExportInterval time.Duration

	// ExportTimeout is the timeout for each export. Default: 30s
	ExportTimeout time.Duration
}

// MeterSetup holds the meter provider and the pipeline instruments.
type MeterSetup struct {
	meterProvider *sdkmetric.MeterProvider
	metrics       *PipelineMetrics
}

// NewMeterSetup builds the exporter named by cfg and registers a global
// meter provider around it. A disabled config returns a setup whose Metrics
// are nil; PipelineMetrics methods tolerate that.
func NewMeterSetup(ctx context.Context, cfg Config) (*MeterSetup, error) {
	if cfg.Exporter == "" {
		return &MeterSetup{}, nil
	}
	if cfg.ExportInterval <= 0 {
		cfg.ExportInterval = 10 * time.Second
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 30 * time.Second
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("build %s metric exporter: %w", cfg.Exporter, err)
	}

	reader := sdkmetric.NewPeriodicReader(
		exporter,
		sdkmetric.WithInterval(cfg.ExportInterval),
		sdkmetric.WithTimeout(cfg.ExportTimeout),
	)
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(meterProvider)

	metrics, err := NewPipelineMetrics(meterProvider.Meter(scopeName))
	if err != nil {
		_ = meterProvider.Shutdown(ctx)
		return nil, fmt.Errorf("create pipeline metrics: %w", err)
	}

	return &MeterSetup{
		meterProvider: meterProvider,
		metrics:       metrics,
	}, nil
}

func newExporter(ctx context.Context, cfg Config) (sdkmetric.Exporter, error) {
	switch cfg.Exporter {
	case ExporterStdout:
		return stdoutmetric.New()
	case ExporterOTLPGRPC:
		var opts []otlpmetricgrpc.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.Endpoint), otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	case ExporterOTLPHTTP:
		var opts []otlpmetrichttp.Option
		if cfg.Endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.Endpoint), otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("unknown exporter %q", cfg.Exporter)
	}
}

// Metrics returns the pipeline instruments, nil when metrics are disabled.
func (ms *MeterSetup) Metrics() *PipelineMetrics {
	return ms.metrics
}

// Shutdown flushes and stops the meter provider.
func (ms *MeterSetup) Shutdown(ctx context.Context) error {
	if ms.meterProvider == nil {
		return nil
	}
	return ms.meterProvider.Shutdown(ctx)
}
