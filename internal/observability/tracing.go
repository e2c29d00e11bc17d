package observability

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/incident-connector/internal/logging"
)

// TracerName names the tracer used for connector spans.
const TracerName = "github.com/signalsfoundry/incident-connector"

// Environment variables read by TracingConfigFromEnv.
const (
	EnvTracingEnabled     = "CONNECTOR_TRACING_ENABLED"
	EnvTracingExporter    = "CONNECTOR_TRACING_EXPORTER"
	EnvTracingServiceName = "CONNECTOR_TRACING_SERVICE_NAME"
	EnvTracingSampleRatio = "CONNECTOR_TRACING_SAMPLE_RATIO"
	EnvOTLPEndpoint       = "CONNECTOR_OTLP_ENDPOINT"
)

// Tracer returns the connector tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}

// TracingConfig governs how connector tracing is initialised.
type TracingConfig struct {
	Enabled bool
	// ServiceName is reported as service.name.
	// Default: "incident-connector"
	ServiceName string
	// Exporter is stdout or otlp.
	// Default: "stdout"
	Exporter string
	// Endpoint of the OTLP gRPC collector.
	// Default: "localhost:4317"
	Endpoint string
	// SampleRatio of root spans kept, in [0, 1].
	// Default: 1
	SampleRatio float64
	// Output receives stdout-exported spans. Spans go to stderr by default
	// so they do not mix with command output.
	Output io.Writer
}

// DefaultTracingConfig returns a disabled config with defaults filled in.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		ServiceName: "incident-connector",
		Exporter:    "stdout",
		Endpoint:    "localhost:4317",
		SampleRatio: 1,
	}
}

// ApplyDefaults fills zero values from DefaultTracingConfig. Out of range
// ratios fall back to sampling everything.
func (c *TracingConfig) ApplyDefaults() {
	def := DefaultTracingConfig()
	if c.ServiceName == "" {
		c.ServiceName = def.ServiceName
	}
	c.Exporter = strings.ToLower(c.Exporter)
	if c.Exporter == "" {
		c.Exporter = def.Exporter
	}
	if c.Endpoint == "" {
		c.Endpoint = def.Endpoint
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		c.SampleRatio = def.SampleRatio
	}
}

// TracingConfigFromEnv reads the CONNECTOR_* tracing variables.
func TracingConfigFromEnv() TracingConfig {
	return TracingConfigFromLookup(os.LookupEnv)
}

// TracingConfigFromLookup builds a config from an environment lookup.
// Unparsable values keep their defaults.
func TracingConfigFromLookup(lookup func(string) (string, bool)) TracingConfig {
	cfg := DefaultTracingConfig()
	if v, ok := lookup(EnvTracingEnabled); ok {
		cfg.Enabled, _ = strconv.ParseBool(strings.TrimSpace(v))
	}
	if v, ok := lookup(EnvTracingExporter); ok && v != "" {
		cfg.Exporter = v
	}
	if v, ok := lookup(EnvTracingServiceName); ok && v != "" {
		cfg.ServiceName = v
	}
	if v, ok := lookup(EnvTracingSampleRatio); ok {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.SampleRatio = ratio
		}
	}
	if v, ok := lookup(EnvOTLPEndpoint); ok && v != "" {
		cfg.Endpoint = v
	}
	cfg.ApplyDefaults()
	return cfg
}

// InitTracing installs the global tracer provider and propagators and
// returns a shutdown func that flushes pending spans. When tracing is
// disabled a noop provider is installed and shutdown does nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	cfg.ApplyDefaults()
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("service.namespace", "traffic"),
			attribute.String("service.instance.id", uuid.NewString()),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		out := cfg.Output
		if out == nil {
			out = os.Stderr
		}
		return stdouttrace.New(stdouttrace.WithWriter(out), stdouttrace.WithoutTimestamps())
	case "otlp", "otlpgrpc":
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	default:
		return nil, fmt.Errorf("unsupported tracing exporter %q", cfg.Exporter)
	}
}

// ShutdownWithTimeout flushes spans within five seconds. Errors are only
// logged.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
