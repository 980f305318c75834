package telemetry

import (
	"log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/sdk/metric"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// InitMetrics initializes the Prometheus exporter and sets the global meter provider
func InitMetrics() error {
	exporter, err := prometheus.New()
	if err != nil {
		return err
	}

	provider := metric.NewMeterProvider(
		metric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)

	// Initialize instruments
	holder := GetGlobalMetrics()
	meter := provider.Meter("execcore")
	if err := holder.InitMetrics(meter); err != nil {
		log.Printf("Failed to initialize instruments: %v", err)
		return err
	}

	return nil
}

// GetMeter returns a meter for name from the global provider InitMetrics
// installs. Kept from the teacher's OTel bootstrap for pkg/websocket.Client's
// span/metric instrumentation, which calls it directly rather than taking a
// meter by injection.
func GetMeter(name string) otelmetric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// GetTracer returns a tracer for name from the global provider. No component
// in this tree installs a trace provider (the teacher's separate stdout
// trace/log bootstrap was dropped — see DESIGN.md), so this currently
// resolves to the no-op default tracer; pkg/websocket.Client still calls it
// so a real provider can be wired in later without touching that call site.
func GetTracer(name string) oteltrace.Tracer {
	return otel.GetTracerProvider().Tracer(name)
}
