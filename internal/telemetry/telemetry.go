// Package telemetry bootstraps the otel tracer/meter used across storage
// backends and the reindex worker. It is a no-op until Init is called,
// mirroring the teacher's delegating-provider pattern: instruments are
// registered against the global provider at package init time so they
// start forwarding automatically once a real provider is installed.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

const InstrumentationName = "github.com/beads-health/resourcestore"

// Init installs an otel SDK meter provider that exports via the given
// reader (e.g. a prometheus exporter's Reader, or a periodic-export
// reader wrapping an OTLP exporter). Passing a nil reader installs a
// provider with no readers, which still services instrument creation but
// never exports.
func Init(ctx context.Context, reader sdkmetric.Reader) (shutdown func(context.Context) error, err error) {
	opts := []sdkmetric.Option{}
	if reader != nil {
		opts = append(opts, sdkmetric.WithReader(reader))
	}
	provider := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	return func(shutdownCtx context.Context) error {
		if err := provider.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("telemetry shutdown: %w", err)
		}
		return nil
	}, nil
}

// Tracer returns the shared tracer for instrumenting store/worker spans.
// Callers that need to set span attributes import
// go.opentelemetry.io/otel/trace directly; the returned value satisfies
// trace.Tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(InstrumentationName)
}
