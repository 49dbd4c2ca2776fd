package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	portalauth "github.com/MrEthical07/portalauth"
	otelexport "github.com/MrEthical07/portalauth/metrics/export/otel"
)

// telemetry is the process meter provider. Collection is pull-based: each request
// to the snapshot handler runs the registered callbacks through the manual reader.
type telemetry struct {
	provider *sdkmetric.MeterProvider
	reader   *sdkmetric.ManualReader
	exporter *otelexport.Exporter
}

// newTelemetry installs an SDK meter provider as the global one and registers the
// orchestrator's instruments on it.
func newTelemetry(o *portalauth.Orchestrator) (*telemetry, error) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	exp, err := otelexport.New(provider.Meter("portalauth"), o)
	if err != nil {
		_ = provider.Shutdown(context.Background())
		return nil, fmt.Errorf("otel exporter: %w", err)
	}
	return &telemetry{provider: provider, reader: reader, exporter: exp}, nil
}

func (t *telemetry) Close(ctx context.Context) error {
	_ = t.exporter.Close()
	return t.provider.Shutdown(ctx)
}

// Handler serves the collected int64 points as a flat JSON object keyed by
// instrument name.
func (t *telemetry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rm metricdata.ResourceMetrics
		if err := t.reader.Collect(r.Context(), &rm); err != nil {
			http.Error(w, "collect failed", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(flattenMetrics(rm))
	})
}

func flattenMetrics(rm metricdata.ResourceMetrics) map[string]int64 {
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Gauge[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] = dp.Value
				}
			}
		}
	}
	return out
}
